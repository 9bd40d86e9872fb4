package domain

import (
	"encoding/json"
	"time"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskCreated   TaskState = "CREATED"
	TaskStarted   TaskState = "STARTED"
	TaskSucceeded TaskState = "SUCCEEDED"
	TaskFailed    TaskState = "FAILED"
	TaskExpired   TaskState = "EXPIRED"
	TaskCancelled TaskState = "CANCELLED"
)

// TaskStates lists every task state, useful for registering callbacks.
var TaskStates = []TaskState{TaskCreated, TaskStarted, TaskSucceeded, TaskFailed, TaskExpired, TaskCancelled}

// Terminal reports whether no further transition is possible from s.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskExpired, TaskCancelled:
		return true
	}
	return false
}

var taskTransitions = map[TaskState]map[TaskState]struct{}{
	TaskCreated: {
		TaskStarted:   {},
		TaskCancelled: {},
		TaskExpired:   {},
	},
	TaskStarted: {
		TaskSucceeded: {},
		TaskFailed:    {},
		TaskCancelled: {},
		TaskExpired:   {},
	},
}

// ValidTaskTransition reports whether from -> to is an allowed edge.
func ValidTaskTransition(from, to TaskState) bool {
	_, ok := taskTransitions[from][to]
	return ok
}

// Task is a single schedulable, retryable unit of work.
type Task struct {
	ID                  string          `json:"id"`
	ScheduleID          *string         `json:"schedule_id,omitempty"`
	Name                string          `json:"name"`
	Payload             json.RawMessage `json:"payload"`
	GroupKey            string          `json:"group_key"`
	GroupMaxConcurrency int             `json:"group_max_concurrency"`
	State               TaskState       `json:"state"`
	Terminated          bool            `json:"terminated"`
	RetryMax            int             `json:"retry_max"`
	RetryCount          int             `json:"retry_count"`
	RetryKey            *string         `json:"retry_key,omitempty"`
	OwnerKey            *string         `json:"owner_key,omitempty"`

	CreatedAt             time.Time `json:"created_at"`
	StartsAfter           time.Time `json:"starts_after"`
	LastStateTransitionAt time.Time `json:"last_state_transition_at"`
	LastHeartbeatAt       time.Time `json:"last_heartbeat_at"`

	CreatedToStartedTimeoutSecs   int `json:"created_to_started_timeout_secs"`
	StartedToCompletedTimeoutSecs int `json:"started_to_completed_timeout_secs"`
	HeartbeatTimeoutSecs          int `json:"heartbeat_timeout_secs"`

	Output json.RawMessage `json:"output,omitempty"`
}

// TaskProps is the caller-supplied part of a new task. Zero StartsAfter
// means "eligible immediately".
type TaskProps struct {
	Name                          string          `json:"name"`
	Payload                       json.RawMessage `json:"payload"`
	GroupKey                      string          `json:"group_key"`
	GroupMaxConcurrency           int             `json:"group_max_concurrency"`
	RetryMax                      int             `json:"retry_max"`
	RetryCount                    int             `json:"retry_count"`
	RetryKey                      *string         `json:"retry_key,omitempty"`
	ScheduleID                    *string         `json:"schedule_id,omitempty"`
	StartsAfter                   time.Time       `json:"starts_after,omitempty"`
	CreatedToStartedTimeoutSecs   int             `json:"created_to_started_timeout_secs"`
	StartedToCompletedTimeoutSecs int             `json:"started_to_completed_timeout_secs"`
	HeartbeatTimeoutSecs          int             `json:"heartbeat_timeout_secs"`
}

// ScheduleState is the lifecycle state of a schedule.
type ScheduleState string

const (
	ScheduleStarted ScheduleState = "STARTED"
	SchedulePaused  ScheduleState = "PAUSED"
	ScheduleDeleted ScheduleState = "DELETED"
)

var scheduleTransitions = map[ScheduleState]map[ScheduleState]struct{}{
	ScheduleStarted: {
		SchedulePaused:  {},
		ScheduleDeleted: {},
	},
	SchedulePaused: {
		ScheduleStarted: {},
		ScheduleDeleted: {},
	},
}

// ValidScheduleTransition reports whether from -> to is an allowed edge.
// Nothing transitions out of DELETED.
func ValidScheduleTransition(from, to ScheduleState) bool {
	_, ok := scheduleTransitions[from][to]
	return ok
}

// Schedule is a recurring template that periodically materializes tasks.
type Schedule struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	State    ScheduleState   `json:"state"`
	Payload  json.RawMessage `json:"payload"`
	GroupKey string          `json:"group_key"`
	RetryMax int             `json:"retry_max"`

	StartsAt  time.Time     `json:"starts_at"`
	Frequency time.Duration `json:"-"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	DeletedAt *time.Time    `json:"deleted_at,omitempty"`

	CreatedToStartedTimeoutSecs   int `json:"created_to_started_timeout_secs"`
	StartedToCompletedTimeoutSecs int `json:"started_to_completed_timeout_secs"`
	HeartbeatTimeoutSecs          int `json:"heartbeat_timeout_secs"`

	// Denormalized pointer to the most recently spawned task. A cache, not
	// the source of truth for that task's state.
	LastScheduledTaskID    *string    `json:"last_scheduled_task_id,omitempty"`
	LastScheduledTaskState *TaskState `json:"last_scheduled_task_state,omitempty"`

	// NextExecutionAt is derived on every read, never stored.
	NextExecutionAt time.Time `json:"next_execution_at"`
}

// MarshalJSON renders Frequency in milliseconds, matching the wire shape of
// schedule creation requests.
func (s Schedule) MarshalJSON() ([]byte, error) {
	type alias Schedule
	return json.Marshal(struct {
		alias
		FrequencyMs int64 `json:"frequency_ms"`
	}{alias(s), s.Frequency.Milliseconds()})
}

// NextExecutionAt derives the next execution instant. lastTerminalAt is the
// last spawned task's transition-to-terminal time, nil if the schedule never
// ran or its last task is still live.
func NextExecutionAt(startsAt time.Time, frequency time.Duration, lastTerminalAt *time.Time) time.Time {
	if lastTerminalAt == nil {
		return startsAt
	}
	return lastTerminalAt.Add(frequency)
}

// ScheduleProps is the caller-supplied part of a new schedule.
type ScheduleProps struct {
	Name                          string          `json:"name"`
	Payload                       json.RawMessage `json:"payload"`
	GroupKey                      string          `json:"group_key"`
	RetryMax                      int             `json:"retry_max"`
	StartsAt                      time.Time       `json:"starts_at"`
	Frequency                     time.Duration   `json:"-"`
	CreatedToStartedTimeoutSecs   int             `json:"created_to_started_timeout_secs"`
	StartedToCompletedTimeoutSecs int             `json:"started_to_completed_timeout_secs"`
	HeartbeatTimeoutSecs          int             `json:"heartbeat_timeout_secs"`
}
