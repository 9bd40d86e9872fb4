// Package scheduler is the entry point for everything that creates, claims
// or completes tasks: the facade used by callers and workers, the scheduling
// daemon that materializes due schedules, the monitor that expires stuck
// tasks, and the retention job.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"flowline/internal/domain"
	"flowline/internal/store"
)

// SchedulingMode selects how a task is placed on the queue.
type SchedulingMode string

// Immediate is the only mode: the task becomes eligible at StartsAfter
// (or right away when StartsAfter is zero).
const Immediate SchedulingMode = "immediate"

// Callback observes a task after one of its state transitions committed.
type Callback func(task domain.Task)

// Callbacks maps task states to observers. Missing entries are fine.
type Callbacks map[domain.TaskState]Callback

// Scheduler wraps the store's task operations in a single facade, dispatches
// callbacks on every state transition, enforces the retry policy and owns
// the monitor daemon. It holds no mutable state beyond the callback map, so
// any number of processes can run one against the same database.
type Scheduler struct {
	store   *store.Store
	on      Callbacks
	log     zerolog.Logger
	monitor *Monitor
}

// New builds a Scheduler and starts its monitor daemon.
func New(st *store.Store, on Callbacks, monitorInterval time.Duration, log zerolog.Logger) *Scheduler {
	s := &Scheduler{store: st, on: on, log: log}
	s.monitor = newMonitor(st, monitorInterval, s.dispatchAll, log)
	s.monitor.start()
	return s
}

// Stop halts the monitor daemon. In-flight tasks are untouched.
func (s *Scheduler) Stop() {
	s.monitor.stop()
}

// dispatch invokes the callback registered for the task's state. The
// transition is already committed, so a panicking callback is recovered and
// logged, never propagated.
func (s *Scheduler) dispatch(task domain.Task) {
	cb, ok := s.on[task.State]
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("task_id", task.ID).
				Str("state", string(task.State)).
				Interface("panic", r).
				Msg("task callback panicked")
		}
	}()
	cb(task)
}

func (s *Scheduler) dispatchAll(tasks []domain.Task) {
	for _, t := range tasks {
		s.dispatch(t)
	}
}

// Schedule enqueues one task and fires the CREATED callback.
func (s *Scheduler) Schedule(ctx context.Context, mode SchedulingMode, props domain.TaskProps) (domain.Task, error) {
	if mode != Immediate {
		return domain.Task{}, fmt.Errorf("unknown scheduling mode %q", mode)
	}
	task, err := s.store.CreateTask(ctx, props)
	if err != nil {
		return domain.Task{}, err
	}
	s.dispatch(task)
	return task, nil
}

// DequeueRequest asks for up to Limit eligible tasks in a group. OwnerKey
// identifies the claiming worker and is stamped on each claimed task.
type DequeueRequest struct {
	GroupKey string `json:"group_key"`
	Limit    int    `json:"limit"`
	OwnerKey string `json:"owner_key"`
}

// Dequeue atomically claims eligible tasks and fires one STARTED callback
// per claimed task.
func (s *Scheduler) Dequeue(ctx context.Context, req DequeueRequest) ([]domain.Task, error) {
	claimed, err := s.store.Claim(ctx, req.GroupKey, req.Limit, req.OwnerKey)
	if err != nil {
		return nil, err
	}
	s.dispatchAll(claimed)
	return claimed, nil
}

// Succeed completes a STARTED task, recording its output.
func (s *Scheduler) Succeed(ctx context.Context, taskID string, output json.RawMessage) (domain.Task, error) {
	task, err := s.store.TransitionTask(ctx, taskID, domain.TaskSucceeded, output)
	if err != nil {
		return domain.Task{}, err
	}
	s.dispatch(task)
	return task, nil
}

// Fail moves a STARTED task to FAILED. While the retry budget lasts, exactly
// one successor task is spawned with the same payload, group, retry key and
// timeouts, eligible immediately; its CREATED callback fires too.
func (s *Scheduler) Fail(ctx context.Context, taskID string) (domain.Task, error) {
	task, err := s.store.TransitionTask(ctx, taskID, domain.TaskFailed, nil)
	if err != nil {
		return domain.Task{}, err
	}
	s.dispatch(task)
	if task.RetryCount < task.RetryMax {
		_, err := s.Schedule(ctx, Immediate, domain.TaskProps{
			Name:                          task.Name,
			Payload:                       task.Payload,
			GroupKey:                      task.GroupKey,
			GroupMaxConcurrency:           task.GroupMaxConcurrency,
			RetryMax:                      task.RetryMax,
			RetryCount:                    task.RetryCount + 1,
			RetryKey:                      task.RetryKey,
			CreatedToStartedTimeoutSecs:   task.CreatedToStartedTimeoutSecs,
			StartedToCompletedTimeoutSecs: task.StartedToCompletedTimeoutSecs,
			HeartbeatTimeoutSecs:          task.HeartbeatTimeoutSecs,
		})
		if err != nil {
			s.log.Error().Err(err).Str("task_id", taskID).Msg("retrying task")
		}
	}
	return task, nil
}

// Cancel terminates a CREATED or STARTED task. Cancelled tasks are never
// retried; the running worker, if any, is expected to notice on its own.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (domain.Task, error) {
	task, err := s.store.TransitionTask(ctx, taskID, domain.TaskCancelled, nil)
	if err != nil {
		return domain.Task{}, err
	}
	s.dispatch(task)
	return task, nil
}

// Heartbeat refreshes the liveness timestamp of a STARTED task.
func (s *Scheduler) Heartbeat(ctx context.Context, taskID string) (domain.Task, error) {
	return s.store.Heartbeat(ctx, taskID)
}

// Get returns a task by id.
func (s *Scheduler) Get(ctx context.Context, taskID string) (domain.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// SearchTasks lists tasks by ids, group, states or schedule.
func (s *Scheduler) SearchTasks(ctx context.Context, params store.TaskSearch) ([]domain.Task, error) {
	return s.store.SearchTasks(ctx, params)
}

// Schedule CRUD passthroughs. Schedules have no callbacks; only their tasks
// do.

func (s *Scheduler) CreateSchedule(ctx context.Context, props domain.ScheduleProps) (domain.Schedule, error) {
	return s.store.CreateSchedule(ctx, props)
}

func (s *Scheduler) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Scheduler) UpdateSchedule(ctx context.Context, up store.ScheduleUpdate) (domain.Schedule, error) {
	return s.store.UpdateSchedule(ctx, up)
}

func (s *Scheduler) RemoveSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	return s.store.RemoveSchedule(ctx, id)
}

func (s *Scheduler) SearchSchedules(ctx context.Context, params store.ScheduleSearch) ([]domain.Schedule, error) {
	return s.store.SearchSchedules(ctx, params)
}

func (s *Scheduler) TransitionSchedule(ctx context.Context, id string, to domain.ScheduleState) (domain.Schedule, error) {
	return s.store.TransitionSchedule(ctx, id, to)
}
