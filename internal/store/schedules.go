package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"flowline/internal/domain"
)

// Schedule reads join the last spawned task so the derived next-execution
// instant can be computed from the freshest known state.
const scheduleCols = `s.id, s.name, s.state, s.payload, s.group_key, s.retry_max,
 s.starts_at, s.frequency_ms,
 s.created_to_started_timeout_secs, s.started_to_completed_timeout_secs, s.heartbeat_timeout_secs,
 s.last_scheduled_task_id, s.last_scheduled_task_state,
 s.created_at, s.updated_at, s.deleted_at,
 t.last_state_transition_at, t.terminated`

const scheduleFrom = ` FROM schedules s LEFT JOIN tasks t ON t.id = s.last_scheduled_task_id `

func scanSchedule(sc rowScanner) (domain.Schedule, error) {
	var (
		sch                   domain.Schedule
		payload               []byte
		lastTaskID, lastState sql.NullString
		startsAt, frequencyMS int64
		createdAt, updatedAt  int64
		deletedAt             sql.NullInt64
		taskTransitionAt      sql.NullInt64
		taskTerminated        sql.NullBool
	)
	err := sc.Scan(
		&sch.ID, &sch.Name, &sch.State, &payload, &sch.GroupKey, &sch.RetryMax,
		&startsAt, &frequencyMS,
		&sch.CreatedToStartedTimeoutSecs, &sch.StartedToCompletedTimeoutSecs, &sch.HeartbeatTimeoutSecs,
		&lastTaskID, &lastState,
		&createdAt, &updatedAt, &deletedAt,
		&taskTransitionAt, &taskTerminated,
	)
	if err != nil {
		return domain.Schedule{}, err
	}
	sch.Payload = payload
	sch.StartsAt = fromMS(startsAt)
	sch.Frequency = time.Duration(frequencyMS) * time.Millisecond
	sch.CreatedAt = fromMS(createdAt)
	sch.UpdatedAt = fromMS(updatedAt)
	if deletedAt.Valid {
		d := fromMS(deletedAt.Int64)
		sch.DeletedAt = &d
	}
	sch.LastScheduledTaskID = strPtr(lastTaskID)
	if lastState.Valid {
		st := domain.TaskState(lastState.String)
		sch.LastScheduledTaskState = &st
	}
	var lastTerminalAt *time.Time
	if taskTerminated.Valid && taskTerminated.Bool && taskTransitionAt.Valid {
		at := fromMS(taskTransitionAt.Int64)
		lastTerminalAt = &at
	}
	sch.NextExecutionAt = domain.NextExecutionAt(sch.StartsAt, sch.Frequency, lastTerminalAt)
	return sch, nil
}

// CreateSchedule inserts a new STARTED schedule. A zero StartsAt means
// eligible from now.
func (s *Store) CreateSchedule(ctx context.Context, props domain.ScheduleProps) (domain.Schedule, error) {
	now := time.Now()
	startsAt := props.StartsAt
	if startsAt.IsZero() {
		startsAt = now
	}
	id, err := uuid.NewV7()
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("new schedule id: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO schedules (id, name, state, payload, group_key, retry_max, starts_at, frequency_ms,
  created_to_started_timeout_secs, started_to_completed_timeout_secs, heartbeat_timeout_secs,
  last_scheduled_task_id, last_scheduled_task_state, created_at, updated_at, deleted_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,NULL,NULL,?,?,NULL)`,
		id.String(), props.Name, domain.ScheduleStarted, nullJSON(props.Payload), props.GroupKey, props.RetryMax,
		ms(startsAt), props.Frequency.Milliseconds(),
		props.CreatedToStartedTimeoutSecs, props.StartedToCompletedTimeoutSecs, props.HeartbeatTimeoutSecs,
		ms(now), ms(now))
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("creating schedule %q: %w", props.Name, err)
	}
	return domain.Schedule{
		ID:                            id.String(),
		Name:                          props.Name,
		State:                         domain.ScheduleStarted,
		Payload:                       props.Payload,
		GroupKey:                      props.GroupKey,
		RetryMax:                      props.RetryMax,
		StartsAt:                      startsAt,
		Frequency:                     props.Frequency,
		CreatedAt:                     now,
		UpdatedAt:                     now,
		CreatedToStartedTimeoutSecs:   props.CreatedToStartedTimeoutSecs,
		StartedToCompletedTimeoutSecs: props.StartedToCompletedTimeoutSecs,
		HeartbeatTimeoutSecs:          props.HeartbeatTimeoutSecs,
		NextExecutionAt:               startsAt,
	}, nil
}

// GetSchedule returns the schedule with the given id.
func (s *Store) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+scheduleFrom+`WHERE s.id=?`, id)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, fmt.Errorf("%w: schedule %q", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("getting schedule %q: %w", id, err)
	}
	return sch, nil
}

// ScheduleSearch filters SearchSchedules. Zero-valued fields are ignored.
type ScheduleSearch struct {
	Names []string
	State domain.ScheduleState
	Limit int
}

// SearchSchedules lists schedules ordered by id.
func (s *Store) SearchSchedules(ctx context.Context, params ScheduleSearch) ([]domain.Schedule, error) {
	where := []string{"1=1"}
	var args []any
	if len(params.Names) > 0 {
		where = append(where, "s.name IN ("+placeholders(len(params.Names))+")")
		for _, n := range params.Names {
			args = append(args, n)
		}
	}
	if params.State != "" {
		where = append(where, "s.state=?")
		args = append(args, params.State)
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleCols+scheduleFrom+`WHERE `+
		strings.Join(where, " AND ")+` ORDER BY s.id LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("searching schedules: %w", err)
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

// ScheduleUpdate carries the mutable template fields. Nil fields are left
// untouched. The last-task pointer is never updated through here.
type ScheduleUpdate struct {
	ID                            string
	Frequency                     *time.Duration
	Payload                       []byte
	CreatedToStartedTimeoutSecs   *int
	StartedToCompletedTimeoutSecs *int
	HeartbeatTimeoutSecs          *int
}

// UpdateSchedule applies the non-nil fields and bumps updated_at.
func (s *Store) UpdateSchedule(ctx context.Context, up ScheduleUpdate) (domain.Schedule, error) {
	set := []string{"updated_at=?"}
	args := []any{ms(time.Now())}
	if up.Frequency != nil {
		set = append(set, "frequency_ms=?")
		args = append(args, up.Frequency.Milliseconds())
	}
	if up.Payload != nil {
		set = append(set, "payload=?")
		args = append(args, []byte(up.Payload))
	}
	if up.CreatedToStartedTimeoutSecs != nil {
		set = append(set, "created_to_started_timeout_secs=?")
		args = append(args, *up.CreatedToStartedTimeoutSecs)
	}
	if up.StartedToCompletedTimeoutSecs != nil {
		set = append(set, "started_to_completed_timeout_secs=?")
		args = append(args, *up.StartedToCompletedTimeoutSecs)
	}
	if up.HeartbeatTimeoutSecs != nil {
		set = append(set, "heartbeat_timeout_secs=?")
		args = append(args, *up.HeartbeatTimeoutSecs)
	}
	args = append(args, up.ID)
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET `+strings.Join(set, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("updating schedule %q: %w", up.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Schedule{}, fmt.Errorf("%w: schedule %q", domain.ErrNotFound, up.ID)
	}
	return s.GetSchedule(ctx, up.ID)
}

// TransitionSchedule moves a schedule between STARTED and PAUSED, or to
// DELETED. Transitions out of DELETED are rejected.
func (s *Store) TransitionSchedule(ctx context.Context, id string, to domain.ScheduleState) (domain.Schedule, error) {
	var from domain.ScheduleState
	err := s.db.QueryRowContext(ctx, `SELECT state FROM schedules WHERE id=?`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, fmt.Errorf("%w: schedule %q", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("transitioning schedule %q: %w", id, err)
	}
	if !domain.ValidScheduleTransition(from, to) {
		return domain.Schedule{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStateTransition, from, to)
	}

	now := ms(time.Now())
	var res sql.Result
	if to == domain.ScheduleDeleted {
		res, err = s.db.ExecContext(ctx,
			`UPDATE schedules SET state=?, deleted_at=?, updated_at=? WHERE id=? AND state=?`,
			to, now, now, id, from)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE schedules SET state=?, updated_at=? WHERE id=? AND state=?`,
			to, now, id, from)
	}
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("transitioning schedule %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Schedule{}, fmt.Errorf("%w: schedule %q no longer %s", domain.ErrConflict, id, from)
	}
	return s.GetSchedule(ctx, id)
}

// RemoveSchedule soft-deletes a schedule. Rows are never physically removed
// here; the retention job reaps them later.
func (s *Store) RemoveSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	now := ms(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET state=?, deleted_at=?, updated_at=? WHERE id=?`,
		domain.ScheduleDeleted, now, now, id)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("removing schedule %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Schedule{}, fmt.Errorf("%w: schedule %q", domain.ErrNotFound, id)
	}
	return s.GetSchedule(ctx, id)
}

// SetLastScheduledTask records the task a schedule just spawned.
func (s *Store) SetLastScheduledTask(ctx context.Context, scheduleID, taskID string, state domain.TaskState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_scheduled_task_id=?, last_scheduled_task_state=?, updated_at=? WHERE id=?`,
		taskID, state, ms(time.Now()), scheduleID)
	if err != nil {
		return fmt.Errorf("recording last task for schedule %q: %w", scheduleID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: schedule %q", domain.ErrNotFound, scheduleID)
	}
	return nil
}

// UpdateLastScheduledTaskState refreshes the denormalized last-task state
// from the tasks table. With taskIDs it touches only schedules pointing at
// those tasks; without, every schedule whose cached state went stale.
func (s *Store) UpdateLastScheduledTaskState(ctx context.Context, taskIDs []string) (int64, error) {
	query := `
UPDATE schedules
SET last_scheduled_task_state = (SELECT state FROM tasks WHERE tasks.id = schedules.last_scheduled_task_id)
WHERE last_scheduled_task_id IS NOT NULL
  AND last_scheduled_task_state IS NOT (SELECT state FROM tasks WHERE tasks.id = schedules.last_scheduled_task_id)`
	var args []any
	if len(taskIDs) > 0 {
		query += ` AND last_scheduled_task_id IN (` + placeholders(len(taskIDs)) + `)`
		for _, id := range taskIDs {
			args = append(args, id)
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("syncing last task states: %w", err)
	}
	return res.RowsAffected()
}

// DueSchedules returns every STARTED schedule whose next execution instant
// has passed and whose last spawned task, if any, has reached a terminal
// state. A schedule with a live task is never due, no matter how much time
// has elapsed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleCols+scheduleFrom+`
WHERE s.state=? AND s.starts_at <= ?
  AND (s.last_scheduled_task_id IS NULL
       OR (t.terminated = 1 AND t.last_state_transition_at + s.frequency_ms <= ?))
ORDER BY s.id`, domain.ScheduleStarted, ms(now), ms(now))
	if err != nil {
		return nil, fmt.Errorf("querying due schedules: %w", err)
	}
	defer rows.Close()

	var due []domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, sch)
	}
	return due, rows.Err()
}

// DeleteSchedulesRemovedBefore hard-deletes schedules that were soft-deleted
// before the cutoff. Returns the number of rows removed (at most limit).
func (s *Store) DeleteSchedulesRemovedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM schedules WHERE id IN (
  SELECT id FROM schedules WHERE deleted_at IS NOT NULL AND deleted_at < ?
  ORDER BY id ASC LIMIT ?)`, ms(cutoff), limit)
	if err != nil {
		return 0, fmt.Errorf("deleting old schedules: %w", err)
	}
	return res.RowsAffected()
}
