package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"flowline/internal/domain"
)

const taskCols = `id, schedule_id, name, payload, group_key, group_max_concurrency,
 state, terminated, retry_max, retry_count, retry_key, owner_key,
 created_at, starts_after, last_state_transition_at, last_heartbeat_at,
 created_to_started_timeout_secs, started_to_completed_timeout_secs, heartbeat_timeout_secs, output`

// Expiry reasons written to a task's output when the monitor expires it.
const (
	reasonCreatedTimeout   = `{"reason": "createdToStartedTimeoutSecs_exceeded"}`
	reasonHeartbeatTimeout = `{"reason": "heartbeatTimeoutSecs_exceeded"}`
	reasonStartedTimeout   = `{"reason": "startedToCompletedTimeoutSecs_exceeded"}`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(sc rowScanner) (domain.Task, error) {
	var (
		t                                 domain.Task
		scheduleID, retryKey, ownerKey    sql.NullString
		payload, output                   []byte
		createdAt, startsAfter            int64
		lastTransitionAt, lastHeartbeatAt int64
	)
	err := sc.Scan(
		&t.ID, &scheduleID, &t.Name, &payload, &t.GroupKey, &t.GroupMaxConcurrency,
		&t.State, &t.Terminated, &t.RetryMax, &t.RetryCount, &retryKey, &ownerKey,
		&createdAt, &startsAfter, &lastTransitionAt, &lastHeartbeatAt,
		&t.CreatedToStartedTimeoutSecs, &t.StartedToCompletedTimeoutSecs, &t.HeartbeatTimeoutSecs, &output,
	)
	if err != nil {
		return domain.Task{}, err
	}
	t.Payload = payload
	t.Output = output
	t.ScheduleID = strPtr(scheduleID)
	t.RetryKey = strPtr(retryKey)
	t.OwnerKey = strPtr(ownerKey)
	t.CreatedAt = fromMS(createdAt)
	t.StartsAfter = fromMS(startsAfter)
	t.LastStateTransitionAt = fromMS(lastTransitionAt)
	t.LastHeartbeatAt = fromMS(lastHeartbeatAt)
	return t, nil
}

// CreateTask inserts a new CREATED task. A zero StartsAfter means eligible
// immediately.
func (s *Store) CreateTask(ctx context.Context, props domain.TaskProps) (domain.Task, error) {
	now := time.Now()
	startsAfter := props.StartsAfter
	if startsAfter.IsZero() {
		startsAfter = now
	}
	id, err := uuid.NewV7()
	if err != nil {
		return domain.Task{}, fmt.Errorf("new task id: %w", err)
	}
	t := domain.Task{
		ID:                            id.String(),
		ScheduleID:                    props.ScheduleID,
		Name:                          props.Name,
		Payload:                       props.Payload,
		GroupKey:                      props.GroupKey,
		GroupMaxConcurrency:           props.GroupMaxConcurrency,
		State:                         domain.TaskCreated,
		RetryMax:                      props.RetryMax,
		RetryCount:                    props.RetryCount,
		RetryKey:                      props.RetryKey,
		CreatedAt:                     now,
		StartsAfter:                   startsAfter,
		LastStateTransitionAt:         now,
		LastHeartbeatAt:               now,
		CreatedToStartedTimeoutSecs:   props.CreatedToStartedTimeoutSecs,
		StartedToCompletedTimeoutSecs: props.StartedToCompletedTimeoutSecs,
		HeartbeatTimeoutSecs:          props.HeartbeatTimeoutSecs,
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullStr(t.ScheduleID), t.Name, nullJSON(t.Payload), t.GroupKey, t.GroupMaxConcurrency,
		t.State, false, t.RetryMax, t.RetryCount, nullStr(t.RetryKey), nil,
		ms(now), ms(startsAfter), ms(now), ms(now),
		t.CreatedToStartedTimeoutSecs, t.StartedToCompletedTimeoutSecs, t.HeartbeatTimeoutSecs, nil)
	if err != nil {
		return domain.Task{}, fmt.Errorf("creating task %q: %w", props.Name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Task{}, fmt.Errorf("%w: task %q", domain.ErrCreationFailed, props.Name)
	}
	return t, nil
}

// GetTask returns the task with the given id.
func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("%w: task %q", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("getting task %q: %w", id, err)
	}
	return t, nil
}

// TaskSearch filters SearchTasks. Zero-valued fields are ignored.
type TaskSearch struct {
	IDs        []string
	GroupKey   string
	States     []domain.TaskState
	ScheduleID string
	Limit      int
}

// SearchTasks lists tasks ordered by id, which is creation order.
func (s *Store) SearchTasks(ctx context.Context, params TaskSearch) ([]domain.Task, error) {
	where := []string{"1=1"}
	var args []any
	if len(params.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(params.IDs))+")")
		for _, id := range params.IDs {
			args = append(args, id)
		}
	}
	if params.GroupKey != "" {
		where = append(where, "group_key=?")
		args = append(args, params.GroupKey)
	}
	if len(params.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(params.States))+")")
		for _, st := range params.States {
			args = append(args, st)
		}
	}
	if params.ScheduleID != "" {
		where = append(where, "schedule_id=?")
		args = append(args, params.ScheduleID)
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE `+
		strings.Join(where, " AND ")+` ORDER BY id LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("searching tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Claim atomically transitions up to limit eligible CREATED tasks in the
// group to STARTED, stamping the owner. Candidates are considered strictly
// FIFO by id; when a candidate's group concurrency cap is reached the scan
// stops there, so later tasks never barge past an older deferred one.
func (s *Store) Claim(ctx context.Context, groupKey string, limit int, ownerKey string) ([]domain.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("claiming tasks for group %q: %w", groupKey, err)
	}
	defer tx.Rollback()

	var started int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE group_key=? AND state=?`, groupKey, domain.TaskStarted,
	).Scan(&started); err != nil {
		return nil, fmt.Errorf("counting started tasks for group %q: %w", groupKey, err)
	}

	rows, err := tx.QueryContext(ctx, `
SELECT id, group_max_concurrency FROM tasks
WHERE group_key=? AND state=? AND starts_after<=?
ORDER BY id ASC LIMIT ?`, groupKey, domain.TaskCreated, ms(now), limit)
	if err != nil {
		return nil, fmt.Errorf("selecting claim candidates for group %q: %w", groupKey, err)
	}
	var ids []any
	for rows.Next() {
		var id string
		var maxConcurrency int
		if err := rows.Scan(&id, &maxConcurrency); err != nil {
			rows.Close()
			return nil, err
		}
		if maxConcurrency > 0 && started+len(ids) >= maxConcurrency {
			break
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	args := []any{domain.TaskStarted, ms(now), ms(now), ownerKey}
	args = append(args, ids...)
	args = append(args, domain.TaskCreated)
	claimedRows, err := tx.QueryContext(ctx, `
UPDATE tasks SET state=?, last_state_transition_at=?, last_heartbeat_at=?, owner_key=?
WHERE id IN (`+placeholders(len(ids))+`) AND state=?
RETURNING `+taskCols, args...)
	if err != nil {
		return nil, fmt.Errorf("claiming tasks for group %q: %w", groupKey, err)
	}
	var claimed []domain.Task
	for claimedRows.Next() {
		t, err := scanTask(claimedRows)
		if err != nil {
			claimedRows.Close()
			return nil, err
		}
		claimed = append(claimed, t)
	}
	claimedRows.Close()
	if err := claimedRows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claiming tasks for group %q: %w", groupKey, err)
	}
	return claimed, nil
}

// TransitionTask moves a task along one edge of the state graph. The output
// is written only for terminal transitions that carry one (succeed); other
// transitions leave the column untouched. The owner is cleared on terminal
// transitions.
func (s *Store) TransitionTask(ctx context.Context, taskID string, to domain.TaskState, output json.RawMessage) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Task{}, fmt.Errorf("transitioning task %q: %w", taskID, err)
	}
	defer tx.Rollback()

	var from domain.TaskState
	err = tx.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id=?`, taskID).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("%w: task %q", domain.ErrNotFound, taskID)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("transitioning task %q: %w", taskID, err)
	}
	if !domain.ValidTaskTransition(from, to) {
		return domain.Task{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStateTransition, from, to)
	}

	row := tx.QueryRowContext(ctx, `
UPDATE tasks SET state=?, terminated=?, last_state_transition_at=?,
  owner_key = CASE WHEN ? THEN NULL ELSE owner_key END,
  output = CASE WHEN ? THEN ? ELSE output END
WHERE id=? AND state=?
RETURNING `+taskCols,
		to, to.Terminal(), ms(time.Now()),
		to.Terminal(),
		len(output) > 0, nullJSON(output),
		taskID, from)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("%w: task %q no longer %s", domain.ErrConflict, taskID, from)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("transitioning task %q: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, fmt.Errorf("transitioning task %q: %w", taskID, err)
	}
	return t, nil
}

// Heartbeat refreshes last_heartbeat_at on a STARTED task. It is a plain
// conditional update, deliberately cheaper than a claim.
func (s *Store) Heartbeat(ctx context.Context, taskID string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE tasks SET last_heartbeat_at=? WHERE id=? AND state=?
RETURNING `+taskCols, ms(time.Now()), taskID, domain.TaskStarted)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetTask(ctx, taskID); getErr != nil {
			return domain.Task{}, getErr
		}
		return domain.Task{}, fmt.Errorf("%w: task %q is not STARTED", domain.ErrInvalidStateTransition, taskID)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("heartbeat for task %q: %w", taskID, err)
	}
	return t, nil
}

// ExpireTimedOut moves every task that violated its timeout budget to
// EXPIRED, recording the violated timeout as the task's output.
func (s *Store) ExpireTimedOut(ctx context.Context, now time.Time) ([]domain.Task, error) {
	n := ms(now)
	rows, err := s.db.QueryContext(ctx, `
UPDATE tasks SET state=?, terminated=1, last_state_transition_at=?, owner_key=NULL,
  output = CASE
    WHEN state='CREATED' THEN ?
    WHEN last_heartbeat_at + heartbeat_timeout_secs*1000 < ? THEN ?
    ELSE ?
  END
WHERE (state='CREATED' AND starts_after + created_to_started_timeout_secs*1000 < ?)
   OR (state='STARTED' AND (
        last_heartbeat_at + heartbeat_timeout_secs*1000 < ?
        OR last_state_transition_at + started_to_completed_timeout_secs*1000 < ?))
RETURNING `+taskCols,
		domain.TaskExpired, n,
		reasonCreatedTimeout,
		n, reasonHeartbeatTimeout,
		reasonStartedTimeout,
		n, n, n)
	if err != nil {
		return nil, fmt.Errorf("expiring tasks: %w", err)
	}
	defer rows.Close()

	var expired []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, t)
	}
	return expired, rows.Err()
}

// DeleteTerminatedBefore hard-deletes terminated tasks whose starts_after is
// older than the cutoff, skipping any task still referenced as a schedule's
// last spawned task. Returns the number of rows removed (at most limit).
func (s *Store) DeleteTerminatedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM tasks WHERE id IN (
  SELECT t.id FROM tasks t
  LEFT JOIN schedules sc ON sc.last_scheduled_task_id = t.id
  WHERE t.terminated=1 AND t.starts_after < ? AND sc.id IS NULL
  ORDER BY t.id ASC LIMIT ?)`, ms(cutoff), limit)
	if err != nil {
		return 0, fmt.Errorf("deleting old tasks: %w", err)
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
