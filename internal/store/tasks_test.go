package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flowline/internal/domain"
)

func TestCreateTaskDefaults(t *testing.T) {
	s := newTestStore(t)
	task := mustCreateTask(t, s, testTaskProps("g1"))

	if task.State != domain.TaskCreated {
		t.Fatalf("state = %s, want CREATED", task.State)
	}
	if task.Terminated {
		t.Fatal("new task must not be terminated")
	}
	if task.StartsAfter.IsZero() {
		t.Fatal("zero StartsAfter must default to now")
	}
	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.ID != task.ID || got.GroupKey != "g1" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClaimFIFOAndLimit(t *testing.T) {
	s := newTestStore(t)
	var want []string
	for i := 0; i < 5; i++ {
		task := mustCreateTask(t, s, testTaskProps("g1"))
		want = append(want, task.ID)
	}

	claimed, err := s.Claim(context.Background(), "g1", 3, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d, want 3", len(claimed))
	}
	for i, task := range claimed {
		if task.ID != want[i] {
			t.Fatalf("claimed[%d] = %s, want %s (FIFO by id)", i, task.ID, want[i])
		}
		if task.State != domain.TaskStarted {
			t.Fatalf("claimed task state = %s, want STARTED", task.State)
		}
		if task.OwnerKey == nil || *task.OwnerKey != "w1" {
			t.Fatalf("owner key not stamped: %+v", task.OwnerKey)
		}
	}
}

func TestClaimSkipsFutureTasks(t *testing.T) {
	s := newTestStore(t)
	props := testTaskProps("g1")
	props.StartsAfter = time.Now().Add(time.Hour)
	mustCreateTask(t, s, props)

	claimed, err := s.Claim(context.Background(), "g1", 10, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d future tasks, want 0", len(claimed))
	}
}

func TestClaimGroupConcurrency(t *testing.T) {
	s := newTestStore(t)
	props := testTaskProps("g1")
	props.GroupMaxConcurrency = 2
	for i := 0; i < 5; i++ {
		mustCreateTask(t, s, props)
	}

	claimed, err := s.Claim(context.Background(), "g1", 10, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d, want 2 (cap)", len(claimed))
	}

	again, err := s.Claim(context.Background(), "g1", 10, "w2")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("claimed %d while at cap, want 0", len(again))
	}

	if _, err := s.TransitionTask(context.Background(), claimed[0].ID, domain.TaskSucceeded, nil); err != nil {
		t.Fatalf("succeed: %v", err)
	}
	freed, err := s.Claim(context.Background(), "g1", 10, "w2")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(freed) != 1 {
		t.Fatalf("claimed %d after freeing a slot, want 1", len(freed))
	}
}

func TestClaimBlockedHeadDefersBatch(t *testing.T) {
	s := newTestStore(t)
	capped := testTaskProps("g1")
	capped.GroupMaxConcurrency = 1
	mustCreateTask(t, s, capped)
	mustClaimOne(t, s, "g1")

	// Head of the queue is capped; the uncapped task behind it must wait its
	// turn rather than barge past.
	mustCreateTask(t, s, capped)
	mustCreateTask(t, s, testTaskProps("g1"))

	claimed, err := s.Claim(context.Background(), "g1", 10, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d past a blocked head, want 0", len(claimed))
	}
}

func TestClaimConcurrentSingleRow(t *testing.T) {
	s := newTestStore(t)
	mustCreateTask(t, s, testTaskProps("g1"))

	const claimers = 100
	var wg sync.WaitGroup
	var won atomic.Int64
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.Claim(context.Background(), "g1", 1, "w")
			if err == nil {
				won.Add(int64(len(claimed)))
			}
		}()
	}
	wg.Wait()

	if won.Load() != 1 {
		t.Fatalf("one eligible row claimed %d times, want exactly 1", won.Load())
	}
}

func TestTransitionTaskEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Succeeding a CREATED task skips a state.
	created := mustCreateTask(t, s, testTaskProps("g1"))
	if _, err := s.TransitionTask(ctx, created.ID, domain.TaskSucceeded, nil); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
	}

	// CREATED -> CANCELLED is allowed and terminal.
	cancelled, err := s.TransitionTask(ctx, created.ID, domain.TaskCancelled, nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled.Terminated {
		t.Fatal("cancelled task must be terminated")
	}

	// No transition leaves a terminal state.
	for _, to := range domain.TaskStates {
		if _, err := s.TransitionTask(ctx, created.ID, to, nil); !errors.Is(err, domain.ErrInvalidStateTransition) {
			t.Fatalf("CANCELLED -> %s: err = %v, want ErrInvalidStateTransition", to, err)
		}
	}

	if _, err := s.TransitionTask(ctx, "missing", domain.TaskCancelled, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSucceedRecordsOutputAndClearsOwner(t *testing.T) {
	s := newTestStore(t)
	mustCreateTask(t, s, testTaskProps("g1"))
	claimed := mustClaimOne(t, s, "g1")

	done, err := s.TransitionTask(context.Background(), claimed.ID, domain.TaskSucceeded, []byte(`{"foo":"bar"}`))
	if err != nil {
		t.Fatalf("succeed: %v", err)
	}
	if done.State != domain.TaskSucceeded || !done.Terminated {
		t.Fatalf("state = %s terminated = %v", done.State, done.Terminated)
	}
	if string(done.Output) != `{"foo":"bar"}` {
		t.Fatalf("output = %s", done.Output)
	}
	if done.OwnerKey != nil {
		t.Fatalf("owner key not cleared: %v", *done.OwnerKey)
	}
}

func TestHeartbeat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := mustCreateTask(t, s, testTaskProps("g1"))
	if _, err := s.Heartbeat(ctx, created.ID); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("heartbeat on CREATED: err = %v, want ErrInvalidStateTransition", err)
	}
	if _, err := s.Heartbeat(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("heartbeat on missing: err = %v, want ErrNotFound", err)
	}

	claimed := mustClaimOne(t, s, "g1")
	backdateTask(t, s, claimed.ID, "last_heartbeat_at", time.Now().Add(-time.Minute))
	beaten, err := s.Heartbeat(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !beaten.LastHeartbeatAt.After(time.Now().Add(-time.Second)) {
		t.Fatalf("heartbeat not refreshed: %v", beaten.LastHeartbeatAt)
	}
}

func TestExpireTimedOut(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		setup  func() string
		reason string
	}{
		{
			name: "never claimed",
			setup: func() string {
				props := testTaskProps("exp1")
				props.CreatedToStartedTimeoutSecs = 1
				task := mustCreateTask(t, s, props)
				backdateTask(t, s, task.ID, "starts_after", time.Now().Add(-2*time.Second))
				return task.ID
			},
			reason: "createdToStartedTimeoutSecs_exceeded",
		},
		{
			name: "claimed but never finished",
			setup: func() string {
				props := testTaskProps("exp2")
				props.StartedToCompletedTimeoutSecs = 1
				mustCreateTask(t, s, props)
				task := mustClaimOne(t, s, "exp2")
				backdateTask(t, s, task.ID, "last_state_transition_at", time.Now().Add(-2*time.Second))
				return task.ID
			},
			reason: "startedToCompletedTimeoutSecs_exceeded",
		},
		{
			name: "heartbeat silent",
			setup: func() string {
				props := testTaskProps("exp3")
				props.HeartbeatTimeoutSecs = 1
				mustCreateTask(t, s, props)
				task := mustClaimOne(t, s, "exp3")
				backdateTask(t, s, task.ID, "last_heartbeat_at", time.Now().Add(-2*time.Second))
				return task.ID
			},
			reason: "heartbeatTimeoutSecs_exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.setup()
			expired, err := s.ExpireTimedOut(ctx, time.Now())
			if err != nil {
				t.Fatalf("expire: %v", err)
			}
			if len(expired) != 1 || expired[0].ID != id {
				t.Fatalf("expired %v, want just %s", expired, id)
			}
			got := expired[0]
			if got.State != domain.TaskExpired || !got.Terminated {
				t.Fatalf("state = %s terminated = %v", got.State, got.Terminated)
			}
			if !strings.Contains(string(got.Output), tt.reason) {
				t.Fatalf("output = %s, want reason %s", got.Output, tt.reason)
			}
		})
	}

	// A healthy task is left alone.
	mustCreateTask(t, s, testTaskProps("exp4"))
	expired, err := s.ExpireTimedOut(ctx, time.Now())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expired %d healthy tasks", len(expired))
	}
}

func TestSearchTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreateTask(t, s, testTaskProps("ga"))
	mustCreateTask(t, s, testTaskProps("gb"))
	mustClaimOne(t, s, "gb")

	byGroup, err := s.SearchTasks(ctx, TaskSearch{GroupKey: "ga"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(byGroup) != 1 || byGroup[0].ID != a.ID {
		t.Fatalf("byGroup = %+v", byGroup)
	}

	byState, err := s.SearchTasks(ctx, TaskSearch{States: []domain.TaskState{domain.TaskStarted}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(byState) != 1 || byState[0].GroupKey != "gb" {
		t.Fatalf("byState = %+v", byState)
	}
}

func TestDeleteTerminatedBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := mustCreateTask(t, s, testTaskProps("g1"))
	mustClaimOne(t, s, "g1")
	if _, err := s.TransitionTask(ctx, old.ID, domain.TaskSucceeded, nil); err != nil {
		t.Fatalf("succeed: %v", err)
	}
	backdateTask(t, s, old.ID, "starts_after", time.Now().AddDate(0, 0, -40))

	// A task still referenced as a schedule's last spawned task survives.
	kept := mustCreateTask(t, s, testTaskProps("g2"))
	mustClaimOne(t, s, "g2")
	if _, err := s.TransitionTask(ctx, kept.ID, domain.TaskSucceeded, nil); err != nil {
		t.Fatalf("succeed: %v", err)
	}
	backdateTask(t, s, kept.ID, "starts_after", time.Now().AddDate(0, 0, -40))
	sch, err := s.CreateSchedule(ctx, domain.ScheduleProps{Name: "keeper", GroupKey: "g2", Frequency: time.Minute})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	if err := s.SetLastScheduledTask(ctx, sch.ID, kept.ID, kept.State); err != nil {
		t.Fatalf("set last task: %v", err)
	}

	n, err := s.DeleteTerminatedBefore(ctx, time.Now().AddDate(0, 0, -30), 100)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
	if _, err := s.GetTask(ctx, old.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("old task still present: %v", err)
	}
	if _, err := s.GetTask(ctx, kept.ID); err != nil {
		t.Fatalf("referenced task was deleted: %v", err)
	}
}
