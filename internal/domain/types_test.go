package domain

import (
	"testing"
	"time"
)

func TestValidTaskTransition(t *testing.T) {
	t.Parallel()
	allowed := []struct{ from, to TaskState }{
		{TaskCreated, TaskStarted},
		{TaskCreated, TaskCancelled},
		{TaskCreated, TaskExpired},
		{TaskStarted, TaskSucceeded},
		{TaskStarted, TaskFailed},
		{TaskStarted, TaskCancelled},
		{TaskStarted, TaskExpired},
	}
	allowedSet := map[[2]TaskState]bool{}
	for _, tr := range allowed {
		allowedSet[[2]TaskState{tr.from, tr.to}] = true
		if !ValidTaskTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}
	// Every other pair is rejected.
	for _, from := range TaskStates {
		for _, to := range TaskStates {
			if allowedSet[[2]TaskState{from, to}] {
				continue
			}
			if ValidTaskTransition(from, to) {
				t.Errorf("%s -> %s should be rejected", from, to)
			}
		}
	}
}

func TestTaskStateTerminal(t *testing.T) {
	t.Parallel()
	terminal := map[TaskState]bool{
		TaskCreated:   false,
		TaskStarted:   false,
		TaskSucceeded: true,
		TaskFailed:    true,
		TaskExpired:   true,
		TaskCancelled: true,
	}
	for state, want := range terminal {
		if got := state.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", state, got, want)
		}
	}
}

func TestValidScheduleTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to ScheduleState
		want     bool
	}{
		{ScheduleStarted, SchedulePaused, true},
		{ScheduleStarted, ScheduleDeleted, true},
		{SchedulePaused, ScheduleStarted, true},
		{SchedulePaused, ScheduleDeleted, true},
		{ScheduleDeleted, ScheduleStarted, false},
		{ScheduleDeleted, SchedulePaused, false},
		{ScheduleStarted, ScheduleStarted, false},
	}
	for _, tt := range tests {
		if got := ValidScheduleTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidScheduleTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestNextExecutionAt(t *testing.T) {
	t.Parallel()
	startsAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	freq := 5 * time.Minute

	if got := NextExecutionAt(startsAt, freq, nil); !got.Equal(startsAt) {
		t.Errorf("never run: got %v, want %v", got, startsAt)
	}
	finished := startsAt.Add(20 * time.Second)
	if got := NextExecutionAt(startsAt, freq, &finished); !got.Equal(finished.Add(freq)) {
		t.Errorf("after run: got %v, want %v", got, finished.Add(freq))
	}
}
