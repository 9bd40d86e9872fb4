package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"flowline/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", filepath.Join(t.TempDir(), "test.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func testTaskProps(groupKey string) domain.TaskProps {
	return domain.TaskProps{
		Name:                          "test:task",
		Payload:                       []byte(`{"foo":"bar"}`),
		GroupKey:                      groupKey,
		RetryMax:                      0,
		CreatedToStartedTimeoutSecs:   3600,
		StartedToCompletedTimeoutSecs: 3600,
		HeartbeatTimeoutSecs:          3600,
	}
}

// backdate rewrites a task's timestamps directly; tests use it to simulate
// the passage of time without sleeping.
func backdateTask(t *testing.T, s *Store, taskID string, field string, to time.Time) {
	t.Helper()
	_, err := s.db.Exec("UPDATE tasks SET "+field+"=? WHERE id=?", ms(to), taskID)
	if err != nil {
		t.Fatalf("backdate task: %v", err)
	}
}

func mustCreateTask(t *testing.T, s *Store, props domain.TaskProps) domain.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), props)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func mustClaimOne(t *testing.T, s *Store, groupKey string) domain.Task {
	t.Helper()
	claimed, err := s.Claim(context.Background(), groupKey, 1, "test-owner")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d tasks, want 1", len(claimed))
	}
	return claimed[0]
}
