package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskbrew.db")
	s, err := Open(path, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAllocateIDMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RegisterPrefix(ctx, "PM"); err != nil {
		t.Fatalf("RegisterPrefix: %v", err)
	}
	// Registering twice must stay idempotent.
	if err := s.RegisterPrefix(ctx, "PM"); err != nil {
		t.Fatalf("RegisterPrefix (second): %v", err)
	}

	want := []string{"PM-000", "PM-001", "PM-002"}
	for _, w := range want {
		got, err := s.AllocateID(ctx, "PM")
		if err != nil {
			t.Fatalf("AllocateID: %v", err)
		}
		if got != w {
			t.Errorf("AllocateID() = %q, want %q", got, w)
		}
	}
}

func TestAllocateIDUnregisteredPrefix(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AllocateID(context.Background(), "NOPE"); err != ErrPrefixNotRegistered {
		t.Fatalf("AllocateID() error = %v, want ErrPrefixNotRegistered", err)
	}
}

func TestMigrationsApplyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskbrew.db")
	s1, err := Open(path, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s1.Close()

	// Reopening an already-migrated database must not error or re-apply.
	s2, err := Open(path, 2)
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}
	defer s2.Close()

	var count int
	if err := s2.writeDB.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query migration count: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("schema_migrations rows = %d, want %d", count, len(migrations))
	}
}

func TestClaimNextPendingTaskOrdersByPriorityThenCreation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := s.Now().Format(timeFormat)

	if err := s.RegisterPrefix(ctx, "GRP"); err != nil {
		t.Fatalf("RegisterPrefix: %v", err)
	}
	if err := s.RegisterPrefix(ctx, "CD"); err != nil {
		t.Fatalf("RegisterPrefix: %v", err)
	}
	gid, err := s.AllocateID(ctx, "GRP")
	if err != nil {
		t.Fatalf("AllocateID: %v", err)
	}
	err = s.Transaction(ctx, func(tx *sql.Tx) error {
		return s.InsertGroupTx(tx, Group{ID: gid, Title: "g", Status: GroupActive, CreatedBy: "pm-1", CreatedAt: s.Now()})
	})
	if err != nil {
		t.Fatalf("InsertGroupTx: %v", err)
	}

	mkTask := func(id, priority string, createdAt time.Time) Task {
		return Task{
			ID: id, GroupID: gid, Title: id, TaskType: "implementation",
			Priority: Priority(priority), AssignedTo: "coder", Status: TaskPending,
			CreatedBy: "architect-1", CreatedAt: createdAt,
		}
	}

	base := s.Now()
	tasks := []Task{
		mkTask("CD-000", "low", base),
		mkTask("CD-001", "critical", base.Add(time.Second)),
		mkTask("CD-002", "critical", base.Add(2 * time.Second)),
	}
	for _, task := range tasks {
		task := task
		if err := s.Transaction(ctx, func(tx *sql.Tx) error { return s.InsertTaskTx(tx, task) }); err != nil {
			t.Fatalf("InsertTaskTx(%s): %v", task.ID, err)
		}
	}

	var claimed Task
	var ok bool
	err = s.Transaction(ctx, func(tx *sql.Tx) error {
		var txErr error
		claimed, ok, txErr = s.ClaimNextPendingTaskTx(tx, "coder", "coder-1", now)
		return txErr
	})
	if err != nil {
		t.Fatalf("ClaimNextPendingTaskTx: %v", err)
	}
	if !ok {
		t.Fatal("ClaimNextPendingTaskTx() ok = false, want true")
	}
	if claimed.ID != "CD-001" {
		t.Errorf("claimed task = %s, want CD-001 (critical, earliest)", claimed.ID)
	}
	if claimed.Status != TaskInProgress || claimed.ClaimedBy == nil || *claimed.ClaimedBy != "coder-1" {
		t.Errorf("claimed task not transitioned correctly: %+v", claimed)
	}
}
