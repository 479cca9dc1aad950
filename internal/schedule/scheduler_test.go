package schedule_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nikhilch98/taskbrew/internal/board"
	"github.com/nikhilch98/taskbrew/internal/bus"
	"github.com/nikhilch98/taskbrew/internal/config"
	"github.com/nikhilch98/taskbrew/internal/schedule"
	"github.com/nikhilch98/taskbrew/internal/store"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func setup(t *testing.T) (*store.Store, *board.Board, config.RoleSet) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "taskbrew.db"), 2)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	roles := config.RoleSet{
		"pm": {Name: "pm", Prefix: "PM", Accepts: []string{"goal"}, CanCreateGroups: true},
	}
	team := config.TeamConfig{GroupPrefixes: map[string]string{"pm": "G"}}
	b := bus.New()
	brd := board.New(st, b, team, roles, nil)
	if err := brd.RegisterPrefixes(context.Background()); err != nil {
		t.Fatalf("RegisterPrefixes: %v", err)
	}
	return st, brd, roles
}

func TestSchedulerFiresDueSchedule(t *testing.T) {
	st, brd, roles := setup(t)
	ctx := context.Background()

	past := time.Now().Add(-5 * time.Minute).UTC()
	sch := store.Schedule{
		ID: "SCHED-001", Name: "nightly-report", CronExpr: "*/5 * * * *",
		Title: "Generate nightly report", Enabled: true, NextRunAt: &past,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := st.InsertSchedule(ctx, sch); err != nil {
		t.Fatalf("InsertSchedule: %v", err)
	}

	sched, err := schedule.New(schedule.Config{Store: st, Board: brd, Roles: roles, Interval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool {
		result, err := brd.SearchTasks(ctx, store.TaskFilter{TaskType: "goal", Limit: 10})
		return err == nil && len(result.Tasks) == 1
	})
}

func TestNewRequiresGoalCreatingRole(t *testing.T) {
	st, brd, _ := setup(t)
	_, err := schedule.New(schedule.Config{Store: st, Board: brd, Roles: config.RoleSet{
		"coder": {Name: "coder"},
	}})
	if err == nil {
		t.Fatal("expected error when no role can create groups")
	}
}

func TestCreateRejectsInvalidCronExpression(t *testing.T) {
	st, _, _ := setup(t)
	_, err := schedule.Create(context.Background(), st, "SCHED-BAD", "bad", "not a cron", "title", "")
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestCreatePersistsSchedule(t *testing.T) {
	st, _, _ := setup(t)
	sch, err := schedule.Create(context.Background(), st, "SCHED-002", "weekly", "0 9 * * 1", "Weekly sync", "desc")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sch.NextRunAt == nil {
		t.Fatal("expected NextRunAt to be set")
	}
	all, err := st.ListSchedules(context.Background())
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("len(all) = %d, want 1", len(all))
	}
}
