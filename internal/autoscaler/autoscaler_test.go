package autoscaler_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nikhilch98/taskbrew/internal/autoscaler"
	"github.com/nikhilch98/taskbrew/internal/board"
	"github.com/nikhilch98/taskbrew/internal/bus"
	"github.com/nikhilch98/taskbrew/internal/config"
	"github.com/nikhilch98/taskbrew/internal/instance"
	"github.com/nikhilch98/taskbrew/internal/store"
)

func newFixture(t *testing.T, roleCfg config.RoleConfig) (*board.Board, *instance.Manager) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "taskbrew.db"), 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	b := bus.New()
	roles := config.RoleSet{"coder": roleCfg}
	brd := board.New(st, b, config.TeamConfig{GroupPrefixes: map[string]string{}}, roles, nil)
	if err := brd.RegisterPrefixes(context.Background()); err != nil {
		t.Fatalf("RegisterPrefixes: %v", err)
	}
	return brd, instance.New(st, b)
}

func TestTickScalesUpWhenBacklogExceedsThreshold(t *testing.T) {
	ctx := context.Background()
	roleCfg := config.RoleConfig{
		Name: "coder", Prefix: "CD", Accepts: []string{"implementation"}, MaxInstances: 3,
		AutoScale: config.AutoScaleConfig{Enabled: true, ScaleUpThreshold: 1.0, ScaleDownIdleMins: 10},
	}
	brd, im := newFixture(t, roleCfg)
	if _, err := im.Register(ctx, "coder-1", "coder"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	g, err := brd.CreateGroup(ctx, "g", "goal", "pm")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := brd.CreateTask(ctx, board.CreateTaskParams{GroupID: g.ID, Title: "t", TaskType: "implementation", AssignedTo: "coder", CreatedBy: "pm"}); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	var spawnedID string
	spawn := func(ctx context.Context, instanceID string, cfg config.RoleConfig) error {
		spawnedID = instanceID
		_, err := im.Register(ctx, instanceID, "coder")
		return err
	}
	stop := func(ctx context.Context, instanceID string) error { return nil }

	as := autoscaler.New(brd, im, config.RoleSet{"coder": roleCfg}, spawn, stop, nil)
	if err := as.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if spawnedID != "coder-2" {
		t.Fatalf("spawnedID = %q, want coder-2", spawnedID)
	}
}

func TestTickDoesNotScaleUpPastMaxInstances(t *testing.T) {
	ctx := context.Background()
	roleCfg := config.RoleConfig{
		Name: "coder", Prefix: "CD", Accepts: []string{"implementation"}, MaxInstances: 1,
		AutoScale: config.AutoScaleConfig{Enabled: true, ScaleUpThreshold: 0.1, ScaleDownIdleMins: 10},
	}
	brd, im := newFixture(t, roleCfg)
	if _, err := im.Register(ctx, "coder-1", "coder"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	g, err := brd.CreateGroup(ctx, "g", "goal", "pm")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := brd.CreateTask(ctx, board.CreateTaskParams{GroupID: g.ID, Title: "t", TaskType: "implementation", AssignedTo: "coder", CreatedBy: "pm"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	spawnCalled := false
	spawn := func(ctx context.Context, instanceID string, cfg config.RoleConfig) error {
		spawnCalled = true
		return nil
	}
	stop := func(ctx context.Context, instanceID string) error { return nil }

	as := autoscaler.New(brd, im, config.RoleSet{"coder": roleCfg}, spawn, stop, nil)
	if err := as.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if spawnCalled {
		t.Fatalf("spawn should not be called once active >= max_instances")
	}
}

func TestTickSkipsDisabledRoles(t *testing.T) {
	ctx := context.Background()
	roleCfg := config.RoleConfig{Name: "coder", Prefix: "CD", Accepts: []string{"implementation"}, MaxInstances: 5}
	brd, im := newFixture(t, roleCfg)

	spawnCalled := false
	spawn := func(ctx context.Context, instanceID string, cfg config.RoleConfig) error {
		spawnCalled = true
		return nil
	}
	stop := func(ctx context.Context, instanceID string) error { return nil }

	as := autoscaler.New(brd, im, config.RoleSet{"coder": roleCfg}, spawn, stop, nil)
	if err := as.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if spawnCalled {
		t.Fatalf("spawn should not run for a role without auto_scale.enabled")
	}
}

func TestSetRolesAppliesOnNextTick(t *testing.T) {
	ctx := context.Background()
	roleCfg := config.RoleConfig{
		Name: "coder", Prefix: "CD", Accepts: []string{"implementation"}, MaxInstances: 3,
		AutoScale: config.AutoScaleConfig{Enabled: false, ScaleUpThreshold: 0.1, ScaleDownIdleMins: 10},
	}
	brd, im := newFixture(t, roleCfg)
	if _, err := im.Register(ctx, "coder-1", "coder"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	g, err := brd.CreateGroup(ctx, "g", "goal", "pm")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := brd.CreateTask(ctx, board.CreateTaskParams{GroupID: g.ID, Title: "t", TaskType: "implementation", AssignedTo: "coder", CreatedBy: "pm"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	var spawnedID string
	spawn := func(ctx context.Context, instanceID string, cfg config.RoleConfig) error {
		spawnedID = instanceID
		_, err := im.Register(ctx, instanceID, "coder")
		return err
	}
	stop := func(ctx context.Context, instanceID string) error { return nil }

	as := autoscaler.New(brd, im, config.RoleSet{"coder": roleCfg}, spawn, stop, nil)
	if err := as.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if spawnedID != "" {
		t.Fatalf("spawn ran before auto_scale was enabled")
	}

	roleCfg.AutoScale.Enabled = true
	as.SetRoles(config.RoleSet{"coder": roleCfg})

	if err := as.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if spawnedID != "coder-2" {
		t.Fatalf("spawnedID = %q, want coder-2 after SetRoles enabled auto_scale", spawnedID)
	}
}
