package instance_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nikhilch98/taskbrew/internal/bus"
	"github.com/nikhilch98/taskbrew/internal/instance"
	"github.com/nikhilch98/taskbrew/internal/store"
)

func newTestManager(t *testing.T) *instance.Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "taskbrew.db"), 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return instance.New(st, bus.New())
}

func TestRegisterAndHeartbeat(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	inst, err := mgr.Register(ctx, "coder-1", "coder")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if inst.Status != store.InstanceIdle {
		t.Fatalf("status = %s, want idle", inst.Status)
	}

	if err := mgr.Heartbeat(ctx, "coder-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	got, err := mgr.Get(ctx, "coder-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.InstanceID != "coder-1" {
		t.Fatalf("got = %+v", got)
	}
}

func TestSetStatusPublishesAndPersists(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	if _, err := mgr.Register(ctx, "coder-1", "coder"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	task := "CD-001"
	if err := mgr.SetStatus(ctx, "coder-1", "coder", store.InstanceWorking, &task); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	got, err := mgr.Get(ctx, "coder-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.InstanceWorking || got.CurrentTask == nil || *got.CurrentTask != task {
		t.Fatalf("got = %+v", got)
	}
}

func TestPauseResume(t *testing.T) {
	mgr := newTestManager(t)
	if mgr.IsPaused("coder") {
		t.Fatalf("coder should not start paused")
	}
	mgr.Pause("coder")
	if !mgr.IsPaused("coder") {
		t.Fatalf("coder should be paused")
	}
	mgr.Resume("coder")
	if mgr.IsPaused("coder") {
		t.Fatalf("coder should be resumed")
	}
}

func TestStaleInstancesExcludesStopped(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	if _, err := mgr.Register(ctx, "coder-1", "coder"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := mgr.Register(ctx, "coder-2", "coder"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := mgr.SetStatus(ctx, "coder-2", "coder", store.InstanceStopped, nil); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	stale, err := mgr.StaleInstances(ctx, -1*time.Second)
	if err != nil {
		t.Fatalf("StaleInstances: %v", err)
	}
	if len(stale) != 1 || stale[0].InstanceID != "coder-1" {
		t.Fatalf("stale = %+v, want only coder-1", stale)
	}
}

func TestCountActiveAndIdle(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	if _, err := mgr.Register(ctx, "coder-1", "coder"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := mgr.Register(ctx, "coder-2", "coder"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := mgr.SetStatus(ctx, "coder-2", "coder", store.InstanceWorking, nil); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	active, err := mgr.CountActive(ctx, "coder")
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if active != 2 {
		t.Fatalf("active = %d, want 2", active)
	}

	idle, err := mgr.CountIdle(ctx, "coder")
	if err != nil {
		t.Fatalf("CountIdle: %v", err)
	}
	if idle != 1 {
		t.Fatalf("idle = %d, want 1", idle)
	}
}
