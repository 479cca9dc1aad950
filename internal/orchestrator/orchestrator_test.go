package orchestrator_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nikhilch98/taskbrew/internal/config"
	"github.com/nikhilch98/taskbrew/internal/orchestrator"
	"github.com/nikhilch98/taskbrew/internal/runner"
	"github.com/nikhilch98/taskbrew/internal/store"
)

func newTeam(t *testing.T) config.TeamConfig {
	t.Helper()
	return config.TeamConfig{
		DBPath:        filepath.Join(t.TempDir(), "taskbrew.db"),
		ReadPoolSize:  2,
		GroupPrefixes: map[string]string{},
	}
}

func TestStartSpawnsOneLoopPerInstance(t *testing.T) {
	team := newTeam(t)
	roles := config.RoleSet{
		"coder": {Name: "coder", Prefix: "CD", Accepts: []string{"implementation"}, MaxInstances: 2, LLMCommand: []string{"fake"}},
	}
	fake := &runner.Fake{Default: runner.Result{Output: "ok"}}

	sup, err := orchestrator.New(team, roles, fake, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, id := range []string{"coder-1", "coder-2"} {
		if _, err := sup.Instances.Get(context.Background(), id); err != nil {
			t.Fatalf("instance %q not registered: %v", id, err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	team := newTeam(t)
	roles := config.RoleSet{
		"coder": {Name: "coder", Prefix: "CD", Accepts: []string{"implementation"}, MaxInstances: 1, LLMCommand: []string{"fake"}},
	}
	fake := &runner.Fake{Default: runner.Result{Output: "ok"}}

	sup, err := orchestrator.New(team, roles, fake, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown should be a no-op, got: %v", err)
	}
}

func TestStartRecoversOrphanedTasksBeforeSpawning(t *testing.T) {
	team := newTeam(t)
	roles := config.RoleSet{
		"coder": {Name: "coder", Prefix: "CD", Accepts: []string{"implementation"}, MaxInstances: 1, LLMCommand: []string{"fake"}},
	}

	// Pre-populate the store with a task claimed by an instance that will
	// never heartbeat again, simulating a crash before restart.
	st, err := store.Open(team.DBPath, team.ReadPoolSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fake := &runner.Fake{Default: runner.Result{Output: "ok"}}
	sup, err := orchestrator.New(team, roles, fake, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
