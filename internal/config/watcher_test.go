package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nikhilch98/taskbrew/internal/config"
)

func TestWatcher_DetectsRolesFileChange(t *testing.T) {
	homeDir := t.TempDir()

	rolesPath := filepath.Join(homeDir, "roles.yaml")
	if err := os.WriteFile(rolesPath, []byte("roles: []\n"), 0o644); err != nil {
		t.Fatalf("write initial roles.yaml: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Instead of a fixed sleep, retry the write at short intervals until the
	// watcher produces an event. This handles any platform-specific delay in
	// filesystem notification readiness.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(rolesPath, []byte("roles:\n  - name: pm\n    prefix: PM\n"), 0o644); err != nil {
		t.Fatalf("write updated roles.yaml: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "roles.yaml" {
				t.Fatalf("expected roles.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(rolesPath, []byte("roles:\n  - name: pm\n    prefix: PM\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for roles.yaml change event")
		}
	}
}
