// Package autoscaler implements the Auto-Scaler: a single background task
// that periodically inspects per-role backlog and idle-instance counts and
// launches or terminates extra Agent Loops within each role's configured
// bounds. It never talks to the board's task-graph writes directly and
// never runs an Agent Loop itself — spawning/stopping is delegated to
// injected callbacks so the orchestrator retains ownership of
// the loop lifecycle.
package autoscaler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nikhilch98/taskbrew/internal/board"
	"github.com/nikhilch98/taskbrew/internal/config"
	"github.com/nikhilch98/taskbrew/internal/instance"
	"github.com/nikhilch98/taskbrew/internal/store"
)

// interval is the fixed decision-loop cadence.
const interval = 30 * time.Second

// SpawnFunc starts one extra Agent Loop for instanceID under roleCfg.
type SpawnFunc func(ctx context.Context, instanceID string, roleCfg config.RoleConfig) error

// StopFunc stops the Agent Loop for instanceID, cancels its in-flight task,
// and removes it from the instance registry.
type StopFunc func(ctx context.Context, instanceID string) error

// AutoScaler runs the per-role scale-up/scale-down decision loop.
type AutoScaler struct {
	board     *board.Board
	instances *instance.Manager
	spawn     SpawnFunc
	stop      StopFunc
	logger    *slog.Logger

	mu          sync.Mutex
	roles       config.RoleSet
	autoSpawned map[string]map[string]time.Time // role -> instanceID -> idle-since (zero = not idle)

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs an AutoScaler. spawn/stop are the injected agent_factory
// and agent_stopper hooks.
func New(b *board.Board, im *instance.Manager, roles config.RoleSet, spawn SpawnFunc, stop StopFunc, logger *slog.Logger) *AutoScaler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoScaler{
		board: b, instances: im, roles: roles, spawn: spawn, stop: stop, logger: logger,
		autoSpawned: map[string]map[string]time.Time{},
		stopCh:      make(chan struct{}), doneCh: make(chan struct{}),
	}
}

// Run loops Tick every interval until Stop is called or ctx is cancelled.
func (a *AutoScaler) Run(ctx context.Context) {
	defer close(a.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Tick(ctx); err != nil {
				a.logger.Error("autoscaler_tick_error", "error", err)
			}
		}
	}
}

// Stop requests Run exit after its current tick.
func (a *AutoScaler) Stop() { close(a.stopCh) }

// Wait blocks until Run has returned.
func (a *AutoScaler) Wait() { <-a.doneCh }

// SetRoles swaps in a freshly-loaded role set, live. A role whose AutoScale
// block is newly enabled or disabled, or whose thresholds/bounds changed,
// takes effect on the next Tick.
func (a *AutoScaler) SetRoles(roles config.RoleSet) {
	a.mu.Lock()
	a.roles = roles
	a.mu.Unlock()
}

// Tick evaluates every auto-scale-enabled role once.
func (a *AutoScaler) Tick(ctx context.Context) error {
	a.mu.Lock()
	roles := a.roles
	a.mu.Unlock()

	for roleName, roleCfg := range roles {
		if !roleCfg.AutoScale.Enabled {
			continue
		}
		if err := a.evaluateRole(ctx, roleName, roleCfg); err != nil {
			return fmt.Errorf("autoscaler: role %q: %w", roleName, err)
		}
	}
	return nil
}

func (a *AutoScaler) evaluateRole(ctx context.Context, roleName string, roleCfg config.RoleConfig) error {
	backlogResult, err := a.board.SearchTasks(ctx, store.TaskFilter{AssignedTo: roleName, Status: string(store.TaskPending), Limit: 1})
	if err != nil {
		return fmt.Errorf("backlog count: %w", err)
	}
	backlog := backlogResult.Total

	active, err := a.instances.CountActive(ctx, roleName)
	if err != nil {
		return fmt.Errorf("active count: %w", err)
	}
	idle, err := a.instances.CountIdle(ctx, roleName)
	if err != nil {
		return fmt.Errorf("idle count: %w", err)
	}

	denominator := idle
	if denominator < 1 {
		denominator = 1
	}
	ratio := float64(backlog) / float64(denominator)

	if ratio > roleCfg.AutoScale.ScaleUpThreshold && active < roleCfg.MaxInstances {
		if err := a.scaleUp(ctx, roleName, roleCfg, active); err != nil {
			return err
		}
	}

	return a.evaluateScaleDown(ctx, roleName, roleCfg)
}

func (a *AutoScaler) scaleUp(ctx context.Context, roleName string, roleCfg config.RoleConfig, currentActive int) error {
	instanceID := fmt.Sprintf("%s-%d", roleName, currentActive+1)
	if err := a.spawn(ctx, instanceID, roleCfg); err != nil {
		return fmt.Errorf("spawn %q: %w", instanceID, err)
	}
	a.mu.Lock()
	if a.autoSpawned[roleName] == nil {
		a.autoSpawned[roleName] = map[string]time.Time{}
	}
	a.autoSpawned[roleName][instanceID] = time.Time{}
	a.mu.Unlock()
	a.logger.Info("autoscaler_scaled_up", "role", roleName, "instance_id", instanceID)
	return nil
}

func (a *AutoScaler) evaluateScaleDown(ctx context.Context, roleName string, roleCfg config.RoleConfig) error {
	a.mu.Lock()
	spawned := a.autoSpawned[roleName]
	a.mu.Unlock()
	if len(spawned) == 0 {
		return nil
	}

	instances, err := a.instances.List(ctx, roleName)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	statusByID := map[string]store.InstanceStatus{}
	baseCount := 0
	for _, inst := range instances {
		statusByID[inst.InstanceID] = inst.Status
		a.mu.Lock()
		_, isAutoSpawned := a.autoSpawned[roleName][inst.InstanceID]
		a.mu.Unlock()
		if !isAutoSpawned {
			baseCount++
		}
	}

	now := time.Now()
	for instanceID := range spawned {
		status, ok := statusByID[instanceID]
		if !ok {
			a.mu.Lock()
			delete(a.autoSpawned[roleName], instanceID)
			a.mu.Unlock()
			continue
		}
		if status != store.InstanceIdle {
			a.mu.Lock()
			a.autoSpawned[roleName][instanceID] = time.Time{}
			a.mu.Unlock()
			continue
		}

		a.mu.Lock()
		idleSince := a.autoSpawned[roleName][instanceID]
		if idleSince.IsZero() {
			a.autoSpawned[roleName][instanceID] = now
			idleSince = now
		}
		a.mu.Unlock()

		idleFor := now.Sub(idleSince)
		if idleFor >= time.Duration(roleCfg.AutoScale.ScaleDownIdleMins)*time.Minute && baseCount >= roleCfg.MaxInstances {
			if err := a.stop(ctx, instanceID); err != nil {
				return fmt.Errorf("stop %q: %w", instanceID, err)
			}
			a.mu.Lock()
			delete(a.autoSpawned[roleName], instanceID)
			a.mu.Unlock()
			a.logger.Info("autoscaler_scaled_down", "role", roleName, "instance_id", instanceID)
		}
	}
	return nil
}
