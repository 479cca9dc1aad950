// Package orchestrator wires every other component into a running system
// and owns its lifecycle: startup ordering (store → bus → board → instance
// manager → recovery → agent loops → auto-scaler) and a four-phase
// graceful shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nikhilch98/taskbrew/internal/agentloop"
	"github.com/nikhilch98/taskbrew/internal/autoscaler"
	"github.com/nikhilch98/taskbrew/internal/board"
	"github.com/nikhilch98/taskbrew/internal/bus"
	"github.com/nikhilch98/taskbrew/internal/config"
	"github.com/nikhilch98/taskbrew/internal/instance"
	"github.com/nikhilch98/taskbrew/internal/runner"
	"github.com/nikhilch98/taskbrew/internal/store"
)

// orphanRecoveryInterval is the background recovery loop cadence.
const orphanRecoveryInterval = 30 * time.Second

// staleInstanceTimeout is how old a heartbeat must be before an instance is
// considered dead.
const staleInstanceTimeout = 90 * time.Second

// shutdownDrainTimeout bounds how long phase 2 waits for in-flight agent
// loops to finish their current cycle before force-cancelling.
const shutdownDrainTimeout = 30 * time.Second

// Supervisor owns the full object graph and its background goroutines.
type Supervisor struct {
	Store     *store.Store
	Bus       *bus.Bus
	Board     *board.Board
	Instances *instance.Manager

	roles  config.RoleSet
	team   config.TeamConfig
	runner runner.Runner
	logger *slog.Logger

	mu         sync.Mutex
	loops      map[string]*agentloop.Loop
	loopCancel map[string]context.CancelFunc
	autoScaler *autoscaler.AutoScaler

	shuttingDown atomic.Bool
	orphanStopCh chan struct{}
	orphanDoneCh chan struct{}
}

// New opens the store (running migrations), constructs the bus, board, and
// instance manager, and registers every role/group id prefix.
func New(team config.TeamConfig, roles config.RoleSet, rn runner.Runner, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := store.Open(team.DBPath, team.ReadPoolSize)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open store: %w", err)
	}

	b := bus.New()
	brd := board.New(st, b, team, roles, logger)
	im := instance.New(st, b)

	if err := brd.RegisterPrefixes(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: register prefixes: %w", err)
	}

	return &Supervisor{
		Store: st, Bus: b, Board: brd, Instances: im,
		roles: roles, team: team, runner: rn, logger: logger,
		loops:        map[string]*agentloop.Loop{},
		loopCancel:   map[string]context.CancelFunc{},
		orphanStopCh: make(chan struct{}),
		orphanDoneCh: make(chan struct{}),
	}, nil
}

// Start performs the startup sequence and returns once every initial agent
// loop has been spawned. It does not block; call Shutdown to stop.
func (s *Supervisor) Start(ctx context.Context) error {
	if _, err := s.Board.RecoverOrphanedTasks(ctx); err != nil {
		return fmt.Errorf("orchestrator: recover orphaned tasks: %w", err)
	}
	if _, err := s.Board.RecoverStuckBlockedTasks(ctx); err != nil {
		return fmt.Errorf("orchestrator: recover stuck blocked tasks: %w", err)
	}

	go s.runOrphanRecoveryLoop(ctx)

	for roleName, roleCfg := range s.roles {
		n := roleCfg.MaxInstances
		if n <= 0 {
			n = 1
		}
		for i := 1; i <= n; i++ {
			instanceID := fmt.Sprintf("%s-%d", roleName, i)
			if err := s.spawnLoop(ctx, instanceID, roleName, roleCfg); err != nil {
				return fmt.Errorf("orchestrator: spawn %q: %w", instanceID, err)
			}
		}
	}

	anyAutoScale := false
	for _, roleCfg := range s.roles {
		if roleCfg.AutoScale.Enabled {
			anyAutoScale = true
			break
		}
	}
	if anyAutoScale {
		s.autoScaler = autoscaler.New(s.Board, s.Instances, s.roles, s.autoScaleSpawn, s.autoScaleStop, s.logger)
		go s.autoScaler.Run(ctx)
	}

	return nil
}

// spawnLoop registers an instance, constructs its Agent Loop, and starts it
// in a dedicated goroutine.
func (s *Supervisor) spawnLoop(ctx context.Context, instanceID, roleName string, roleCfg config.RoleConfig) error {
	if _, err := s.Instances.Register(ctx, instanceID, roleName); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	loop := agentloop.New(roleName, instanceID, roleCfg, s.Board, s.Instances, s.Bus, s.runner, s.logger)

	s.mu.Lock()
	s.loops[instanceID] = loop
	s.loopCancel[instanceID] = cancel
	s.mu.Unlock()

	go loop.Run(loopCtx)
	return nil
}

// UpdateRoles pushes a freshly-loaded role set into the running auto-scaler.
// It does not touch spawned Agent Loops (each already holds its own
// config.RoleConfig snapshot) or the board's prefix/Accept registration,
// which are structural and require a restart to change.
func (s *Supervisor) UpdateRoles(roles config.RoleSet) {
	s.mu.Lock()
	s.roles = roles
	as := s.autoScaler
	s.mu.Unlock()
	if as != nil {
		as.SetRoles(roles)
	}
}

// autoScaleSpawn is the agent_factory hook the auto-scaler invokes to start
// an extra loop.
func (s *Supervisor) autoScaleSpawn(ctx context.Context, instanceID string, roleCfg config.RoleConfig) error {
	return s.spawnLoop(ctx, instanceID, roleCfg.Name, roleCfg)
}

// autoScaleStop is the agent_stopper hook: stop the loop, let its in-flight
// task fall back to pending via orphan recovery, and drop the instance row.
func (s *Supervisor) autoScaleStop(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	loop, ok := s.loops[instanceID]
	cancel := s.loopCancel[instanceID]
	delete(s.loops, instanceID)
	delete(s.loopCancel, instanceID)
	s.mu.Unlock()

	if ok {
		loop.Stop()
		cancel()
	}
	return s.Instances.Remove(ctx, instanceID)
}

// runOrphanRecoveryLoop implements the every-30s background recovery
// responsibilities: reclaim stale in_progress tasks and resolve
// stuck-blocked tasks.
func (s *Supervisor) runOrphanRecoveryLoop(ctx context.Context) {
	defer close(s.orphanDoneCh)
	ticker := time.NewTicker(orphanRecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.orphanStopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recoverOnce(ctx)
		}
	}
}

func (s *Supervisor) recoverOnce(ctx context.Context) {
	stale, err := s.Instances.StaleInstances(ctx, staleInstanceTimeout)
	if err != nil {
		s.logger.Error("orchestrator_stale_instance_lookup_failed", "error", err)
		return
	}
	if len(stale) > 0 {
		ids := make([]string, 0, len(stale))
		for _, inst := range stale {
			ids = append(ids, inst.InstanceID)
		}
		if _, err := s.Board.RecoverStaleInProgressTasks(ctx, ids); err != nil {
			s.logger.Error("orchestrator_recover_stale_failed", "error", err)
		}
		for _, inst := range stale {
			if err := s.Instances.SetStatus(ctx, inst.InstanceID, inst.Role, store.InstanceIdle, nil); err != nil {
				s.logger.Error("orchestrator_reset_stale_instance_failed", "instance_id", inst.InstanceID, "error", err)
			}
		}
	}
	if _, err := s.Board.RecoverStuckBlockedTasks(ctx); err != nil {
		s.logger.Error("orchestrator_recover_stuck_blocked_failed", "error", err)
	}
}

// Shutdown performs the four-phase graceful shutdown. Idempotent: a second
// call is a no-op.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	// Phase 1: stop every agent loop and the orphan-recovery loop.
	s.mu.Lock()
	loops := make([]*agentloop.Loop, 0, len(s.loops))
	for _, l := range s.loops {
		l.Stop()
		loops = append(loops, l)
	}
	s.mu.Unlock()
	close(s.orphanStopCh)
	if s.autoScaler != nil {
		s.autoScaler.Stop()
	}

	// Phase 2: drain with a bounded wait.
	drained := make(chan struct{})
	go func() {
		for _, l := range loops {
			l.Wait()
		}
		<-s.orphanDoneCh
		if s.autoScaler != nil {
			s.autoScaler.Wait()
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownDrainTimeout):
		s.logger.Warn("orchestrator_shutdown_drain_timeout")
	}

	// Phase 3: worktree cleanup is an out-of-core concern; nothing to do.

	// Phase 4: close the store.
	if err := s.Store.Close(); err != nil {
		return fmt.Errorf("orchestrator: close store: %w", err)
	}
	return nil
}
