// Package instance implements the Instance Manager: registration,
// heartbeats, status transitions, and stale-instance detection for agent
// worker processes. It also tracks which roles are administratively
// paused, a purely in-memory flag consulted by the agent loop before every
// claim attempt.
package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nikhilch98/taskbrew/internal/bus"
	"github.com/nikhilch98/taskbrew/internal/store"
)

// staleTimeout is the default heartbeat age past which an instance is
// considered dead. Instances heartbeat every 15s under normal operation.
const staleTimeout = 90 * time.Second

// Manager owns the agent_instances table and in-memory pause flags.
type Manager struct {
	store *store.Store
	bus   *bus.Bus

	mu     sync.RWMutex
	paused map[string]bool // role -> paused
}

// New constructs a Manager.
func New(st *store.Store, b *bus.Bus) *Manager {
	return &Manager{store: st, bus: b, paused: map[string]bool{}}
}

// Register inserts a new instance row with status idle.
func (m *Manager) Register(ctx context.Context, instanceID, role string) (store.AgentInstance, error) {
	now := m.store.Now()
	inst := store.AgentInstance{
		InstanceID:    instanceID,
		Role:          role,
		Status:        store.InstanceIdle,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	if err := m.store.InsertInstance(ctx, inst); err != nil {
		return store.AgentInstance{}, fmt.Errorf("instance: register %q: %w", instanceID, err)
	}
	m.bus.Publish(bus.AgentStatusChanged{
		Meta: bus.At(now), InstanceID: instanceID, Role: role, Status: string(store.InstanceIdle),
	})
	return inst, nil
}

// Heartbeat updates last_heartbeat to now. Called every 15s by a running
// agent loop.
func (m *Manager) Heartbeat(ctx context.Context, instanceID string) error {
	now := m.store.Now()
	if err := m.store.HeartbeatInstance(ctx, instanceID, now.UTC().Format(timeFormat)); err != nil {
		return fmt.Errorf("instance: heartbeat %q: %w", instanceID, err)
	}
	return nil
}

// SetStatus transitions an instance's status (and, when non-empty,
// current_task) and publishes agent.status_changed.
func (m *Manager) SetStatus(ctx context.Context, instanceID, role string, status store.InstanceStatus, currentTask *string) error {
	if err := m.store.UpdateInstanceStatus(ctx, instanceID, status, currentTask); err != nil {
		return fmt.Errorf("instance: set status %q: %w", instanceID, err)
	}
	taskID := ""
	if currentTask != nil {
		taskID = *currentTask
	}
	m.bus.Publish(bus.AgentStatusChanged{
		Meta: bus.At(m.store.Now()), InstanceID: instanceID, Role: role, Status: string(status), TaskID: taskID,
	})
	return nil
}

// Remove deletes an instance row (clean shutdown).
func (m *Manager) Remove(ctx context.Context, instanceID string) error {
	return m.store.RemoveInstance(ctx, instanceID)
}

// Get reads a single instance.
func (m *Manager) Get(ctx context.Context, instanceID string) (store.AgentInstance, error) {
	return m.store.GetInstance(ctx, instanceID)
}

// List lists instances, optionally filtered by role (empty = all).
func (m *Manager) List(ctx context.Context, role string) ([]store.AgentInstance, error) {
	return m.store.ListInstances(ctx, role)
}

// CountActive counts instances for role whose status is idle or working —
// the denominator the auto-scaler's backlog ratio divides by.
func (m *Manager) CountActive(ctx context.Context, role string) (int, error) {
	return m.store.CountInstances(ctx, role, []store.InstanceStatus{store.InstanceIdle, store.InstanceWorking})
}

// CountIdle counts instances for role currently idle.
func (m *Manager) CountIdle(ctx context.Context, role string) (int, error) {
	return m.store.CountInstances(ctx, role, []store.InstanceStatus{store.InstanceIdle})
}

// StaleInstances returns instances whose heartbeat is older than timeout
// (staleTimeout when timeout <= 0), excluding already-stopped instances.
func (m *Manager) StaleInstances(ctx context.Context, timeout time.Duration) ([]store.AgentInstance, error) {
	if timeout <= 0 {
		timeout = staleTimeout
	}
	cutoff := m.store.Now().Add(-timeout).UTC().Format(timeFormat)
	return m.store.StaleInstances(ctx, cutoff, []store.InstanceStatus{store.InstanceStopped})
}

// Pause marks role as paused: the agent loop must stop claiming new tasks
// for it, though in-flight tasks run to completion.
func (m *Manager) Pause(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[role] = true
}

// Resume clears role's pause flag.
func (m *Manager) Resume(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paused, role)
}

// IsPaused reports whether role is currently paused.
func (m *Manager) IsPaused(role string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused[role]
}

// timeFormat mirrors the store package's persisted timestamp layout.
const timeFormat = "2006-01-02T15:04:05.000000Z"
