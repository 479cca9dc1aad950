// Package board implements the Task Board: the only component that writes
// tasks, groups, and dependency edges. It enforces every task-graph
// invariant (acyclic dependencies, legal status transitions, cascade
// failure, group completion) on top of the store, and publishes a bus
// event for every externally observable mutation.
package board

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nikhilch98/taskbrew/internal/bus"
	"github.com/nikhilch98/taskbrew/internal/config"
	"github.com/nikhilch98/taskbrew/internal/store"
)

// outputTruncateLimit is the maximum number of runes of agent output
// persisted per task.
const outputTruncateLimit = 2000

// Board is the task-graph write gateway.
type Board struct {
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger
	team   config.TeamConfig
	roles  config.RoleSet
}

// New constructs a Board. roles supplies the prefix each assigned_to role
// allocates task IDs from; team supplies group-prefix mapping and
// guardrails defaults.
func New(st *store.Store, b *bus.Bus, team config.TeamConfig, roles config.RoleSet, logger *slog.Logger) *Board {
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{store: st, bus: b, logger: logger, team: team, roles: roles}
}

// RegisterPrefixes idempotently registers every role's task-id prefix and
// every configured group-id prefix (plus the "GRP" fallback) with the
// store's id sequence table. Called once during orchestrator startup.
func (b *Board) RegisterPrefixes(ctx context.Context) error {
	seen := map[string]bool{}
	for _, r := range b.roles {
		if r.Prefix == "" || seen[r.Prefix] {
			continue
		}
		seen[r.Prefix] = true
		if err := b.store.RegisterPrefix(ctx, r.Prefix); err != nil {
			return fmt.Errorf("board: register role prefix %q: %w", r.Prefix, err)
		}
	}
	groupPrefixes := map[string]bool{"GRP": true}
	for _, p := range b.team.GroupPrefixes {
		if p != "" {
			groupPrefixes[p] = true
		}
	}
	for p := range groupPrefixes {
		if err := b.store.RegisterPrefix(ctx, p); err != nil {
			return fmt.Errorf("board: register group prefix %q: %w", p, err)
		}
	}
	return nil
}

// CreateGroup allocates a group ID from the prefix mapped to createdBy's
// role (falling back to "GRP") and inserts an active group.
func (b *Board) CreateGroup(ctx context.Context, title, origin, createdBy string) (store.Group, error) {
	prefix := b.team.GroupPrefixFor(baseRole(createdBy))
	id, err := b.store.AllocateID(ctx, prefix)
	if err != nil {
		return store.Group{}, fmt.Errorf("board: allocate group id: %w", err)
	}

	g := store.Group{
		ID:        id,
		Title:     title,
		Origin:    origin,
		Status:    store.GroupActive,
		CreatedBy: createdBy,
		CreatedAt: b.store.Now(),
	}

	err = b.store.Transaction(ctx, func(tx *sql.Tx) error {
		return b.store.InsertGroupTx(tx, g)
	})
	if err != nil {
		return store.Group{}, err
	}

	b.bus.Publish(bus.GroupCreated{Meta: bus.At(g.CreatedAt), GroupID: g.ID, Title: g.Title})
	return g, nil
}

// CreateTaskParams is the input to CreateTask.
type CreateTaskParams struct {
	GroupID     string
	Title       string
	TaskType    string
	AssignedTo  string
	CreatedBy   string
	Description string
	Priority    store.Priority
	ParentID    *string
	RevisionOf  *string
	BlockedBy   []string
}

// CreateTask allocates an ID from assigned_to's registered prefix, checks
// every blocked_by edge for cycles, and inserts the task as blocked (if any
// dependency given) or pending.
func (b *Board) CreateTask(ctx context.Context, p CreateTaskParams) (store.Task, error) {
	role, ok := b.roles[p.AssignedTo]
	if !ok || role.Prefix == "" {
		return store.Task{}, fmt.Errorf("board: no prefix registered for role %q", p.AssignedTo)
	}
	if p.Priority == "" {
		p.Priority = store.PriorityMedium
	}

	id, err := b.store.AllocateID(ctx, role.Prefix)
	if err != nil {
		return store.Task{}, fmt.Errorf("board: allocate task id: %w", err)
	}

	status := store.TaskPending
	if len(p.BlockedBy) > 0 {
		status = store.TaskBlocked
	}

	t := store.Task{
		ID:          id,
		GroupID:     p.GroupID,
		ParentID:    p.ParentID,
		Title:       p.Title,
		Description: p.Description,
		TaskType:    p.TaskType,
		Priority:    p.Priority,
		AssignedTo:  p.AssignedTo,
		Status:      status,
		CreatedBy:   p.CreatedBy,
		CreatedAt:   b.store.Now(),
		RevisionOf:  p.RevisionOf,
	}

	err = b.store.Transaction(ctx, func(tx *sql.Tx) error {
		for _, blockerID := range p.BlockedBy {
			if blockerID == id {
				return ErrCycleInDependency
			}
			cyclic, err := b.store.UpstreamReachesTx(tx, blockerID, id)
			if err != nil {
				return err
			}
			if cyclic {
				return ErrCycleInDependency
			}
		}
		if err := b.store.InsertTaskTx(tx, t); err != nil {
			return err
		}
		for _, blockerID := range p.BlockedBy {
			if err := b.store.InsertDependencyTx(tx, id, blockerID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return store.Task{}, err
	}

	b.bus.Publish(bus.TaskCreated{
		Meta:       bus.At(t.CreatedAt),
		TaskID:     t.ID,
		GroupID:    t.GroupID,
		AssignedTo: t.AssignedTo,
		TaskType:   t.TaskType,
		Status:     string(t.Status),
	})
	return t, nil
}

// AddDependency attaches an additional blocked_by edge to an already
// existing task, after the same BFS cycle check CreateTask performs. Used
// by workflow chaining and administrative edits outside of creation.
func (b *Board) AddDependency(ctx context.Context, taskID, blockedByID string) error {
	if taskID == blockedByID {
		return ErrCycleInDependency
	}
	return b.store.Transaction(ctx, func(tx *sql.Tx) error {
		cyclic, err := b.store.UpstreamReachesTx(tx, blockedByID, taskID)
		if err != nil {
			return err
		}
		if cyclic {
			return ErrCycleInDependency
		}
		if err := b.store.InsertDependencyTx(tx, taskID, blockedByID); err != nil {
			return err
		}
		affected, err := b.store.TransitionTaskTx(tx, taskID, []store.TaskStatus{store.TaskPending}, map[string]any{
			"status": string(store.TaskBlocked),
		})
		_ = affected
		return err
	})
}

// ClaimTask atomically dequeues the highest-priority pending task assigned
// to role. Returns (Task{}, false, nil) when the queue is empty.
func (b *Board) ClaimTask(ctx context.Context, role, instanceID string) (store.Task, bool, error) {
	var task store.Task
	var claimed bool
	now := b.store.Now()
	err := b.store.Transaction(ctx, func(tx *sql.Tx) error {
		t, ok, err := b.store.ClaimNextPendingTaskTx(tx, role, instanceID, formatTime(now))
		if err != nil || !ok {
			return err
		}
		task, claimed = t, true
		return nil
	})
	if err != nil || !claimed {
		return store.Task{}, false, err
	}
	return task, true, nil
}

// CompleteTask completes id with no output text.
func (b *Board) CompleteTask(ctx context.Context, id string) (store.Task, error) {
	return b.CompleteTaskWithOutput(ctx, id, "")
}

// CompleteTaskWithOutput transitions id from in_progress to completed,
// truncating output to outputTruncateLimit runes. Already-terminal tasks
// are a logged no-op, never an error (tolerates idempotent agent retries).
func (b *Board) CompleteTaskWithOutput(ctx context.Context, id, output string) (store.Task, error) {
	now := b.store.Now()
	truncated := truncateRunes(output, outputTruncateLimit)

	var result store.Task
	var changed bool
	err := b.store.Transaction(ctx, func(tx *sql.Tx) error {
		set := map[string]any{
			"status":       string(store.TaskCompleted),
			"completed_at": formatTime(now),
		}
		if truncated != "" {
			set["output_text"] = truncated
		}
		ok, err := b.store.TransitionTaskTx(tx, id, []store.TaskStatus{store.TaskInProgress}, set)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		changed = true
		t, err := b.store.GetTaskTx(tx, id)
		if err != nil {
			return err
		}
		result = t

		dependents, err := b.store.ResolveDependenciesByBlockerTx(tx, id, formatTime(now))
		if err != nil {
			return err
		}
		if err := b.unblockReadyTx(tx, dependents, now); err != nil {
			return err
		}
		return b.checkGroupCompletionTx(tx, t.GroupID, now)
	})
	if err != nil {
		return store.Task{}, err
	}
	if !changed {
		t, getErr := b.store.GetTask(ctx, id)
		if getErr != nil {
			return store.Task{}, getErr
		}
		b.logger.Warn("complete_task_noop_not_in_progress", "task_id", id, "status", t.Status)
		return t, nil
	}

	b.bus.Publish(bus.TaskCompleted{Meta: bus.At(now), TaskID: result.ID, GroupID: result.GroupID, Output: truncated})
	return result, nil
}

// FailTask transitions id from in_progress to failed, cascade-fails every
// still-blocked dependent, cancels pending direct children, and checks
// group completion.
func (b *Board) FailTask(ctx context.Context, id, reason string) (store.Task, error) {
	now := b.store.Now()
	var result store.Task
	var changed bool
	err := b.store.Transaction(ctx, func(tx *sql.Tx) error {
		ok, err := b.store.TransitionTaskTx(tx, id, []store.TaskStatus{store.TaskInProgress}, map[string]any{
			"status": string(store.TaskFailed),
		})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		changed = true
		t, err := b.store.GetTaskTx(tx, id)
		if err != nil {
			return err
		}
		result = t

		if err := b.cascadeFailTx(tx, id, now); err != nil {
			return err
		}
		if err := b.cancelPendingChildrenTx(tx, id, now); err != nil {
			return err
		}
		return b.checkGroupCompletionTx(tx, t.GroupID, now)
	})
	if err != nil {
		return store.Task{}, err
	}
	if !changed {
		t, getErr := b.store.GetTask(ctx, id)
		if getErr != nil {
			return store.Task{}, getErr
		}
		b.logger.Warn("fail_task_noop_not_in_progress", "task_id", id, "status", t.Status)
		return t, nil
	}
	b.bus.Publish(bus.TaskFailed{Meta: bus.At(now), TaskID: result.ID, GroupID: result.GroupID, Reason: reason})
	return result, nil
}

// RejectTask transitions id from any status to rejected with reason.
func (b *Board) RejectTask(ctx context.Context, id, reason string) (store.Task, error) {
	now := b.store.Now()
	var result store.Task
	err := b.store.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := b.store.TransitionTaskTx(tx, id, allStatuses(), map[string]any{
			"status":           string(store.TaskRejected),
			"rejection_reason": reason,
		})
		if err != nil {
			return err
		}
		t, err := b.store.GetTaskTx(tx, id)
		if err != nil {
			return err
		}
		result = t
		return b.checkGroupCompletionTx(tx, t.GroupID, now)
	})
	if err != nil {
		return store.Task{}, err
	}
	b.bus.Publish(bus.TaskCancelled{Meta: bus.At(now), TaskID: result.ID, Reason: "rejected: " + reason})
	return result, nil
}

// CancelTask transitions id to cancelled with the same cascade as FailTask.
func (b *Board) CancelTask(ctx context.Context, id, reason string) (store.Task, error) {
	now := b.store.Now()
	var result store.Task
	var changed bool
	err := b.store.Transaction(ctx, func(tx *sql.Tx) error {
		ok, err := b.store.TransitionTaskTx(tx, id, nonTerminalStatuses(), map[string]any{
			"status": string(store.TaskCancelled),
		})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		changed = true
		t, err := b.store.GetTaskTx(tx, id)
		if err != nil {
			return err
		}
		result = t
		if err := b.cascadeFailTx(tx, id, now); err != nil {
			return err
		}
		if err := b.cancelPendingChildrenTx(tx, id, now); err != nil {
			return err
		}
		return b.checkGroupCompletionTx(tx, t.GroupID, now)
	})
	if err != nil {
		return store.Task{}, err
	}
	if !changed {
		t, getErr := b.store.GetTask(ctx, id)
		if getErr != nil {
			return store.Task{}, getErr
		}
		return t, nil
	}
	b.bus.Publish(bus.TaskCancelled{Meta: bus.At(now), TaskID: result.ID, Reason: reason})
	return result, nil
}

// RetryTask resets a failed/rejected/cancelled task to pending, clearing
// its claim and completion timestamp.
func (b *Board) RetryTask(ctx context.Context, id string) (store.Task, error) {
	var result store.Task
	err := b.store.Transaction(ctx, func(tx *sql.Tx) error {
		ok, err := b.store.TransitionTaskTx(tx, id,
			[]store.TaskStatus{store.TaskFailed, store.TaskRejected, store.TaskCancelled},
			map[string]any{
				"status":       string(store.TaskPending),
				"claimed_by":   nil,
				"completed_at": nil,
			})
		if err != nil {
			return err
		}
		if !ok {
			return ErrIllegalStatusTransition
		}
		t, err := b.store.GetTaskTx(tx, id)
		if err != nil {
			return err
		}
		result = t
		return nil
	})
	if err != nil {
		return store.Task{}, err
	}
	b.bus.Publish(bus.TaskCreated{
		Meta: bus.At(b.store.Now()), TaskID: result.ID, GroupID: result.GroupID,
		AssignedTo: result.AssignedTo, TaskType: result.TaskType, Status: string(result.Status),
	})
	return result, nil
}

// ReassignTask changes assigned_to for a pending or blocked task.
func (b *Board) ReassignTask(ctx context.Context, id, newRole string) (store.Task, error) {
	var result store.Task
	err := b.store.Transaction(ctx, func(tx *sql.Tx) error {
		ok, err := b.store.TransitionTaskTx(tx, id,
			[]store.TaskStatus{store.TaskPending, store.TaskBlocked},
			map[string]any{"assigned_to": newRole})
		if err != nil {
			return err
		}
		if !ok {
			return ErrIllegalStatusTransition
		}
		t, err := b.store.GetTaskTx(tx, id)
		if err != nil {
			return err
		}
		result = t
		return nil
	})
	return result, err
}

// ResolveDependencies marks every dependency blocked by completedID
// resolved and flips any now dependency-free blocked task to pending.
func (b *Board) ResolveDependencies(ctx context.Context, completedID string) error {
	now := b.store.Now()
	return b.store.Transaction(ctx, func(tx *sql.Tx) error {
		dependents, err := b.store.ResolveDependenciesByBlockerTx(tx, completedID, formatTime(now))
		if err != nil {
			return err
		}
		return b.unblockReadyTx(tx, dependents, now)
	})
}

// unblockReadyTx flips every blocked task in candidateIDs with zero
// remaining unresolved dependencies to pending.
func (b *Board) unblockReadyTx(tx *sql.Tx, candidateIDs []string, now time.Time) error {
	for _, depID := range candidateIDs {
		n, err := b.store.UnresolvedDependencyCountTx(tx, depID)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if _, err := b.store.TransitionTaskTx(tx, depID, []store.TaskStatus{store.TaskBlocked}, map[string]any{
			"status": string(store.TaskPending),
		}); err != nil {
			return err
		}
	}
	return nil
}

// CheckGroupCompletion marks taskID's group completed if every task within
// it is now terminal.
func (b *Board) CheckGroupCompletion(ctx context.Context, taskID string) error {
	t, err := b.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := b.store.Now()
	return b.store.Transaction(ctx, func(tx *sql.Tx) error {
		return b.checkGroupCompletionTx(tx, t.GroupID, now)
	})
}

func (b *Board) checkGroupCompletionTx(tx *sql.Tx, groupID string, now time.Time) error {
	if groupID == "" {
		return nil
	}
	hasOpen, err := b.store.HasNonTerminalTasksTx(tx, groupID)
	if err != nil {
		return err
	}
	if hasOpen {
		return nil
	}
	if err := b.store.SetGroupCompletedTx(tx, groupID, formatTime(now)); err != nil {
		return err
	}
	b.bus.Publish(bus.GroupCompleted{Meta: bus.At(now), GroupID: groupID})
	return nil
}

// cascadeFailTx recursively fails every still-blocked dependent of
// failedID, breadth-first.
func (b *Board) cascadeFailTx(tx *sql.Tx, failedID string, now time.Time) error {
	queue, err := b.store.BlockedDependentsTx(tx, failedID)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for len(queue) > 0 {
		depID := queue[0]
		queue = queue[1:]
		if seen[depID] {
			continue
		}
		seen[depID] = true

		ok, err := b.store.TransitionTaskTx(tx, depID, []store.TaskStatus{store.TaskBlocked}, map[string]any{
			"status": string(store.TaskFailed),
		})
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		more, err := b.store.BlockedDependentsTx(tx, depID)
		if err != nil {
			return err
		}
		queue = append(queue, more...)
	}
	return nil
}

// cancelPendingChildrenTx cancels every pending direct child (parent_id =
// parentID) of a failed or cancelled task.
func (b *Board) cancelPendingChildrenTx(tx *sql.Tx, parentID string, now time.Time) error {
	children, err := b.store.ChildTasksTx(tx, parentID)
	if err != nil {
		return err
	}
	for _, childID := range children {
		if _, err := b.store.TransitionTaskTx(tx, childID, []store.TaskStatus{store.TaskPending}, map[string]any{
			"status": string(store.TaskCancelled),
		}); err != nil {
			return err
		}
	}
	return nil
}

func allStatuses() []store.TaskStatus {
	return []store.TaskStatus{
		store.TaskBlocked, store.TaskPending, store.TaskInProgress,
		store.TaskCompleted, store.TaskFailed, store.TaskRejected, store.TaskCancelled,
	}
}

func nonTerminalStatuses() []store.TaskStatus {
	return []store.TaskStatus{store.TaskBlocked, store.TaskPending, store.TaskInProgress}
}

// baseRole strips the "-N" instance suffix from an instance id, e.g.
// "pm-1" -> "pm". A bare role name passes through unchanged.
func baseRole(createdBy string) string {
	idx := strings.LastIndex(createdBy, "-")
	if idx <= 0 {
		return createdBy
	}
	if _, err := strconv.Atoi(createdBy[idx+1:]); err != nil {
		return createdBy
	}
	return createdBy[:idx]
}

// truncateRunes returns the first n runes of s, with no delimiter search.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
