package board

import (
	"context"
	"database/sql"

	"github.com/nikhilch98/taskbrew/internal/bus"
	"github.com/nikhilch98/taskbrew/internal/store"
)

// RecoverOrphanedTasks resets every in_progress task to pending with a
// cleared claim. Startup-only: safe only because a single process owns the
// database. Emits task.recovered for each reclaimed task.
func (b *Board) RecoverOrphanedTasks(ctx context.Context) ([]string, error) {
	var ids []string
	err := b.store.Transaction(ctx, func(tx *sql.Tx) error {
		inProgress, err := b.store.InProgressTaskIDsTx(tx, nil)
		if err != nil {
			return err
		}
		for _, id := range inProgress {
			ok, err := b.store.TransitionTaskTx(tx, id, []store.TaskStatus{store.TaskInProgress}, map[string]any{
				"status":     string(store.TaskPending),
				"claimed_by": nil,
				"started_at": nil,
			})
			if err != nil {
				return err
			}
			if ok {
				ids = append(ids, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	now := b.store.Now()
	for _, id := range ids {
		b.bus.Publish(bus.TaskRecovered{Meta: bus.At(now), TaskID: id, Reason: "orphan"})
	}
	return ids, nil
}

// RecoverStaleInProgressTasks resets in_progress tasks claimed by any of
// staleInstanceIDs to pending, then resolves dependencies for each
// (a no-op on pending tasks, kept for consistency with the generic
// dependency-resolution path). Emits task.recovered with reason
// stale_heartbeat.
func (b *Board) RecoverStaleInProgressTasks(ctx context.Context, staleInstanceIDs []string) ([]string, error) {
	if len(staleInstanceIDs) == 0 {
		return nil, nil
	}
	var ids []string
	err := b.store.Transaction(ctx, func(tx *sql.Tx) error {
		affected, err := b.store.InProgressTaskIDsTx(tx, staleInstanceIDs)
		if err != nil {
			return err
		}
		for _, id := range affected {
			ok, err := b.store.TransitionTaskTx(tx, id, []store.TaskStatus{store.TaskInProgress}, map[string]any{
				"status":     string(store.TaskPending),
				"claimed_by": nil,
				"started_at": nil,
			})
			if err != nil {
				return err
			}
			if ok {
				ids = append(ids, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	now := b.store.Now()
	for _, id := range ids {
		if err := b.ResolveDependencies(ctx, id); err != nil {
			return ids, err
		}
		b.bus.Publish(bus.TaskRecovered{Meta: bus.At(now), TaskID: id, Reason: "stale_heartbeat"})
	}
	return ids, nil
}

// RecoverStuckBlockedTasks finds blocked tasks whose every unresolved
// blocker is already terminal (dependency resolution was missed), marks
// those blockers resolved, cascade-fails dependents of any failed blocker,
// and flips newly dependency-free tasks to pending.
func (b *Board) RecoverStuckBlockedTasks(ctx context.Context) ([]string, error) {
	var recovered []string
	now := b.store.Now()
	err := b.store.Transaction(ctx, func(tx *sql.Tx) error {
		stuckIDs, err := b.store.BlockedTasksWithResolvedBlockersTx(tx)
		if err != nil {
			return err
		}
		for _, taskID := range stuckIDs {
			blockers, err := b.store.UnresolvedBlockersTx(tx, taskID)
			if err != nil {
				return err
			}
			anyFailed := false
			for _, blk := range blockers {
				if err := b.store.MarkDependencyResolvedTx(tx, taskID, blk.BlockerID, formatTime(now)); err != nil {
					return err
				}
				if blk.Status == store.TaskFailed || blk.Status == store.TaskRejected || blk.Status == store.TaskCancelled {
					anyFailed = true
				}
			}
			if anyFailed {
				ok, err := b.store.TransitionTaskTx(tx, taskID, []store.TaskStatus{store.TaskBlocked}, map[string]any{
					"status": string(store.TaskFailed),
				})
				if err != nil {
					return err
				}
				if ok {
					if err := b.cascadeFailTx(tx, taskID, now); err != nil {
						return err
					}
					recovered = append(recovered, taskID)
				}
				continue
			}
			n, err := b.store.UnresolvedDependencyCountTx(tx, taskID)
			if err != nil {
				return err
			}
			if n == 0 {
				ok, err := b.store.TransitionTaskTx(tx, taskID, []store.TaskStatus{store.TaskBlocked}, map[string]any{
					"status": string(store.TaskPending),
				})
				if err != nil {
					return err
				}
				if ok {
					recovered = append(recovered, taskID)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range recovered {
		b.bus.Publish(bus.TaskRecovered{Meta: bus.At(now), TaskID: id, Reason: "stuck_blocked"})
	}
	return recovered, nil
}
