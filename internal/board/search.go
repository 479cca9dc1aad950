package board

import (
	"context"
	"database/sql"

	"github.com/nikhilch98/taskbrew/internal/store"
)

// SearchTasks performs a filtered, paginated search over the task table.
func (b *Board) SearchTasks(ctx context.Context, f store.TaskFilter) (store.SearchTasksResult, error) {
	return b.store.SearchTasks(ctx, f)
}

// GetTask fetches a single task by id.
func (b *Board) GetTask(ctx context.Context, id string) (store.Task, error) {
	return b.store.GetTask(ctx, id)
}

// BoardView lists tasks for the board view, grouped by status by the
// caller.
func (b *Board) BoardView(ctx context.Context, f store.TaskFilter) ([]store.Task, error) {
	return b.store.BoardView(ctx, f)
}

// GetGroup fetches a single group by id.
func (b *Board) GetGroup(ctx context.Context, id string) (store.Group, error) {
	return b.store.GetGroup(ctx, id)
}

// ListGroups lists groups optionally filtered by status ("" means all).
func (b *Board) ListGroups(ctx context.Context, status string) ([]store.Group, error) {
	return b.store.ListGroups(ctx, status)
}

// GroupDependencies lists every dependency edge among tasks in groupID, for
// rendering the dependency graph.
func (b *Board) GroupDependencies(ctx context.Context, groupID string) ([]store.TaskDependency, error) {
	return b.store.ListDependenciesByGroup(ctx, groupID)
}

// BatchAction is one of the vectorized operations BatchUpdateTasks accepts.
type BatchAction string

const (
	BatchCancel         BatchAction = "cancel"
	BatchReassign       BatchAction = "reassign"
	BatchChangePriority BatchAction = "change_priority"
	BatchRetry          BatchAction = "retry"
)

// BatchParams carries the action-specific argument for BatchUpdateTasks.
type BatchParams struct {
	NewRole     string
	NewPriority store.Priority
	Reason      string
}

// BatchResult reports the outcome of one task within a batch operation.
type BatchResult struct {
	TaskID string
	OK     bool
	Error  string
}

// BatchUpdateTasks applies action to every id in ids independently; a
// precondition failure on one task does not raise and does not stop the
// remaining tasks from being processed.
func (b *Board) BatchUpdateTasks(ctx context.Context, ids []string, action BatchAction, params BatchParams) []BatchResult {
	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		var err error
		switch action {
		case BatchCancel:
			_, err = b.CancelTask(ctx, id, params.Reason)
		case BatchReassign:
			_, err = b.ReassignTask(ctx, id, params.NewRole)
		case BatchChangePriority:
			err = b.changePriority(ctx, id, params.NewPriority)
		case BatchRetry:
			_, err = b.RetryTask(ctx, id)
		default:
			err = ErrIllegalStatusTransition
		}
		if err != nil {
			results = append(results, BatchResult{TaskID: id, OK: false, Error: err.Error()})
			continue
		}
		results = append(results, BatchResult{TaskID: id, OK: true})
	}
	return results
}

func (b *Board) changePriority(ctx context.Context, id string, priority store.Priority) error {
	if priority == "" {
		return ErrIllegalStatusTransition
	}
	return b.store.Transaction(ctx, func(tx *sql.Tx) error {
		ok, err := b.store.TransitionTaskTx(tx, id, nonTerminalStatuses(), map[string]any{
			"priority": string(priority),
		})
		if err != nil {
			return err
		}
		if !ok {
			return ErrIllegalStatusTransition
		}
		return nil
	})
}
