package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertTaskTx inserts t as-is (status already decided by the caller).
func (s *Store) InsertTaskTx(tx *sql.Tx, t Task) error {
	_, err := tx.Exec(`
		INSERT INTO tasks (id, group_id, parent_id, title, description, task_type, priority,
			assigned_to, claimed_by, status, created_by, created_at, started_at, completed_at,
			rejection_reason, revision_of, output_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupID, toNullString(t.ParentID), t.Title, t.Description, t.TaskType, string(t.Priority),
		t.AssignedTo, toNullString(t.ClaimedBy), string(t.Status), t.CreatedBy, t.CreatedAt.Format(timeFormat),
		toNullTime(t.StartedAt), toNullTime(t.CompletedAt), toNullString(t.RejectionReason),
		toNullString(t.RevisionOf), toNullString(t.OutputText))
	if err != nil {
		return fmt.Errorf("store: insert task: %w", err)
	}
	return nil
}

// InsertDependencyTx inserts an unresolved dependency edge.
func (s *Store) InsertDependencyTx(tx *sql.Tx, taskID, blockedByID string) error {
	_, err := tx.Exec(`INSERT INTO task_dependencies (task_id, blocked_by_id, resolved) VALUES (?, ?, 0)`,
		taskID, blockedByID)
	if err != nil {
		return fmt.Errorf("store: insert dependency: %w", err)
	}
	return nil
}

// GetTaskTx reads a task row inside an ongoing transaction (SELECT ...
// without FOR UPDATE, since SQLite's single writer connection already
// serializes every write transaction).
func (s *Store) GetTaskTx(tx *sql.Tx, id string) (Task, error) {
	row := tx.QueryRow(taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GetTask reads a task via the read pool.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.readDB.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ErrTaskNotFound is returned by task lookups that find no matching row.
var ErrTaskNotFound = sql.ErrNoRows

const taskSelectColumns = `SELECT id, group_id, parent_id, title, description, task_type, priority,
	assigned_to, claimed_by, status, created_by, created_at, started_at, completed_at,
	rejection_reason, revision_of, output_text`

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var priority, status, createdAt string
	var parentID, claimedBy, startedAt, completedAt, rejectionReason, revisionOf, outputText sql.NullString

	err := row.Scan(&t.ID, &t.GroupID, &parentID, &t.Title, &t.Description, &t.TaskType, &priority,
		&t.AssignedTo, &claimedBy, &status, &t.CreatedBy, &createdAt, &startedAt, &completedAt,
		&rejectionReason, &revisionOf, &outputText)
	if err != nil {
		return Task{}, err
	}

	t.Priority = Priority(priority)
	t.Status = TaskStatus(status)
	t.ParentID = nullableString(parentID)
	t.ClaimedBy = nullableString(claimedBy)
	t.RejectionReason = nullableString(rejectionReason)
	t.RevisionOf = nullableString(revisionOf)
	t.OutputText = nullableString(outputText)

	createdAtT, err := parseTime(createdAt)
	if err != nil {
		return Task{}, err
	}
	t.CreatedAt = createdAtT

	if t.StartedAt, err = nullableTime(startedAt); err != nil {
		return Task{}, err
	}
	if t.CompletedAt, err = nullableTime(completedAt); err != nil {
		return Task{}, err
	}
	return t, nil
}

// ClaimNextPendingTaskTx selects the highest-priority pending, unclaimed
// task for role (priority rank ascending, then created_at ascending) and
// atomically transitions it to in_progress. Returns (Task{}, false, nil)
// when no candidate exists.
func (s *Store) ClaimNextPendingTaskTx(tx *sql.Tx, role, instanceID, now string) (Task, bool, error) {
	row := tx.QueryRow(taskSelectColumns+`
		FROM tasks
		WHERE assigned_to = ? AND status = ? AND claimed_by IS NULL
		ORDER BY CASE priority
			WHEN 'critical' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			WHEN 'low' THEN 3
			ELSE 4
		END ASC, created_at ASC
		LIMIT 1`, role, string(TaskPending))

	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Task{}, false, nil
		}
		return Task{}, false, fmt.Errorf("store: claim select: %w", err)
	}

	res, err := tx.Exec(`UPDATE tasks SET status = ?, claimed_by = ?, started_at = ?
		WHERE id = ? AND status = ? AND claimed_by IS NULL`,
		string(TaskInProgress), instanceID, now, t.ID, string(TaskPending))
	if err != nil {
		return Task{}, false, fmt.Errorf("store: claim update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Task{}, false, err
	}
	if affected == 0 {
		// Another transaction won the race between our SELECT and UPDATE;
		// the single-writer connection makes this vanishingly rare but the
		// guard keeps the operation correct regardless.
		return Task{}, false, nil
	}
	t.Status = TaskInProgress
	t.ClaimedBy = &instanceID
	return t, true, nil
}

// TransitionTaskTx performs a guarded status transition: the UPDATE only
// applies if the row's current status is one of fromStatuses, and the
// number of affected rows is returned so callers can distinguish a real
// transition from a no-op on an already-terminal/unexpected row.
func (s *Store) TransitionTaskTx(tx *sql.Tx, id string, fromStatuses []TaskStatus, set map[string]any) (bool, error) {
	if len(fromStatuses) == 0 {
		return false, fmt.Errorf("store: transition requires at least one fromStatus")
	}

	args := make([]any, 0, len(set)+1+len(fromStatuses))
	args = append(args, orderedValues(set)...)
	args = append(args, id)
	for _, st := range fromStatuses {
		args = append(args, string(st))
	}

	res, err := tx.Exec(rebuildQuery(set, fromStatuses), args...)
	if err != nil {
		return false, fmt.Errorf("store: transition task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// orderedCols/orderedValues/rebuildQuery exist because Go maps have no
// stable iteration order, and the SET clause and its bound args must agree
// on column order.
type kv struct {
	col string
	val any
}

func orderedKVs(set map[string]any) []kv {
	cols := make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}
	// Stable, deterministic ordering independent of map iteration.
	for i := 1; i < len(cols); i++ {
		for j := i; j > 0 && cols[j-1] > cols[j]; j-- {
			cols[j-1], cols[j] = cols[j], cols[j-1]
		}
	}
	out := make([]kv, len(cols))
	for i, c := range cols {
		out[i] = kv{col: c, val: set[c]}
	}
	return out
}

func orderedValues(set map[string]any) []any {
	kvs := orderedKVs(set)
	out := make([]any, len(kvs))
	for i, e := range kvs {
		out[i] = e.val
	}
	return out
}

func rebuildQuery(set map[string]any, fromStatuses []TaskStatus) string {
	kvs := orderedKVs(set)
	setClause := ""
	for i, e := range kvs {
		if i > 0 {
			setClause += ", "
		}
		setClause += e.col + " = ?"
	}
	placeholders := ""
	for i := range fromStatuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
	}
	return fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ? AND status IN (%s)`, setClause, placeholders)
}

// UpstreamReachesTx reports whether startID can reach targetID by walking
// the dependency graph upstream (task -> blocked_by -> blocked_by -> ...),
// via breadth-first search. Used by CreateTask's cycle check: adding edge
// (newTask, blocker) is safe iff blocker cannot already reach newTask.
func (s *Store) UpstreamReachesTx(tx *sql.Tx, startID, targetID string) (bool, error) {
	visited := map[string]bool{startID: true}
	queue := []string{startID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == targetID {
			return true, nil
		}
		rows, err := tx.Query(`SELECT blocked_by_id FROM task_dependencies WHERE task_id = ?`, cur)
		if err != nil {
			return false, fmt.Errorf("store: upstream walk: %w", err)
		}
		var next []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return false, err
			}
			next = append(next, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return false, err
		}
		for _, id := range next {
			if !visited[id] {
				visited[id] = true
				queue = append(queue, id)
			}
		}
	}
	return false, nil
}

// UnresolvedDependencyCountTx counts unresolved inbound dependency rows for
// taskID.
func (s *Store) UnresolvedDependencyCountTx(tx *sql.Tx, taskID string) (int, error) {
	row := tx.QueryRow(`SELECT COUNT(*) FROM task_dependencies WHERE task_id = ? AND resolved = 0`, taskID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count unresolved deps: %w", err)
	}
	return n, nil
}

// ResolveDependenciesByBlockerTx marks every dependency row blocked by
// completedID as resolved and returns the distinct set of dependent task
// ids affected.
func (s *Store) ResolveDependenciesByBlockerTx(tx *sql.Tx, blockerID, now string) ([]string, error) {
	rows, err := tx.Query(`SELECT task_id FROM task_dependencies WHERE blocked_by_id = ? AND resolved = 0`, blockerID)
	if err != nil {
		return nil, fmt.Errorf("store: select dependents: %w", err)
	}
	var dependents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dependents = append(dependents, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`UPDATE task_dependencies SET resolved = 1, resolved_at = ?
		WHERE blocked_by_id = ? AND resolved = 0`, now, blockerID); err != nil {
		return nil, fmt.Errorf("store: resolve dependencies: %w", err)
	}
	return dependents, nil
}

// BlockedDependentsTx returns task ids that have blockerID as an unresolved
// dependency — used by cascade failure, independent of whether the edge has
// since been resolved elsewhere in the same transaction.
func (s *Store) BlockedDependentsTx(tx *sql.Tx, blockerID string) ([]string, error) {
	rows, err := tx.Query(`SELECT task_id FROM task_dependencies WHERE blocked_by_id = ?`, blockerID)
	if err != nil {
		return nil, fmt.Errorf("store: select blocked dependents: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ChildTasksTx returns ids of tasks whose parent_id is parentID.
func (s *Store) ChildTasksTx(tx *sql.Tx, parentID string) ([]string, error) {
	rows, err := tx.Query(`SELECT id FROM tasks WHERE parent_id = ?`, parentID)
	if err != nil {
		return nil, fmt.Errorf("store: select children: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// InProgressTaskIDsTx returns ids of in_progress tasks, optionally narrowed
// to a set of claimed_by instance ids (all in_progress tasks if empty).
func (s *Store) InProgressTaskIDsTx(tx *sql.Tx, claimedByAny []string) ([]string, error) {
	query := `SELECT id FROM tasks WHERE status = ?`
	args := []any{string(TaskInProgress)}
	if len(claimedByAny) > 0 {
		placeholders := ""
		for i, id := range claimedByAny {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, id)
		}
		query += ` AND claimed_by IN (` + placeholders + `)`
	}
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: select in-progress: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// BlockedTasksWithResolvedBlockersTx returns ids of blocked tasks all of
// whose blockers are in a terminal status (used by stuck-blocked recovery).
func (s *Store) BlockedTasksWithResolvedBlockersTx(tx *sql.Tx) ([]string, error) {
	rows, err := tx.Query(`
		SELECT t.id FROM tasks t
		WHERE t.status = ?
		AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks b ON b.id = d.blocked_by_id
			WHERE d.task_id = t.id
			AND b.status NOT IN ('completed','failed','rejected','cancelled')
		)`, string(TaskBlocked))
	if err != nil {
		return nil, fmt.Errorf("store: select stuck blocked: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// BlockerStatus pairs a blocking task id with its current status.
type BlockerStatus struct {
	BlockerID string
	Status    TaskStatus
}

// UnresolvedBlockersTx returns (blockerID, blockerStatus) pairs for taskID's
// unresolved dependency rows.
func (s *Store) UnresolvedBlockersTx(tx *sql.Tx, taskID string) ([]BlockerStatus, error) {
	rows, err := tx.Query(`
		SELECT d.blocked_by_id, b.status FROM task_dependencies d
		JOIN tasks b ON b.id = d.blocked_by_id
		WHERE d.task_id = ? AND d.resolved = 0`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: select unresolved blockers: %w", err)
	}
	defer rows.Close()
	var out []BlockerStatus
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out = append(out, BlockerStatus{BlockerID: id, Status: TaskStatus(status)})
	}
	return out, rows.Err()
}

// MarkDependencyResolvedTx marks a single dependency row resolved.
func (s *Store) MarkDependencyResolvedTx(tx *sql.Tx, taskID, blockerID, now string) error {
	_, err := tx.Exec(`UPDATE task_dependencies SET resolved = 1, resolved_at = ?
		WHERE task_id = ? AND blocked_by_id = ? AND resolved = 0`, now, taskID, blockerID)
	if err != nil {
		return fmt.Errorf("store: mark dependency resolved: %w", err)
	}
	return nil
}

// ParentChainTx walks parent_id upward from startID, returning task types of
// every ancestor in order (nearest first).
func (s *Store) ParentChainTx(tx *sql.Tx, startParentID string) ([]Task, error) {
	var chain []Task
	cur := startParentID
	for cur != "" {
		t, err := s.GetTaskTx(tx, cur)
		if err != nil {
			if err == sql.ErrNoRows {
				break
			}
			return nil, err
		}
		chain = append(chain, t)
		if t.ParentID == nil {
			break
		}
		cur = *t.ParentID
	}
	return chain, nil
}

// CountTasksInGroupTx counts all tasks in groupID.
func (s *Store) CountTasksInGroupTx(tx *sql.Tx, groupID string) (int, error) {
	row := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE group_id = ?`, groupID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count tasks in group: %w", err)
	}
	return n, nil
}

// SearchTasksResult is the return shape of SearchTasks.
type SearchTasksResult struct {
	Tasks  []Task
	Total  int
	Limit  int
	Offset int
}

// TaskFilter narrows SearchTasks.
type TaskFilter struct {
	Query      string
	GroupID    string
	AssignedTo string
	ClaimedBy  string
	TaskType   string
	Priority   string
	Status     string
	Limit      int
	Offset     int
}

// SearchTasks performs a LIKE-based scan on title+description with optional
// filters, returning a page plus the total matching count. Default order is
// created_at DESC.
func (s *Store) SearchTasks(ctx context.Context, f TaskFilter) (SearchTasksResult, error) {
	where := "WHERE 1=1"
	args := []any{}
	if f.Query != "" {
		where += " AND (title LIKE ? OR description LIKE ?)"
		like := "%" + f.Query + "%"
		args = append(args, like, like)
	}
	if f.GroupID != "" {
		where += " AND group_id = ?"
		args = append(args, f.GroupID)
	}
	if f.AssignedTo != "" {
		where += " AND assigned_to = ?"
		args = append(args, f.AssignedTo)
	}
	if f.ClaimedBy != "" {
		where += " AND claimed_by = ?"
		args = append(args, f.ClaimedBy)
	}
	if f.TaskType != "" {
		where += " AND task_type = ?"
		args = append(args, f.TaskType)
	}
	if f.Priority != "" {
		where += " AND priority = ?"
		args = append(args, f.Priority)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks "+where, args...).Scan(&total); err != nil {
		return SearchTasksResult{}, fmt.Errorf("store: search count: %w", err)
	}

	rows, err := s.readDB.QueryContext(ctx, taskSelectColumns+" FROM tasks "+where+" ORDER BY created_at DESC LIMIT ? OFFSET ?",
		append(append([]any{}, args...), limit, offset)...)
	if err != nil {
		return SearchTasksResult{}, fmt.Errorf("store: search query: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return SearchTasksResult{}, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return SearchTasksResult{}, err
	}

	return SearchTasksResult{Tasks: tasks, Total: total, Limit: limit, Offset: offset}, nil
}

// ListTasksByGroup lists every task in groupID, for graph/board views.
func (s *Store) ListTasksByGroup(ctx context.Context, groupID string) ([]Task, error) {
	rows, err := s.readDB.QueryContext(ctx, taskSelectColumns+` FROM tasks WHERE group_id = ? ORDER BY created_at ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks by group: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListDependenciesByGroup lists every dependency edge among tasks in
// groupID, for graph views.
func (s *Store) ListDependenciesByGroup(ctx context.Context, groupID string) ([]TaskDependency, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT d.task_id, d.blocked_by_id, d.resolved, d.resolved_at
		FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id
		WHERE t.group_id = ?`, groupID)
	if err != nil {
		return nil, fmt.Errorf("store: list dependencies by group: %w", err)
	}
	defer rows.Close()
	var out []TaskDependency
	for rows.Next() {
		var d TaskDependency
		var resolved int
		var resolvedAt sql.NullString
		if err := rows.Scan(&d.TaskID, &d.BlockedByID, &resolved, &resolvedAt); err != nil {
			return nil, err
		}
		d.Resolved = resolved != 0
		if d.ResolvedAt, err = nullableTime(resolvedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// BoardView lists every non-terminal-and-recent task for the board,
// optionally filtered, grouped by status in the caller.
func (s *Store) BoardView(ctx context.Context, f TaskFilter) ([]Task, error) {
	where := "WHERE 1=1"
	args := []any{}
	if f.GroupID != "" {
		where += " AND group_id = ?"
		args = append(args, f.GroupID)
	}
	if f.AssignedTo != "" {
		where += " AND assigned_to = ?"
		args = append(args, f.AssignedTo)
	}
	if f.ClaimedBy != "" {
		where += " AND claimed_by = ?"
		args = append(args, f.ClaimedBy)
	}
	if f.TaskType != "" {
		where += " AND task_type = ?"
		args = append(args, f.TaskType)
	}
	if f.Priority != "" {
		where += " AND priority = ?"
		args = append(args, f.Priority)
	}

	rows, err := s.readDB.QueryContext(ctx, taskSelectColumns+" FROM tasks "+where+" ORDER BY created_at ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("store: board view: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
