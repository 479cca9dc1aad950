package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertGroupTx inserts g with status=active. Called by the board package
// inside a transaction it controls, after allocating g.ID.
func (s *Store) InsertGroupTx(tx *sql.Tx, g Group) error {
	_, err := tx.Exec(`
		INSERT INTO groups (id, title, origin, status, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.Title, g.Origin, string(g.Status), g.CreatedBy, g.CreatedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("store: insert group: %w", err)
	}
	return nil
}

// GetGroupTx reads a group row for update inside an ongoing transaction.
func (s *Store) GetGroupTx(tx *sql.Tx, id string) (Group, error) {
	row := tx.QueryRow(`SELECT id, title, origin, status, created_by, created_at, completed_at FROM groups WHERE id = ?`, id)
	return scanGroup(row)
}

// GetGroup reads a group via the read pool.
func (s *Store) GetGroup(ctx context.Context, id string) (Group, error) {
	row := s.readDB.QueryRowContext(ctx, `SELECT id, title, origin, status, created_by, created_at, completed_at FROM groups WHERE id = ?`, id)
	return scanGroup(row)
}

// ListGroups reads all groups, optionally filtered by status via a non-empty
// filter string.
func (s *Store) ListGroups(ctx context.Context, status string) ([]Group, error) {
	query := `SELECT id, title, origin, status, created_by, created_at, completed_at FROM groups`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list groups: %w", err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// SetGroupCompletedTx marks a group completed; idempotent if already
// completed (no-op, no error).
func (s *Store) SetGroupCompletedTx(tx *sql.Tx, id string, completedAt string) error {
	_, err := tx.Exec(`UPDATE groups SET status = ?, completed_at = ? WHERE id = ? AND status != ?`,
		string(GroupCompleted), completedAt, id, string(GroupCompleted))
	if err != nil {
		return fmt.Errorf("store: complete group: %w", err)
	}
	return nil
}

// HasNonTerminalTasksTx reports whether any task in groupID has a
// non-terminal status, inside an ongoing transaction.
func (s *Store) HasNonTerminalTasksTx(tx *sql.Tx, groupID string) (bool, error) {
	row := tx.QueryRow(`
		SELECT COUNT(*) FROM tasks
		WHERE group_id = ? AND status NOT IN ('completed','failed','rejected','cancelled')`, groupID)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("store: count non-terminal tasks: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (Group, error) {
	var g Group
	var status, createdAt string
	var completedAt sql.NullString
	if err := row.Scan(&g.ID, &g.Title, &g.Origin, &status, &g.CreatedBy, &createdAt, &completedAt); err != nil {
		return Group{}, fmt.Errorf("store: scan group: %w", err)
	}
	g.Status = GroupStatus(status)
	t, err := parseTime(createdAt)
	if err != nil {
		return Group{}, err
	}
	g.CreatedAt = t
	if completedAt.Valid {
		ct, err := parseTime(completedAt.String)
		if err != nil {
			return Group{}, err
		}
		g.CompletedAt = &ct
	}
	return g, nil
}
