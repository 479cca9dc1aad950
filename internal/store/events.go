package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AppendEventTx persists an event record inside an ongoing transaction,
// alongside whatever task/group mutation produced it. Events written this
// way can never be observed without the mutation that caused them (and vice
// versa), since both commit together.
func (s *Store) AppendEventTx(tx *sql.Tx, rec EventRecord, now string) error {
	_, err := tx.Exec(`
		INSERT INTO events (event_type, task_id, group_id, agent_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.EventType, toNullString(rec.TaskID), toNullString(rec.GroupID), toNullString(rec.AgentID), rec.Data, now)
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

// AppendEvent persists an event outside of any task-graph mutation (e.g. a
// schedule firing or a standalone status change).
func (s *Store) AppendEvent(ctx context.Context, rec EventRecord) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		return s.AppendEventTx(tx, rec, s.Now().Format(timeFormat))
	})
}

// ListEvents returns the most recent events, optionally filtered by type
// prefix, newest first.
func (s *Store) ListEvents(ctx context.Context, typePrefix string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, event_type, task_id, group_id, agent_id, data, created_at FROM events`
	args := []any{}
	if typePrefix != "" {
		query += ` WHERE event_type LIKE ?`
		args = append(args, typePrefix+"%")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var taskID, groupID, agentID sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.EventType, &taskID, &groupID, &agentID, &rec.Data, &createdAt); err != nil {
			return nil, err
		}
		rec.TaskID = nullableString(taskID)
		rec.GroupID = nullableString(groupID)
		rec.AgentID = nullableString(agentID)
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		rec.CreatedAt = t
		out = append(out, rec)
	}
	return out, rows.Err()
}
