package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertInstance registers a new agent instance with status=idle.
func (s *Store) InsertInstance(ctx context.Context, inst AgentInstance) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO agent_instances (instance_id, role, status, current_task, started_at, last_heartbeat)
			VALUES (?, ?, ?, ?, ?, ?)`,
			inst.InstanceID, inst.Role, string(inst.Status), toNullString(inst.CurrentTask),
			inst.StartedAt.Format(timeFormat), inst.LastHeartbeat.Format(timeFormat))
		if err != nil {
			return fmt.Errorf("store: insert instance: %w", err)
		}
		return nil
	})
}

// HeartbeatInstance updates last_heartbeat to now.
func (s *Store) HeartbeatInstance(ctx context.Context, instanceID, now string) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE agent_instances SET last_heartbeat = ? WHERE instance_id = ?`, now, instanceID)
		if err != nil {
			return fmt.Errorf("store: heartbeat: %w", err)
		}
		return nil
	})
}

// UpdateInstanceStatus sets status and, when non-nil, current_task.
func (s *Store) UpdateInstanceStatus(ctx context.Context, instanceID string, status InstanceStatus, currentTask *string) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE agent_instances SET status = ?, current_task = ? WHERE instance_id = ?`,
			string(status), toNullString(currentTask), instanceID)
		if err != nil {
			return fmt.Errorf("store: update instance status: %w", err)
		}
		return nil
	})
}

// RemoveInstance deletes an instance row.
func (s *Store) RemoveInstance(ctx context.Context, instanceID string) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM agent_instances WHERE instance_id = ?`, instanceID)
		if err != nil {
			return fmt.Errorf("store: remove instance: %w", err)
		}
		return nil
	})
}

// GetInstance reads a single instance via the read pool.
func (s *Store) GetInstance(ctx context.Context, instanceID string) (AgentInstance, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT instance_id, role, status, current_task, started_at, last_heartbeat
		FROM agent_instances WHERE instance_id = ?`, instanceID)
	return scanInstance(row)
}

// ListInstances lists all instances, optionally filtered by role.
func (s *Store) ListInstances(ctx context.Context, role string) ([]AgentInstance, error) {
	query := `SELECT instance_id, role, status, current_task, started_at, last_heartbeat FROM agent_instances`
	args := []any{}
	if role != "" {
		query += ` WHERE role = ?`
		args = append(args, role)
	}
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list instances: %w", err)
	}
	defer rows.Close()
	var out []AgentInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// StaleInstances returns instances whose last_heartbeat predates cutoff and
// whose status is not in excludeStatuses.
func (s *Store) StaleInstances(ctx context.Context, cutoff string, excludeStatuses []InstanceStatus) ([]AgentInstance, error) {
	query := `SELECT instance_id, role, status, current_task, started_at, last_heartbeat
		FROM agent_instances WHERE last_heartbeat < ?`
	args := []any{cutoff}
	for _, st := range excludeStatuses {
		query += ` AND status != ?`
		args = append(args, string(st))
	}
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: stale instances: %w", err)
	}
	defer rows.Close()
	var out []AgentInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// CountInstances counts instances for role by status membership.
func (s *Store) CountInstances(ctx context.Context, role string, statuses []InstanceStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := ""
	args := []any{role}
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	row := s.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_instances WHERE role = ? AND status IN (`+placeholders+`)`, args...)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count instances: %w", err)
	}
	return n, nil
}

func scanInstance(row rowScanner) (AgentInstance, error) {
	var inst AgentInstance
	var status, startedAt, lastHeartbeat string
	var currentTask sql.NullString
	if err := row.Scan(&inst.InstanceID, &inst.Role, &status, &currentTask, &startedAt, &lastHeartbeat); err != nil {
		return AgentInstance{}, fmt.Errorf("store: scan instance: %w", err)
	}
	inst.Status = InstanceStatus(status)
	inst.CurrentTask = nullableString(currentTask)
	t, err := parseTime(startedAt)
	if err != nil {
		return AgentInstance{}, err
	}
	inst.StartedAt = t
	t, err = parseTime(lastHeartbeat)
	if err != nil {
		return AgentInstance{}, err
	}
	inst.LastHeartbeat = t
	return inst, nil
}
