package store

import (
	"context"
	"database/sql"
	"fmt"
)

// RecordUsageTx upserts the usage row for a task, inside the same
// transaction as the task's completion.
func (s *Store) RecordUsageTx(tx *sql.Tx, u Usage) error {
	_, err := tx.Exec(`
		INSERT INTO task_usage (task_id, input_tokens, output_tokens, cost_usd, wall_time_ms, turns, model)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cost_usd = excluded.cost_usd,
			wall_time_ms = excluded.wall_time_ms,
			turns = excluded.turns,
			model = excluded.model`,
		u.TaskID, u.InputTokens, u.OutputTokens, u.CostUSD, u.WallTimeMS, u.Turns, u.Model)
	if err != nil {
		return fmt.Errorf("store: record usage: %w", err)
	}
	return nil
}

// UsageSummary aggregates task_usage joined with tasks into per-groupBy
// buckets ("role" groups by assigned_to, "day" groups by the date portion
// of tasks.created_at) since the given cutoff (RFC3339/ISO-8601; empty
// means no lower bound).
func (s *Store) UsageSummary(ctx context.Context, groupBy string, since string) ([]UsageRow, error) {
	var bucketExpr string
	switch groupBy {
	case "day":
		bucketExpr = `substr(t.created_at, 1, 10)`
	default:
		bucketExpr = `t.assigned_to`
	}

	query := `
		SELECT ` + bucketExpr + ` AS bucket,
			COUNT(*) AS task_count,
			COALESCE(SUM(u.input_tokens), 0),
			COALESCE(SUM(u.output_tokens), 0),
			COALESCE(SUM(u.cost_usd), 0)
		FROM tasks t
		JOIN task_usage u ON u.task_id = t.id`
	args := []any{}
	if since != "" {
		query += ` WHERE t.created_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY bucket ORDER BY bucket ASC`

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: usage summary: %w", err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var r UsageRow
		if err := rows.Scan(&r.Bucket, &r.TaskCount, &r.InputTokens, &r.OutputTokens, &r.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
