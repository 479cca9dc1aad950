package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertSchedule stores a new cron-triggered goal schedule.
func (s *Store) InsertSchedule(ctx context.Context, sch Schedule) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO schedules (id, name, cron_expr, title, description, enabled, next_run_at, last_run_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sch.ID, sch.Name, sch.CronExpr, sch.Title, sch.Description, boolToInt(sch.Enabled),
			toNullTime(sch.NextRunAt), toNullTime(sch.LastRunAt),
			sch.CreatedAt.Format(timeFormat), sch.UpdatedAt.Format(timeFormat))
		if err != nil {
			return fmt.Errorf("store: insert schedule: %w", err)
		}
		return nil
	})
}

// ListSchedules lists every configured schedule.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT id, name, cron_expr, title, description, enabled, next_run_at, last_run_at, created_at, updated_at
		FROM schedules ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list schedules: %w", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

// DueSchedules returns enabled schedules whose next_run_at is at or before
// now.
func (s *Store) DueSchedules(ctx context.Context, now string) ([]Schedule, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT id, name, cron_expr, title, description, enabled, next_run_at, last_run_at, created_at, updated_at
		FROM schedules WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?`, now)
	if err != nil {
		return nil, fmt.Errorf("store: due schedules: %w", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

// UpdateScheduleRunTx records that a schedule fired and its next run time.
func (s *Store) UpdateScheduleRunTx(tx *sql.Tx, id, lastRunAt, nextRunAt, updatedAt string) error {
	_, err := tx.Exec(`UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		lastRunAt, nextRunAt, updatedAt, id)
	if err != nil {
		return fmt.Errorf("store: update schedule run: %w", err)
	}
	return nil
}

func scanSchedule(row rowScanner) (Schedule, error) {
	var sch Schedule
	var enabled int
	var nextRunAt, lastRunAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&sch.ID, &sch.Name, &sch.CronExpr, &sch.Title, &sch.Description, &enabled,
		&nextRunAt, &lastRunAt, &createdAt, &updatedAt)
	if err != nil {
		return Schedule{}, fmt.Errorf("store: scan schedule: %w", err)
	}
	sch.Enabled = enabled != 0
	if sch.NextRunAt, err = nullableTime(nextRunAt); err != nil {
		return Schedule{}, err
	}
	if sch.LastRunAt, err = nullableTime(lastRunAt); err != nil {
		return Schedule{}, err
	}
	if sch.CreatedAt, err = parseTime(createdAt); err != nil {
		return Schedule{}, err
	}
	if sch.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Schedule{}, err
	}
	return sch, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
