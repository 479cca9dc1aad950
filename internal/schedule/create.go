package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/nikhilch98/taskbrew/internal/store"
)

// Create validates the cron expression, computes the first next_run_at,
// and persists a new schedule.
func Create(ctx context.Context, st *store.Store, id, name, cronExpr, title, description string) (store.Schedule, error) {
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return store.Schedule{}, fmt.Errorf("schedule: invalid cron expression %q: %w", cronExpr, err)
	}
	now := time.Now().UTC()
	next, err := NextRunTime(cronExpr, now)
	if err != nil {
		return store.Schedule{}, err
	}
	sch := store.Schedule{
		ID: id, Name: name, CronExpr: cronExpr, Title: title, Description: description,
		Enabled: true, NextRunAt: &next, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.InsertSchedule(ctx, sch); err != nil {
		return store.Schedule{}, err
	}
	return sch, nil
}
