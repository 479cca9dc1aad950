// Package schedule fires cron-triggered goals: on each due schedule it
// creates a group and a seed task the same way the /api/goals endpoint
// does, then advances the schedule's next_run_at.
package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/nikhilch98/taskbrew/internal/board"
	"github.com/nikhilch98/taskbrew/internal/config"
	"github.com/nikhilch98/taskbrew/internal/store"
)

const timeFormat = "2006-01-02T15:04:05.000000Z"

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the scheduler's dependencies.
type Config struct {
	Store    *store.Store
	Board    *board.Board
	Roles    config.RoleSet
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due cron schedules and
// creates a goal for each one.
type Scheduler struct {
	store    *store.Store
	board    *board.Board
	goalRole string
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler. The goal role is the first configured role
// with can_create_groups set; schedules have no goal creation available
// and New returns an error.
func New(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	goalRole, ok := goalCreatingRole(cfg.Roles)
	if !ok {
		return nil, fmt.Errorf("schedule: no role has can_create_groups set")
	}
	return &Scheduler{
		store: cfg.Store, board: cfg.Board, goalRole: goalRole,
		logger: logger, interval: interval,
	}, nil
}

func goalCreatingRole(roles config.RoleSet) (string, bool) {
	for name, rc := range roles {
		if rc.CanCreateGroups {
			return name, true
		}
	}
	return "", false
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("schedule_scheduler_started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("schedule_scheduler_stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueSchedules(ctx, now.Format(timeFormat))
	if err != nil {
		s.logger.Error("schedule_due_query_failed", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched store.Schedule, now time.Time) {
	group, err := s.board.CreateGroup(ctx, sched.Title, "schedule", s.goalRole)
	if err != nil {
		s.logger.Error("schedule_fire_create_group_failed", "schedule_id", sched.ID, "error", err)
		return
	}
	task, err := s.board.CreateTask(ctx, board.CreateTaskParams{
		GroupID: group.ID, Title: sched.Title, Description: sched.Description,
		TaskType: "goal", AssignedTo: s.goalRole, CreatedBy: s.goalRole,
	})
	if err != nil {
		s.logger.Error("schedule_fire_create_task_failed", "schedule_id", sched.ID, "error", err)
		return
	}

	next, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("schedule_fire_next_run_failed", "schedule_id", sched.ID, "cron_expr", sched.CronExpr, "error", err)
		return
	}

	if err := s.updateRun(ctx, sched.ID, now, next); err != nil {
		s.logger.Error("schedule_fire_update_run_failed", "schedule_id", sched.ID, "error", err)
		return
	}

	s.logger.Info("schedule_fired", "schedule_id", sched.ID, "schedule_name", sched.Name,
		"group_id", group.ID, "task_id", task.ID, "next_run_at", next)
}

func (s *Scheduler) updateRun(ctx context.Context, id string, now, next time.Time) error {
	return s.store.Transaction(ctx, func(tx *sql.Tx) error {
		return s.store.UpdateScheduleRunTx(tx, id, now.Format(timeFormat), next.Format(timeFormat), now.Format(timeFormat))
	})
}

// NextRunTime parses a 5-field cron expression and returns the next fire
// time after "after".
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
