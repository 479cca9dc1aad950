// Command taskbrew runs the TaskBrew daemon: it loads team.yaml and
// roles.yaml, brings up the orchestrator (store, board, agent loops,
// auto-scaler), fires scheduled goals on their cron expressions, and
// serves the dashboard/control API until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nikhilch98/taskbrew/internal/config"
	"github.com/nikhilch98/taskbrew/internal/gateway"
	"github.com/nikhilch98/taskbrew/internal/obs"
	"github.com/nikhilch98/taskbrew/internal/orchestrator"
	"github.com/nikhilch98/taskbrew/internal/routing"
	"github.com/nikhilch98/taskbrew/internal/runner"
	"github.com/nikhilch98/taskbrew/internal/schedule"
	"github.com/nikhilch98/taskbrew/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=...".
var Version = "v0.1-dev"

const shutdownTimeout = 10 * time.Second

func main() {
	homeDir := flag.String("home", config.HomeDir(), "TaskBrew home directory (team.yaml, roles.yaml, logs)")
	quiet := flag.Bool("quiet", false, "log only to file, not stdout")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	team, err := config.LoadTeam(*homeDir)
	if err != nil {
		fatal("E_CONFIG_LOAD_TEAM", err)
	}
	roles, err := config.LoadRoles(*homeDir)
	if err != nil {
		fatal("E_CONFIG_LOAD_ROLES", err)
	}

	logger, closer, err := telemetry.NewLogger(*homeDir, team.LogLevel, *quiet)
	if err != nil {
		fatal("E_LOGGER_INIT", err)
	}
	defer closer.Close()
	logger.Info("startup", "version", Version, "home_dir", *homeDir, "roles", len(roles))

	otelProvider, err := obs.Init(ctx, obs.Config{Enabled: false})
	if err != nil {
		logger.Error("otel_init_failed", "error", err)
		otelProvider = nil
	}
	var metrics *obs.Metrics
	if otelProvider != nil {
		defer otelProvider.Shutdown(context.Background())
		if m, err := obs.NewMetrics(otelProvider.Meter); err != nil {
			logger.Warn("metrics_init_failed", "error", err)
		} else {
			metrics = m
		}
	}

	rn := runner.New()

	sup, err := orchestrator.New(team, roles, rn, logger)
	if err != nil {
		fatal("E_ORCHESTRATOR_INIT", err)
	}
	if err := sup.Start(ctx); err != nil {
		fatal("E_ORCHESTRATOR_START", err)
	}
	logger.Info("orchestrator_started", "roles", len(roles))

	validator := routing.New(sup.Store, roles, team.Guardrails)

	watcher := config.NewWatcher(*homeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config_watcher_start_failed", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				if filepath.Base(ev.Path) == "roles.yaml" {
					newRoles, err := config.LoadRoles(*homeDir)
					if err != nil {
						logger.Error("config_roles_reload_failed", "error", err)
						continue
					}
					validator.SetRoles(newRoles)
					sup.UpdateRoles(newRoles)
					logger.Info("config_roles_reloaded", "roles", len(newRoles),
						"note", "routing mode and auto-scale bounds applied live; prefix/accept changes still require a restart")
					continue
				}
				logger.Info("config_file_changed", "path", ev.Path, "op", ev.Op.String(),
					"note", "restart the daemon to apply team config changes")
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Board: sup.Board, Instances: sup.Instances, Validator: validator,
		Bus: sup.Bus, Roles: roles, Team: team, Logger: logger,
		CORS: team.CORS, RateLimit: team.RateLimit, Metrics: metrics,
	})

	var sched *schedule.Scheduler
	if s, err := schedule.New(schedule.Config{Store: sup.Store, Board: sup.Board, Roles: roles, Logger: logger}); err != nil {
		logger.Info("schedule_disabled", "reason", err.Error())
	} else {
		sched = s
		sched.Start(ctx)
	}

	server := &http.Server{Addr: team.HTTPAddr, Handler: gw.Handler()}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway_listening", "addr", team.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case err := <-serverErr:
		logger.Error("gateway_server_error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if sched != nil {
		sched.Stop()
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator_shutdown_failed", "error", err)
	}
	logger.Info("shutdown_complete")
}

func fatal(code string, err error) {
	fmt.Fprintf(os.Stderr, "taskbrew: %s: %v\n", code, err)
	os.Exit(1)
}
