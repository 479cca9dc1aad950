// Package agentloop implements the Agent Loop: one goroutine per worker
// instance that polls for claimable work, invokes the external LLM-CLI
// runner with a per-task timeout and retry budget, and reports the result
// back to the Task Board. The loop owns no persistent state of its own —
// everything observable lives in the store and is mirrored onto the event
// bus.
package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nikhilch98/taskbrew/internal/board"
	"github.com/nikhilch98/taskbrew/internal/bus"
	"github.com/nikhilch98/taskbrew/internal/config"
	"github.com/nikhilch98/taskbrew/internal/instance"
	"github.com/nikhilch98/taskbrew/internal/runner"
	"github.com/nikhilch98/taskbrew/internal/store"
)

// maxRetries is the number of retries after the first attempt; spec default
// MAX_RETRIES=3 gives 4 total attempts.
const maxRetries = 3

// retryBaseDelay is the base of the exponential backoff: delay(attempt) =
// retryBaseDelay * 3^attempt, giving 5s/15s/45s/135s.
const retryBaseDelay = 5 * time.Second

const heartbeatInterval = 15 * time.Second

// ContextProvider supplies arbitrary extra prompt material (out-of-core
// intelligence modules); nil disables the section.
type ContextProvider interface {
	Provide(ctx context.Context, task store.Task) (string, bool)
}

// CompletionHook runs best-effort after a successful completion (memory
// write, commit planning, ...). Errors are logged, never surfaced.
type CompletionHook func(ctx context.Context, task store.Task, output string) error

// Loop drives one agent instance's claim/execute/complete cycle.
type Loop struct {
	Role       string
	InstanceID string

	roleCfg   config.RoleConfig
	board     *board.Board
	instances *instance.Manager
	bus       *bus.Bus
	runner    runner.Runner
	logger    *slog.Logger

	contextProvider ContextProvider
	completionHooks []CompletionHook

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	wasPaused bool
}

// New constructs a Loop for one worker instance.
func New(role, instanceID string, roleCfg config.RoleConfig, b *board.Board, im *instance.Manager, bu *bus.Bus, rn runner.Runner, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		Role: role, InstanceID: instanceID, roleCfg: roleCfg,
		board: b, instances: im, bus: bu, runner: rn, logger: logger,
		stopCh: make(chan struct{}), doneCh: make(chan struct{}),
	}
}

// SetContextProvider attaches an optional prompt-context supplement.
func (l *Loop) SetContextProvider(p ContextProvider) { l.contextProvider = p }

// AddCompletionHook registers a best-effort post-completion side-effect.
func (l *Loop) AddCompletionHook(h CompletionHook) { l.completionHooks = append(l.completionHooks, h) }

// Stop requests the loop exit after its current cycle. Idempotent.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Wait blocks until the loop's Run goroutine has returned.
func (l *Loop) Wait() {
	<-l.doneCh
}

// Run polls RunOnce on the role's configured interval until Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.doneCh)
	interval := l.roleCfg.EffectivePollInterval(5 * time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := l.RunOnce(ctx); err != nil {
			l.logger.Error("agent_loop_cycle_error", "instance_id", l.InstanceID, "role", l.Role, "error", err)
		}

		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes exactly one state-machine cycle. It returns a non-nil
// error only for infrastructure failures; task failures are reported
// through FailTask and do not surface here.
func (l *Loop) RunOnce(ctx context.Context) error {
	// Step 1-2: paused roles never claim; transition status accordingly.
	if l.instances.IsPaused(l.Role) {
		if !l.wasPaused {
			if err := l.instances.SetStatus(ctx, l.InstanceID, l.Role, store.InstancePaused, nil); err != nil {
				return err
			}
			l.wasPaused = true
		}
		return nil
	}
	if l.wasPaused {
		if err := l.instances.SetStatus(ctx, l.InstanceID, l.Role, store.InstanceIdle, nil); err != nil {
			return err
		}
		l.wasPaused = false
	}

	// Step 3: claim.
	task, ok, err := l.board.ClaimTask(ctx, l.Role, l.InstanceID)
	if err != nil {
		return fmt.Errorf("agentloop: claim: %w", err)
	}
	if !ok {
		return nil
	}

	// Step 4: instance -> working.
	taskID := task.ID
	if err := l.instances.SetStatus(ctx, l.InstanceID, l.Role, store.InstanceWorking, &taskID); err != nil {
		return fmt.Errorf("agentloop: set working: %w", err)
	}

	// Step 5: correlation id + task.claimed.
	correlationID := fmt.Sprintf("%s-%d", task.ID, time.Now().Unix())
	l.bus.Publish(bus.TaskClaimed{
		Meta: bus.At(time.Now()), TaskID: task.ID, InstanceID: l.InstanceID, Role: l.Role, CorrelationID: correlationID,
	})

	// Step 6: worktree provisioning is an out-of-core concern (external
	// collaborator boundary); nothing to do here.

	// Step 7: heartbeat goroutine for the duration of execution.
	hbStop := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go l.heartbeatLoop(&hbWG, hbStop)

	execErr, timedOut := l.execute(ctx, task, correlationID)

	close(hbStop)
	hbWG.Wait()

	// Step 12 (status/heartbeat cleanup) happens regardless of outcome.
	defer func() {
		if err := l.instances.SetStatus(ctx, l.InstanceID, l.Role, store.InstanceIdle, nil); err != nil {
			l.logger.Error("agent_loop_set_idle_failed", "instance_id", l.InstanceID, "error", err)
		}
	}()

	if execErr == nil {
		return nil
	}
	if timedOut {
		if _, ferr := l.board.FailTask(ctx, task.ID, "timeout"); ferr != nil {
			return fmt.Errorf("agentloop: fail timed-out task: %w", ferr)
		}
		return nil
	}
	if _, ferr := l.board.FailTask(ctx, task.ID, execErr.Error()); ferr != nil {
		return fmt.Errorf("agentloop: fail task: %w", ferr)
	}
	return nil
}

// execute runs steps 8-11: the retry loop around the runner invocation,
// followed by completion or terminal failure. The returned bool is true
// only when execErr represents a timeout (never retried).
func (l *Loop) execute(ctx context.Context, task store.Task, correlationID string) (execErr error, timedOut bool) {
	timeout := l.roleCfg.TaskTimeout()

	var output string
	var usage runner.Result
	var lastErr error
	start := time.Now()
	for attempt := 0; attempt <= maxRetries; attempt++ {
		prompt := l.buildPrompt(ctx, task)

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := l.runner.Run(attemptCtx, l.roleCfg.LLMCommand, "", prompt)
		deadlineHit := attemptCtx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			output = result.Output
			usage = result
			lastErr = nil
			break
		}
		if deadlineHit {
			return fmt.Errorf("agentloop: %s timed out: %w", correlationID, err), true
		}
		lastErr = err
		if attempt < maxRetries {
			delay := retryBaseDelay * time.Duration(pow3(attempt))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err(), false
			}
		}
	}
	if lastErr != nil {
		return lastErr, false
	}

	// Step 9: usage metrics.
	if err := l.board.RecordUsage(ctx, store.Usage{
		TaskID:       task.ID,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      usage.CostUSD,
		WallTimeMS:   time.Since(start).Milliseconds(),
		Turns:        usage.Turns,
		Model:        usage.Model,
	}); err != nil {
		l.logger.Warn("agent_loop_record_usage_failed", "task_id", task.ID, "error", err)
	}

	// Step 10: success.
	completed, err := l.board.CompleteTaskWithOutput(ctx, task.ID, output)
	if err != nil {
		return fmt.Errorf("agentloop: complete: %w", err), false
	}

	for _, hook := range l.completionHooks {
		if err := hook(ctx, completed, output); err != nil {
			l.logger.Warn("agent_loop_completion_hook_failed", "task_id", completed.ID, "error", err)
		}
	}
	return nil, false
}

func (l *Loop) heartbeatLoop(wg *sync.WaitGroup, stop <-chan struct{}) {
	defer wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := l.instances.Heartbeat(context.Background(), l.InstanceID); err != nil {
				l.logger.Warn("agent_loop_heartbeat_failed", "instance_id", l.InstanceID, "error", err)
			}
		}
	}
}

func pow3(n int) int64 {
	result := int64(1)
	for i := 0; i < n; i++ {
		result *= 3
	}
	return result
}
