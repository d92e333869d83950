package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"leaselock/internal/config"
	"leaselock/internal/executor"
	"leaselock/internal/lease"
)

// formatDuration formats a duration as seconds with 2 decimal places.
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// Job represents a scheduled job guarded by a lease lock. Each firing claims
// the lock for one scheduling window; if another node already holds it, the
// window is skipped rather than retried.
type Job struct {
	config   config.JobConfig
	lock     *lease.Lock
	executor *executor.Executor
	logger   *slog.Logger

	mu        sync.Mutex
	running   bool
	cancelCtx context.CancelFunc
}

// NewJob creates a new Job instance.
func NewJob(cfg config.JobConfig, lock *lease.Lock, exec *executor.Executor, logger *slog.Logger) *Job {
	return &Job{
		config:   cfg,
		lock:     lock,
		executor: exec,
		logger:   logger.With("job", cfg.Name),
	}
}

// Run executes the job under the lease lock.
// This method is called by the cron scheduler.
func (j *Job) Run() {
	j.mu.Lock()
	if j.running {
		j.logger.Warn("job is already running, skipping")
		j.mu.Unlock()
		return
	}
	j.running = true
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	ctx := context.Background()

	now := time.Now()
	lockAtMostUntil := now.Add(j.config.EffectiveLockAtMostFor())
	lockAtLeastUntil := now.Add(j.config.LockAtLeastFor)

	ls, err := j.lock.TryAcquire(ctx, j.config.Name, lockAtMostUntil, lockAtLeastUntil)
	if err != nil {
		// Could not prove acquisition; skip the window.
		j.logger.Error("failed to acquire lease", "error", err)
		return
	}
	if ls == nil {
		j.logger.Debug("lease held elsewhere, skipping window")
		return
	}

	j.logger.Info("acquired lease, starting execution", "lock_until", ls.Until())

	// Create cancellable context for execution
	execCtx, cancel := context.WithCancel(ctx)
	j.mu.Lock()
	j.cancelCtx = cancel
	j.mu.Unlock()

	// Apply timeout if configured
	if j.config.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		execCtx, timeoutCancel = context.WithTimeout(execCtx, j.config.Timeout)
		defer timeoutCancel()
	}

	// Execute the command
	result := j.executor.Execute(execCtx, executor.Options{
		Command: j.config.Command,
		WorkDir: j.config.WorkDir,
		Env:     j.config.Env,
		Timeout: j.config.Timeout,
	})

	// Log result
	if result.Success() {
		j.logger.Info("job completed successfully",
			"duration", formatDuration(result.Duration),
			"exit_code", result.ExitCode,
		)
		// Run success hook if configured
		if j.config.OnSuccess != "" {
			j.runHook(ctx, j.config.OnSuccess, "success")
		}
	} else {
		j.logger.Error("job failed",
			"duration", formatDuration(result.Duration),
			"exit_code", result.ExitCode,
			"error", result.Err,
			"stderr", result.Stderr,
		)
		// Run failure hook if configured
		if j.config.OnFailure != "" {
			j.runHook(ctx, j.config.OnFailure, "failure")
		}
	}

	// Release the lease. On failure the lock still expires at its ceiling,
	// so the next window is delayed at worst, never deadlocked.
	if err := ls.Release(ctx); err != nil {
		j.logger.Error("failed to release lease", "error", err)
	} else {
		j.logger.Debug("released lease")
	}
}

// runHook executes a hook command (on_success or on_failure).
func (j *Job) runHook(ctx context.Context, command, hookType string) {
	j.logger.Debug("running hook", "type", hookType, "command", command)

	result := j.executor.Execute(ctx, executor.Options{
		Command: command,
		WorkDir: j.config.WorkDir,
		Env:     j.config.Env,
	})

	if !result.Success() {
		j.logger.Warn("hook failed",
			"type", hookType,
			"exit_code", result.ExitCode,
			"error", result.Err,
		)
	}
}

// Cancel requests cancellation of the running job.
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelCtx != nil {
		j.cancelCtx()
	}
}

// IsRunning returns whether the job is currently executing.
func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// Timeout returns the job's configured timeout.
func (j *Job) Timeout() time.Duration {
	return j.config.Timeout
}

// Name returns the job's name.
func (j *Job) Name() string {
	return j.config.Name
}
