package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TaskRunner executes a single task on schedule
type TaskRunner struct {
	task   *Task
	action Action
	logger *slog.Logger
	mu     *sync.Mutex // guards task.State, shared with the scheduler
	now    func() time.Time
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewTaskRunner creates a new task runner
func NewTaskRunner(task *Task, action Action, mu *sync.Mutex, log *slog.Logger) *TaskRunner {
	if log == nil {
		log = slog.Default()
	}
	if mu == nil {
		mu = &sync.Mutex{}
	}
	return &TaskRunner{
		task:   task,
		action: action,
		logger: log.With("task", task.ID),
		mu:     mu,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the task until ctx is cancelled or Stop is called.
func (r *TaskRunner) Start(ctx context.Context) {
	defer close(r.doneCh)

	if !r.task.Enabled {
		r.logger.Debug("task disabled, not starting")
		return
	}

	for {
		next, err := r.task.NextRun(r.now())
		if err != nil {
			r.logger.Error("failed to calculate next run", "error", err)
			return
		}
		r.mu.Lock()
		r.task.State.NextRunAt = next
		r.mu.Unlock()
		r.logger.Debug("next run scheduled", "next_run", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Debug("task runner stopped (context cancelled)")
			return
		case <-r.stopCh:
			timer.Stop()
			r.logger.Debug("task runner stopped")
			return
		case <-timer.C:
			r.executeTask(ctx)
		}
	}
}

// Stop stops the task runner
func (r *TaskRunner) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	<-r.doneCh
}

// executeTask runs the task once
func (r *TaskRunner) executeTask(ctx context.Context) {
	start := r.now()
	err := r.action(ctx)
	duration := time.Since(start)

	r.mu.Lock()
	r.task.State.LastRunAt = r.now()
	r.task.State.LastDuration = duration
	r.task.State.RunCount++
	if err != nil {
		r.task.State.ErrorCount++
		r.task.State.LastError = err.Error()
	} else {
		r.task.State.LastError = ""
	}
	runs, errs := r.task.State.RunCount, r.task.State.ErrorCount
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("task failed",
			"error", err,
			"duration", duration,
			"run_count", runs,
			"error_count", errs)
		return
	}
	r.logger.Debug("task completed", "duration", duration, "run_count", runs)
}
