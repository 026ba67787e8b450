// Package scheduler runs the bridge's periodic maintenance: expiring stale
// jobs, re-pinging the worker fleet and similar housekeeping.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/noco-ai/arcane-bridge/internal/modules"
)

// Scheduler manages all maintenance tasks
type Scheduler struct {
	tasks   map[string]*Task
	runners map[string]*TaskRunner
	actions *modules.Registry[Action]
	logger  *slog.Logger
	mu      sync.RWMutex
	stateMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a new scheduler. Task actions are looked up in
// actions by name.
func NewScheduler(actions *modules.Registry[Action], logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		tasks:   make(map[string]*Task),
		runners: make(map[string]*TaskRunner),
		actions: actions,
		logger:  logger.With("component", "scheduler"),
	}
}

// Start starts all enabled tasks
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	for id, task := range s.tasks {
		if !task.Enabled {
			s.logger.Debug("skipping disabled task", "task", id)
			continue
		}
		if err := s.startLocked(task); err != nil {
			return err
		}
	}

	s.logger.Info("scheduler started", "active_tasks", len(s.runners))
	return nil
}

func (s *Scheduler) startLocked(task *Task) error {
	action, err := s.actions.Create(task.Action)
	if err != nil {
		return fmt.Errorf("task %s: %w", task.ID, err)
	}
	runner := NewTaskRunner(task, action, &s.stateMu, s.logger)
	s.runners[task.ID] = runner
	go runner.Start(s.ctx)
	return nil
}

// Stop stops all task runners
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	for id, runner := range s.runners {
		runner.Stop()
		s.logger.Debug("stopped task runner", "task", id)
	}
	s.runners = make(map[string]*TaskRunner)
	s.logger.Info("scheduler stopped")
}

// AddTask adds a task, starting it at once if the scheduler is running.
func (s *Scheduler) AddTask(task *Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	if !s.actions.Has(task.Action) {
		return fmt.Errorf("task %s: %w: action %q", task.ID, modules.ErrUnknown, task.Action)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}
	s.tasks[task.ID] = task

	if s.ctx != nil && task.Enabled {
		if err := s.startLocked(task); err != nil {
			return err
		}
		s.logger.Info("task added and started", "task", task.ID)
	} else {
		s.logger.Debug("task added", "task", task.ID, "enabled", task.Enabled)
	}
	return nil
}

// LoadTasks adds every valid task, logging and skipping the rest.
func (s *Scheduler) LoadTasks(tasks []*Task) {
	for _, task := range tasks {
		if err := s.AddTask(task); err != nil {
			s.logger.Warn("invalid task in config, skipping", "task", task.ID, "error", err)
		}
	}
}

// ListTasks returns copies of all tasks
func (s *Scheduler) ListTasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task.Clone())
	}
	return tasks
}

// RunTaskNow runs a task once, bypassing its schedule.
func (s *Scheduler) RunTaskNow(ctx context.Context, id string) error {
	s.mu.RLock()
	task, exists := s.tasks[id]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("task not found: %s", id)
	}

	action, err := s.actions.Create(task.Action)
	if err != nil {
		return err
	}
	NewTaskRunner(task, action, &s.stateMu, s.logger).executeTask(ctx)
	return nil
}

// Stats returns scheduler statistics
func (s *Scheduler) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	var totalRuns, totalErrors int64
	for _, task := range s.tasks {
		totalRuns += task.State.RunCount
		totalErrors += task.State.ErrorCount
	}
	return map[string]any{
		"total_tasks":   len(s.tasks),
		"running_tasks": len(s.runners),
		"total_runs":    totalRuns,
		"total_errors":  totalErrors,
	}
}
