package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Action is the work a task performs. Actions are registered by name.
type Action func(ctx context.Context) error

// Task is a named piece of background maintenance.
type Task struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Schedule ScheduleConfig `json:"schedule"`
	Action   string         `json:"action"` // registered action name
	Enabled  bool           `json:"enabled"`
	State    TaskState      `json:"state"`
}

// ScheduleConfig defines when a task runs
type ScheduleConfig struct {
	Kind       string `json:"kind"` // "interval", "cron", "at"
	IntervalMs int64  `json:"intervalMs,omitempty"`
	Expr       string `json:"expr,omitempty"` // cron expression or @every descriptor
	Time       string `json:"time,omitempty"` // "HH:MM" for daily
	Timezone   string `json:"timezone,omitempty"`
}

// TaskState tracks execution state
type TaskState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// Validate checks if task configuration is valid
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task ID required")
	}
	if t.Name == "" {
		return fmt.Errorf("task name required")
	}
	if t.Action == "" {
		return fmt.Errorf("action required")
	}

	switch t.Schedule.Kind {
	case "interval":
		if t.Schedule.IntervalMs <= 0 {
			return fmt.Errorf("intervalMs must be positive")
		}
	case "cron":
		if t.Schedule.Expr == "" {
			return fmt.Errorf("cron expression required")
		}
		if _, err := cron.ParseStandard(t.Schedule.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	case "at":
		if t.Schedule.Time == "" {
			return fmt.Errorf("time required for 'at' schedule")
		}
		if _, err := time.Parse("15:04", t.Schedule.Time); err != nil {
			return fmt.Errorf("invalid time format (use HH:MM): %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s (use interval, cron, or at)", t.Schedule.Kind)
	}
	return nil
}

// NextRun calculates the next run time based on schedule
func (t *Task) NextRun(from time.Time) (time.Time, error) {
	switch t.Schedule.Kind {
	case "interval":
		interval := time.Duration(t.Schedule.IntervalMs) * time.Millisecond
		return from.Add(interval), nil

	case "cron":
		schedule, err := cron.ParseStandard(t.Schedule.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron: %w", err)
		}
		return schedule.Next(from), nil

	case "at":
		at, err := time.Parse("15:04", t.Schedule.Time)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time: %w", err)
		}

		loc := time.Local
		if t.Schedule.Timezone != "" {
			loc, err = time.LoadLocation(t.Schedule.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("load timezone: %w", err)
			}
		}

		from = from.In(loc)
		next := time.Date(from.Year(), from.Month(), from.Day(), at.Hour(), at.Minute(), 0, 0, loc)
		if !next.After(from) {
			next = next.Add(24 * time.Hour)
		}
		return next, nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", t.Schedule.Kind)
	}
}

// Clone returns a copy of the task
func (t *Task) Clone() *Task {
	c := *t
	return &c
}
