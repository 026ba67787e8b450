package scheduler

import (
	"testing"
	"time"
)

func TestTaskValidation(t *testing.T) {
	tests := []struct {
		name    string
		task    *Task
		wantErr bool
	}{
		{
			name: "valid interval task",
			task: &Task{
				ID:       "sweep",
				Name:     "Sweep",
				Schedule: ScheduleConfig{Kind: "interval", IntervalMs: 60000},
				Action:   "jobs.sweep",
			},
		},
		{
			name: "valid cron descriptor",
			task: &Task{
				ID:       "sweep",
				Name:     "Sweep",
				Schedule: ScheduleConfig{Kind: "cron", Expr: "@every 30s"},
				Action:   "jobs.sweep",
			},
		},
		{
			name: "valid at task",
			task: &Task{
				ID:       "nightly",
				Name:     "Nightly",
				Schedule: ScheduleConfig{Kind: "at", Time: "03:00"},
				Action:   "fleet.ping",
			},
		},
		{
			name: "missing ID",
			task: &Task{
				Name:     "Sweep",
				Schedule: ScheduleConfig{Kind: "interval", IntervalMs: 1000},
				Action:   "jobs.sweep",
			},
			wantErr: true,
		},
		{
			name: "missing action",
			task: &Task{
				ID:       "sweep",
				Name:     "Sweep",
				Schedule: ScheduleConfig{Kind: "interval", IntervalMs: 1000},
			},
			wantErr: true,
		},
		{
			name: "invalid cron expression",
			task: &Task{
				ID:       "sweep",
				Name:     "Sweep",
				Schedule: ScheduleConfig{Kind: "cron", Expr: "not a cron"},
				Action:   "jobs.sweep",
			},
			wantErr: true,
		},
		{
			name: "non-positive interval",
			task: &Task{
				ID:       "sweep",
				Name:     "Sweep",
				Schedule: ScheduleConfig{Kind: "interval"},
				Action:   "jobs.sweep",
			},
			wantErr: true,
		},
		{
			name: "unknown kind",
			task: &Task{
				ID:       "sweep",
				Name:     "Sweep",
				Schedule: ScheduleConfig{Kind: "hourly"},
				Action:   "jobs.sweep",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTaskNextRun(t *testing.T) {
	from := time.Date(2026, 3, 10, 10, 15, 0, 0, time.UTC)

	tests := []struct {
		name     string
		schedule ScheduleConfig
		want     time.Time
	}{
		{
			name:     "interval",
			schedule: ScheduleConfig{Kind: "interval", IntervalMs: 30000},
			want:     from.Add(30 * time.Second),
		},
		{
			name:     "cron top of the hour",
			schedule: ScheduleConfig{Kind: "cron", Expr: "0 * * * *"},
			want:     time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC),
		},
		{
			name:     "at later today",
			schedule: ScheduleConfig{Kind: "at", Time: "12:00", Timezone: "UTC"},
			want:     time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		},
		{
			name:     "at already passed",
			schedule: ScheduleConfig{Kind: "at", Time: "09:00", Timezone: "UTC"},
			want:     time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &Task{Schedule: tt.schedule}
			got, err := task.NextRun(from)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextRun = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaskClone(t *testing.T) {
	task := &Task{ID: "a", State: TaskState{RunCount: 3}}
	c := task.Clone()
	c.State.RunCount = 9
	if task.State.RunCount != 3 {
		t.Error("Clone shares state with the original")
	}
}
