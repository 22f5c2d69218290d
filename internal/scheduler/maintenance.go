package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Maintenance defaults.
const (
	DefaultReapSchedule   = "@every 5m"
	DefaultSweepSchedule  = "@every 1h"
	DefaultReloadSchedule = "@every 6h"
	DefaultMaxIdle        = 30 * time.Minute
)

// Reaper closes idle conversations.
type Reaper interface {
	ReapIdle(ctx context.Context, maxIdle time.Duration) int
}

// Sweeper resets habit streaks whose window was missed.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Reloader refreshes the resource catalog.
type Reloader interface {
	Reload(ctx context.Context) error
}

// MaintenanceConfig selects schedules. An empty schedule uses the default;
// "off" disables the job.
type MaintenanceConfig struct {
	ReapSchedule   string
	SweepSchedule  string
	ReloadSchedule string
	MaxIdle        time.Duration
}

// RegisterMaintenance schedules the maintenance jobs for the components that
// are present. Nil components are skipped.
func RegisterMaintenance(s *Scheduler, cfg MaintenanceConfig, reaper Reaper, sweeper Sweeper, reloader Reloader) error {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = DefaultMaxIdle
	}
	type entry struct {
		name, expr, def string
		job             Job
		present         bool
	}
	entries := []entry{
		{"reap-idle", cfg.ReapSchedule, DefaultReapSchedule, func(ctx context.Context) error {
			reaper.ReapIdle(ctx, cfg.MaxIdle)
			return nil
		}, reaper != nil},
		{"habit-sweep", cfg.SweepSchedule, DefaultSweepSchedule, func(ctx context.Context) error {
			n, err := sweeper.Sweep(ctx, time.Now())
			if err != nil {
				return fmt.Errorf("habit sweep: %w", err)
			}
			if n > 0 {
				slog.Info("RegisterMaintenance: streaks reset", "count", n)
			}
			return nil
		}, sweeper != nil},
		{"catalog-reload", cfg.ReloadSchedule, DefaultReloadSchedule, func(ctx context.Context) error {
			return reloader.Reload(ctx)
		}, reloader != nil},
	}
	for _, e := range entries {
		if !e.present || e.expr == "off" {
			slog.Debug("RegisterMaintenance: job disabled", "job", e.name)
			continue
		}
		expr := e.expr
		if expr == "" {
			expr = e.def
		}
		if err := s.AddJob(e.name, expr, e.job); err != nil {
			return err
		}
	}
	return nil
}
