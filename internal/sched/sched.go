// Package sched triggers runs for schedule-enabled projects. Each project
// carries its own interval string; the scheduler only decides when a run is
// due and hands the rest to the engine.
package sched

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/repo"
)

const defaultTick = time.Minute

type Scheduler struct {
	Engine engine.Engine
	Tick   time.Duration
	Log    *zap.Logger
	Now    func() time.Time
}

func New(eng engine.Engine, log *zap.Logger) Scheduler {
	tick := defaultTick
	if eng.Config != nil && eng.Config.Scheduler.Tick.Duration > 0 {
		tick = eng.Config.Scheduler.Tick.Duration
	}
	if log == nil {
		log = zap.NewNop()
	}
	return Scheduler{Engine: eng, Tick: tick, Log: log, Now: time.Now}
}

func (s Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run blocks until the context is done, sweeping on every tick.
func (s Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Tick)
	defer ticker.Stop()
	s.Log.Info("scheduler started", zap.Duration("tick", s.Tick))
	for {
		select {
		case <-ctx.Done():
			s.Log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep makes one pass over all projects and runs every due one. Runs are
// executed in turn; the registry already refuses a second run per project,
// so an overlapping sweep cannot double-trigger.
func (s Scheduler) Sweep(ctx context.Context) {
	projects, err := s.Engine.Repo.ListProjects(ctx)
	if err != nil {
		s.Log.Warn("list projects", zap.Error(err))
		return
	}
	now := s.now()
	for _, p := range projects {
		if ctx.Err() != nil {
			return
		}
		if !p.ScheduleEnabled || p.Schedule == "" {
			continue
		}
		interval, err := time.ParseDuration(p.Schedule)
		if err != nil || interval <= 0 {
			s.Log.Warn("bad schedule", zap.String("project", p.Name), zap.String("schedule", p.Schedule), zap.Error(err))
			continue
		}
		if s.Engine.Registry != nil {
			if _, busy := s.Engine.Registry.Lookup(p.ID); busy {
				continue
			}
		}
		due, err := s.due(ctx, p, interval, now)
		if err != nil {
			s.Log.Warn("check schedule", zap.String("project", p.Name), zap.Error(err))
			continue
		}
		if !due {
			continue
		}
		s.Log.Info("triggering scheduled run", zap.String("project", p.Name))
		run, err := s.Engine.ExecuteRun(ctx, engine.RunOptions{ProjectID: p.ID, Trigger: domain.TriggerCron})
		if errors.Is(err, engine.ErrRunActive) {
			continue
		}
		if err != nil {
			s.Log.Error("scheduled run", zap.String("project", p.Name), zap.Error(err))
			continue
		}
		s.Log.Info("scheduled run finished", zap.String("project", p.Name), zap.String("status", string(run.Status)))
	}
}

func (s Scheduler) due(ctx context.Context, p domain.Project, interval time.Duration, now time.Time) (bool, error) {
	last, err := s.Engine.Repo.LatestRun(ctx, p.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	started, err := time.Parse(time.RFC3339, last.StartedAt)
	if err != nil {
		return false, err
	}
	return now.Sub(started) >= interval, nil
}
