package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"CanvasPilot/internal/domain"
	"CanvasPilot/internal/logging"
	"CanvasPilot/internal/ports"
)

// ScheduleOptions configures the daily trigger.
type ScheduleOptions struct {
	Source   ports.AssignmentSource
	Hour     int
	Location *time.Location
	Submit   bool
	Logger   *slog.Logger
}

// Scheduler wires the ticking driver with the pipeline and applies the daily hour gate.
type Scheduler struct {
	driver   ports.Scheduler
	pipeline *Pipeline
	opts     ScheduleOptions

	mu      sync.Mutex
	lastRun string
}

// NewScheduler returns a helper to start/stop the recurring completion run.
func NewScheduler(driver ports.Scheduler, pipeline *Pipeline, opts ScheduleOptions) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Scheduler{driver: driver, pipeline: pipeline, opts: opts}
}

// Start registers the gated job with the driver.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.pipeline == nil {
		return nil
	}

	job := func(trigger time.Time) {
		_, _ = s.Trigger(ctx, trigger)
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}

// Due reports whether at falls in the configured hour.
func (s *Scheduler) Due(at time.Time) bool {
	return at.In(s.opts.Location).Hour() == s.opts.Hour
}

// Trigger runs the pipeline when at is inside the scheduled hour and no scheduled
// run has happened in that hour yet. The bool reports whether a run was attempted.
func (s *Scheduler) Trigger(ctx context.Context, at time.Time) (Result, bool) {
	if !s.Due(at) {
		s.opts.Logger.Debug("scheduled run skipped", "hour", at.In(s.opts.Location).Hour(), "want", s.opts.Hour)
		return Result{}, false
	}

	slot := at.In(s.opts.Location).Format("2006-01-02T15")
	s.mu.Lock()
	if s.lastRun == slot {
		s.mu.Unlock()
		s.opts.Logger.Debug("scheduled run already fired", "slot", slot)
		return Result{}, false
	}
	s.lastRun = slot
	s.mu.Unlock()

	res := s.pipeline.Run(ctx, RunRequest{
		Source:  s.opts.Source,
		Trigger: domain.TriggerScheduled,
		Submit:  s.opts.Submit,
	})
	s.opts.Logger.Info("scheduled run finished", "success", res.Success, "processed", res.ProcessedCount, "error", res.Error)
	return res, true
}

// Hour is the scheduled hour in the configured location.
func (s *Scheduler) Hour() int { return s.opts.Hour }
