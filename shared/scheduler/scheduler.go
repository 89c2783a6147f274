package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"titleforge/shared/logging"
	"titleforge/shared/monitoring"

	"github.com/robfig/cron/v3"
)

// Metrics defines the common interface for stage statistics
type Metrics interface {
	// GetSummary returns a human-readable summary of the run
	GetSummary() string
}

// StageEvents provides callbacks for monitoring stage execution
type StageEvents struct {
	OnSuccess         func(metrics Metrics, duration time.Duration)
	OnPartialFailure  func(err error, duration time.Duration)
	OnCriticalFailure func(err error, duration time.Duration)
}

// Stage is one batch step of the pipeline.
type Stage interface {
	Name() string
	// Initialize builds clients and validates configuration before any external call.
	Initialize() error
	RunOnce(ctx context.Context, events *StageEvents) error
}

// Options configure a Scheduler.
type Options struct {
	// Schedule is a cron spec with a leading seconds field.
	Schedule   string
	HealthPort int
	Logger     *logging.Logger
}

// Scheduler runs a sequence of stages once or on a cron schedule.
type Scheduler struct {
	opts    Options
	log     *logging.Logger
	monitor *monitoring.Monitor
	stages  []Stage
	cron    *cron.Cron
}

func New(opts Options, stages ...Stage) *Scheduler {
	log := logging.OrDefault(opts.Logger)
	cronLog := cron.PrintfLogger(log)

	return &Scheduler{
		opts:    opts,
		log:     log,
		monitor: monitoring.NewMonitor(log),
		stages:  stages,
		// Prevent overlapping runs
		cron: cron.New(cron.WithSeconds(), cron.WithLogger(cronLog), cron.WithChain(cron.SkipIfStillRunning(cronLog))),
	}
}

func (s *Scheduler) Monitor() *monitoring.Monitor { return s.monitor }

// Initialize prepares every stage, failing on the first error.
func (s *Scheduler) Initialize() error {
	for _, stage := range s.stages {
		if err := stage.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", stage.Name(), err)
		}
	}
	return nil
}

// Start initializes the stages and runs them on the schedule until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Initialize(); err != nil {
		return err
	}

	healthServer := monitoring.NewHealthServer(s.monitor, strconv.Itoa(s.opts.HealthPort), s.log)
	healthServer.Start(ctx)

	_, err := s.cron.AddFunc(s.opts.Schedule, func() {
		if err := s.RunOnce(ctx); err != nil {
			s.log.WithError(err).Error("Scheduled run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.log.Infof("Scheduler started for %d stage(s) with schedule: %s", len(s.stages), s.opts.Schedule)
	s.cron.Start()

	<-ctx.Done()
	s.log.Info("Scheduler stopped")
	<-s.cron.Stop().Done()
	return ctx.Err()
}

// RunOnce runs every stage in order. A stage error is critical and stops the
// remaining stages, since each stage reads the previous stage's output.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.monitor.ResetPartials()
	for _, stage := range s.stages {
		if err := s.runStage(ctx, stage); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) runStage(ctx context.Context, stage Stage) error {
	startTime := time.Now()
	name := stage.Name()

	s.log.WithField("stage", name).Info("Starting stage")

	events := &StageEvents{
		OnSuccess: func(metrics Metrics, duration time.Duration) {
			s.monitor.RecordSuccess(name, metrics.GetSummary(), duration)
		},
		OnPartialFailure: func(err error, duration time.Duration) {
			s.monitor.RecordPartialFailure(name, err, duration)
		},
		OnCriticalFailure: func(err error, duration time.Duration) {
			s.monitor.RecordCriticalFailure(name, err, duration)
		},
	}

	if err := stage.RunOnce(ctx, events); err != nil {
		duration := time.Since(startTime)
		if !errors.Is(err, context.Canceled) {
			s.monitor.RecordCriticalFailure(name, err, duration)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
