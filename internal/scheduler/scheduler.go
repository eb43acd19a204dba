// Package scheduler runs the background maintenance jobs: snapshot pruning and cache warming.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather/internal/observability"
)

const (
	defaultRetention     = 24 * time.Hour
	defaultPruneInterval = 30 * time.Minute
	defaultJobTimeout    = 30 * time.Second
)

// Pruner deletes snapshots that expired before the cutoff.
type Pruner interface {
	PruneSnapshots(ctx context.Context, before time.Time) (int64, error)
}

// Warmer refreshes the given cities.
type Warmer interface {
	Warm(ctx context.Context, cities []string) error
}

// Options configures the jobs. Zero durations fall back to defaults; warming is scheduled
// only when Warmer, WarmCities and WarmInterval are all set.
type Options struct {
	Retention     time.Duration
	PruneInterval time.Duration
	Warmer        Warmer
	WarmCities    []string
	WarmInterval  time.Duration
	JobTimeout    time.Duration
	Location      *time.Location
	Logger        *zap.Logger
}

// Scheduler owns the gocron scheduler and the job bodies.
type Scheduler struct {
	scheduler *gocron.Scheduler
	pruner    Pruner
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a Scheduler. Jobs are registered by Start.
func New(pruner Pruner, opts Options) *Scheduler {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = defaultPruneInterval
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := gocron.NewScheduler(opts.Location)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		pruner:    pruner,
		opts:      opts,
		logger:    opts.Logger.With(zap.String("component", "scheduler")),
		now:       time.Now,
	}
}

// Start registers the jobs and starts the scheduler in the background. The first run of
// each job happens immediately.
func (s *Scheduler) Start() error {
	if _, err := s.scheduler.Every(s.opts.PruneInterval).Do(s.runPrune); err != nil {
		return fmt.Errorf("schedule prune job: %w", err)
	}
	if s.warmingEnabled() {
		if _, err := s.scheduler.Every(s.opts.WarmInterval).Do(s.runWarm); err != nil {
			return fmt.Errorf("schedule warm job: %w", err)
		}
	}
	s.logger.Info("scheduler started",
		zap.Duration("prune_interval", s.opts.PruneInterval),
		zap.Duration("retention", s.opts.Retention),
		zap.Bool("warming", s.warmingEnabled()),
	)
	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

func (s *Scheduler) warmingEnabled() bool {
	return s.opts.Warmer != nil && len(s.opts.WarmCities) > 0 && s.opts.WarmInterval > 0
}

// Prune deletes snapshots that expired more than Retention ago.
func (s *Scheduler) Prune(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.opts.Retention)
	n, err := s.pruner.PruneSnapshots(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	observability.SnapshotsPrunedTotal.Add(float64(n))
	return n, nil
}

func (s *Scheduler) runPrune() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.JobTimeout)
	defer cancel()
	n, err := s.Prune(ctx)
	if err != nil {
		s.logger.Error("snapshot prune failed", zap.Error(err))
		return
	}
	s.logger.Debug("snapshot prune complete", zap.Int64("deleted", n))
}

func (s *Scheduler) runWarm() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.JobTimeout)
	defer cancel()
	if err := s.opts.Warmer.Warm(ctx, s.opts.WarmCities); err != nil {
		s.logger.Warn("cache warming failed", zap.Error(err))
	}
}
