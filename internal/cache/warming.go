package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/city-weather/internal/models"
	"github.com/kjstillabower/city-weather/internal/observability"
)

// maxConcurrentWarm bounds upstream calls made by a single warming run.
const maxConcurrentWarm = 4

// ForecastFetcher is implemented by the service layer. Used by CacheWarmer to avoid
// a circular dependency on the service package.
type ForecastFetcher interface {
	GetForecast(ctx context.Context, city string, userID int64) (models.Bundle, error)
}

// CacheWarmer keeps tracked cities fresh by fetching them through the service, which
// refreshes the snapshot store and the hot cache on a miss.
type CacheWarmer struct {
	fetcher ForecastFetcher
	logger  *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer that uses the given fetcher and logger.
func NewCacheWarmer(fetcher ForecastFetcher, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger}
}

// Warm fetches each city with a bounded number of concurrent requests. User id 0 means
// no search history is recorded. Returns every per-city failure joined.
func (w *CacheWarmer) Warm(ctx context.Context, cities []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("cities", len(cities)))

	errs := make([]error, len(cities))
	var g errgroup.Group
	g.SetLimit(maxConcurrentWarm)
	for i, city := range cities {
		i, city := i, city
		g.Go(func() error {
			if _, err := w.fetcher.GetForecast(ctx, city, 0); err != nil {
				errs[i] = fmt.Errorf("warm %s: %w", city, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	failed := 0
	for _, e := range errs {
		if e != nil {
			failed++
		}
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("cities", len(cities)),
		zap.Int("errors", failed),
		zap.Float64("duration_seconds", duration),
	)
	if err != nil {
		observability.CacheWarmingErrorsTotal.Inc()
		return err
	}
	return nil
}
