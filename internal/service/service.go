package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/city-weather/internal/cache"
	"github.com/kjstillabower/city-weather/internal/client"
	"github.com/kjstillabower/city-weather/internal/forecast"
	"github.com/kjstillabower/city-weather/internal/models"
	"github.com/kjstillabower/city-weather/internal/observability"
	"github.com/kjstillabower/city-weather/internal/store"
)

const (
	// DefaultCity is used when the request names no city.
	DefaultCity = "Towson"
	// DefaultCountry is appended to every upstream query.
	DefaultCountry = "US"

	trackSearchTimeout = 5 * time.Second
)

// ErrUpstream wraps any failure of the upstream current/forecast calls. The provider's own
// message, when present, is reachable with client.ProviderMessage.
var ErrUpstream = errors.New("failed to fetch weather data")

// Store is the snapshot persistence the service needs.
type Store interface {
	LatestValidSnapshot(ctx context.Context, city string, now time.Time) (store.Snapshot, error)
	UpsertLocation(ctx context.Context, loc store.Location) (int64, error)
	InsertSnapshot(ctx context.Context, snap store.Snapshot) (int64, error)
	RecordSearch(ctx context.Context, userID, locationID int64, at time.Time) error
}

// Options configures a ForecastService. Zero values fall back to defaults.
type Options struct {
	// SnapshotTTL is how long a fetched forecast is reused. Default 1h.
	SnapshotTTL time.Duration
	// DisplayLocation is the timezone for hourly labels and weekday buckets. Default time.Local.
	DisplayLocation *time.Location
	// Cache is the optional hot layer in front of the store.
	Cache  cache.Cache
	Logger *zap.Logger
}

// ForecastService serves forecasts from the snapshot store, refreshing from the
// provider when no valid snapshot exists.
type ForecastService struct {
	client          client.WeatherClient
	store           Store
	cache           cache.Cache
	ttl             time.Duration
	loc             *time.Location
	logger          *zap.Logger
	stampedeTracker *stampedeTracker
	now             func() time.Time

	tracking sync.WaitGroup
}

// NewForecastService creates a ForecastService with the provided dependencies.
func NewForecastService(c client.WeatherClient, st Store, opts Options) *ForecastService {
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = time.Hour
	}
	if opts.DisplayLocation == nil {
		opts.DisplayLocation = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &ForecastService{
		client:          c,
		store:           st,
		cache:           opts.Cache,
		ttl:             opts.SnapshotTTL,
		loc:             opts.DisplayLocation,
		logger:          opts.Logger,
		stampedeTracker: newStampedeTracker(),
		now:             time.Now,
	}
}

// normalizeCity turns raw input into the upstream query ("Towson,US"), the display name
// ("Towson") and the lookup key ("towson"). Anything after the first comma is dropped.
func normalizeCity(city string) (query, name, key string) {
	name = strings.TrimSpace(city)
	if i := strings.Index(name, ","); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	if name == "" {
		name = DefaultCity
	}
	return name + "," + DefaultCountry, name, strings.ToLower(name)
}

// GetForecast returns the forecast bundle for city. userID 0 skips search tracking.
// Order: hot cache, newest unexpired store snapshot, then a fresh upstream fetch that is
// persisted before it is returned.
func (s *ForecastService) GetForecast(ctx context.Context, city string, userID int64) (models.Bundle, error) {
	query, name, key := normalizeCity(city)
	logger := observability.LoggerFromContext(ctx, s.logger).With(zap.String("city", name))
	start := time.Now()
	observability.RecordWeatherQuery(key)

	if entry, ok := s.hotGet(ctx, logger, key); ok {
		observability.CacheHitsTotal.WithLabelValues("hot").Inc()
		s.trackAsync(ctx, logger, userID, entry.LocationID)
		bundle := entry.Bundle
		bundle.Current.City = name
		logger.Debug("weather served", zap.String("source", "hot"), zap.Duration("duration", time.Since(start)))
		return bundle, nil
	}

	snap, err := s.store.LatestValidSnapshot(ctx, key, s.now())
	switch {
	case err == nil:
		observability.CacheHitsTotal.WithLabelValues("store").Inc()
		bundle := s.bundleFromSnapshot(logger, name, snap)
		s.trackAsync(ctx, logger, userID, snap.LocationID)
		s.hotSet(ctx, logger, key, cache.Entry{Bundle: bundle, LocationID: snap.LocationID, ExpiresAt: snap.ExpiresAt})
		logger.Debug("weather served", zap.String("source", "store"), zap.Duration("duration", time.Since(start)))
		return bundle, nil
	case !errors.Is(err, store.ErrNotFound):
		return models.Bundle{}, fmt.Errorf("lookup cached weather for %s: %w", name, err)
	}

	observability.CacheMissesTotal.Inc()
	concurrentMisses := s.stampedeTracker.RecordMiss(key)
	defer s.stampedeTracker.RecordHit(key)
	if concurrentMisses > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(observability.MetricLocationLabel(key)).Inc()
	}

	logger.Debug("cache miss, fetching upstream", zap.String("query", query))
	bundle, err := s.refresh(ctx, logger, userID, query, name, key)
	if err != nil {
		return models.Bundle{}, err
	}
	logger.Debug("weather served", zap.String("source", "upstream"), zap.Duration("duration", time.Since(start)))
	return bundle, nil
}

// refresh fetches current conditions and the forecast concurrently, persists the snapshot
// and returns the fresh bundle. Both calls must succeed.
func (s *ForecastService) refresh(ctx context.Context, logger *zap.Logger, userID int64, query, name, key string) (models.Bundle, error) {
	var (
		current client.CurrentPayload
		fc      client.ForecastPayload
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		current, err = s.client.GetCurrent(gctx, query)
		return err
	})
	g.Go(func() error {
		var err error
		fc, err = s.client.GetForecast(gctx, query)
		return err
	})
	if err := g.Wait(); err != nil {
		logger.Warn("upstream weather fetch failed", zap.String("query", query), zap.Error(err))
		return models.Bundle{}, fmt.Errorf("%w: %s: %w", ErrUpstream, query, err)
	}

	bundle := models.Bundle{
		Current: forecast.Current(name, current),
		Hourly:  forecast.Hourly(fc, s.loc),
		Daily:   forecast.Daily(fc, s.loc),
	}

	locationID, err := s.store.UpsertLocation(ctx, store.Location{
		ProviderID:  strconv.FormatInt(current.ID, 10),
		CityName:    displayName(current.Name, name),
		CountryCode: current.Sys.Country,
		Latitude:    current.Coord.Lat,
		Longitude:   current.Coord.Lon,
	})
	if err != nil {
		return models.Bundle{}, fmt.Errorf("cache location for %s: %w", name, err)
	}

	hourlyJSON, err := json.Marshal(bundle.Hourly)
	if err != nil {
		return models.Bundle{}, fmt.Errorf("encode hourly forecast: %w", err)
	}
	dailyJSON, err := json.Marshal(bundle.Daily)
	if err != nil {
		return models.Bundle{}, fmt.Errorf("encode daily forecast: %w", err)
	}

	expiresAt := s.now().Add(s.ttl)
	if _, err := s.store.InsertSnapshot(ctx, store.Snapshot{
		LocationID:  locationID,
		ExpiresAt:   expiresAt,
		CurrentTemp: current.Main.Temp,
		HighTemp:    current.Main.TempMax,
		LowTemp:     current.Main.TempMin,
		WindSpeed:   current.Wind.Speed,
		Humidity:    current.Main.Humidity,
		Condition:   client.Primary(current.Weather).Main,
		HourlyJSON:  string(hourlyJSON),
		DailyJSON:   string(dailyJSON),
	}); err != nil {
		return models.Bundle{}, fmt.Errorf("cache weather for %s: %w", name, err)
	}
	observability.SnapshotWritesTotal.Inc()

	s.trackSearch(ctx, logger, userID, locationID)
	s.hotSet(ctx, logger, key, cache.Entry{Bundle: bundle, LocationID: locationID, ExpiresAt: expiresAt})
	return bundle, nil
}

// bundleFromSnapshot rebuilds the response from a stored row. Stored JSON that is missing or
// malformed becomes an empty list rather than an error.
func (s *ForecastService) bundleFromSnapshot(logger *zap.Logger, name string, snap store.Snapshot) models.Bundle {
	return models.Bundle{
		Current: models.Current{
			City:      name,
			Temp:      forecast.Round(snap.CurrentTemp),
			High:      forecast.Round(snap.HighTemp),
			Low:       forecast.Round(snap.LowTemp),
			Wind:      forecast.Round(snap.WindSpeed),
			Humidity:  snap.Humidity,
			Condition: snap.Condition,
			Icon:      forecast.IconForCondition(snap.Condition),
		},
		Hourly: decodeList[models.HourlyEntry](logger, "hourly_data", snap.HourlyJSON),
		Daily:  decodeList[models.DailyEntry](logger, "daily_forecast", snap.DailyJSON),
	}
}

func decodeList[T any](logger *zap.Logger, column, raw string) []T {
	out := []T{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		logger.Warn("malformed cached forecast", zap.String("column", column), zap.Error(err))
		return []T{}
	}
	return out
}

func (s *ForecastService) hotGet(ctx context.Context, logger *zap.Logger, key string) (cache.Entry, bool) {
	if s.cache == nil {
		return cache.Entry{}, false
	}
	entry, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		observability.HotCacheErrorsTotal.WithLabelValues("get").Inc()
		logger.Warn("hot cache get failed", zap.Error(err))
		return cache.Entry{}, false
	}
	if !ok || !entry.Valid(s.now()) {
		return cache.Entry{}, false
	}
	return entry, true
}

func (s *ForecastService) hotSet(ctx context.Context, logger *zap.Logger, key string, entry cache.Entry) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, entry); err != nil {
		observability.HotCacheErrorsTotal.WithLabelValues("set").Inc()
		logger.Warn("hot cache set failed", zap.Error(err))
	}
}

// trackSearch records a search and only logs failures.
func (s *ForecastService) trackSearch(ctx context.Context, logger *zap.Logger, userID, locationID int64) {
	if userID == 0 {
		return
	}
	if err := s.store.RecordSearch(ctx, userID, locationID, s.now()); err != nil {
		observability.SearchTrackingFailuresTotal.Inc()
		logger.Warn("failed to record search", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// trackAsync records a search off the request path. It outlives the request context;
// Wait drains outstanding writes on shutdown.
func (s *ForecastService) trackAsync(ctx context.Context, logger *zap.Logger, userID, locationID int64) {
	if userID == 0 {
		return
	}
	s.tracking.Add(1)
	go func() {
		defer s.tracking.Done()
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), trackSearchTimeout)
		defer cancel()
		s.trackSearch(tctx, logger, userID, locationID)
	}()
}

// Wait blocks until background search tracking has finished.
func (s *ForecastService) Wait() {
	s.tracking.Wait()
}

func displayName(provider, fallback string) string {
	if provider != "" {
		return provider
	}
	return fallback
}
