package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/securecookie"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/city-weather/internal/cache"
	"github.com/kjstillabower/city-weather/internal/cities"
	"github.com/kjstillabower/city-weather/internal/client"
	"github.com/kjstillabower/city-weather/internal/config"
	httphandler "github.com/kjstillabower/city-weather/internal/http"
	"github.com/kjstillabower/city-weather/internal/lifecycle"
	"github.com/kjstillabower/city-weather/internal/observability"
	"github.com/kjstillabower/city-weather/internal/scheduler"
	"github.com/kjstillabower/city-weather/internal/service"
	"github.com/kjstillabower/city-weather/internal/session"
	"github.com/kjstillabower/city-weather/internal/store"
	"github.com/kjstillabower/city-weather/internal/traffic"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	logger.Info("config loaded", zap.Stringer("config", cfg))

	life := lifecycle.New()
	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	st, err := store.Open(startCtx, cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}
	if err := st.Migrate(startCtx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}
	life.OnShutdown("store", func(context.Context) error { return st.Close() })
	logger.Info("store ready", zap.String("driver", cfg.DatabaseDriver))

	hot, err := newHotCache(startCtx, cfg)
	if err != nil {
		logger.Fatal("hot cache", zap.Error(err))
	}
	if hot != nil {
		life.OnShutdown("hot cache", func(context.Context) error { return hot.Close() })
	}
	logger.Info("cache backend", zap.String("backend", cfg.CacheBackend))

	weatherClient, err := client.NewOpenWeatherClient(cfg.WeatherAPIKey, cfg.WeatherAPIURL, cfg.WeatherAPITimeout)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	if cfg.CircuitBreakerEnabled {
		weatherClient.SetCircuitBreaker(client.NewCircuitBreaker(client.BreakerSettings{
			Timeout:             cfg.CircuitBreakerTimeout,
			ConsecutiveFailures: cfg.CircuitBreakerFailureThreshold,
		}))
		logger.Info("circuit breaker enabled",
			zap.Uint32("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	forecastService := service.NewForecastService(weatherClient, st, service.Options{
		SnapshotTTL:     cfg.SnapshotTTL,
		DisplayLocation: cfg.DisplayLocation,
		Cache:           hot,
		Logger:          logger,
	})
	life.OnShutdown("search tracking", func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			forecastService.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if len(cfg.TrackedCities) > 0 {
		observability.SetTrackedLocations(cfg.TrackedCities)
	}
	schedOpts := scheduler.Options{
		Retention:     cfg.Retention,
		PruneInterval: cfg.PruneInterval,
		Location:      cfg.DisplayLocation,
		Logger:        logger,
	}
	if cfg.WarmCache {
		schedOpts.Warmer = cache.NewCacheWarmer(forecastService, logger)
		schedOpts.WarmCities = cfg.TrackedCities
		schedOpts.WarmInterval = cfg.WarmInterval
	}
	sched := scheduler.New(st, schedOpts)
	if err := sched.Start(); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}
	life.OnShutdown("scheduler", func(context.Context) error {
		sched.Stop()
		return nil
	})

	index, err := loadCities(cfg.CitiesPath)
	if err != nil {
		logger.Fatal("city index", zap.Error(err))
	}
	logger.Info("city index loaded", zap.String("path", cfg.CitiesPath), zap.Int("cities", index.Len()))

	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		secret = securecookie.GenerateRandomKey(32)
		logger.Warn("session_secret not configured; using a random key, sessions reset on restart")
	}
	tracker := session.NewTracker(secret, cfg.SecureCookies, st, logger)

	window := traffic.NewWindow(cfg.DegradedWindow)
	healthConfig := &httphandler.HealthConfig{
		Lifecycle:        life,
		Database:         st,
		Traffic:          window,
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
	}
	if hot != nil {
		healthConfig.Cache = hot
	}

	var limiter *rate.Limiter
	if cfg.RateLimitEnabled() {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(forecastService, index, healthConfig, logger, cfg.MaxCityLength)
	router := httphandler.NewRouter(handler, httphandler.RouterOptions{
		Logger:         logger,
		Sessions:       tracker.Middleware,
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		Traffic:        window,
		StaticDir:      cfg.StaticDir,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}
	life.OnShutdown("in-flight requests", func(ctx context.Context) error {
		inFlight := httphandler.InFlightCount()
		logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
		waitCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownInFlightTimeout)
		defer cancel()
		return httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval)
	})
	life.OnShutdown("http server", srv.Shutdown)

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := life.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry flush: %v\n", err)
	}
	logger.Info("shutdown complete")
}

// newHotCache builds the configured hot cache backend. "none" returns a nil Cache.
func newHotCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	switch cfg.CacheBackend {
	case cache.BackendNone:
		return nil, nil
	case cache.BackendMemcached:
		return cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns), nil
	case cache.BackendRedis:
		return cache.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return cache.NewLRUCache(cfg.CacheSize)
	}
}

// loadCities reads the city list from path, or the embedded list when path is empty.
func loadCities(path string) (*cities.Index, error) {
	if path == "" {
		return cities.Default()
	}
	return cities.LoadFile(path)
}
