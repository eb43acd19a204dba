package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate by route template. Watch for: sudden drops or spikes.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency. Watch for: p95 growth on /api/weather (upstream misses dominate).
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// OpenWeatherMap calls by endpoint (current, forecast) and status label.
	WeatherAPICallsTotal *prometheus.CounterVec

	// OpenWeatherMap latency by endpoint and status label.
	WeatherAPIDuration *prometheus.HistogramVec

	// Upstream failures by category (see client.CategorizeError).
	WeatherAPIErrorsTotal *prometheus.CounterVec

	// Forecast cache hits by layer: "hot" (in-process/memcached/redis) or "store" (SQL snapshot).
	CacheHitsTotal *prometheus.CounterVec

	// Forecast lookups that had to go upstream.
	CacheMissesTotal prometheus.Counter

	// Hot cache failures by operation. Never fatal; watch for a backend that is down.
	HotCacheErrorsTotal *prometheus.CounterVec

	// Concurrent misses for the same city. Duplicate snapshot rows are expected when this moves.
	CacheStampedeDetectedTotal *prometheus.CounterVec

	// Snapshot rows written after an upstream refresh.
	SnapshotWritesTotal prometheus.Counter

	// Snapshot rows deleted by the pruning job.
	SnapshotsPrunedTotal prometheus.Counter

	// Search history inserts that failed (best effort, logged only).
	SearchTrackingFailuresTotal prometheus.Counter

	// Anonymous session users created.
	SessionsCreatedTotal prometheus.Counter

	// City autocomplete queries.
	CitySearchesTotal prometheus.Counter

	// Tip texts generated.
	TipsGeneratedTotal prometheus.Counter

	// Weather lookups, and per-city breakdown for the tracked allow-list (others are "other").
	WeatherQueriesTotal           prometheus.Counter
	WeatherQueriesByLocationTotal *prometheus.CounterVec

	// Rate limit denials (429).
	RateLimitDeniedTotal prometheus.Counter

	// Upstream circuit breaker state (0 closed, 1 half-open, 2 open) and transitions.
	CircuitBreakerState            *prometheus.GaugeVec
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Cache warming runs, failures and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeatherMap API calls",
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiErrorsTotal",
			Help: "OpenWeatherMap failures by category",
		},
		[]string{"category"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Forecast cache hits by layer (hot, store)",
		},
		[]string{"layer"},
	)
	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Forecast lookups without a valid cached snapshot",
		},
	)
	HotCacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotCacheErrorsTotal",
			Help: "Hot cache backend errors by operation",
		},
		[]string{"operation"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Cache misses that overlapped another in-progress miss for the same city",
		},
		[]string{"location"},
	)
	SnapshotWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snapshotWritesTotal",
			Help: "Weather snapshots persisted after an upstream refresh",
		},
	)
	SnapshotsPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snapshotsPrunedTotal",
			Help: "Expired weather snapshots deleted by the pruning job",
		},
	)
	SearchTrackingFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "searchTrackingFailuresTotal",
			Help: "Failed search history inserts",
		},
	)
	SessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionsCreatedTotal",
			Help: "Anonymous session users created",
		},
	)
	CitySearchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "citySearchesTotal",
			Help: "City autocomplete queries served",
		},
	)
	TipsGeneratedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tipsGeneratedTotal",
			Help: "Weather tip texts generated",
		},
	)
	WeatherQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherQueriesTotal",
			Help: "Total number of weather lookups",
		},
	)
	WeatherQueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherQueriesByLocationTotal",
			Help: "Weather queries by city (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed city",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30},
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIErrorsTotal,
		CacheHitsTotal, CacheMissesTotal, HotCacheErrorsTotal, CacheStampedeDetectedTotal,
		SnapshotWritesTotal, SnapshotsPrunedTotal, SearchTrackingFailuresTotal,
		SessionsCreatedTotal, CitySearchesTotal, TipsGeneratedTotal,
		WeatherQueriesTotal, WeatherQueriesByLocationTotal,
		RateLimitDeniedTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
	)
}

// SetTrackedLocations sets the allow-list for per-city metrics. Other cities increment "other".
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[normalizeLocationForMetrics(loc)] = struct{}{}
	}
}

// MetricLocationLabel returns the city itself when tracked, otherwise "other".
// Keeps label cardinality bounded.
func MetricLocationLabel(location string) string {
	loc := normalizeLocationForMetrics(location)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc]
	trackedLocationsMu.RUnlock()
	if ok {
		return loc
	}
	return "other"
}

// RecordWeatherQuery records a weather lookup for the given city.
func RecordWeatherQuery(location string) {
	WeatherQueriesTotal.Inc()
	WeatherQueriesByLocationTotal.WithLabelValues(MetricLocationLabel(location)).Inc()
}

func normalizeLocationForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
