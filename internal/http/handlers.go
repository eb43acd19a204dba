package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather/internal/cities"
	"github.com/kjstillabower/city-weather/internal/client"
	"github.com/kjstillabower/city-weather/internal/lifecycle"
	"github.com/kjstillabower/city-weather/internal/models"
	"github.com/kjstillabower/city-weather/internal/observability"
	"github.com/kjstillabower/city-weather/internal/session"
	"github.com/kjstillabower/city-weather/internal/tips"
	"github.com/kjstillabower/city-weather/internal/traffic"
	"github.com/kjstillabower/city-weather/internal/validation"
)

const (
	errFetchWeather  = "Failed to fetch weather data"
	errGenerateTips  = "Failed to generate weather tips"
	errInvalidCity   = "Invalid city"
	maxTipsBodyBytes = 1 << 20
	healthPingBudget = 2 * time.Second
)

// ForecastGetter serves the combined forecast for a city. userID 0 means anonymous.
type ForecastGetter interface {
	GetForecast(ctx context.Context, city string, userID int64) (models.Bundle, error)
}

// CitySearcher answers autocomplete queries.
type CitySearcher interface {
	Search(query string) []cities.Result
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthConfig holds the dependencies and thresholds for GET /health.
type HealthConfig struct {
	Lifecycle *lifecycle.Lifecycle
	Database  Pinger
	// Cache is nil when the hot cache is disabled.
	Cache Pinger
	// Traffic, DegradedWindow and DegradedErrorPct drive the error-rate check. Disabled when any is zero.
	Traffic          *traffic.Window
	DegradedWindow   time.Duration
	DegradedErrorPct int
	Version          string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	forecasts     ForecastGetter
	cities        CitySearcher
	healthConfig  *HealthConfig
	logger        *zap.Logger
	maxCityLength int

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. maxCityLength <= 0 uses validation.DefaultMaxCityLength.
func NewHandler(forecasts ForecastGetter, searcher CitySearcher, healthConfig *HealthConfig, logger *zap.Logger, maxCityLength int) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxCityLength <= 0 {
		maxCityLength = validation.DefaultMaxCityLength
	}
	return &Handler{
		forecasts:     forecasts,
		cities:        searcher,
		healthConfig:  healthConfig,
		logger:        logger,
		maxCityLength: maxCityLength,
	}
}

// GetCities handles GET /api/cities?q=. Always answers with a JSON array.
func (h *Handler) GetCities(w http.ResponseWriter, r *http.Request) {
	observability.CitySearchesTotal.Inc()
	results := h.cities.Search(r.URL.Query().Get("q"))
	if results == nil {
		results = []cities.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

// GetWeather handles GET /api/weather?city=. An empty city means the default city.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("city")
	logger := observability.LoggerFromContext(r.Context(), h.logger)

	city, err := validation.ValidateCity(raw, h.maxCityLength)
	if err != nil {
		writeError(w, http.StatusBadRequest, errInvalidCity, err.Error())
		return
	}

	bundle, err := h.forecasts.GetForecast(r.Context(), city, session.UserIDFromContext(r.Context()))
	if err != nil {
		logger.Warn("weather lookup failed",
			zap.String("city", city),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err))
		writeWeatherError(w, raw, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// tipsRequest is the body of POST /api/ai-weather.
type tipsRequest struct {
	WeatherData *tips.Weather   `json:"weatherData"`
	FavoriteDay json.RawMessage `json:"favoriteDay"`
}

// PostTips handles POST /api/ai-weather. An empty body renders placeholders.
func (h *Handler) PostTips(w http.ResponseWriter, r *http.Request) {
	var req tipsRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTipsBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, errGenerateTips, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			observability.LoggerFromContext(r.Context(), h.logger).Debug("malformed tips request", zap.Error(err))
			writeError(w, http.StatusBadRequest, errGenerateTips, err.Error())
			return
		}
	}

	observability.TipsGeneratedTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]string{
		"aiResponse": tips.Generate(req.WeatherData, parseFavoriteDay(req.FavoriteDay)),
	})
}

// parseFavoriteDay accepts an integral JSON number or a numeric string. Anything else
// (including null) yields nil, which renders the no-favorite-day text.
func parseFavoriteDay(raw json.RawMessage) *int {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		if n, err = strconv.ParseFloat(s, 64); err != nil {
			return nil
		}
	}
	if n != float64(int(n)) {
		return nil
	}
	idx := int(n)
	return &idx
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	version := "dev"
	if h.healthConfig != nil && h.healthConfig.Version != "" {
		version = h.healthConfig.Version
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   version,
		"checks":    result.checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates, in order: shutting-down, database, error rate, hot cache.
// A failing database or an error-rate breach is degraded with 503. An unreachable hot cache
// is degraded with 200 since requests still succeed through the store.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := map[string]string{}
	cfg := h.healthConfig
	if cfg == nil {
		return healthResult{"healthy", http.StatusOK, "", checks}
	}
	if cfg.Lifecycle != nil && cfg.Lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}

	ctx, cancel := context.WithTimeout(ctx, healthPingBudget)
	defer cancel()

	dbOK := ping(ctx, cfg.Database, checks, "database")
	cacheOK := ping(ctx, cfg.Cache, checks, "cache")

	if !dbOK {
		return healthResult{"degraded", http.StatusServiceUnavailable, "database_unreachable", checks}
	}
	if cfg.Traffic != nil && cfg.DegradedWindow > 0 && cfg.DegradedErrorPct > 0 {
		counts := cfg.Traffic.Counts(cfg.DegradedWindow)
		if counts.Success+counts.Error > 0 && counts.ErrorRate()*100 >= float64(cfg.DegradedErrorPct) {
			checks["errorRate"] = "unhealthy"
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach", checks}
		}
		checks["errorRate"] = "healthy"
	}
	if !cacheOK {
		return healthResult{"degraded", http.StatusOK, "cache_unreachable", checks}
	}
	return healthResult{"healthy", http.StatusOK, "", checks}
}

// ping records the check outcome under name. A nil pinger is skipped and counts as healthy.
func ping(ctx context.Context, p Pinger, checks map[string]string, name string) bool {
	if p == nil {
		return true
	}
	if err := p.Ping(ctx); err != nil {
		checks[name] = "unhealthy"
		return false
	}
	checks[name] = "healthy"
	return true
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the {error, message} body used by every API failure.
func writeError(w http.ResponseWriter, status int, errText, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errText,
		"message": message,
	})
}

// writeWeatherError reports an upstream or persistence failure as 500. The provider's own
// message is surfaced when there is one; rawCity is echoed as the user typed it.
func writeWeatherError(w http.ResponseWriter, rawCity string, err error) {
	errText := client.ProviderMessage(err)
	if errText == "" {
		errText = errFetchWeather
	}
	target := rawCity
	if target == "" {
		target = "default location"
	}
	writeError(w, http.StatusInternalServerError, errText, "Could not find weather for "+target)
}
