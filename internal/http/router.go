package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/city-weather/internal/observability"
	"github.com/kjstillabower/city-weather/internal/traffic"
)

// RouterOptions configures NewRouter. Nil fields disable the matching middleware.
type RouterOptions struct {
	Logger *zap.Logger
	// Sessions wraps /api routes, typically (*session.Tracker).Middleware.
	Sessions       mux.MiddlewareFunc
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
	Traffic        *traffic.Window
	// StaticDir is served at "/" after all API routes. Empty disables static files.
	StaticDir      string
	AllowedOrigins []string
}

// NewRouter wires the API, health, metrics and static routes. CORS and panic recovery
// wrap the whole router so preflight requests never reach route matching.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(TrafficMiddleware(opts.Traffic))
	api.Use(RateLimitMiddleware(opts.Limiter))
	if opts.Sessions != nil {
		api.Use(opts.Sessions)
	}
	api.Use(TimeoutMiddleware(opts.RequestTimeout))
	api.HandleFunc("/cities", h.GetCities).Methods(http.MethodGet)
	api.HandleFunc("/weather", h.GetWeather).Methods(http.MethodGet)
	api.HandleFunc("/ai-weather", h.PostTips).Methods(http.MethodPost)

	if opts.StaticDir != "" {
		router.PathPrefix("/").Handler(http.FileServer(http.Dir(opts.StaticDir))).Methods(http.MethodGet, http.MethodHead)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", CorrelationIDHeader},
		ExposedHeaders:   []string{CorrelationIDHeader},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           300,
	})
	return middleware.Recoverer(corsHandler(router))
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
