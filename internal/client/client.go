package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/city-weather/internal/observability"
)

// DefaultBaseURL is the OpenWeatherMap 2.5 API root.
const DefaultBaseURL = "https://api.openweathermap.org/data/2.5"

// WeatherClient fetches raw provider payloads for a "<city>,<country>" query.
type WeatherClient interface {
	GetCurrent(ctx context.Context, query string) (CurrentPayload, error)
	GetForecast(ctx context.Context, query string) (ForecastPayload, error)
}

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrCircuitOpen      = errors.New("circuit breaker open")
)

// APIError is a non-2xx provider response. Message is the provider's "message" field, if any.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%v: HTTP %d: %s", e.Err, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%v: HTTP %d", e.Err, e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.Err }

// ProviderMessage extracts the provider's error message from err, or "" when there is none.
func ProviderMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return ""
}

type OpenWeatherClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewOpenWeatherClient(apiKey, baseURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	return &OpenWeatherClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker routes every upstream call through cb. Nil disables it.
func (c *OpenWeatherClient) SetCircuitBreaker(cb *gobreaker.CircuitBreaker) {
	c.breaker = cb
}

// BreakerSettings are the knobs NewCircuitBreaker exposes from config.
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// NewCircuitBreaker builds a breaker that only counts transport errors and 5xx responses as failures.
// A 404 for an unknown city must not open the circuit for everyone else.
func NewCircuitBreaker(s BreakerSettings) *gobreaker.CircuitBreaker {
	threshold := s.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openweathermap",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful:  isBreakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.CircuitBreakerTransitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
			observability.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode < 500
	}
	return false
}

func (c *OpenWeatherClient) GetCurrent(ctx context.Context, query string) (CurrentPayload, error) {
	var payload CurrentPayload
	if err := c.call(ctx, "current", "/weather", query, &payload); err != nil {
		return CurrentPayload{}, err
	}
	return payload, nil
}

func (c *OpenWeatherClient) GetForecast(ctx context.Context, query string) (ForecastPayload, error) {
	var payload ForecastPayload
	if err := c.call(ctx, "forecast", "/forecast", query, &payload); err != nil {
		return ForecastPayload{}, err
	}
	return payload, nil
}

func (c *OpenWeatherClient) call(ctx context.Context, endpoint, path, query string, out any) error {
	start := time.Now()

	var (
		body []byte
		err  error
	)
	if c.breaker != nil {
		var res interface{}
		res, err = c.breaker.Execute(func() (interface{}, error) {
			return c.fetch(ctx, path, query)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		if b, ok := res.([]byte); ok {
			body = b
		}
	} else {
		body, err = c.fetch(ctx, path, query)
	}

	duration := time.Since(start).Seconds()
	status := statusLabel(err)
	observability.WeatherAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(endpoint, status).Observe(duration)
	if err != nil {
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(ErrorCategoryParsing)).Inc()
		return fmt.Errorf("parse %s response: %w", endpoint, err)
	}
	return nil
}

func (c *OpenWeatherClient) fetch(ctx context.Context, path, query string) ([]byte, error) {
	req, err := c.buildRequest(ctx, path, query)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, path, query string) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("appid", c.apiKey)
	params.Set("units", "imperial")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// newAPIError maps a provider status code to a sentinel and keeps the body's message.
// OpenWeatherMap error bodies look like {"cod":"404","message":"city not found"}.
func newAPIError(status int, body []byte) *APIError {
	var envelope struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &envelope)

	var sentinel error
	switch status {
	case http.StatusUnauthorized:
		sentinel = ErrInvalidAPIKey
	case http.StatusNotFound:
		sentinel = ErrLocationNotFound
	case http.StatusTooManyRequests:
		sentinel = ErrRateLimited
	default:
		sentinel = ErrUpstreamFailure
	}
	return &APIError{StatusCode: status, Message: envelope.Message, Err: sentinel}
}

func statusLabel(err error) string {
	if err == nil {
		return "success"
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return "error"
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case apiErr.StatusCode >= 500:
		return "server_error"
	case apiErr.StatusCode >= 400:
		return "client_error"
	}
	return "status_" + strconv.Itoa(apiErr.StatusCode)
}
