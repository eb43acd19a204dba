package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from .env, YAML and env.
type Config struct {
	ServerPort     string `validate:"required,numeric"`
	StaticDir      string
	AllowedOrigins []string
	SecureCookies  bool
	SessionSecret  string

	WeatherAPIKey     string        `validate:"required"`
	WeatherAPIURL     string        `validate:"required,url"`
	WeatherAPITimeout time.Duration `validate:"gt=0"`

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold uint32
	CircuitBreakerTimeout          time.Duration

	RequestTimeout time.Duration `validate:"gt=0"`
	RateLimitRPS   int           `validate:"gte=0"`
	RateLimitBurst int           `validate:"gte=0"`
	MaxCityLength  int           `validate:"gt=0"`

	CitiesPath string

	SnapshotTTL     time.Duration `validate:"gt=0"`
	DisplayTimezone string
	DisplayLocation *time.Location `validate:"required"`

	DatabaseDriver string        `validate:"oneof=sqlite3 postgres"`
	DatabaseDSN    string        `validate:"required"`
	Retention      time.Duration `validate:"gt=0"`
	PruneInterval  time.Duration `validate:"gt=0"`

	CacheBackend          string `validate:"oneof=none in_memory memcached redis"`
	CacheSize             int    `validate:"gt=0"`
	MemcachedAddrs        string `validate:"required_if=CacheBackend memcached"`
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	RedisAddr             string `validate:"required_if=CacheBackend redis"`
	RedisPassword         string
	RedisDB               int `validate:"gte=0"`

	WarmCache     bool
	WarmInterval  time.Duration
	TrackedCities []string

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	DegradedWindow   time.Duration
	DegradedErrorPct int `validate:"gte=0,lte=100"`
}

type fileConfig struct {
	Server struct {
		Port           string   `yaml:"port"`
		StaticDir      string   `yaml:"static_dir"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		SecureCookies  bool     `yaml:"secure_cookies"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL            string `yaml:"url"`
		Timeout        string `yaml:"timeout"`
		CircuitBreaker struct {
			Enabled          bool   `yaml:"enabled"`
			FailureThreshold uint32 `yaml:"failure_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout        string `yaml:"timeout"`
		RateLimitRPS   int    `yaml:"rate_limit_rps"`
		RateLimitBurst int    `yaml:"rate_limit_burst"`
		MaxCityLength  int    `yaml:"max_city_length"`
	} `yaml:"request"`

	Cities struct {
		Path string `yaml:"path"`
	} `yaml:"cities"`

	Forecast struct {
		SnapshotTTL string `yaml:"snapshot_ttl"`
		Timezone    string `yaml:"timezone"`
	} `yaml:"forecast"`

	Store struct {
		Driver        string `yaml:"driver"`
		DSN           string `yaml:"dsn"`
		Retention     string `yaml:"retention"`
		PruneInterval string `yaml:"prune_interval"`
	} `yaml:"store"`

	Cache struct {
		Backend   string `yaml:"backend"`
		Size      int    `yaml:"size"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			Addr string `yaml:"addr"`
			DB   int    `yaml:"db"`
		} `yaml:"redis"`
		Warm          bool     `yaml:"warm"`
		WarmInterval  string   `yaml:"warm_interval"`
		TrackedCities []string `yaml:"tracked_cities"`
	} `yaml:"cache"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Health struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct *int   `yaml:"degraded_error_pct"`
	} `yaml:"health"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
	SessionSecret string `yaml:"session_secret"`
	DatabaseDSN   string `yaml:"database_dsn"`
	RedisPassword string `yaml:"redis_password"`
}

var validate = validator.New()

// Load reads configuration relative to the working directory. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom loads dir/.env (when present) into the environment, then reads
// dir/config/{ENV_NAME}.yaml (default dev) and dir/config/secrets.yaml. Environment
// variables override both files.
func LoadFrom(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(dir, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	var sec secretsFile
	secretsData, err := os.ReadFile(filepath.Join(dir, "config", "secrets.yaml"))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(secretsData, &sec); err != nil {
			return nil, fmt.Errorf("parse secrets file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read secrets file: %w", err)
	}

	cfg := build(&fc, &sec)
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("OPENWEATHER_API_KEY required (set env or config/secrets.yaml weather_api_key)")
	}

	loc, err := time.LoadLocation(cfg.DisplayTimezone)
	if err != nil {
		return nil, fmt.Errorf("forecast.timezone %q: %w", cfg.DisplayTimezone, err)
	}
	cfg.DisplayLocation = loc

	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// build merges file values, secrets, env overrides and defaults.
func build(fc *fileConfig, sec *secretsFile) *Config {
	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "3000")
	cfg.StaticDir = firstNonEmpty(fc.Server.StaticDir, "public")
	cfg.AllowedOrigins = fc.Server.AllowedOrigins
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	cfg.SecureCookies = fc.Server.SecureCookies
	cfg.SessionSecret = firstNonEmpty(os.Getenv("SESSION_SECRET"), sec.SessionSecret)

	cfg.WeatherAPIKey = firstNonEmpty(os.Getenv("OPENWEATHER_API_KEY"), os.Getenv("WEATHER_API_KEY"), sec.WeatherAPIKey)
	cfg.WeatherAPIURL = firstNonEmpty(fc.WeatherAPI.URL, "https://api.openweathermap.org/data/2.5")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)
	cfg.CircuitBreakerEnabled = fc.WeatherAPI.CircuitBreaker.Enabled
	cfg.CircuitBreakerFailureThreshold = fc.WeatherAPI.CircuitBreaker.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold == 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerTimeout = parseDuration(fc.WeatherAPI.CircuitBreaker.Timeout, 30*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)
	cfg.RateLimitRPS = fc.Request.RateLimitRPS
	cfg.RateLimitBurst = fc.Request.RateLimitBurst
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = cfg.RateLimitRPS * 2
	}
	cfg.MaxCityLength = fc.Request.MaxCityLength
	if cfg.MaxCityLength <= 0 {
		cfg.MaxCityLength = 100
	}

	cfg.CitiesPath = firstNonEmpty(os.Getenv("CITIES_PATH"), fc.Cities.Path)

	cfg.SnapshotTTL = parseDuration(fc.Forecast.SnapshotTTL, time.Hour)
	cfg.DisplayTimezone = firstNonEmpty(os.Getenv("TZ_DISPLAY"), fc.Forecast.Timezone, "Local")

	cfg.DatabaseDriver = strings.ToLower(firstNonEmpty(os.Getenv("DATABASE_DRIVER"), fc.Store.Driver, "sqlite3"))
	cfg.DatabaseDSN = firstNonEmpty(os.Getenv("DATABASE_DSN"), sec.DatabaseDSN, fc.Store.DSN, "weather.db")
	cfg.Retention = parseDuration(fc.Store.Retention, 24*time.Hour)
	cfg.PruneInterval = parseDuration(fc.Store.PruneInterval, 30*time.Minute)

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory")))
	cfg.CacheSize = fc.Cache.Size
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	cfg.MemcachedAddrs = strings.TrimSpace(firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs))
	if cfg.MemcachedAddrs == "" && cfg.CacheBackend == "memcached" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.RedisAddr = strings.TrimSpace(firstNonEmpty(os.Getenv("REDIS_ADDR"), fc.Cache.Redis.Addr))
	if cfg.RedisAddr == "" && cfg.CacheBackend == "redis" {
		cfg.RedisAddr = "localhost:6379"
	}
	cfg.RedisPassword = firstNonEmpty(os.Getenv("REDIS_PASSWORD"), sec.RedisPassword)
	cfg.RedisDB = fc.Cache.Redis.DB
	cfg.WarmCache = fc.Cache.Warm
	cfg.WarmInterval = parseDuration(fc.Cache.WarmInterval, 50*time.Minute)
	cfg.TrackedCities = fc.Cache.TrackedCities

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, time.Minute)
	cfg.DegradedErrorPct = 50
	if fc.Health.DegradedErrorPct != nil {
		cfg.DegradedErrorPct = *fc.Health.DegradedErrorPct
	}
	return cfg
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.ServerPort
}

// RateLimitEnabled reports whether the /api rate limiter should be installed.
func (c *Config) RateLimitEnabled() bool {
	return c.RateLimitRPS > 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is so validation can reject them.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// String renders the non-secret settings for the startup log.
func (c *Config) String() string {
	return "port=" + c.ServerPort +
		" driver=" + c.DatabaseDriver +
		" cache=" + c.CacheBackend +
		" ttl=" + c.SnapshotTTL.String() +
		" tz=" + c.DisplayTimezone +
		" rate_limit_rps=" + strconv.Itoa(c.RateLimitRPS)
}
