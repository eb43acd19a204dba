// Package store persists cached locations, weather snapshots, session users and search
// history in a relational database (postgres or sqlite3).
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// ErrNotFound is returned when no row matches, e.g. no unexpired snapshot for a city.
var ErrNotFound = errors.New("not found")

//go:embed migrations
var migrations embed.FS

// Location is a provider-resolved city. Unique on ProviderID; never updated once written.
type Location struct {
	ID          int64
	ProviderID  string
	CityName    string
	CountryCode string
	Latitude    float64
	Longitude   float64
}

// Snapshot is one cached weather payload. Rows are append-only; only the newest unexpired
// snapshot for a city is ever read.
type Snapshot struct {
	ID          int64
	LocationID  int64
	ExpiresAt   time.Time
	CurrentTemp float64
	HighTemp    float64
	LowTemp     float64
	WindSpeed   float64
	Humidity    int
	Condition   string
	HourlyJSON  string
	DailyJSON   string
	CreatedAt   time.Time
}

type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to dsn with the named driver and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one writer at a time; avoids SQLITE_BUSY under concurrent requests
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return New(db, driver), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// Migrate applies the embedded goose migrations for the store's dialect.
func (s *Store) Migrate(ctx context.Context) error {
	dialect := database.DialectPostgres
	if s.driver == DriverSQLite {
		dialect = database.DialectSQLite3
	}
	dir, err := fs.Sub(migrations, "migrations/"+s.driver)
	if err != nil {
		return fmt.Errorf("migrations for %s: %w", s.driver, err)
	}
	provider, err := goose.NewProvider(dialect, s.db, dir)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// dbTime normalizes timestamps so sqlite's text comparison orders them correctly.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// LatestValidSnapshot returns the snapshot with the latest expiry for a city whose name matches
// case-insensitively and whose expiry is after now. ErrNotFound when none is valid.
func (s *Store) LatestValidSnapshot(ctx context.Context, city string, now time.Time) (Snapshot, error) {
	query := `
		SELECT cw.weather_id, cw.location_id, cw.expires_at,
			cw.current_temp, cw.high_temp, cw.low_temp, cw.wind_speed, cw.humidity,
			cw.weather_condition, cw.hourly_data, cw.daily_forecast, cw.created_at
		FROM cached_weather cw
		JOIN cached_locations cl ON cl.location_id = cw.location_id
		WHERE LOWER(cl.city_name) = LOWER($1) AND cw.expires_at > $2
		ORDER BY cw.expires_at DESC
		LIMIT 1`

	var (
		snap   Snapshot
		hourly sql.NullString
		daily  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, city, dbTime(now)).Scan(
		&snap.ID, &snap.LocationID, &snap.ExpiresAt,
		&snap.CurrentTemp, &snap.HighTemp, &snap.LowTemp, &snap.WindSpeed, &snap.Humidity,
		&snap.Condition, &hourly, &daily, &snap.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("query latest snapshot: %w", err)
	}
	snap.HourlyJSON = hourly.String
	snap.DailyJSON = daily.String
	return snap, nil
}

// UpsertLocation inserts loc unless its ProviderID already exists and returns the row id either way.
// Existing rows are never modified.
func (s *Store) UpsertLocation(ctx context.Context, loc Location) (int64, error) {
	insert := `
		INSERT INTO cached_locations (openweather_id, city_name, country_code, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (openweather_id) DO NOTHING
		RETURNING location_id`

	var id int64
	err := s.db.QueryRowContext(ctx, insert,
		loc.ProviderID, loc.CityName, loc.CountryCode, loc.Latitude, loc.Longitude,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("insert location: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT location_id FROM cached_locations WHERE openweather_id = $1`, loc.ProviderID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("select location %s: %w", loc.ProviderID, err)
	}
	return id, nil
}

// InsertSnapshot appends a snapshot and returns its id.
func (s *Store) InsertSnapshot(ctx context.Context, snap Snapshot) (int64, error) {
	query := `
		INSERT INTO cached_weather (
			location_id, expires_at, current_temp, high_temp, low_temp,
			weather_condition, wind_speed, humidity, hourly_data, daily_forecast
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING weather_id`

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		snap.LocationID, dbTime(snap.ExpiresAt), snap.CurrentTemp, snap.HighTemp, snap.LowTemp,
		snap.Condition, snap.WindSpeed, snap.Humidity, nullString(snap.HourlyJSON), nullString(snap.DailyJSON),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return id, nil
}

// CreateUser inserts a users row for a new session and returns its id.
func (s *Store) CreateUser(ctx context.Context, sessionID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (session_id) VALUES ($1) RETURNING user_id`, sessionID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

// RecordSearch appends a search history row.
func (s *Store) RecordSearch(ctx context.Context, userID, locationID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_searches (user_id, location_id, searched_at) VALUES ($1, $2, $3)`,
		userID, locationID, dbTime(at),
	)
	if err != nil {
		return fmt.Errorf("insert search: %w", err)
	}
	return nil
}

// PruneSnapshots deletes snapshots that expired before cutoff and reports how many were removed.
// Callers pass a cutoff in the past, so valid snapshots are never touched.
func (s *Store) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_weather WHERE expires_at < $1`, dbTime(before),
	)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: rows affected: %w", err)
	}
	return n, nil
}

// CountSearches reports how many searches a user has recorded.
func (s *Store) CountSearches(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_searches WHERE user_id = $1`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count searches: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
