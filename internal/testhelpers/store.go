// Package testhelpers builds real dependencies for package tests: a migrated sqlite store
// and a fake OpenWeatherMap server.
package testhelpers

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kjstillabower/city-weather/internal/store"
)

// NewStore opens a migrated sqlite store in a temp dir and closes it when the test ends.
func NewStore(t testing.TB) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "weather.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return s
}
