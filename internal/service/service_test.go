package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/city-weather/internal/cache"
	"github.com/kjstillabower/city-weather/internal/client"
	"github.com/kjstillabower/city-weather/internal/observability"
	"github.com/kjstillabower/city-weather/internal/store"
	"github.com/kjstillabower/city-weather/internal/testhelpers"
)

// stubClient is a WeatherClient that counts calls and returns canned payloads.
type stubClient struct {
	current       client.CurrentPayload
	forecast      client.ForecastPayload
	err           error
	currentCalls  atomic.Int32
	forecastCalls atomic.Int32
	queries       sync.Map
}

func (c *stubClient) GetCurrent(ctx context.Context, query string) (client.CurrentPayload, error) {
	c.currentCalls.Add(1)
	c.queries.Store(query, true)
	if c.err != nil {
		return client.CurrentPayload{}, c.err
	}
	return c.current, nil
}

func (c *stubClient) GetForecast(ctx context.Context, query string) (client.ForecastPayload, error) {
	c.forecastCalls.Add(1)
	if c.err != nil {
		return client.ForecastPayload{}, c.err
	}
	return c.forecast, nil
}

func (c *stubClient) calls() int {
	return int(c.currentCalls.Load() + c.forecastCalls.Load())
}

func newStubClient() *stubClient {
	c := &stubClient{}
	c.current.ID = 4371582
	c.current.Name = "Towson"
	c.current.Sys.Country = "US"
	c.current.Coord.Lat, c.current.Coord.Lon = 39.4, -76.6
	c.current.Main = client.MainBlock{Temp: 71.6, TempMin: 65.4, TempMax: 78.5, Humidity: 40}
	c.current.Wind.Speed = 5.4
	c.current.Weather = []client.ConditionBlock{{Main: "Clouds", Icon: "04d"}}

	start := time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC)
	for i := 0; i < 16; i++ {
		c.forecast.List = append(c.forecast.List, client.ForecastItem{
			Dt:      start.Add(time.Duration(i) * 3 * time.Hour).Unix(),
			Main:    client.MainBlock{Temp: 60, TempMin: 50 + float64(i), TempMax: 70 + float64(i)},
			Weather: []client.ConditionBlock{{Main: "Rain", Icon: "10d"}},
		})
	}
	return c
}

var testNow = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, c client.WeatherClient, st Store, hot cache.Cache) *ForecastService {
	t.Helper()
	svc := NewForecastService(c, st, Options{SnapshotTTL: time.Hour, DisplayLocation: time.UTC, Cache: hot})
	svc.now = func() time.Time { return testNow }
	return svc
}

func TestNormalizeCity(t *testing.T) {
	tests := []struct {
		in        string
		wantQuery string
		wantName  string
		wantKey   string
	}{
		{"", "Towson,US", "Towson", "towson"},
		{"   ", "Towson,US", "Towson", "towson"},
		{"Baltimore", "Baltimore,US", "Baltimore", "baltimore"},
		{"Towson, MD", "Towson,US", "Towson", "towson"},
		{" New York ,NY,US", "New York,US", "New York", "new york"},
		{",MD", "Towson,US", "Towson", "towson"},
	}
	for _, tt := range tests {
		q, n, k := normalizeCity(tt.in)
		if q != tt.wantQuery || n != tt.wantName || k != tt.wantKey {
			t.Errorf("normalizeCity(%q) = (%q, %q, %q), want (%q, %q, %q)", tt.in, q, n, k, tt.wantQuery, tt.wantName, tt.wantKey)
		}
	}
}

// TestGetForecast_MissFetchesAndPersists verifies a miss makes exactly two upstream calls and
// that the snapshot is stored before the response, so the next request makes none.
func TestGetForecast_MissFetchesAndPersists(t *testing.T) {
	st := testhelpers.NewStore(t)
	c := newStubClient()
	svc := newTestService(t, c, st, nil)
	ctx := context.Background()

	got, err := svc.GetForecast(ctx, "Towson, MD", 0)
	if err != nil {
		t.Fatalf("GetForecast() error = %v", err)
	}
	if c.calls() != 2 {
		t.Fatalf("upstream calls = %d, want 2", c.calls())
	}
	if _, ok := c.queries.Load("Towson,US"); !ok {
		t.Error("upstream query should be Towson,US")
	}

	if got.Current.City != "Towson" || got.Current.Temp != 72 || got.Current.High != 79 || got.Current.Low != 65 || got.Current.Wind != 5 {
		t.Errorf("Current = %+v", got.Current)
	}
	if got.Current.Icon != "cloudy.png" {
		t.Errorf("Current.Icon = %q, want cloudy.png", got.Current.Icon)
	}
	if len(got.Hourly) != 6 || got.Hourly[0].Time != "3 PM" {
		t.Errorf("Hourly = %+v", got.Hourly)
	}
	if len(got.Daily) != 3 || got.Daily[0].Day != "Monday" || got.Daily[0].High != 72 || got.Daily[0].Low != 50 {
		t.Errorf("Daily = %+v", got.Daily)
	}

	snap, err := st.LatestValidSnapshot(ctx, "towson", testNow)
	if err != nil {
		t.Fatalf("snapshot not persisted: %v", err)
	}
	if !snap.ExpiresAt.Equal(testNow.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want now+1h", snap.ExpiresAt)
	}
	if snap.CurrentTemp != 71.6 {
		t.Errorf("stored CurrentTemp = %v, want raw 71.6", snap.CurrentTemp)
	}

	again, err := svc.GetForecast(ctx, "towson", 0)
	if err != nil {
		t.Fatalf("second GetForecast() error = %v", err)
	}
	if c.calls() != 2 {
		t.Errorf("upstream calls after cached request = %d, want still 2", c.calls())
	}
	if len(again.Hourly) != 6 || len(again.Daily) != 3 {
		t.Errorf("cached bundle lost forecast lists: %d hourly, %d daily", len(again.Hourly), len(again.Daily))
	}
	if again.Current.City != "towson" || again.Current.Temp != 72 || again.Current.Icon != "cloudy.png" {
		t.Errorf("cached Current = %+v", again.Current)
	}
}

// TestGetForecast_ValidSnapshotNoUpstream verifies a stored unexpired snapshot is served
// without touching the provider.
func TestGetForecast_ValidSnapshotNoUpstream(t *testing.T) {
	st := testhelpers.NewStore(t)
	ctx := context.Background()
	locID, err := st.UpsertLocation(ctx, store.Location{ProviderID: "1", CityName: "Towson", CountryCode: "US"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.InsertSnapshot(ctx, store.Snapshot{
		LocationID: locID, ExpiresAt: testNow.Add(time.Minute),
		CurrentTemp: 33.5, HighTemp: 40.49, LowTemp: 20.5, WindSpeed: 12.2, Humidity: 80,
		Condition:  "Snow",
		HourlyJSON: `[{"time":"3 PM","temp":33,"condition":"Snow","icon":"snow.png"}]`,
		DailyJSON:  `[{"day":"Monday","high":40.49,"low":20.5,"condition":"Snow","icon":"snow.png"}]`,
	}); err != nil {
		t.Fatal(err)
	}

	c := newStubClient()
	svc := newTestService(t, c, st, nil)
	got, err := svc.GetForecast(ctx, "Towson", 0)
	if err != nil {
		t.Fatalf("GetForecast() error = %v", err)
	}
	if c.calls() != 0 {
		t.Errorf("upstream calls = %d, want 0", c.calls())
	}
	if got.Current.Temp != 34 || got.Current.High != 40 || got.Current.Low != 21 || got.Current.Wind != 12 {
		t.Errorf("Current = %+v", got.Current)
	}
	if got.Current.Icon != "snow.png" || got.Current.Humidity != 80 {
		t.Errorf("Current icon/humidity = %q/%d", got.Current.Icon, got.Current.Humidity)
	}
	if len(got.Daily) != 1 || got.Daily[0].High != 40.49 {
		t.Errorf("Daily = %+v", got.Daily)
	}
}

func TestGetForecast_ExpiredSnapshotRefreshes(t *testing.T) {
	st := testhelpers.NewStore(t)
	ctx := context.Background()
	locID, _ := st.UpsertLocation(ctx, store.Location{ProviderID: "4371582", CityName: "Towson"})
	if _, err := st.InsertSnapshot(ctx, store.Snapshot{LocationID: locID, ExpiresAt: testNow}); err != nil {
		t.Fatal(err)
	}

	c := newStubClient()
	svc := newTestService(t, c, st, nil)
	if _, err := svc.GetForecast(ctx, "Towson", 0); err != nil {
		t.Fatalf("GetForecast() error = %v", err)
	}
	if c.calls() != 2 {
		t.Errorf("upstream calls = %d, want 2 for expired snapshot", c.calls())
	}
}

// TestGetForecast_MalformedStoredJSON verifies bad stored lists become empty lists.
func TestGetForecast_MalformedStoredJSON(t *testing.T) {
	st := testhelpers.NewStore(t)
	ctx := context.Background()
	locID, _ := st.UpsertLocation(ctx, store.Location{ProviderID: "1", CityName: "Towson"})
	if _, err := st.InsertSnapshot(ctx, store.Snapshot{
		LocationID: locID, ExpiresAt: testNow.Add(time.Hour), Condition: "Clear",
		HourlyJSON: `{not json`, DailyJSON: `null`,
	}); err != nil {
		t.Fatal(err)
	}

	core, logs := observer.New(zap.WarnLevel)
	svc := newTestService(t, newStubClient(), st, nil)
	svc.logger = zap.New(core)

	got, err := svc.GetForecast(ctx, "Towson", 0)
	if err != nil {
		t.Fatalf("GetForecast() error = %v", err)
	}
	if got.Hourly == nil || len(got.Hourly) != 0 {
		t.Errorf("Hourly = %#v, want empty non-nil", got.Hourly)
	}
	if got.Daily == nil || len(got.Daily) != 0 {
		t.Errorf("Daily = %#v, want empty non-nil", got.Daily)
	}
	if logs.FilterMessage("malformed cached forecast").Len() == 0 {
		t.Error("expected a warning for malformed stored JSON")
	}
}

func TestGetForecast_UpstreamFailure(t *testing.T) {
	st := testhelpers.NewStore(t)
	c := newStubClient()
	c.err = &client.APIError{StatusCode: 404, Message: "city not found", Err: client.ErrLocationNotFound}
	svc := newTestService(t, c, st, nil)
	ctx := context.Background()

	_, err := svc.GetForecast(ctx, "Atlantis", 0)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("error = %v, want ErrUpstream", err)
	}
	if !errors.Is(err, client.ErrLocationNotFound) {
		t.Errorf("error = %v, want wrapped ErrLocationNotFound", err)
	}
	if got := client.ProviderMessage(err); got != "city not found" {
		t.Errorf("ProviderMessage() = %q, want city not found", got)
	}
	if _, err := st.LatestValidSnapshot(ctx, "atlantis", testNow); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("failed fetch must not persist anything, got %v", err)
	}
}

// TestGetForecast_TracksSearches verifies searches are recorded on both paths and skipped
// for user id 0.
func TestGetForecast_TracksSearches(t *testing.T) {
	st := testhelpers.NewStore(t)
	ctx := context.Background()
	uid, err := st.CreateUser(ctx, "sid-1")
	if err != nil {
		t.Fatal(err)
	}
	svc := newTestService(t, newStubClient(), st, nil)

	if _, err := svc.GetForecast(ctx, "Towson", uid); err != nil { // miss
		t.Fatal(err)
	}
	if _, err := svc.GetForecast(ctx, "Towson", uid); err != nil { // store hit
		t.Fatal(err)
	}
	if _, err := svc.GetForecast(ctx, "Towson", 0); err != nil {
		t.Fatal(err)
	}
	svc.Wait()

	n, err := st.CountSearches(ctx, uid)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("recorded searches = %d, want 2", n)
	}
}

// countingStore wraps a Store and counts snapshot lookups.
type countingStore struct {
	Store
	lookups   atomic.Int32
	lookErr   error
	saveErr   error
	searchErr error
}

func (s *countingStore) RecordSearch(ctx context.Context, userID, locationID int64, at time.Time) error {
	if s.searchErr != nil {
		return s.searchErr
	}
	return s.Store.RecordSearch(ctx, userID, locationID, at)
}

func (s *countingStore) LatestValidSnapshot(ctx context.Context, city string, now time.Time) (store.Snapshot, error) {
	s.lookups.Add(1)
	if s.lookErr != nil {
		return store.Snapshot{}, s.lookErr
	}
	return s.Store.LatestValidSnapshot(ctx, city, now)
}

func (s *countingStore) InsertSnapshot(ctx context.Context, snap store.Snapshot) (int64, error) {
	if s.saveErr != nil {
		return 0, s.saveErr
	}
	return s.Store.InsertSnapshot(ctx, snap)
}

func TestGetForecast_HotCacheSkipsStore(t *testing.T) {
	st := &countingStore{Store: testhelpers.NewStore(t)}
	hot, err := cache.NewLRUCache(16)
	if err != nil {
		t.Fatal(err)
	}
	c := newStubClient()
	svc := newTestService(t, c, st, hot)
	svc.now = time.Now
	ctx := context.Background()

	if _, err := svc.GetForecast(ctx, "Towson", 0); err != nil {
		t.Fatal(err)
	}
	got, err := svc.GetForecast(ctx, "TOWSON", 0)
	if err != nil {
		t.Fatal(err)
	}
	if st.lookups.Load() != 1 {
		t.Errorf("store lookups = %d, want 1 (second served from hot cache)", st.lookups.Load())
	}
	if c.calls() != 2 {
		t.Errorf("upstream calls = %d, want 2", c.calls())
	}
	if got.Current.City != "TOWSON" || len(got.Hourly) != 6 {
		t.Errorf("hot cache bundle = %+v", got.Current)
	}
}

// TestGetForecast_ExpiredHotEntryFallsThrough verifies the hot layer obeys snapshot expiry.
func TestGetForecast_ExpiredHotEntryFallsThrough(t *testing.T) {
	st := &countingStore{Store: testhelpers.NewStore(t)}
	hot := &staticCache{entry: cache.Entry{LocationID: 1, ExpiresAt: testNow}}
	c := newStubClient()
	svc := newTestService(t, c, st, hot)

	if _, err := svc.GetForecast(context.Background(), "Towson", 0); err != nil {
		t.Fatal(err)
	}
	if st.lookups.Load() != 1 || c.calls() != 2 {
		t.Errorf("lookups=%d calls=%d, want 1 and 2", st.lookups.Load(), c.calls())
	}
}

func TestGetForecast_HotCacheErrorsAreNotFatal(t *testing.T) {
	st := testhelpers.NewStore(t)
	hot := &staticCache{err: errors.New("connection refused")}
	svc := newTestService(t, newStubClient(), st, hot)

	if _, err := svc.GetForecast(context.Background(), "Towson", 0); err != nil {
		t.Fatalf("GetForecast() error = %v, want hot cache failure ignored", err)
	}
}

func TestGetForecast_StoreErrors(t *testing.T) {
	ctx := context.Background()

	lookup := &countingStore{Store: testhelpers.NewStore(t), lookErr: errors.New("disk I/O error")}
	c := newStubClient()
	if _, err := newTestService(t, c, lookup, nil).GetForecast(ctx, "Towson", 0); err == nil {
		t.Error("lookup failure should fail the request")
	}
	if c.calls() != 0 {
		t.Errorf("upstream calls = %d after lookup failure, want 0", c.calls())
	}

	save := &countingStore{Store: testhelpers.NewStore(t), saveErr: errors.New("disk full")}
	if _, err := newTestService(t, newStubClient(), save, nil).GetForecast(ctx, "Towson", 0); err == nil {
		t.Error("snapshot persistence failure should fail the request")
	}
}

type staticCache struct {
	entry cache.Entry
	err   error
}

func (c *staticCache) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	if c.err != nil {
		return cache.Entry{}, false, c.err
	}
	return c.entry, true, nil
}

func (c *staticCache) Set(ctx context.Context, key string, e cache.Entry) error {
	return c.err
}

func (c *staticCache) Ping(ctx context.Context) error {
	return c.err
}

func (c *staticCache) Close() error {
	return nil
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

// TestGetForecast_SearchTrackingFailuresAreNotFatal verifies a failed search insert is
// logged and counted on the miss path and on the async hit path, never returned.
func TestGetForecast_SearchTrackingFailuresAreNotFatal(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	st := &countingStore{Store: testhelpers.NewStore(t), searchErr: errors.New("foreign key violation")}
	svc := NewForecastService(newStubClient(), st, Options{DisplayLocation: time.UTC, Logger: zap.New(core)})
	svc.now = func() time.Time { return testNow }
	ctx := context.Background()
	before := counterValue(t, observability.SearchTrackingFailuresTotal)

	if _, err := svc.GetForecast(ctx, "Towson", 7); err != nil { // miss
		t.Fatalf("miss: GetForecast() error = %v", err)
	}
	if _, err := svc.GetForecast(ctx, "Towson", 7); err != nil { // store hit
		t.Fatalf("hit: GetForecast() error = %v", err)
	}
	svc.Wait()

	if got := counterValue(t, observability.SearchTrackingFailuresTotal) - before; got != 2 {
		t.Errorf("searchTrackingFailuresTotal delta = %v, want 2", got)
	}
	if n := logs.FilterMessage("failed to record search").Len(); n != 2 {
		t.Errorf("failed to record search logged %d times, want 2", n)
	}
}

// barrierClient only lets each upstream call return once the other one has started,
// so sequential calls time out.
type barrierClient struct {
	*stubClient
	currentStarted  chan struct{}
	forecastStarted chan struct{}
}

func newBarrierClient() *barrierClient {
	return &barrierClient{
		stubClient:      newStubClient(),
		currentStarted:  make(chan struct{}),
		forecastStarted: make(chan struct{}),
	}
}

func awaitStart(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
		return errors.New("other upstream call never started")
	}
}

func (c *barrierClient) GetCurrent(ctx context.Context, query string) (client.CurrentPayload, error) {
	close(c.currentStarted)
	if err := awaitStart(ctx, c.forecastStarted); err != nil {
		return client.CurrentPayload{}, err
	}
	return c.stubClient.GetCurrent(ctx, query)
}

func (c *barrierClient) GetForecast(ctx context.Context, query string) (client.ForecastPayload, error) {
	close(c.forecastStarted)
	if err := awaitStart(ctx, c.currentStarted); err != nil {
		return client.ForecastPayload{}, err
	}
	return c.stubClient.GetForecast(ctx, query)
}

// TestGetForecast_UpstreamCallsRunConcurrently verifies current and forecast are in flight
// at the same time on a miss.
func TestGetForecast_UpstreamCallsRunConcurrently(t *testing.T) {
	c := newBarrierClient()
	svc := newTestService(t, c, testhelpers.NewStore(t), nil)

	if _, err := svc.GetForecast(context.Background(), "Towson", 0); err != nil {
		t.Fatalf("GetForecast() error = %v, want both calls overlapping", err)
	}
	if c.calls() != 2 {
		t.Errorf("upstream calls = %d, want 2", c.calls())
	}
}

// TestGetForecast_IconByLayer pins where the current icon comes from: the provider code on
// a miss and a hot hit, the stored condition on a store hit.
func TestGetForecast_IconByLayer(t *testing.T) {
	ctx := context.Background()
	st := testhelpers.NewStore(t)
	c := newStubClient()
	c.current.Weather = []client.ConditionBlock{{Main: "Clouds", Icon: "02d"}}

	hot, err := cache.NewLRUCache(16)
	if err != nil {
		t.Fatal(err)
	}
	withHot := newTestService(t, c, st, hot)
	withHot.now = time.Now

	miss, err := withHot.GetForecast(ctx, "Towson", 0)
	if err != nil {
		t.Fatal(err)
	}
	hit, err := withHot.GetForecast(ctx, "Towson", 0)
	if err != nil {
		t.Fatal(err)
	}
	if miss.Current.Icon != "partly-cloudy.png" || hit.Current.Icon != "partly-cloudy.png" {
		t.Errorf("miss/hot icons = %q/%q, want partly-cloudy.png", miss.Current.Icon, hit.Current.Icon)
	}

	storeOnly := newTestService(t, c, st, nil)
	storeOnly.now = time.Now
	fromStore, err := storeOnly.GetForecast(ctx, "Towson", 0)
	if err != nil {
		t.Fatal(err)
	}
	if fromStore.Current.Icon != "cloudy.png" {
		t.Errorf("store hit icon = %q, want cloudy.png from condition Clouds", fromStore.Current.Icon)
	}
	if c.calls() != 2 {
		t.Errorf("upstream calls = %d, want 2", c.calls())
	}
}
