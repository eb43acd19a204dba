package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// FakeWeatherAPI is an httptest server answering /weather and /forecast like OpenWeatherMap.
// Cities not in Known get a 404 with the provider's "city not found" body.
type FakeWeatherAPI struct {
	*httptest.Server
	Known map[string]bool

	currentCalls  atomic.Int32
	forecastCalls atomic.Int32
}

// NewFakeWeatherAPI starts a fake provider that knows Towson and Baltimore.
func NewFakeWeatherAPI(t testing.TB) *FakeWeatherAPI {
	t.Helper()
	f := &FakeWeatherAPI{Known: map[string]bool{"towson": true, "baltimore": true}}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

// Calls returns how many current and forecast requests were served.
func (f *FakeWeatherAPI) Calls() (current, forecast int) {
	return int(f.currentCalls.Load()), int(f.forecastCalls.Load())
}

func (f *FakeWeatherAPI) serve(w http.ResponseWriter, r *http.Request) {
	city, _, _ := strings.Cut(r.URL.Query().Get("q"), ",")
	switch r.URL.Path {
	case "/weather":
		f.currentCalls.Add(1)
	case "/forecast":
		f.forecastCalls.Add(1)
	default:
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if !f.Known[strings.ToLower(city)] {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"cod":"404","message":"city not found"}`))
		return
	}
	if r.URL.Path == "/weather" {
		_ = json.NewEncoder(w).Encode(currentFor(city))
		return
	}
	_ = json.NewEncoder(w).Encode(forecastFrom(time.Now().Truncate(3 * time.Hour)))
}

func currentFor(city string) map[string]any {
	id := 4371582
	if strings.EqualFold(city, "baltimore") {
		id = 4347778
	}
	return map[string]any{
		"id":      id,
		"name":    city,
		"coord":   map[string]any{"lat": 39.4, "lon": -76.6},
		"sys":     map[string]any{"country": "US"},
		"main":    map[string]any{"temp": 71.6, "temp_min": 65.2, "temp_max": 78.5, "humidity": 40},
		"wind":    map[string]any{"speed": 5.4},
		"weather": []map[string]any{{"main": "Clouds", "description": "broken clouds", "icon": "04d"}},
	}
}

func forecastFrom(start time.Time) map[string]any {
	list := make([]map[string]any, 0, 40)
	for i := 0; i < 40; i++ {
		list = append(list, map[string]any{
			"dt":      start.Add(time.Duration(i) * 3 * time.Hour).Unix(),
			"main":    map[string]any{"temp": 60 + float64(i%8), "temp_min": 55 + float64(i%8), "temp_max": 65 + float64(i%8)},
			"weather": []map[string]any{{"main": "Rain", "icon": "10d"}},
		})
	}
	return map[string]any{"list": list}
}
