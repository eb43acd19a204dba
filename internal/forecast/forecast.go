// Package forecast turns raw OpenWeatherMap payloads into the current/hourly/daily shapes
// served by GET /api/weather.
package forecast

import (
	"math"
	"strings"
	"time"

	"github.com/kjstillabower/city-weather/internal/client"
	"github.com/kjstillabower/city-weather/internal/models"
)

const (
	// HourlySteps is how many 3-hour forecast entries make up the hourly strip.
	HourlySteps = 6
	// MaxDays caps the daily forecast.
	MaxDays = 7

	defaultIcon = "cloudy.png"
)

var iconByCode = map[string]string{
	"01d": "clear.png",
	"01n": "clear.png",
	"02d": "partly-cloudy.png",
	"02n": "partly-cloudy.png",
	"03d": "cloudy.png",
	"03n": "cloudy.png",
	"04d": "cloudy.png",
	"04n": "cloudy.png",
	"09d": "rain.png",
	"09n": "rain.png",
	"10d": "rain.png",
	"10n": "rain.png",
	"11d": "thunderstorm.png",
	"11n": "thunderstorm.png",
	"13d": "snow.png",
	"13n": "snow.png",
	"50d": "mist.png",
	"50n": "mist.png",
}

var iconByCondition = map[string]string{
	"clear":        "clear.png",
	"clouds":       "cloudy.png",
	"rain":         "rain.png",
	"drizzle":      "rain.png",
	"thunderstorm": "thunderstorm.png",
	"snow":         "snow.png",
	"mist":         "mist.png",
	"fog":          "mist.png",
	"haze":         "mist.png",
	"smoke":        "mist.png",
	"dust":         "mist.png",
	"sand":         "mist.png",
	"ash":          "mist.png",
	"squall":       "mist.png",
	"tornado":      "mist.png",
}

// Icon maps a provider icon code ("01d", "10n") to a local image file.
// Only exact day/night codes match; anything else gets cloudy.png.
func Icon(code string) string {
	if icon, ok := iconByCode[code]; ok {
		return icon
	}
	return defaultIcon
}

// IconForCondition maps a stored condition group ("Rain", "clouds") to a local image file.
// Used on the cache-hit path, where only the condition string survives.
func IconForCondition(condition string) string {
	if icon, ok := iconByCondition[strings.ToLower(strings.TrimSpace(condition))]; ok {
		return icon
	}
	return defaultIcon
}

// Round rounds to the nearest whole number with halves going up, so -2.5 becomes -2.
func Round(v float64) int {
	return int(math.Floor(v + 0.5))
}

// Current builds the current-conditions block. city is the display name (the normalized query).
func Current(city string, p client.CurrentPayload) models.Current {
	cond := client.Primary(p.Weather)
	return models.Current{
		City:      city,
		Temp:      Round(p.Main.Temp),
		High:      Round(p.Main.TempMax),
		Low:       Round(p.Main.TempMin),
		Wind:      Round(p.Wind.Speed),
		Humidity:  p.Main.Humidity,
		Condition: cond.Main,
		Icon:      Icon(cond.Icon),
	}
}

// Hourly takes the first HourlySteps forecast entries, labelled in loc like "3 PM".
func Hourly(p client.ForecastPayload, loc *time.Location) []models.HourlyEntry {
	n := len(p.List)
	if n > HourlySteps {
		n = HourlySteps
	}
	out := make([]models.HourlyEntry, 0, n)
	for _, item := range p.List[:n] {
		cond := client.Primary(item.Weather)
		out = append(out, models.HourlyEntry{
			Time:      HourLabel(time.Unix(item.Dt, 0), loc),
			Temp:      Round(item.Main.Temp),
			Condition: cond.Main,
			Icon:      Icon(cond.Icon),
		})
	}
	return out
}

// HourLabel formats t in loc as a 12-hour label without minutes: "3 PM", "12 AM".
func HourLabel(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format("3 PM")
}

// Daily groups forecast entries by weekday name in loc. The first entry of each day supplies
// condition and icon; high and low are the running max(temp_max) and min(temp_min).
// Days keep first-seen order and at most MaxDays are returned.
func Daily(p client.ForecastPayload, loc *time.Location) []models.DailyEntry {
	if loc == nil {
		loc = time.Local
	}
	out := make([]models.DailyEntry, 0, MaxDays)
	index := make(map[string]int, MaxDays)
	for _, item := range p.List {
		day := time.Unix(item.Dt, 0).In(loc).Format("Monday")
		if i, ok := index[day]; ok {
			out[i].High = math.Max(out[i].High, item.Main.TempMax)
			out[i].Low = math.Min(out[i].Low, item.Main.TempMin)
			continue
		}
		if len(out) == MaxDays {
			continue
		}
		cond := client.Primary(item.Weather)
		index[day] = len(out)
		out = append(out, models.DailyEntry{
			Day:       day,
			High:      item.Main.TempMax,
			Low:       item.Main.TempMin,
			Condition: cond.Main,
			Icon:      Icon(cond.Icon),
		})
	}
	return out
}
