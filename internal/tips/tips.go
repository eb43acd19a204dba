// Package tips renders the plain-text weather tip for a user's favorite forecast day.
package tips

import (
	"strconv"
	"strings"

	"github.com/kjstillabower/city-weather/internal/forecast"
)

// NoFavoriteDay is returned in place of the day section when no valid day is selected.
const NoFavoriteDay = "No favorite day selected. Click on a day in the forecast to get specific tips!"

// Weather is the forecast bundle as echoed back by the browser. Every field is optional.
type Weather struct {
	Current *Current `json:"current"`
	Daily   []Day    `json:"daily"`
}

type Current struct {
	City      string   `json:"city"`
	Condition string   `json:"condition"`
	Temp      *float64 `json:"temp"`
	Wind      *float64 `json:"wind"`
	Humidity  *float64 `json:"humidity"`
}

type Day struct {
	Day       string  `json:"day"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Condition string  `json:"condition"`
}

// Generate renders the tip. A nil w prints placeholders; a nil, negative or out-of-range
// favoriteDay prints NoFavoriteDay.
func Generate(w *Weather, favoriteDay *int) string {
	var cur Current
	if w != nil && w.Current != nil {
		cur = *w.Current
	}

	var b strings.Builder
	b.WriteString("Weather for " + orDefault(cur.City, "unknown location") + ":\n")
	b.WriteString("Current: " + orDefault(cur.Condition, "unknown") + ", " + number(cur.Temp) + "°F\n")
	b.WriteString("Wind: " + number(cur.Wind) + " mph, Humidity: " + number(cur.Humidity) + "%\n\n")

	day, ok := favorite(w, favoriteDay)
	if !ok {
		b.WriteString(NoFavoriteDay)
		return b.String()
	}

	b.WriteString("Your favorite day (" + day.Day + ") forecast:\n")
	b.WriteString("High: " + strconv.Itoa(forecast.Round(day.High)) + "°F, Low: " + strconv.Itoa(forecast.Round(day.Low)) + "°F\n")
	b.WriteString("Conditions: " + day.Condition + "\n\n")
	b.WriteString(remark(day))
	return b.String()
}

func remark(day Day) string {
	switch {
	case strings.Contains(strings.ToLower(day.Condition), "rain"):
		return "🌧️ Don't forget your umbrella on " + day.Day + "!"
	case day.High > 80:
		return "☀️ " + day.Day + " will be hot - stay hydrated!"
	case day.Low < 32:
		return "❄️ " + day.Day + " will be freezing - bundle up!"
	default:
		return "🌤️ " + day.Day + " looks like a great day to be outside!"
	}
}

func favorite(w *Weather, idx *int) (Day, bool) {
	if w == nil || idx == nil || *idx < 0 || *idx >= len(w.Daily) {
		return Day{}, false
	}
	return w.Daily[*idx], true
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// number prints v without trailing zeros; nil becomes "--".
func number(v *float64) string {
	if v == nil {
		return "--"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
