package models

// Bundle is the combined forecast returned by GET /api/weather.
type Bundle struct {
	Current Current       `json:"current"`
	Hourly  []HourlyEntry `json:"hourly"`
	Daily   []DailyEntry  `json:"daily"`
}

// Current holds present conditions. Temperatures and wind are rounded to whole units.
type Current struct {
	City      string `json:"city"`
	Temp      int    `json:"temp"`
	High      int    `json:"high"`
	Low       int    `json:"low"`
	Wind      int    `json:"wind"`
	Humidity  int    `json:"humidity"`
	Condition string `json:"condition"`
	Icon      string `json:"icon"`
}

// HourlyEntry is one 3-hour forecast step, labelled like "3 PM".
type HourlyEntry struct {
	Time      string `json:"time"`
	Temp      int    `json:"temp"`
	Condition string `json:"condition"`
	Icon      string `json:"icon"`
}

// DailyEntry aggregates all forecast steps sharing a weekday.
type DailyEntry struct {
	Day       string  `json:"day"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Condition string  `json:"condition"`
	Icon      string  `json:"icon"`
}
