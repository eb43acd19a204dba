package client

// CurrentPayload is the subset of the OpenWeatherMap /weather response the service reads.
type CurrentPayload struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Coord struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	Sys struct {
		Country string `json:"country"`
	} `json:"sys"`
	Main    MainBlock        `json:"main"`
	Wind    WindBlock        `json:"wind"`
	Weather []ConditionBlock `json:"weather"`
}

// ForecastPayload is the 5-day / 3-hour /forecast response.
type ForecastPayload struct {
	List []ForecastItem `json:"list"`
}

// ForecastItem is one 3-hour step. Dt is unix seconds (UTC).
type ForecastItem struct {
	Dt      int64            `json:"dt"`
	Main    MainBlock        `json:"main"`
	Weather []ConditionBlock `json:"weather"`
}

type MainBlock struct {
	Temp     float64 `json:"temp"`
	TempMin  float64 `json:"temp_min"`
	TempMax  float64 `json:"temp_max"`
	Humidity int     `json:"humidity"`
}

type WindBlock struct {
	Speed float64 `json:"speed"`
}

type ConditionBlock struct {
	Main        string `json:"main"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

// Primary returns the first condition block, or a zero value when the provider sent none.
func Primary(conditions []ConditionBlock) ConditionBlock {
	if len(conditions) == 0 {
		return ConditionBlock{}
	}
	return conditions[0]
}
