package models

import "time"

// Band is a point forecast with 68% and 95% intervals in price space.
type Band struct {
	Steps  int     `json:"steps"`
	YHat   float64 `json:"y_hat"`
	Lo68   float64 `json:"pi68_lo"`
	Hi68   float64 `json:"pi68_hi"`
	Lo95   float64 `json:"pi95_lo"`
	Hi95   float64 `json:"pi95_hi"`
	LogStd float64 `json:"y_log_std"`
}

// Prediction is one forecast issued at a candle close for a horizon.
type Prediction struct {
	IssuedAt       int64 `json:"issued_at"` // open time (ms) of the candle that produced it
	HorizonMinutes int   `json:"horizon_minutes"`
	Band
}

// PredictionSet groups the forecasts produced by one closed candle.
type PredictionSet struct {
	Symbol   string       `json:"symbol"`
	IssuedAt int64        `json:"issued_at"`
	Close    float64      `json:"close"`
	Next     Band         `json:"next_candle"`
	Horizons []Prediction `json:"horizons"`
}

// FilterState is the full sufficient statistics of the local linear trend filter.
type FilterState struct {
	Level        float64       `json:"level"`
	Trend        float64       `json:"trend"`
	P            [2][2]float64 `json:"P"`
	Q            [2][2]float64 `json:"Q"`
	R            float64       `json:"R"`
	EwmVarR      float64       `json:"ewm_var_r"`
	EwmVol       float64       `json:"ewm_vol"`
	HalfLife     float64       `json:"half_life"`
	CLevel       float64       `json:"c_level"`
	CTrend       float64       `json:"c_trend"`
	R0Mult       float64       `json:"r0_mult"`
	PrevClose    float64       `json:"prev_close"`
	LastOpenTime int64         `json:"last_open_time"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ModelMetrics summarizes the filter for monitoring.
type ModelMetrics struct {
	Level             float64 `json:"level"`
	TrendPerHour      float64 `json:"trend_per_hour"`
	Volatility        float64 `json:"volatility"`
	HalfLifeMinutes   float64 `json:"half_life_minutes"`
	EwmVolume         float64 `json:"ewm_volume"`
	CovarianceTrace   float64 `json:"covariance_trace"`
	LastOpenTime      int64   `json:"last_open_time"`
	HalfLifeIntervals float64 `json:"half_life_intervals"`
}
