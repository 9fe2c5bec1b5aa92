package models

// Requests for the forecast HTTP endpoints.

type HistoryRequest struct {
	Limit int    `query:"limit" json:"limit" default:"100" validate:"gte=1,lte=5000"`
	From  string `query:"from" json:"from"`
	To    string `query:"to" json:"to"`
}

type PredictionsRequest struct {
	Limit int `query:"limit" json:"limit" default:"1" validate:"gte=1,lte=500"`
}

type HalfLifeRequest struct {
	HalfLife float64 `json:"half_life" validate:"required,gt=0,lte=200"`
}
