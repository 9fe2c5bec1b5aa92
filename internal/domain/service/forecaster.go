package service

import "CandleCast/internal/domain/models"

// Forecaster is a stateful per-candle price model.
type Forecaster interface {
	Initialize(candles []models.Candle) error
	Initialized() bool
	// Update ingests one closed candle and returns the next-interval band.
	Update(c models.Candle) (models.Band, error)
	// Forecast returns the band n intervals ahead of the last update.
	Forecast(n int) (models.Band, error)
	StepsFor(minutes int) int
	LastOpenTime() int64

	SetHalfLife(h float64) error
	HalfLife() float64

	Snapshot() models.FilterState
	Restore(st models.FilterState) error
	Metrics() models.ModelMetrics
}
