package repository

import (
	"context"

	"CandleCast/internal/domain/models"
)

// CandleStore is the durable, idempotent table of closed candles keyed by open time.
type CandleStore interface {
	Upsert(ctx context.Context, c models.Candle) error
	UpsertBatch(ctx context.Context, candles []models.Candle) error
	// Latest returns the max stored open time; ok is false when the store is empty.
	Latest(ctx context.Context) (openTime int64, ok bool, err error)
	Count(ctx context.Context) (int64, error)
	ScanContinuity(ctx context.Context) ([]models.Gap, error)
	// Recent returns up to limit newest candles in ascending order.
	Recent(ctx context.Context, limit int) ([]models.Candle, error)
	// Range returns candles with from <= open time < to, ascending.
	Range(ctx context.Context, from, to int64) ([]models.Candle, error)
}

// FilterStateStore persists forecast filter snapshots; the newest row is current.
type FilterStateStore interface {
	SaveState(ctx context.Context, st models.FilterState) error
	// LatestState returns nil, nil when nothing was saved yet.
	LatestState(ctx context.Context) (*models.FilterState, error)
}

// PredictionStore persists prediction sets keyed by (issue time, horizon).
type PredictionStore interface {
	SavePredictions(ctx context.Context, set *models.PredictionSet) error
	LatestPredictions(ctx context.Context, issues int) ([]models.Prediction, error)
}

// Store bundles the persisted layout of one backend.
type Store interface {
	CandleStore
	FilterStateStore
	PredictionStore
	Health(ctx context.Context) error
	Close() error
}

// KlineSource fetches closed historical candles from the upstream REST API.
// On failure it returns the candles fetched so far together with the error.
type KlineSource interface {
	FetchRange(ctx context.Context, start, end int64) ([]models.Candle, error)
}

// KlineStream is the push stream of candle events.
type KlineStream interface {
	Connect(ctx context.Context) error
	Read(ctx context.Context) (<-chan *models.KlineEvent, <-chan error)
	Close() error
	IsConnected() bool
}

// PredictionSink receives every prediction set after it is persisted.
type PredictionSink interface {
	Publish(ctx context.Context, set *models.PredictionSet) error
	Close() error
}

type Metrics interface {
	RecordCandles(source string, n int)
	RecordGap(missing int64)
	RecordBackfill(result string, candles int)
	RecordStreamState(state string)
	RecordReconnect()
	RecordError(kind string)
	RecordLastPrice(price float64)
	RecordForecast(horizonMinutes int, yHat float64)
	RecordLatency(op string, seconds float64)
}
