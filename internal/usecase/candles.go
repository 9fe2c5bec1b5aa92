package usecase

import (
	"context"
	"fmt"
	"time"

	"CandleCast/internal/domain/models"
	domrepo "CandleCast/internal/domain/repository"
)

const maxHistoryLimit = 5000

// CandlesUseCase serves read queries over the candle store.
type CandlesUseCase struct {
	store  domrepo.CandleStore
	symbol string
	iv     models.Interval
}

func NewCandlesUseCase(store domrepo.CandleStore, symbol string, iv models.Interval) *CandlesUseCase {
	return &CandlesUseCase{store: store, symbol: symbol, iv: iv}
}

type GetCandlesParams struct {
	From  time.Time
	To    time.Time
	Limit int
}

type GetCandlesResult struct {
	Symbol   string          `json:"symbol"`
	Interval string          `json:"interval"`
	Count    int             `json:"count"`
	Candles  []models.Candle `json:"candles"`
}

// GetCandles returns the newest Limit candles, optionally within [From, To).
func (uc *CandlesUseCase) GetCandles(ctx context.Context, p GetCandlesParams) (*GetCandlesResult, error) {
	if p.Limit <= 0 {
		p.Limit = 100
	}
	if p.Limit > maxHistoryLimit {
		p.Limit = maxHistoryLimit
	}

	var (
		candles []models.Candle
		err     error
	)
	if p.From.IsZero() && p.To.IsZero() {
		candles, err = uc.store.Recent(ctx, p.Limit)
	} else {
		if p.To.IsZero() {
			p.To = time.Now()
		}
		if p.From.After(p.To) {
			return nil, fmt.Errorf("from must be <= to")
		}
		candles, err = uc.store.Range(ctx, p.From.UnixMilli(), p.To.UnixMilli())
		if len(candles) > p.Limit {
			candles = candles[len(candles)-p.Limit:]
		}
	}
	if err != nil {
		return nil, fmt.Errorf("get candles: %w", err)
	}

	return &GetCandlesResult{
		Symbol:   uc.symbol,
		Interval: uc.iv.Duration().String(),
		Count:    len(candles),
		Candles:  candles,
	}, nil
}

// Latest returns the newest stored candle.
func (uc *CandlesUseCase) Latest(ctx context.Context) (models.Candle, error) {
	c, err := uc.store.Recent(ctx, 1)
	if err != nil {
		return models.Candle{}, fmt.Errorf("latest candle: %w", err)
	}
	if len(c) == 0 {
		return models.Candle{}, models.ErrNoCandles
	}
	return c[0], nil
}

type ContinuityReport struct {
	Count      int64        `json:"count"`
	Latest     int64        `json:"latest,omitempty"`
	Contiguous bool         `json:"contiguous"`
	Gaps       []models.Gap `json:"gaps"`
	Missing    int64        `json:"missing"`
}

func (uc *CandlesUseCase) Continuity(ctx context.Context) (*ContinuityReport, error) {
	n, err := uc.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count candles: %w", err)
	}
	gaps, err := uc.store.ScanContinuity(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan continuity: %w", err)
	}
	rep := &ContinuityReport{Count: n, Contiguous: len(gaps) == 0, Gaps: gaps}
	if rep.Gaps == nil {
		rep.Gaps = []models.Gap{}
	}
	for _, g := range gaps {
		rep.Missing += g.Missing
	}
	if latest, ok, err := uc.store.Latest(ctx); err != nil {
		return nil, fmt.Errorf("read latest: %w", err)
	} else if ok {
		rep.Latest = latest
	}
	return rep, nil
}
