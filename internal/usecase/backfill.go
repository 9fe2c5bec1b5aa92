package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"CandleCast/internal/domain/models"
	drepo "CandleCast/internal/domain/repository"
	applogger "CandleCast/pkg/logger"

	"github.com/google/uuid"
)

// GapFiller is the part of BackfillService the stream manager depends on.
type GapFiller interface {
	FillGaps(ctx context.Context, start, end int64) (int, error)
	Schedule(ctx context.Context, start, end int64, reason string) string
}

// BackfillService pulls closed candles from the REST source into the store.
// Every write is an idempotent upsert, so fills may overlap each other and the
// live stream.
type BackfillService struct {
	source  drepo.KlineSource
	store   drepo.CandleStore
	iv      models.Interval
	metrics drepo.Metrics
	logger  *applogger.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

var _ GapFiller = (*BackfillService)(nil)

func NewBackfillService(source drepo.KlineSource, store drepo.CandleStore, iv models.Interval, metrics drepo.Metrics, logger *applogger.Logger) *BackfillService {
	return &BackfillService{
		source:  source,
		store:   store,
		iv:      iv,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// FillGaps fetches [start, end) with end clamped to the last fully closed
// boundary. Candles fetched before a failure are still written.
func (b *BackfillService) FillGaps(ctx context.Context, start, end int64) (int, error) {
	start = b.iv.Floor(start)
	if limit := b.iv.LastClosedEnd(b.now().UnixMilli()); end > limit {
		end = limit
	}
	if start >= end {
		return 0, nil
	}

	began := time.Now()
	candles, fetchErr := b.source.FetchRange(ctx, start, end)
	if len(candles) > 0 {
		if err := b.store.UpsertBatch(ctx, candles); err != nil {
			b.metrics.RecordBackfill("error", 0)
			b.metrics.RecordError("store")
			return 0, fmt.Errorf("store backfill [%d,%d): %w", start, end, err)
		}
		b.metrics.RecordCandles("backfill", len(candles))
	}
	b.metrics.RecordLatency("backfill", time.Since(began).Seconds())

	if fetchErr != nil {
		b.metrics.RecordBackfill("partial", len(candles))
		b.metrics.RecordError("upstream")
		return len(candles), fmt.Errorf("backfill [%d,%d): %w", start, end, fetchErr)
	}
	b.metrics.RecordBackfill("ok", len(candles))
	return len(candles), nil
}

// ComputeMissingIntervals lists every boundary in [start, end) with no stored candle.
func (b *BackfillService) ComputeMissingIntervals(ctx context.Context, start, end int64) ([]int64, error) {
	bounds := b.iv.Boundaries(start, end)
	if len(bounds) == 0 {
		return nil, nil
	}
	stored, err := b.store.Range(ctx, bounds[0], bounds[len(bounds)-1]+b.iv.Ms())
	if err != nil {
		return nil, fmt.Errorf("read stored range: %w", err)
	}
	have := make(map[int64]struct{}, len(stored))
	for _, c := range stored {
		have[c.OpenTime] = struct{}{}
	}
	missing := make([]int64, 0, len(bounds))
	for _, t := range bounds {
		if _, ok := have[t]; !ok {
			missing = append(missing, t)
		}
	}
	return missing, nil
}

// InitializeWithGapFill brings the store up to the last closed interval. An
// empty store gets the whole window; otherwise the fill starts after the
// latest stored candle, but never earlier than the window start.
func (b *BackfillService) InitializeWithGapFill(ctx context.Context, window time.Duration) (int, error) {
	end := b.iv.LastClosedEnd(b.now().UnixMilli())
	windowStart := b.iv.Floor(end - window.Milliseconds())

	latest, ok, err := b.store.Latest(ctx)
	if err != nil {
		return 0, fmt.Errorf("read latest candle: %w", err)
	}
	start := windowStart
	if ok && latest+b.iv.Ms() > windowStart {
		start = latest + b.iv.Ms()
	}

	b.logger.Info("startup backfill",
		applogger.Millis("start", start),
		applogger.Millis("end", end),
		applogger.Bool("empty_store", !ok),
	)
	return b.FillGaps(ctx, start, end)
}

// Schedule runs FillGaps in the background and returns the task id, or "" if
// the clamped range is empty. The task outlives ctx cancellation.
func (b *BackfillService) Schedule(ctx context.Context, start, end int64, reason string) string {
	if limit := b.iv.LastClosedEnd(b.now().UnixMilli()); end > limit {
		end = limit
	}
	if b.iv.Floor(start) >= end {
		return ""
	}

	id := uuid.NewString()
	log := b.logger.With(
		applogger.String("task_id", id),
		applogger.String("reason", reason),
		applogger.Millis("start", start),
		applogger.Millis("end", end),
	)
	log.Info("backfill scheduled", applogger.Int64("intervals", (end-b.iv.Floor(start))/b.iv.Ms()))

	taskCtx := context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		n, err := b.FillGaps(taskCtx, start, end)
		if err != nil {
			log.Warn("backfill task failed", applogger.Int("candles", n), applogger.Error(err))
			return
		}
		log.Info("backfill task done", applogger.Int("candles", n))
	}()
	return id
}

// Wait blocks until every scheduled task has finished.
func (b *BackfillService) Wait() { b.wg.Wait() }
