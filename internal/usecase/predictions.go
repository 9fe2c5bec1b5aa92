package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"CandleCast/internal/domain/models"
	drepo "CandleCast/internal/domain/repository"
	domsvc "CandleCast/internal/domain/service"
	applogger "CandleCast/pkg/logger"
)

type PredictionConfig struct {
	Symbol          string
	HistoryWindow   time.Duration
	StateMaxAge     time.Duration
	HorizonsMinutes []int
	PublishTimeout  time.Duration
}

// PredictionManager feeds closed candles to the forecaster, persists state and
// predictions after every update and fans each prediction set out to sinks.
// The forecaster is only touched under mu.
type PredictionManager struct {
	store   drepo.Store
	filler  *BackfillService
	model   domsvc.Forecaster
	sinks   []drepo.PredictionSink
	iv      models.Interval
	cfg     PredictionConfig
	metrics drepo.Metrics
	logger  *applogger.Logger
	now     func() time.Time

	mu     sync.Mutex
	latest *models.PredictionSet
}

func NewPredictionManager(
	store drepo.Store,
	filler *BackfillService,
	model domsvc.Forecaster,
	sinks []drepo.PredictionSink,
	iv models.Interval,
	cfg PredictionConfig,
	metrics drepo.Metrics,
	logger *applogger.Logger,
) *PredictionManager {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &PredictionManager{
		store:   store,
		filler:  filler,
		model:   model,
		sinks:   sinks,
		iv:      iv,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With(applogger.String("component", "predictions")),
		now:     time.Now,
	}
}

// Bootstrap backfills the history window and brings the forecaster up to the
// newest stored candle, restoring persisted state when it is recent enough.
func (m *PredictionManager) Bootstrap(ctx context.Context) error {
	if n, err := m.filler.InitializeWithGapFill(ctx, m.cfg.HistoryWindow); err != nil {
		m.logger.Warn("startup backfill incomplete, continuing with stored candles",
			applogger.Int("candles", n), applogger.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	restored, err := m.restoreLocked(ctx)
	if err != nil {
		m.logger.Warn("discarding persisted filter state", applogger.Error(err))
	}
	if !restored {
		if err := m.initializeLocked(ctx); err != nil {
			return err
		}
	}
	return m.issueLocked(ctx, nil)
}

func (m *PredictionManager) restoreLocked(ctx context.Context) (bool, error) {
	st, err := m.store.LatestState(ctx)
	if err != nil {
		return false, fmt.Errorf("load filter state: %w", err)
	}
	if st == nil {
		return false, nil
	}
	age := time.Duration(m.now().UnixMilli()-st.LastOpenTime) * time.Millisecond
	if m.cfg.StateMaxAge > 0 && age > m.cfg.StateMaxAge {
		return false, fmt.Errorf("state is %s old", age.Round(time.Minute))
	}
	if err := m.model.Restore(*st); err != nil {
		return false, err
	}

	replayed, err := m.replayLocked(ctx, m.iv.LastClosedEnd(m.now().UnixMilli()))
	if err != nil {
		return false, err
	}
	m.logger.Info("filter state restored",
		applogger.Millis("state_last", st.LastOpenTime),
		applogger.Int("replayed", replayed),
		applogger.Float64("half_life", m.model.HalfLife()),
	)
	if replayed > 0 {
		m.persistStateLocked(ctx)
	}
	return true, nil
}

// replayLocked feeds stored candles in [LastOpenTime+interval, end) to the
// filter without issuing predictions.
func (m *PredictionManager) replayLocked(ctx context.Context, end int64) (int, error) {
	from := m.model.LastOpenTime() + m.iv.Ms()
	if from >= end {
		return 0, nil
	}
	pending, err := m.store.Range(ctx, from, end)
	if err != nil {
		return 0, fmt.Errorf("read catch-up candles: %w", err)
	}
	for i, c := range pending {
		if _, err := m.model.Update(c); err != nil {
			return i, fmt.Errorf("catch-up at %d: %w", c.OpenTime, err)
		}
	}
	return len(pending), nil
}

func (m *PredictionManager) initializeLocked(ctx context.Context) error {
	end := m.iv.LastClosedEnd(m.now().UnixMilli())
	candles, err := m.store.Range(ctx, end-m.cfg.HistoryWindow.Milliseconds(), end)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if err := m.model.Initialize(candles); err != nil {
		return fmt.Errorf("initialize forecaster: %w", err)
	}
	m.logger.Info("filter initialized from history",
		applogger.Int("candles", len(candles)),
		applogger.Millis("last", m.model.LastOpenTime()),
	)
	m.persistStateLocked(ctx)
	return nil
}

// HandleCandle is the live-path callback. Candles at or before the filter's
// last update are ignored. Stored candles between the filter's last update and
// c are replayed first, so a filled hole is not taken as a single step.
func (m *PredictionManager) HandleCandle(ctx context.Context, c models.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.model.Initialized() {
		if err := m.initializeLocked(ctx); err != nil {
			m.logger.Warn("forecaster not ready", applogger.Error(err))
			return
		}
	}
	if c.OpenTime <= m.model.LastOpenTime() {
		return
	}

	began := time.Now()
	if c.OpenTime > m.model.LastOpenTime()+m.iv.Ms() {
		n, err := m.replayLocked(ctx, c.OpenTime)
		if err != nil {
			m.metrics.RecordError("forecast")
			m.logger.Warn("catch-up before live candle stopped early", applogger.Int("replayed", n), applogger.Error(err))
		} else if n > 0 {
			m.logger.Info("replayed stored candles before live update",
				applogger.Int("replayed", n),
				applogger.Millis("open_time", c.OpenTime),
			)
		}
	}

	next, err := m.model.Update(c)
	if err != nil {
		kind := "forecast"
		if errors.Is(err, models.ErrNumerical) {
			kind = "numerical"
		}
		m.metrics.RecordError(kind)
		m.logger.Error("forecast update rejected",
			applogger.Millis("open_time", c.OpenTime),
			applogger.Float64("half_life", m.model.HalfLife()),
			applogger.Error(err),
		)
		return
	}
	m.persistStateLocked(ctx)
	if err := m.issueLocked(ctx, &next); err != nil {
		m.logger.Error("issue predictions", applogger.Millis("open_time", c.OpenTime), applogger.Error(err))
	}
	m.metrics.RecordLatency("forecast_update", time.Since(began).Seconds())
}

// issueLocked builds, persists and publishes the prediction set for the
// filter's current state. next may carry the band Update already computed.
func (m *PredictionManager) issueLocked(ctx context.Context, next *models.Band) error {
	if next == nil {
		b, err := m.model.Forecast(1)
		if err != nil {
			return err
		}
		next = &b
	}
	set := &models.PredictionSet{
		Symbol:   m.cfg.Symbol,
		IssuedAt: m.model.LastOpenTime(),
		Close:    m.model.Metrics().Level,
		Next:     *next,
		Horizons: make([]models.Prediction, 0, len(m.cfg.HorizonsMinutes)),
	}
	if c, err := m.store.Range(ctx, set.IssuedAt, set.IssuedAt+m.iv.Ms()); err == nil && len(c) == 1 {
		set.Close = c[0].Close
	}
	for _, h := range m.cfg.HorizonsMinutes {
		band, err := m.model.Forecast(m.model.StepsFor(h))
		if err != nil {
			return fmt.Errorf("forecast %dm: %w", h, err)
		}
		set.Horizons = append(set.Horizons, models.Prediction{IssuedAt: set.IssuedAt, HorizonMinutes: h, Band: band})
		m.metrics.RecordForecast(h, band.YHat)
	}

	if err := m.store.SavePredictions(ctx, set); err != nil {
		m.metrics.RecordError("store")
		return fmt.Errorf("save predictions: %w", err)
	}
	m.latest = set

	pubCtx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
	defer cancel()
	for _, s := range m.sinks {
		if err := s.Publish(pubCtx, set); err != nil {
			m.metrics.RecordError("publish")
			m.logger.Warn("prediction fan-out failed", applogger.Error(err))
		}
	}
	return nil
}

// persistStateLocked is best effort; a missed write only loses the latest increment.
func (m *PredictionManager) persistStateLocked(ctx context.Context) {
	if err := m.store.SaveState(ctx, m.model.Snapshot()); err != nil {
		m.metrics.RecordError("store")
		m.logger.Warn("persist filter state", applogger.Error(err))
	}
}

// SetHalfLife retunes the filter between candles and persists the new state.
func (m *PredictionManager) SetHalfLife(ctx context.Context, h float64) (models.ModelMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.model.SetHalfLife(h); err != nil {
		return models.ModelMetrics{}, err
	}
	if m.model.Initialized() {
		m.persistStateLocked(ctx)
	}
	m.logger.Info("half-life updated", applogger.Float64("half_life", h))
	return m.model.Metrics(), nil
}

func (m *PredictionManager) Metrics() (models.ModelMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.model.Initialized() {
		return models.ModelMetrics{}, models.ErrNotInitialized
	}
	return m.model.Metrics(), nil
}

// Latest returns the newest prediction set issued by this process, or nil.
func (m *PredictionManager) Latest() *models.PredictionSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// Close releases every sink.
func (m *PredictionManager) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
