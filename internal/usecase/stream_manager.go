package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"CandleCast/internal/domain/models"
	drepo "CandleCast/internal/domain/repository"
	applogger "CandleCast/pkg/logger"
)

var errStreamClosed = errors.New("stream closed")

// CandleHandler is invoked on the live path after a candle is stored and the
// cursor has moved.
type CandleHandler func(ctx context.Context, c models.Candle)

type StreamManagerConfig struct {
	MaxRetries  int
	BackoffStep time.Duration
	BackoffMax  time.Duration
}

// StreamManager owns the live connection: it reconnects with linear backoff,
// fills downtime after each connect, schedules a background fill for every
// sequence gap and hands accepted candles to the handler in arrival order.
type StreamManager struct {
	stream   drepo.KlineStream
	store    drepo.CandleStore
	filler   GapFiller
	iv       models.Interval
	cfg      StreamManagerConfig
	onCandle CandleHandler
	metrics  drepo.Metrics
	logger   *applogger.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	state        atomic.Int32
	lastAccepted atomic.Int64 // 0 until a cursor exists
	failures     atomic.Int32
	accepted     atomic.Int64
	gaps         atomic.Int64
}

func NewStreamManager(
	stream drepo.KlineStream,
	store drepo.CandleStore,
	filler GapFiller,
	iv models.Interval,
	cfg StreamManagerConfig,
	metrics drepo.Metrics,
	logger *applogger.Logger,
) *StreamManager {
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = 5 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	m := &StreamManager{
		stream:  stream,
		store:   store,
		filler:  filler,
		iv:      iv,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With(applogger.String("component", "stream_manager")),
		sleep:   sleepCtx,
		now:     time.Now,
	}
	m.state.Store(int32(models.StreamDisconnected))
	return m
}

// OnCandle sets the handler for accepted candles. Call before Run.
func (m *StreamManager) OnCandle(h CandleHandler) { m.onCandle = h }

func (m *StreamManager) State() models.StreamState { return models.StreamState(m.state.Load()) }

func (m *StreamManager) Status() models.StreamStatus {
	return models.StreamStatus{
		State:               m.State().String(),
		LastAccepted:        m.lastAccepted.Load(),
		ConsecutiveFailures: int(m.failures.Load()),
		Accepted:            m.accepted.Load(),
		GapsDetected:        m.gaps.Load(),
	}
}

// Backoff returns the wait before reconnect attempt n (1-based).
func (m *StreamManager) Backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * m.cfg.BackoffStep
	if d > m.cfg.BackoffMax {
		d = m.cfg.BackoffMax
	}
	return d
}

// Run blocks until ctx ends (returns nil) or the retry budget is exhausted
// (returns ErrStreamFailed). A failure is a dial error or a lost connection;
// the count resets once a connection delivers an accepted candle.
func (m *StreamManager) Run(ctx context.Context) error {
	defer func() {
		if m.State() != models.StreamFailed {
			m.setState(models.StreamDisconnected)
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if n := int(m.failures.Load()); n > 0 {
			m.setState(models.StreamReconnecting)
			m.metrics.RecordReconnect()
			wait := m.Backoff(n)
			m.logger.Info("reconnecting", applogger.Int("attempt", n), applogger.Duration("backoff", wait))
			if err := m.sleep(ctx, wait); err != nil {
				return nil
			}
		}

		m.setState(models.StreamConnecting)
		if err := m.stream.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if m.fail(fmt.Errorf("connect: %w", err)) {
				return models.ErrStreamFailed
			}
			continue
		}

		m.setState(models.StreamConnected)
		err := m.consume(ctx)
		_ = m.stream.Close()
		if ctx.Err() != nil {
			return nil
		}
		if m.fail(err) {
			return models.ErrStreamFailed
		}
	}
}

// fail counts one failure and reports whether the budget is exhausted.
func (m *StreamManager) fail(err error) bool {
	n := int(m.failures.Add(1))
	m.metrics.RecordError("stream")
	if n <= m.cfg.MaxRetries {
		m.logger.Warn("stream connection lost", applogger.Int("failures", n), applogger.Error(err))
		return false
	}
	m.setState(models.StreamFailed)
	m.logger.Error("live stream stopped, retry budget exhausted",
		applogger.Int("failures", n),
		applogger.Int("max_retries", m.cfg.MaxRetries),
		applogger.Millis("last_accepted", m.lastAccepted.Load()),
		applogger.Error(err),
	)
	return true
}

// fillDowntime closes the gap between the newest stored candle and now, then
// moves the cursor to the newest stored candle so live gap checks start from it.
func (m *StreamManager) fillDowntime(ctx context.Context) {
	latest, ok, err := m.store.Latest(ctx)
	if err != nil {
		m.logger.Warn("read latest candle", applogger.Error(err))
		return
	}
	if ok {
		if n, err := m.filler.FillGaps(ctx, latest+m.iv.Ms(), m.iv.LastClosedEnd(m.now().UnixMilli())); err != nil {
			m.logger.Warn("post-connect backfill incomplete", applogger.Int("candles", n), applogger.Error(err))
		} else if n > 0 {
			m.logger.Info("post-connect backfill", applogger.Int("candles", n))
		}
		if latest, ok, err = m.store.Latest(ctx); err != nil || !ok {
			return
		}
	}
	if ok && latest > m.lastAccepted.Load() {
		m.lastAccepted.Store(latest)
	}
}

// consume starts the read pump, then runs the downtime fill alongside it.
// Closed candles that arrive before the fill finishes are held and handled in
// order once the cursor reflects the filled store.
func (m *StreamManager) consume(ctx context.Context) error {
	events, errs := m.stream.Read(ctx)

	filled := make(chan struct{})
	go func() {
		defer close(filled)
		m.fillDowntime(ctx)
	}()

	filling := (<-chan struct{})(filled)
	var pending []*models.KlineEvent
	deliver := func(ev *models.KlineEvent) {
		if ev == nil || !ev.Closed {
			return
		}
		if filling != nil {
			pending = append(pending, ev)
			return
		}
		m.handle(ctx, ev)
	}
	flush := func() {
		for _, ev := range pending {
			m.handle(ctx, ev)
		}
		pending = nil
	}
	finish := func(err error) error {
		if filling != nil {
			<-filling
			filling = nil
		}
		flush()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			<-filled
			return ctx.Err()
		case <-filling:
			filling = nil
			flush()
		case ev, ok := <-events:
			if !ok {
				if errs != nil {
					if err, ok := <-errs; ok && err != nil {
						return finish(err)
					}
				}
				return finish(errStreamClosed)
			}
			deliver(ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			for ev := range events {
				deliver(ev)
			}
			if err == nil {
				err = errStreamClosed
			}
			return finish(err)
		}
	}
}

// handle upserts a closed candle and advances the cursor only for strictly
// newer candles. It reports whether the candle was accepted.
func (m *StreamManager) handle(ctx context.Context, ev *models.KlineEvent) bool {
	if ev == nil || !ev.Closed {
		return false
	}
	c := ev.Candle
	if err := c.Validate(m.iv); err != nil {
		m.metrics.RecordError("invalid_candle")
		m.logger.Warn("dropping invalid candle", applogger.Int64("open_time", c.OpenTime), applogger.Error(err))
		return false
	}

	if err := m.store.Upsert(ctx, c); err != nil {
		m.metrics.RecordError("store")
		m.logger.Error("store live candle", applogger.Int64("open_time", c.OpenTime), applogger.Error(err))
		return false
	}
	m.metrics.RecordCandles("stream", 1)

	last := m.lastAccepted.Load()
	if last != 0 && c.OpenTime <= last {
		m.logger.Debug("late or duplicate candle",
			applogger.Millis("open_time", c.OpenTime),
			applogger.Millis("last_accepted", last),
		)
		return false
	}
	if last != 0 && c.OpenTime > last+m.iv.Ms() {
		missing := (c.OpenTime - last - m.iv.Ms()) / m.iv.Ms()
		m.gaps.Add(1)
		m.metrics.RecordGap(missing)
		m.logger.Warn("sequence gap detected",
			applogger.Millis("last_accepted", last),
			applogger.Millis("open_time", c.OpenTime),
			applogger.Int64("missing", missing),
		)
		m.filler.Schedule(ctx, last+m.iv.Ms(), c.OpenTime, "stream_gap")
	}

	m.lastAccepted.Store(c.OpenTime)
	m.accepted.Add(1)
	m.failures.Store(0)
	m.metrics.RecordLastPrice(c.Close)

	if m.onCandle != nil {
		m.onCandle(ctx, c)
	}
	return true
}

func (m *StreamManager) setState(s models.StreamState) {
	if models.StreamState(m.state.Swap(int32(s))) == s {
		return
	}
	m.metrics.RecordStreamState(s.String())
	m.logger.Debug("stream state", applogger.String("state", s.String()))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
