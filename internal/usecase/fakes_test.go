package usecase

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"CandleCast/internal/domain/models"
	"CandleCast/internal/repository"
	applogger "CandleCast/pkg/logger"
	"CandleCast/pkg/sqlite"

	"github.com/stretchr/testify/require"
)

const t0 = int64(1_700_000_100_000)

var iv = models.NewInterval(3 * time.Minute)

func at(k int) int64 { return t0 + int64(k)*iv.Ms() }

// candleAt returns the deterministic candle for boundary k: close rises 0.1% per interval.
func candleAt(k int) models.Candle {
	c := 100 * math.Pow(1.001, float64(k))
	return models.Candle{OpenTime: at(k), Open: c, High: c * 1.0005, Low: c * 0.9995, Close: c, Volume: 10 + float64(k%7)}
}

func newStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()
	client, err := sqlite.Open(filepath.Join(t.TempDir(), "candles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	s, err := repository.NewSQLiteStore(context.Background(), client, iv, applogger.NewNop())
	require.NoError(t, err)
	return s
}

func seed(t *testing.T, s *repository.SQLiteStore, from, to int) {
	t.Helper()
	var cs []models.Candle
	for k := from; k < to; k++ {
		cs = append(cs, candleAt(k))
	}
	require.NoError(t, s.UpsertBatch(context.Background(), cs))
}

type clock struct{ ms atomic.Int64 }

func newClock(ms int64) *clock {
	c := &clock{}
	c.ms.Store(ms)
	return c
}

func (c *clock) Now() time.Time { return time.UnixMilli(c.ms.Load()) }
func (c *clock) Set(ms int64)   { c.ms.Store(ms) }

type fetchCall struct{ start, end int64 }

// fakeSource serves candleAt for every boundary in the requested range.
type fakeSource struct {
	mu      sync.Mutex
	calls   []fetchCall
	partial int // when > 0, return only this many candles together with err
	err     error
}

func (f *fakeSource) FetchRange(_ context.Context, start, end int64) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{start, end})
	var out []models.Candle
	for _, b := range iv.Boundaries(start, end) {
		out = append(out, candleAt(int((b-t0)/iv.Ms())))
	}
	if f.err != nil {
		if f.partial < len(out) {
			out = out[:f.partial]
		}
		return out, f.err
	}
	return out, nil
}

func (f *fakeSource) Calls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

type session struct {
	events []*models.KlineEvent
	err    error
}

// fakeStream replays scripted connect results and read sessions. Once the
// script is exhausted Read blocks until ctx ends and idle is closed.
type fakeStream struct {
	mu          sync.Mutex
	connectErrs []error
	sessions    []session
	beforeSend  func(ev *models.KlineEvent)
	idle        chan struct{}
	idleOnce    sync.Once
	connected   atomic.Bool
}

func newFakeStream(connectErrs []error, sessions ...session) *fakeStream {
	return &fakeStream{connectErrs: connectErrs, sessions: sessions, idle: make(chan struct{})}
}

func (f *fakeStream) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.connected.Store(true)
	return nil
}

func (f *fakeStream) Read(ctx context.Context) (<-chan *models.KlineEvent, <-chan error) {
	events := make(chan *models.KlineEvent)
	errs := make(chan error, 1)

	f.mu.Lock()
	var s *session
	if len(f.sessions) > 0 {
		s = &f.sessions[0]
		f.sessions = f.sessions[1:]
	}
	f.mu.Unlock()

	go func() {
		defer close(errs)
		defer close(events)
		if s == nil {
			f.idleOnce.Do(func() { close(f.idle) })
			<-ctx.Done()
			return
		}
		for _, ev := range s.events {
			if f.beforeSend != nil {
				f.beforeSend(ev)
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if s.err != nil {
			errs <- s.err
		}
	}()
	return events, errs
}

func (f *fakeStream) Close() error      { f.connected.Store(false); return nil }
func (f *fakeStream) IsConnected() bool { return f.connected.Load() }

func closedEvent(k int) *models.KlineEvent {
	return &models.KlineEvent{Symbol: "ETHUSDT", Closed: true, Candle: candleAt(k)}
}

func formingEvent(k int) *models.KlineEvent {
	return &models.KlineEvent{Symbol: "ETHUSDT", Closed: false, Candle: candleAt(k)}
}

// fakeFiller records scheduled ranges without fetching anything.
type fakeFiller struct {
	mu        sync.Mutex
	scheduled []fetchCall
	filled    []fetchCall
}

func (f *fakeFiller) FillGaps(_ context.Context, start, end int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filled = append(f.filled, fetchCall{start, end})
	return 0, nil
}

func (f *fakeFiller) Schedule(_ context.Context, start, end int64, _ string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, fetchCall{start, end})
	return "task"
}

type recordingSink struct {
	mu   sync.Mutex
	sets []*models.PredictionSet
}

func (r *recordingSink) Publish(_ context.Context, set *models.PredictionSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets = append(r.sets, set)
	return nil
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}
