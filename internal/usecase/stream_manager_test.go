package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"CandleCast/internal/domain/models"
	drepo "CandleCast/internal/domain/repository"
	"CandleCast/internal/service/binance"
	applogger "CandleCast/pkg/logger"
	"CandleCast/pkg/metrics"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDrop = errors.New("connection reset")

var testStreamCfg = StreamManagerConfig{MaxRetries: 5, BackoffStep: 5 * time.Second, BackoffMax: 30 * time.Second}

type harness struct {
	mgr *StreamManager

	mu     sync.Mutex
	sleeps []time.Duration
	got    []models.Candle
}

func newHarness(stream *fakeStream, store drepo.CandleStore, filler GapFiller, clk *clock) *harness {
	h := &harness{}
	h.mgr = NewStreamManager(stream, store, filler, iv, testStreamCfg, metrics.Nop{}, applogger.NewNop())
	h.mgr.now = clk.Now
	h.mgr.sleep = func(_ context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return nil
	}
	h.mgr.OnCandle(func(_ context.Context, c models.Candle) {
		h.mu.Lock()
		h.got = append(h.got, c)
		h.mu.Unlock()
	})
	return h
}

// runUntilIdle runs the manager until the stream script is exhausted, then stops it.
func (h *harness) runUntilIdle(t *testing.T, stream *fakeStream) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.mgr.Run(ctx) }()

	select {
	case <-stream.idle:
		cancel()
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("stream manager did not reach idle")
	}
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("stream manager did not stop")
	}
	return nil
}

func TestStreamManager_Backoff(t *testing.T) {
	m := NewStreamManager(newFakeStream(nil), nil, &fakeFiller{}, iv, testStreamCfg, metrics.Nop{}, applogger.NewNop())
	for attempt, want := range map[int]time.Duration{1: 5 * time.Second, 3: 15 * time.Second, 6: 30 * time.Second, 20: 30 * time.Second} {
		assert.Equal(t, want, m.Backoff(attempt), "attempt %d", attempt)
	}
	assert.Equal(t, models.StreamDisconnected, m.State())
}

func TestStreamManager_GapTriggersSingleBackfill(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed(t, store, 0, 5)

	clk := newClock(at(5))
	src := &fakeSource{}
	bf := NewBackfillService(src, store, iv, metrics.Nop{}, applogger.NewNop())
	bf.now = clk.Now

	stream := newFakeStream(nil, session{events: []*models.KlineEvent{closedEvent(5), closedEvent(9)}})
	stream.beforeSend = func(ev *models.KlineEvent) { clk.Set(ev.Candle.OpenTime + iv.Ms() + 1000) }

	h := newHarness(stream, store, bf, clk)
	// the downtime fill runs alongside the read pump; pin its clock so it stays empty
	h.mgr.now = newClock(at(5)).Now
	require.NoError(t, h.runUntilIdle(t, stream))
	bf.Wait()

	require.Equal(t, []fetchCall{{at(6), at(9)}}, src.Calls())
	missing, err := bf.ComputeMissingIntervals(ctx, at(0), at(10))
	require.NoError(t, err)
	assert.Empty(t, missing)

	gaps, err := store.ScanContinuity(ctx)
	require.NoError(t, err)
	assert.Empty(t, gaps)
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	st := h.mgr.Status()
	assert.Equal(t, int64(1), st.GapsDetected)
	assert.Equal(t, int64(2), st.Accepted)
	assert.Equal(t, at(9), st.LastAccepted)
	assert.Equal(t, "DISCONNECTED", st.State)
	require.Len(t, h.got, 2)
	assert.Equal(t, at(9), h.got[1].OpenTime)
}

func TestStreamManager_FailsAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	filler := &fakeFiller{}

	stream := newFakeStream(
		[]error{errDrop, errDrop, nil, errDrop, nil, errDrop},
		session{events: []*models.KlineEvent{formingEvent(1)}, err: errDrop},
		session{events: []*models.KlineEvent{formingEvent(1), formingEvent(1)}, err: errDrop},
	)
	h := newHarness(stream, store, filler, newClock(at(1)+1000))

	err := h.runUntilIdle(t, stream)
	require.ErrorIs(t, err, models.ErrStreamFailed)
	assert.Equal(t, models.StreamFailed, h.mgr.State())
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 20 * time.Second, 25 * time.Second}, h.sleeps)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "forming candles must never be stored")
	assert.Empty(t, h.got)
	assert.Empty(t, filler.scheduled)
}

func TestStreamManager_BudgetResetsAfterAcceptedCandle(t *testing.T) {
	store := newStore(t)
	filler := &fakeFiller{}

	connects := []error{errDrop, errDrop, errDrop, errDrop, errDrop, nil, errDrop, errDrop, errDrop, errDrop, errDrop}
	stream := newFakeStream(connects, session{events: []*models.KlineEvent{closedEvent(3)}, err: errDrop})
	h := newHarness(stream, store, filler, newClock(at(4)+1000))

	err := h.runUntilIdle(t, stream)
	require.ErrorIs(t, err, models.ErrStreamFailed)
	assert.Len(t, h.sleeps, 10)
	assert.Equal(t, 5*time.Second, h.sleeps[5], "backoff restarts after a delivered candle")
	assert.Equal(t, int64(1), h.mgr.Status().Accepted)
	assert.Equal(t, 6, h.mgr.Status().ConsecutiveFailures)
}

func TestStreamManager_DuplicatesAndLateEventsDoNotMoveCursor(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	filler := &fakeFiller{}

	late := candleAt(1)
	late.Close = 42
	late.High, late.Low, late.Open = 42, 42, 42
	stream := newFakeStream(nil, session{events: []*models.KlineEvent{
		closedEvent(2),
		formingEvent(3),
		closedEvent(2),
		{Symbol: "ETHUSDT", Closed: true, Candle: late},
		closedEvent(3),
	}})
	h := newHarness(stream, store, filler, newClock(at(4)+1000))
	require.NoError(t, h.runUntilIdle(t, stream))

	require.Len(t, h.got, 2)
	assert.Equal(t, at(2), h.got[0].OpenTime)
	assert.Equal(t, at(3), h.got[1].OpenTime)
	assert.Empty(t, filler.scheduled)
	assert.Equal(t, at(3), h.mgr.Status().LastAccepted)

	// the late candle is still written
	got, err := store.Range(ctx, at(1), at(2))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 42.0, got[0].Close)
}

func TestStreamManager_FillsDowntimeOnConnect(t *testing.T) {
	store := newStore(t)
	seed(t, store, 0, 3)
	filler := &fakeFiller{}

	stream := newFakeStream(nil)
	h := newHarness(stream, store, filler, newClock(at(8)+1000))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.mgr.Run(ctx) }()

	require.Eventually(t, func() bool { return h.mgr.Status().LastAccepted == at(2) }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	filler.mu.Lock()
	defer filler.mu.Unlock()
	require.Equal(t, []fetchCall{{at(3), at(8)}}, filler.filled)
}

// slowFiller takes longer than the stream read timeout to fill the downtime.
type slowFiller struct {
	fakeFiller
	delay time.Duration
}

func (f *slowFiller) FillGaps(ctx context.Context, start, end int64) (int, error) {
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return f.fakeFiller.FillGaps(ctx, start, end)
}

func TestStreamManager_SlowFillKeepsSocketAlive(t *testing.T) {
	store := newStore(t)
	seed(t, store, 0, 5)

	c := candleAt(5)
	frame := fmt.Sprintf(`{"e":"kline","E":%d,"s":"ETHUSDT","k":{"t":%d,"s":"ETHUSDT","i":"3m","o":"%f","c":"%f","h":"%f","l":"%f","v":"%f","n":1,"x":true,"q":"0"}}`,
		c.OpenTime+iv.Ms(), c.OpenTime, c.Open, c.Close, c.High, c.Low, c.Volume)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				// reading answers the client's pings
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		time.Sleep(100 * time.Millisecond)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		<-closed
	}))
	defer srv.Close()

	stream := binance.NewKlineStream(binance.StreamConfig{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbol:       "ETHUSDT",
		Interval:     "3m",
		PingInterval: 50 * time.Millisecond,
		PongTimeout:  100 * time.Millisecond,
		ReadTimeout:  300 * time.Millisecond,
	}, applogger.NewNop())

	filler := &slowFiller{delay: 500 * time.Millisecond}
	m := NewStreamManager(stream, store, filler, iv, testStreamCfg, metrics.Nop{}, applogger.NewNop())
	m.now = newClock(at(6) + 1000).Now
	var got []models.Candle
	var mu sync.Mutex
	m.OnCandle(func(_ context.Context, cd models.Candle) {
		mu.Lock()
		got = append(got, cd)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Run(ctx))

	st := m.Status()
	assert.Zero(t, st.ConsecutiveFailures, "a healthy socket must not count failures while the fill runs")
	assert.Equal(t, int64(1), st.Accepted)
	assert.Equal(t, at(5), st.LastAccepted)
	assert.Zero(t, st.GapsDetected)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, at(5), got[0].OpenTime)

	filler.mu.Lock()
	defer filler.mu.Unlock()
	assert.Equal(t, []fetchCall{{at(5), at(6)}}, filler.filled)
}

func TestStreamManager_InvalidCandleDropped(t *testing.T) {
	store := newStore(t)
	bad := candleAt(2)
	bad.OpenTime += 1
	stream := newFakeStream(nil, session{events: []*models.KlineEvent{{Closed: true, Candle: bad}}})
	h := newHarness(stream, store, &fakeFiller{}, newClock(at(4)))
	require.NoError(t, h.runUntilIdle(t, stream))

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.got)
}
