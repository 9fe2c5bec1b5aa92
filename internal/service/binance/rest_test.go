package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	applogger "CandleCast/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	t0   int64 = 1_700_000_100_000
	step int64 = 180_000
)

// klineServer serves n consecutive klines starting at t0, honouring
// startTime, endTime and limit like the exchange does.
func klineServer(t *testing.T, n int, failAfter int32, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			http.NotFound(w, r)
			return
		}
		call := atomic.AddInt32(hits, 1)
		if failAfter > 0 && call > failAfter {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"code":-1000,"msg":"boom"}`))
			return
		}
		q := r.URL.Query()
		start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("limit"))

		rows := [][]interface{}{}
		for i := 0; i < n && len(rows) < limit; i++ {
			open := t0 + int64(i)*step
			if open < start || open > end {
				continue
			}
			px := strconv.FormatFloat(100+float64(i), 'f', 2, 64)
			rows = append(rows, []interface{}{
				open, px, px, px, px, "1.5", open + step - 1, "150.0", 7, "0.7", "70.0", "0",
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)
	}))
}

func newTestREST(url string, pageSize int, now time.Time) *RESTClient {
	c := NewRESTClient(RESTConfig{
		BaseURL:        url,
		Symbol:         "ETHUSDT",
		Interval:       "3m",
		IntervalLength: 3 * time.Minute,
		PageSize:       pageSize,
	}, applogger.NewNop())
	c.now = func() time.Time { return now }
	return c
}

func TestFetchRangePagesAndDropsFormingCandle(t *testing.T) {
	var hits int32
	srv := klineServer(t, 10, 0, &hits)
	defer srv.Close()

	// the 10th kline (index 9) is still forming
	now := time.UnixMilli(t0 + 9*step + 60_000)
	c := newTestREST(srv.URL, 4, now)

	got, err := c.FetchRange(context.Background(), t0, t0+10*step)
	require.NoError(t, err)
	require.Len(t, got, 9)
	for i, candle := range got {
		assert.Equal(t, t0+int64(i)*step, candle.OpenTime)
		assert.InDelta(t, 100+float64(i), candle.Close, 1e-9)
		assert.Equal(t, int64(7), candle.TradeCount)
		assert.InDelta(t, 150.0, candle.QuoteVolume, 1e-9)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestFetchRangeHalfOpen(t *testing.T) {
	var hits int32
	srv := klineServer(t, 10, 0, &hits)
	defer srv.Close()

	c := newTestREST(srv.URL, 1000, time.UnixMilli(t0+100*step))
	got, err := c.FetchRange(context.Background(), t0+2*step, t0+5*step)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, t0+2*step, got[0].OpenTime)
	assert.Equal(t, t0+4*step, got[2].OpenTime)
}

func TestFetchRangeReturnsPartialOnError(t *testing.T) {
	var hits int32
	srv := klineServer(t, 10, 1, &hits)
	defer srv.Close()

	c := newTestREST(srv.URL, 4, time.UnixMilli(t0+100*step))
	got, err := c.FetchRange(context.Background(), t0, t0+10*step)
	require.Error(t, err)
	assert.Len(t, got, 4)
}

func TestFetchRangeSendsAPIKey(t *testing.T) {
	var key atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key.Store(r.Header.Get("X-MBX-APIKEY"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewRESTClient(RESTConfig{
		BaseURL: srv.URL, APIKey: "k-123", Symbol: "ETHUSDT", Interval: "3m", IntervalLength: 3 * time.Minute,
	}, applogger.NewNop())
	got, err := c.FetchRange(context.Background(), t0, t0+step)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, "k-123", key.Load())
}

func TestProbeCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/time", r.URL.Path)
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "42")
		_, _ = w.Write([]byte(`{"serverTime":1700000001500}`))
	}))
	defer srv.Close()

	p := NewProbe(srv.URL, "key", time.Second, applogger.NewNop())
	p.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	st := p.Check(context.Background())
	assert.True(t, st.Reachable)
	assert.Equal(t, int64(1500), st.ClockSkewMs)
	assert.Equal(t, 42, st.UsedWeight1m)
	assert.Equal(t, 6000, st.RateLimitPerMinute)
	assert.True(t, st.APIKeyUsed)
	assert.Empty(t, st.Error)
}

func TestProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	st := NewProbe(srv.URL, "", time.Second, applogger.NewNop()).Check(context.Background())
	assert.False(t, st.Reachable)
	assert.Equal(t, 1200, st.RateLimitPerMinute)
	assert.NotEmpty(t, st.Error)
}
