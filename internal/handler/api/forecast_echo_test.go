package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"CandleCast/internal/domain/models"
	"CandleCast/internal/repository"
	"CandleCast/internal/service/ratelimit"
	"CandleCast/internal/usecase"
	"CandleCast/pkg/cache"
	xlogger "CandleCast/pkg/logger"
	"CandleCast/pkg/sqlite"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const t0 = int64(1_700_000_100_000)

var iv = models.NewInterval(3 * time.Minute)

type fakePredictions struct {
	latest   *models.PredictionSet
	metrics  *models.ModelMetrics
	halfLife float64
}

func (f *fakePredictions) Latest() *models.PredictionSet { return f.latest }

func (f *fakePredictions) Metrics() (models.ModelMetrics, error) {
	if f.metrics == nil {
		return models.ModelMetrics{}, models.ErrNotInitialized
	}
	return *f.metrics, nil
}

func (f *fakePredictions) SetHalfLife(_ context.Context, h float64) (models.ModelMetrics, error) {
	f.halfLife = h
	return models.ModelMetrics{HalfLifeIntervals: h, HalfLifeMinutes: h * 3}, nil
}

type fakeStatus struct{ state models.StreamState }

func (f fakeStatus) Status() models.StreamStatus { return models.StreamStatus{State: f.state.String()} }

type fakeProbe struct{ calls atomic.Int32 }

func (f *fakeProbe) Check(context.Context) models.UpstreamStatus {
	f.calls.Add(1)
	return models.UpstreamStatus{Reachable: true, RateLimitPerMinute: 1200}
}

type fakeHealth struct{ err error }

func (f fakeHealth) Health(context.Context) error { return f.err }

type fixture struct {
	e     *echo.Echo
	store *repository.SQLiteStore
	preds *fakePredictions
	probe *fakeProbe
}

func newFixture(t *testing.T, state models.StreamState, healthErr error) *fixture {
	t.Helper()
	client, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	store, err := repository.NewSQLiteStore(context.Background(), client, iv, xlogger.NewNop())
	require.NoError(t, err)

	f := &fixture{e: echo.New(), store: store, preds: &fakePredictions{}, probe: &fakeProbe{}}
	h := NewForecastHandler(xlogger.NewNop(), "ETHUSDT", usecase.NewCandlesUseCase(store, "ETHUSDT", iv),
		f.preds, store, fakeStatus{state}, f.probe, fakeHealth{healthErr})
	mem := cache.NewMemoryCache()
	t.Cleanup(func() { _ = mem.Close() })
	h.SetCache(mem)
	h.SetRateLimiter(ratelimit.New(2, 0.001))
	h.RegisterRoutes(f.e)
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	var env struct {
		Status int             `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, rec.Code, env.Status)
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

func seedCandles(t *testing.T, s *repository.SQLiteStore, ks ...int) {
	t.Helper()
	for _, k := range ks {
		c := 2000 + float64(k)
		require.NoError(t, s.Upsert(context.Background(), models.Candle{
			OpenTime: t0 + int64(k)*iv.Ms(), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 5,
		}))
	}
}

func TestPriceAndHistory(t *testing.T) {
	f := newFixture(t, models.StreamConnected, nil)

	rec := f.do(http.MethodGet, "/api/price", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	seedCandles(t, f.store, 0, 1, 2, 3, 4)

	rec = f.do(http.MethodGet, "/api/price", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var price priceResponse
	decodeData(t, rec, &price)
	assert.Equal(t, 2004.0, price.Candle.Close)
	assert.Equal(t, "CONNECTED", price.Stream.State)

	rec = f.do(http.MethodGet, "/api/history?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist usecase.GetCandlesResult
	decodeData(t, rec, &hist)
	require.Equal(t, 2, hist.Count)
	assert.Equal(t, t0+3*iv.Ms(), hist.Candles[0].OpenTime)

	rec = f.do(http.MethodGet, "/api/history?limit=0", "")
	assert.Equal(t, http.StatusOK, rec.Code, "zero falls back to the default")

	rec = f.do(http.MethodGet, "/api/history?limit=9000", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/history?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContinuityEndpoint(t *testing.T) {
	f := newFixture(t, models.StreamConnected, nil)
	seedCandles(t, f.store, 0, 1, 4)

	rec := f.do(http.MethodGet, "/api/continuity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rep usecase.ContinuityReport
	decodeData(t, rec, &rep)
	assert.False(t, rep.Contiguous)
	assert.Equal(t, int64(2), rep.Missing)
}

func TestPredictionsEndpoint(t *testing.T) {
	f := newFixture(t, models.StreamConnected, nil)

	rec := f.do(http.MethodGet, "/api/predictions", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	set := &models.PredictionSet{
		Symbol: "ETHUSDT", IssuedAt: t0, Close: 2000,
		Next:     models.Band{Steps: 1, YHat: 2001},
		Horizons: []models.Prediction{{IssuedAt: t0, HorizonMinutes: 3, Band: models.Band{Steps: 1, YHat: 2001}}},
	}
	require.NoError(t, f.store.SavePredictions(context.Background(), set))
	f.preds.latest = set

	rec = f.do(http.MethodGet, "/api/predictions?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res predictionsResponse
	decodeData(t, rec, &res)
	require.NotNil(t, res.Latest)
	assert.Equal(t, 2001.0, res.Latest.Next.YHat)
	assert.Len(t, res.History, 1)
}

func TestModelEndpoints(t *testing.T) {
	f := newFixture(t, models.StreamConnected, nil)

	rec := f.do(http.MethodGet, "/api/model", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.preds.metrics = &models.ModelMetrics{Level: 2000, HalfLifeIntervals: 5}
	rec = f.do(http.MethodGet, "/api/model", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPut, "/api/model/half-life", `{"half_life": -1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPut, "/api/model/half-life", `{"half_life": 6}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 6.0, f.preds.halfLife)

	rec = f.do(http.MethodPut, "/api/model/half-life", `{"half_life": 7}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestUpstreamIsCached(t *testing.T) {
	f := newFixture(t, models.StreamConnected, nil)

	for i := 0; i < 2; i++ {
		rec := f.do(http.MethodGet, "/api/upstream", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var st models.UpstreamStatus
		decodeData(t, rec, &st)
		assert.True(t, st.Reachable)
	}
	assert.Equal(t, int32(1), f.probe.calls.Load())
}

func TestHealth(t *testing.T) {
	rec := newFixture(t, models.StreamConnected, nil).do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = newFixture(t, models.StreamFailed, nil).do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = newFixture(t, models.StreamConnected, errors.New("disk full")).do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
