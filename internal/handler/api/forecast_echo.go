package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"CandleCast/internal/domain/models"
	domrepo "CandleCast/internal/domain/repository"
	"CandleCast/internal/service/ratelimit"
	"CandleCast/internal/usecase"
	"CandleCast/pkg/cache"
	xhttp "CandleCast/pkg/http"
	xlogger "CandleCast/pkg/logger"

	"github.com/labstack/echo/v4"
)

// PredictionService is the forecast side the handler reads and tunes.
type PredictionService interface {
	Latest() *models.PredictionSet
	Metrics() (models.ModelMetrics, error)
	SetHalfLife(ctx context.Context, h float64) (models.ModelMetrics, error)
}

type StreamStatusProvider interface {
	Status() models.StreamStatus
}

type UpstreamProber interface {
	Check(ctx context.Context) models.UpstreamStatus
}

type HealthChecker interface {
	Health(ctx context.Context) error
}

// ForecastHandler exposes prices, predictions, history and model tuning.
type ForecastHandler struct {
	logger  *xlogger.Logger
	symbol  string
	candles *usecase.CandlesUseCase
	preds   PredictionService
	store   domrepo.PredictionStore
	stream  StreamStatusProvider
	probe   UpstreamProber
	health  HealthChecker

	limiter *ratelimit.Limiter
	cache   cache.Service
}

func NewForecastHandler(
	logger *xlogger.Logger,
	symbol string,
	candles *usecase.CandlesUseCase,
	preds PredictionService,
	store domrepo.PredictionStore,
	stream StreamStatusProvider,
	probe UpstreamProber,
	health HealthChecker,
) *ForecastHandler {
	return &ForecastHandler{
		logger:  logger,
		symbol:  symbol,
		candles: candles,
		preds:   preds,
		store:   store,
		stream:  stream,
		probe:   probe,
		health:  health,
	}
}

// SetRateLimiter guards the endpoints that mutate the model or call upstream.
func (h *ForecastHandler) SetRateLimiter(l *ratelimit.Limiter) { h.limiter = l }

// SetCache enables short-lived caching of upstream probe results.
func (h *ForecastHandler) SetCache(c cache.Service) { h.cache = c }

func (h *ForecastHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	g := e.Group("/api")
	g.GET("/price", h.Price)
	g.GET("/predictions", h.Predictions)
	g.GET("/history", h.History)
	g.GET("/continuity", h.Continuity)
	g.GET("/model", h.Model)
	g.PUT("/model/half-life", h.SetHalfLife, h.limit("half_life")...)
	g.GET("/upstream", h.Upstream, h.limit("upstream")...)
}

func (h *ForecastHandler) limit(scope string) []echo.MiddlewareFunc {
	if h.limiter == nil {
		return nil
	}
	return []echo.MiddlewareFunc{h.limiter.Middleware(scope)}
}

type priceResponse struct {
	Symbol string              `json:"symbol"`
	Candle models.Candle       `json:"candle"`
	Stream models.StreamStatus `json:"stream"`
}

func (h *ForecastHandler) Price(c echo.Context) error {
	candle, err := h.candles.Latest(c.Request().Context())
	if errors.Is(err, models.ErrNoCandles) {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError("no candles stored yet"))
	}
	if err != nil {
		h.logger.Error("price usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	return xhttp.SuccessResponse(c, &priceResponse{Symbol: h.symbol, Candle: candle, Stream: h.stream.Status()})
}

type predictionsResponse struct {
	Latest  *models.PredictionSet `json:"latest,omitempty"`
	History []models.Prediction   `json:"history"`
}

func (h *ForecastHandler) Predictions(c echo.Context) error {
	req := &models.PredictionsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	rows, err := h.store.LatestPredictions(c.Request().Context(), req.Limit)
	if err != nil {
		h.logger.Error("predictions query error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	latest := h.preds.Latest()
	if latest == nil && len(rows) == 0 {
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("no predictions issued yet"))
	}
	if rows == nil {
		rows = []models.Prediction{}
	}
	return xhttp.SuccessResponse(c, &predictionsResponse{Latest: latest, History: rows})
}

func (h *ForecastHandler) History(c echo.Context) error {
	req := &models.HistoryRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	from, to, aerr := xhttp.ParseTimeRange(req.From, req.To)
	if aerr != nil {
		return xhttp.AppErrorResponse(c, aerr)
	}
	p := usecase.GetCandlesParams{From: from, To: to, Limit: req.Limit}

	res, err := h.candles.GetCandles(c.Request().Context(), p)
	if err != nil {
		h.logger.Error("history usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=15")
	return xhttp.SuccessResponse(c, res)
}

func (h *ForecastHandler) Continuity(c echo.Context) error {
	rep, err := h.candles.Continuity(c.Request().Context())
	if err != nil {
		h.logger.Error("continuity usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, rep)
}

func (h *ForecastHandler) Model(c echo.Context) error {
	m, err := h.preds.Metrics()
	if errors.Is(err, models.ErrNotInitialized) {
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("model not initialized"))
	}
	if err != nil {
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, m)
}

func (h *ForecastHandler) SetHalfLife(c echo.Context) error {
	req := &models.HalfLifeRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	m, err := h.preds.SetHalfLife(c.Request().Context(), req.HalfLife)
	if err != nil {
		h.logger.Warn("half-life rejected", xlogger.Float64("half_life", req.HalfLife), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()))
	}
	return xhttp.SuccessResponse(c, m)
}

const (
	upstreamCacheKey = "upstream:status"
	upstreamCacheTTL = 10 * time.Second
)

func (h *ForecastHandler) Upstream(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	var st models.UpstreamStatus
	if h.cache != nil {
		if err := h.cache.Get(ctx, upstreamCacheKey, &st); err == nil {
			return xhttp.SuccessResponse(c, st)
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			h.logger.Warn("upstream cache get error", xlogger.Error(err))
		}
	}
	st = h.probe.Check(ctx)
	if h.cache != nil && st.Reachable {
		if err := h.cache.Set(ctx, upstreamCacheKey, st, upstreamCacheTTL); err != nil {
			h.logger.Warn("upstream cache set error", xlogger.Error(err))
		}
	}
	return xhttp.SuccessResponse(c, st)
}

type healthResponse struct {
	Status string              `json:"status"`
	Store  string              `json:"store"`
	Stream models.StreamStatus `json:"stream"`
}

// Health reports 503 when the store is unreachable or the stream has failed.
func (h *ForecastHandler) Health(c echo.Context) error {
	res := &healthResponse{Status: "ok", Store: "ok", Stream: h.stream.Status()}
	code := http.StatusOK
	if err := h.health.Health(c.Request().Context()); err != nil {
		res.Store = err.Error()
		res.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if res.Stream.State == models.StreamFailed.String() {
		res.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	return xhttp.DataResponse(c, code, res)
}
