package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"CandleCast/internal/domain/models"
	"CandleCast/internal/domain/repository"
	applogger "CandleCast/pkg/logger"

	binance "github.com/adshao/go-binance/v2"
)

const apiKeyHeader = "X-MBX-APIKEY"

// RESTConfig scopes the client to one symbol and interval.
type RESTConfig struct {
	BaseURL        string
	APIKey         string
	SecretKey      string
	Symbol         string
	Interval       string // exchange code, e.g. "3m"
	IntervalLength time.Duration
	PageSize       int
	PageDelay      time.Duration
	RequestTimeout time.Duration
}

// RESTClient pages closed klines through the exchange REST API.
type RESTClient struct {
	client *binance.Client
	cfg    RESTConfig
	iv     models.Interval
	logger *applogger.Logger
	now    func() time.Time
}

var _ repository.KlineSource = (*RESTClient)(nil)

func NewRESTClient(cfg RESTConfig, logger *applogger.Logger) *RESTClient {
	if cfg.PageSize <= 0 || cfg.PageSize > 1000 {
		cfg.PageSize = 1000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	c := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	var rt http.RoundTripper = http.DefaultTransport
	if cfg.APIKey != "" {
		rt = apiKeyTransport{key: cfg.APIKey, base: rt}
	}
	c.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout, Transport: rt}

	return &RESTClient{
		client: c,
		cfg:    cfg,
		iv:     models.NewInterval(cfg.IntervalLength),
		logger: logger,
		now:    time.Now,
	}
}

// FetchRange returns closed candles with start <= open time < end, ascending.
// Klines still forming at call time are dropped. On a request failure the pages
// fetched so far are returned together with the error.
func (c *RESTClient) FetchRange(ctx context.Context, start, end int64) ([]models.Candle, error) {
	var out []models.Candle
	cursor := c.iv.Floor(start)

	for page := 1; cursor < end; page++ {
		klines, err := c.fetchPage(ctx, cursor, end)
		if err != nil {
			c.logger.Warn("kline page request failed",
				applogger.String("symbol", c.cfg.Symbol),
				applogger.Int("page", page),
				applogger.Millis("cursor", cursor),
				applogger.Int("fetched", len(out)),
				applogger.Error(err),
			)
			return out, fmt.Errorf("fetch klines from %d: %w", cursor, err)
		}

		nowMs := c.now().UnixMilli()
		lastOpen := int64(-1)
		for _, k := range klines {
			candle, err := klineToCandle(k)
			if err != nil {
				c.logger.Warn("skipping malformed kline", applogger.Int64("open_time", k.OpenTime), applogger.Error(err))
				continue
			}
			lastOpen = candle.OpenTime
			if candle.OpenTime < start || candle.OpenTime >= end || !c.iv.Closed(candle.OpenTime, nowMs) {
				continue
			}
			out = append(out, candle)
		}

		if len(klines) < c.cfg.PageSize || lastOpen < cursor {
			break
		}
		cursor = lastOpen + c.iv.Ms()

		if c.cfg.PageDelay > 0 && cursor < end {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(c.cfg.PageDelay):
			}
		}
	}

	c.logger.Debug("kline range fetched",
		applogger.Millis("start", start),
		applogger.Millis("end", end),
		applogger.Int("candles", len(out)),
	)
	return out, nil
}

func (c *RESTClient) fetchPage(ctx context.Context, cursor, end int64) ([]*binance.Kline, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	return c.client.NewKlinesService().
		Symbol(c.cfg.Symbol).
		Interval(c.cfg.Interval).
		StartTime(cursor).
		EndTime(end - 1).
		Limit(c.cfg.PageSize).
		Do(ctx)
}

func klineToCandle(k *binance.Kline) (models.Candle, error) {
	var (
		c   = models.Candle{OpenTime: k.OpenTime, TradeCount: k.TradeNum}
		err error
	)
	fields := []struct {
		dst *float64
		src string
	}{
		{&c.Open, k.Open}, {&c.High, k.High}, {&c.Low, k.Low}, {&c.Close, k.Close},
		{&c.Volume, k.Volume}, {&c.QuoteVolume, k.QuoteAssetVolume},
	}
	for _, f := range fields {
		if *f.dst, err = strconv.ParseFloat(f.src, 64); err != nil {
			return models.Candle{}, err
		}
	}
	return c, nil
}

// apiKeyTransport attaches the API key to public endpoints for the higher rate limit tier.
type apiKeyTransport struct {
	key  string
	base http.RoundTripper
}

func (t apiKeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set(apiKeyHeader, t.key)
	return t.base.RoundTrip(r)
}
