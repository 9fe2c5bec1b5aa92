package binance

import (
	"context"
	"strconv"
	"time"

	"CandleCast/internal/domain/models"
	pkghttp "CandleCast/pkg/http"
	applogger "CandleCast/pkg/logger"
)

const (
	rateLimitWithKey = 6000
	rateLimitPublic  = 1200
	usedWeightHeader = "X-Mbx-Used-Weight-1m"
)

// Probe checks upstream reachability, clock skew and rate-limit headroom.
type Probe struct {
	http   *pkghttp.Client
	apiKey bool
	logger *applogger.Logger
	now    func() time.Time
}

func NewProbe(baseURL, apiKey string, timeout time.Duration, logger *applogger.Logger) *Probe {
	return &Probe{
		http: pkghttp.NewClient(
			pkghttp.WithBaseURL(baseURL),
			pkghttp.WithTimeout(timeout),
			pkghttp.WithHeader(apiKeyHeader, apiKey),
		),
		apiKey: apiKey != "",
		logger: logger,
		now:    time.Now,
	}
}

type serverTime struct {
	ServerTime int64 `json:"serverTime"`
}

// Check never returns an error; failures are reported in the status.
func (p *Probe) Check(ctx context.Context) models.UpstreamStatus {
	st := models.UpstreamStatus{APIKeyUsed: p.apiKey, RateLimitPerMinute: rateLimitPublic}
	if p.apiKey {
		st.RateLimitPerMinute = rateLimitWithKey
	}

	var body serverTime
	resp, err := p.http.SendAndParse(ctx, &pkghttp.RequestOptions{URL: "/api/v3/time"}, &body)
	if err != nil {
		st.Error = err.Error()
		p.logger.Warn("upstream probe failed", applogger.Error(err))
		return st
	}

	st.Reachable = true
	st.ServerTime = body.ServerTime
	st.LatencyMs = resp.Latency.Milliseconds()
	st.ClockSkewMs = body.ServerTime - p.now().UnixMilli()
	if w, err := strconv.Atoi(resp.Header.Get(usedWeightHeader)); err == nil {
		st.UsedWeight1m = w
	}
	return st
}
