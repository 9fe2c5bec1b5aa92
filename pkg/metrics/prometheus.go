package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var streamStates = []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "RECONNECTING", "FAILED"}

// Recorder implements repository.Metrics using Prometheus.
type Recorder struct {
	candles      *prometheus.CounterVec
	gaps         prometheus.Counter
	gapIntervals prometheus.Counter
	backfills    *prometheus.CounterVec
	streamState  *prometheus.GaugeVec
	reconnects   prometheus.Counter
	errorsTotal  *prometheus.CounterVec
	lastPrice    prometheus.Gauge
	forecast     *prometheus.GaugeVec
	latency      *prometheus.HistogramVec
}

// New registers the collectors on reg (prometheus.DefaultRegisterer in production).
func New(reg prometheus.Registerer, symbol string) *Recorder {
	f := promauto.With(reg)
	labels := prometheus.Labels{"symbol": symbol}
	return &Recorder{
		candles: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "candlecast_candles_stored_total",
			Help:        "Closed candles written to the store, by source",
			ConstLabels: labels,
		}, []string{"source"}),
		gaps: f.NewCounter(prometheus.CounterOpts{
			Name:        "candlecast_gaps_detected_total",
			Help:        "Sequence gaps detected on the live stream",
			ConstLabels: labels,
		}),
		gapIntervals: f.NewCounter(prometheus.CounterOpts{
			Name:        "candlecast_gap_intervals_total",
			Help:        "Missing intervals across detected gaps",
			ConstLabels: labels,
		}),
		backfills: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "candlecast_backfills_total",
			Help:        "Backfill tasks by result",
			ConstLabels: labels,
		}, []string{"result"}),
		streamState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "candlecast_stream_state",
			Help:        "1 for the current live stream state, 0 otherwise",
			ConstLabels: labels,
		}, []string{"state"}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Name:        "candlecast_stream_reconnects_total",
			Help:        "Stream reconnect attempts",
			ConstLabels: labels,
		}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "candlecast_errors_total",
			Help:        "Errors by kind",
			ConstLabels: labels,
		}, []string{"type"}),
		lastPrice: f.NewGauge(prometheus.GaugeOpts{
			Name:        "candlecast_last_close",
			Help:        "Close of the last accepted candle",
			ConstLabels: labels,
		}),
		forecast: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "candlecast_forecast_price",
			Help:        "Latest point forecast by horizon in minutes",
			ConstLabels: labels,
		}, []string{"horizon"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "candlecast_operation_duration_seconds",
			Help:        "Duration of operations in seconds",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"operation"}),
	}
}

func (r *Recorder) RecordCandles(source string, n int) {
	r.candles.WithLabelValues(source).Add(float64(n))
}

func (r *Recorder) RecordGap(missing int64) {
	r.gaps.Inc()
	r.gapIntervals.Add(float64(missing))
}

func (r *Recorder) RecordBackfill(result string, candles int) {
	r.backfills.WithLabelValues(result).Inc()
	if candles > 0 {
		r.candles.WithLabelValues("backfill").Add(float64(candles))
	}
}

// RecordStreamState sets the named state gauge to 1 and all others to 0.
func (r *Recorder) RecordStreamState(state string) {
	for _, s := range streamStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.streamState.WithLabelValues(s).Set(v)
	}
}

func (r *Recorder) RecordReconnect() { r.reconnects.Inc() }

func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordLastPrice(price float64) { r.lastPrice.Set(price) }

func (r *Recorder) RecordForecast(horizonMinutes int, yHat float64) {
	r.forecast.WithLabelValues(strconv.Itoa(horizonMinutes)).Set(yHat)
}

func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) RecordCandles(string, int)     {}
func (Nop) RecordGap(int64)               {}
func (Nop) RecordBackfill(string, int)    {}
func (Nop) RecordStreamState(string)      {}
func (Nop) RecordReconnect()              {}
func (Nop) RecordError(string)            {}
func (Nop) RecordLastPrice(float64)       {}
func (Nop) RecordForecast(int, float64)   {}
func (Nop) RecordLatency(string, float64) {}
