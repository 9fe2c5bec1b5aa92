package forecast

import (
	"errors"
	"fmt"
	"math"
	"time"

	"CandleCast/internal/domain/models"
	domsvc "CandleCast/internal/domain/service"
)

// Params are the tuning constants of the adaptive local-linear-trend filter.
type Params struct {
	HalfLife float64 // intervals
	CLevel   float64
	CTrend   float64
	R0Mult   float64
	Interval time.Duration
}

func DefaultParams() Params {
	return Params{HalfLife: 5, CLevel: 1.0, CTrend: 0.1, R0Mult: 0.1, Interval: 3 * time.Minute}
}

const (
	z95          = 1.96
	minVariance  = 1e-10
	minEwmVolume = 1e-6
	rFloor       = 1e-12
	initEwmVar   = 1e-6
	initEwmVol   = 1.0
)

var (
	priorCov    = diag(1e2, 1e0)
	postInitCov = diag(10, 1)
	initialQ    = diag(1e-6, 1e-7)
	initialR    = 1e-4

	errHalfLife = errors.New("half-life must be > 0")
)

var _ domsvc.Forecaster = (*Filter)(nil)

// Filter tracks [level, trend] of log price. Covariance is discounted by
// δ = 0.5^(1/halfLife) before every step; process and observation noise are
// re-derived from an exponentially weighted return variance, with observation
// noise shrinking as relative volume grows.
//
// Filter is not safe for concurrent use.
type Filter struct {
	params Params
	delta  float64
	alpha  float64

	x       [2]float64
	p       mat2
	q       mat2
	r       float64
	ewmVarR float64
	ewmVol  float64

	prevClose    float64
	lastOpenTime int64
	initialized  bool
	updatedAt    time.Time
}

func NewFilter(p Params) (*Filter, error) {
	if p.Interval <= 0 {
		p.Interval = DefaultParams().Interval
	}
	if p.CLevel <= 0 || p.CTrend <= 0 || p.R0Mult <= 0 {
		return nil, fmt.Errorf("noise constants must be > 0")
	}
	f := &Filter{
		params:  p,
		p:       priorCov,
		q:       initialQ,
		r:       initialR,
		ewmVarR: initEwmVar,
		ewmVol:  initEwmVol,
	}
	if err := f.SetHalfLife(p.HalfLife); err != nil {
		return nil, err
	}
	return f, nil
}

// SetHalfLife changes the forgetting rate; it takes effect from the next update.
func (f *Filter) SetHalfLife(h float64) error {
	if !(h > 0) || math.IsInf(h, 0) {
		return errHalfLife
	}
	f.params.HalfLife = h
	f.delta = math.Pow(0.5, 1/h)
	f.alpha = 1 - f.delta
	return nil
}

func (f *Filter) HalfLife() float64 { return f.params.HalfLife }

func (f *Filter) Initialized() bool { return f.initialized }

func (f *Filter) LastOpenTime() int64 { return f.lastOpenTime }

// Initialize fits [level, trend] by half-life-weighted least squares over the
// candles (ascending, weight δ^age with the newest at age 0, so level lands on
// the newest point). The return-variance and volume averages are warmed over
// the same history.
func (f *Filter) Initialize(candles []models.Candle) error {
	if len(candles) == 0 {
		return models.ErrNoCandles
	}

	n := len(candles)
	var s0, s1, s2, t0, t1 float64
	w := 1.0
	for i := n - 1; i >= 0; i-- {
		c := candles[i]
		if !(c.Close > 0) {
			return fmt.Errorf("%w: close %v at %d", models.ErrInvalidCandle, c.Close, c.OpenTime)
		}
		a := -float64(n - 1 - i)
		y := math.Log(c.Close)
		s0 += w
		s1 += w * a
		s2 += w * a * a
		t0 += w * y
		t1 += w * a * y
		w *= f.delta
	}

	det := s0*s2 - s1*s1
	if n < 2 || math.Abs(det) < 1e-12 {
		f.x = [2]float64{t0 / s0, 0}
	} else {
		f.x = [2]float64{(s2*t0 - s1*t1) / det, (s0*t1 - s1*t0) / det}
	}
	f.p = postInitCov
	f.q = initialQ
	f.r = initialR
	f.ewmVarR = initEwmVar
	f.ewmVol = initEwmVol
	for i := 1; i < n; i++ {
		r := math.Log(candles[i].Close / candles[i-1].Close)
		f.ewmVarR = (1-f.alpha)*f.ewmVarR + f.alpha*r*r
		f.ewmVol = (1-f.alpha)*f.ewmVol + f.alpha*math.Max(candles[i].Volume, 1)
	}

	last := candles[n-1]
	f.prevClose = last.Close
	f.lastOpenTime = last.OpenTime
	f.initialized = true
	f.updatedAt = time.Now().UTC()
	return nil
}

// Update ingests one closed candle and returns the one-step-ahead band.
// On ErrNumerical the filter keeps its previous state.
func (f *Filter) Update(c models.Candle) (models.Band, error) {
	if !f.initialized {
		return models.Band{}, models.ErrNotInitialized
	}
	if !(c.Close > 0) {
		return models.Band{}, fmt.Errorf("%w: close %v", models.ErrInvalidCandle, c.Close)
	}

	prev := *f
	y := math.Log(c.Close)
	r := math.Log(c.Close / f.prevClose)

	f.p = f.p.scale(1 / f.delta)
	f.adaptNoise(r, c.Volume)

	// predict
	f.x = transition.apply(f.x)
	f.p = transition.sandwich(f.p).add(f.q)

	// update, Joseph form
	s := f.p[0][0] + f.r
	k := [2]float64{f.p[0][0] / s, f.p[1][0] / s}
	innov := y - f.x[0]
	f.x[0] += k[0] * innov
	f.x[1] += k[1] * innov
	ikh := mat2{{1 - k[0], 0}, {-k[1], 1}}
	kkt := mat2{{k[0] * k[0], k[0] * k[1]}, {k[1] * k[0], k[1] * k[1]}}
	f.p = ikh.sandwich(f.p).add(kkt.scale(f.r)).symmetrize()

	if !f.p.psd() || math.IsNaN(f.x[0]) || math.IsNaN(f.x[1]) {
		bad := f.p
		*f = prev
		return models.Band{}, fmt.Errorf("%w: P=%v (half-life %.3g)", models.ErrNumerical, bad, f.params.HalfLife)
	}

	f.prevClose = c.Close
	f.lastOpenTime = c.OpenTime
	f.updatedAt = time.Now().UTC()
	return f.band(1), nil
}

func (f *Filter) adaptNoise(r, volume float64) {
	f.ewmVarR = (1-f.alpha)*f.ewmVarR + f.alpha*r*r
	sigma2 := math.Max(f.ewmVarR, minVariance)
	f.q = diag(f.params.CLevel*sigma2, f.params.CTrend*sigma2)

	f.ewmVol = (1-f.alpha)*f.ewmVol + f.alpha*math.Max(volume, 1)
	volFactor := 1 / math.Sqrt(1+volume/math.Max(f.ewmVol, minEwmVolume))
	f.r = f.params.R0Mult*sigma2*volFactor + rFloor
}

// Forecast propagates the current state n intervals ahead. n < 1 is treated as 1.
func (f *Filter) Forecast(n int) (models.Band, error) {
	if !f.initialized {
		return models.Band{}, models.ErrNotInitialized
	}
	return f.band(n), nil
}

// ForecastMinutes converts a horizon in minutes to whole intervals and forecasts it.
func (f *Filter) ForecastMinutes(minutes int) (models.Band, error) {
	return f.Forecast(f.StepsFor(minutes))
}

// StepsFor rounds a horizon in minutes to interval steps, at least one.
func (f *Filter) StepsFor(minutes int) int {
	n := int(math.Round(float64(minutes) / f.params.Interval.Minutes()))
	if n < 1 {
		n = 1
	}
	return n
}

func (f *Filter) band(n int) models.Band {
	if n < 1 {
		n = 1
	}
	fn := transitionPow(n)
	x := fn.apply(f.x)

	var qsum mat2
	for i := 0; i < n; i++ {
		qsum = transition.sandwich(qsum).add(f.q)
	}
	pn := fn.sandwich(f.p).add(qsum)
	std := math.Sqrt(pn[0][0] + f.r)

	y := x[0]
	return models.Band{
		Steps:  n,
		YHat:   math.Exp(y),
		Lo68:   math.Exp(y - std),
		Hi68:   math.Exp(y + std),
		Lo95:   math.Exp(y - z95*std),
		Hi95:   math.Exp(y + z95*std),
		LogStd: std,
	}
}

// Snapshot captures every quantity needed to continue the same trajectory.
func (f *Filter) Snapshot() models.FilterState {
	return models.FilterState{
		Level:        f.x[0],
		Trend:        f.x[1],
		P:            f.p,
		Q:            f.q,
		R:            f.r,
		EwmVarR:      f.ewmVarR,
		EwmVol:       f.ewmVol,
		HalfLife:     f.params.HalfLife,
		CLevel:       f.params.CLevel,
		CTrend:       f.params.CTrend,
		R0Mult:       f.params.R0Mult,
		PrevClose:    f.prevClose,
		LastOpenTime: f.lastOpenTime,
		UpdatedAt:    f.updatedAt,
	}
}

// Restore loads a snapshot. Noise constants in the snapshot win over the
// configured ones so the trajectory is reproduced exactly.
func (f *Filter) Restore(st models.FilterState) error {
	if !mat2(st.P).psd() {
		return fmt.Errorf("%w: restored P=%v", models.ErrNumerical, st.P)
	}
	if !(st.PrevClose > 0) {
		return fmt.Errorf("%w: restored prev close %v", models.ErrInvalidCandle, st.PrevClose)
	}
	if err := f.SetHalfLife(st.HalfLife); err != nil {
		return err
	}
	if st.CLevel > 0 {
		f.params.CLevel = st.CLevel
	}
	if st.CTrend > 0 {
		f.params.CTrend = st.CTrend
	}
	if st.R0Mult > 0 {
		f.params.R0Mult = st.R0Mult
	}
	f.x = [2]float64{st.Level, st.Trend}
	f.p = st.P
	f.q = st.Q
	f.r = st.R
	f.ewmVarR = st.EwmVarR
	f.ewmVol = st.EwmVol
	f.prevClose = st.PrevClose
	f.lastOpenTime = st.LastOpenTime
	f.updatedAt = st.UpdatedAt
	f.initialized = true
	return nil
}

// Metrics summarizes the filter in human units.
func (f *Filter) Metrics() models.ModelMetrics {
	perHour := time.Hour.Minutes() / f.params.Interval.Minutes()
	return models.ModelMetrics{
		Level:             math.Exp(f.x[0]),
		TrendPerHour:      f.x[1] * perHour,
		Volatility:        math.Sqrt(f.ewmVarR),
		HalfLifeMinutes:   f.params.HalfLife * f.params.Interval.Minutes(),
		HalfLifeIntervals: f.params.HalfLife,
		EwmVolume:         f.ewmVol,
		CovarianceTrace:   f.p.trace(),
		LastOpenTime:      f.lastOpenTime,
	}
}
