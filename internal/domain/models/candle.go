package models

import "time"

// Candle is one closed fixed-length OHLCV interval. OpenTime is its identity.
type Candle struct {
	OpenTime    int64   `json:"open_time"` // epoch ms
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	TradeCount  int64   `json:"trade_count"`
	QuoteVolume float64 `json:"quote_volume"`
}

// Time returns the interval start as UTC time.
func (c Candle) Time() time.Time { return time.UnixMilli(c.OpenTime).UTC() }

// Interval is a candle length in milliseconds.
type Interval int64

// NewInterval converts a duration to an Interval.
func NewInterval(d time.Duration) Interval { return Interval(d / time.Millisecond) }

// Ms returns the interval length in milliseconds.
func (iv Interval) Ms() int64 { return int64(iv) }

// Duration returns the interval as a time.Duration.
func (iv Interval) Duration() time.Duration { return time.Duration(iv) * time.Millisecond }

// Floor rounds ms down to the enclosing interval boundary.
func (iv Interval) Floor(ms int64) int64 {
	n := int64(iv)
	r := ms % n
	if r < 0 {
		r += n
	}
	return ms - r
}

// Aligned reports whether ms sits exactly on a boundary.
func (iv Interval) Aligned(ms int64) bool { return ms%int64(iv) == 0 }

// Closed reports whether the interval starting at openTime has fully elapsed at nowMs.
func (iv Interval) Closed(openTime, nowMs int64) bool { return openTime+int64(iv) <= nowMs }

// LastClosedEnd returns the exclusive upper bound of fully closed intervals at nowMs,
// i.e. the open time of the interval still forming.
func (iv Interval) LastClosedEnd(nowMs int64) int64 { return iv.Floor(nowMs) }

// Boundaries enumerates every interval start in [start, end), both ends floored.
func (iv Interval) Boundaries(start, end int64) []int64 {
	cur := iv.Floor(start)
	stop := iv.Floor(end)
	if cur >= stop {
		return nil
	}
	out := make([]int64, 0, (stop-cur)/int64(iv))
	for ; cur < stop; cur += int64(iv) {
		out = append(out, cur)
	}
	return out
}

// Gap is a pair of adjacent stored candles that are not exactly one interval apart.
type Gap struct {
	Prev    int64 `json:"prev"`
	Next    int64 `json:"next"`
	Missing int64 `json:"missing"`
}

// FindGaps walks ascending open times and reports every discontinuity.
func FindGaps(iv Interval, openTimes []int64) []Gap {
	var gaps []Gap
	for i := 1; i < len(openTimes); i++ {
		prev, next := openTimes[i-1], openTimes[i]
		if next-prev != int64(iv) {
			missing := (next-prev)/int64(iv) - 1
			if missing < 0 {
				missing = 0
			}
			gaps = append(gaps, Gap{Prev: prev, Next: next, Missing: missing})
		}
	}
	return gaps
}
