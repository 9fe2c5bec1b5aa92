package models

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrStreamFailed   = errors.New("stream failed: reconnect budget exhausted")
	ErrNumerical      = errors.New("filter covariance is not positive semi-definite")
	ErrNotInitialized = errors.New("forecast model is not initialized")
	ErrNoCandles      = errors.New("no candles available")
	ErrInvalidCandle  = errors.New("invalid candle")
)

// Validate rejects candles that cannot be stored or fed to the model.
func (c Candle) Validate(iv Interval) error {
	switch {
	case c.OpenTime <= 0:
		return fmt.Errorf("%w: open time %d", ErrInvalidCandle, c.OpenTime)
	case iv > 0 && !iv.Aligned(c.OpenTime):
		return fmt.Errorf("%w: open time %d not aligned to %dms", ErrInvalidCandle, c.OpenTime, iv.Ms())
	case !(c.Close > 0) || math.IsInf(c.Close, 0):
		return fmt.Errorf("%w: close %v", ErrInvalidCandle, c.Close)
	case c.High < c.Low:
		return fmt.Errorf("%w: high %v < low %v", ErrInvalidCandle, c.High, c.Low)
	case c.Volume < 0:
		return fmt.Errorf("%w: volume %v", ErrInvalidCandle, c.Volume)
	}
	return nil
}
