package http

import (
	"time"

	xutil "CandleCast/pkg/util"
)

// ParseTimeRange parses optional from/to query values. Either bound may be
// empty and comes back as the zero time.
func ParseTimeRange(from, to string) (time.Time, time.Time, *AppError) {
	var f, t time.Time
	if from != "" {
		v, ok := xutil.ParseTime(from)
		if !ok {
			return f, t, BadRequestErrorf("invalid from %q", from).WithField("from")
		}
		f = v
	}
	if to != "" {
		v, ok := xutil.ParseTime(to)
		if !ok {
			return f, t, BadRequestErrorf("invalid to %q", to).WithField("to")
		}
		t = v
	}
	if !f.IsZero() && !t.IsZero() && f.After(t) {
		return f, t, BadRequestError("from must be <= to").WithField("from")
	}
	return f, t, nil
}
