package util

import (
	"strconv"
	"time"
)

// ParseTime accepts RFC3339 (with or without fractional seconds), unix
// seconds and unix milliseconds. Returns (t, true) if any worked.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		if ts > 1e11 { // ms
			return time.UnixMilli(ts), true
		}
		return time.Unix(ts, 0), true
	}
	return time.Time{}, false
}

// NormalizeRange orders from/to and limits the span to maxSpan, keeping to.
func NormalizeRange(from, to time.Time, maxSpan time.Duration) (time.Time, time.Time) {
	if to.Before(from) {
		from, to = to, from
	}
	if maxSpan > 0 && to.Sub(from) > maxSpan {
		from = to.Add(-maxSpan)
	}
	return from, to
}
