package types

import (
	"fmt"
	"time"
)

// The original import sources (CSV uploads, API clients, legacy records)
// supply timestamps in several shapes: RFC 3339 strings, bare dates, and
// unix epoch numbers in seconds or milliseconds. NormalizeInstant is the
// single conversion point; everything past the ingestion boundary works
// with UTC time.Time values only.

// epochMillisThreshold distinguishes unix seconds from unix milliseconds.
// Values above it are treated as milliseconds (anything after ~2001 in
// millisecond terms).
const epochMillisThreshold = 1e11

// NormalizeInstant converts an accepted external timestamp representation
// into a canonical UTC instant. Supported inputs:
//
//   - time.Time (returned in UTC)
//   - string: RFC 3339 (with or without fractional seconds) or "2006-01-02"
//   - int64 / float64: unix epoch seconds or milliseconds
//
// A zero time.Time or empty string yields an error; callers decide whether
// an absent timestamp is acceptable before normalizing.
func NormalizeInstant(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, fmt.Errorf("zero timestamp")
		}
		return t.UTC(), nil
	case string:
		return ParseInstant(t)
	case int64:
		return fromEpoch(float64(t)), nil
	case float64:
		return fromEpoch(t), nil
	case int:
		return fromEpoch(float64(t)), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// ParseInstant parses a timestamp string into a canonical UTC instant.
// Bare dates are anchored at midnight UTC.
func ParseInstant(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format %q", s)
}

func fromEpoch(v float64) time.Time {
	if v > epochMillisThreshold {
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Unix(int64(v), 0).UTC()
}
