package timeparser

import (
	"fmt"
	"math"
	"time"
)

// epochMillisCutoff separates epoch seconds from epoch milliseconds.
// 1e12 seconds is far in the future, 1e12 milliseconds is September 2001.
const epochMillisCutoff = 1e12

// ParseSensorTimestamp attempts to parse an ISO-8601 sensor timestamp with multiple formats
func ParseSensorTimestamp(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,             // 2024-01-02T15:04:05.999999999Z07:00
		time.RFC3339,                 // 2024-01-02T15:04:05Z07:00
		"2006-01-02T15:04:05.999999", // naive isoformat with fraction
		"2006-01-02T15:04:05",        // naive isoformat
		"2006-01-02 15:04:05",        // space separated
		"2006-01-02",                 // date only
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// FromEpoch converts an epoch value in seconds or milliseconds to UTC time
func FromEpoch(v float64) (time.Time, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return time.Time{}, fmt.Errorf("invalid epoch value %v", v)
	}
	if v >= epochMillisCutoff {
		return time.UnixMilli(int64(v)).UTC(), nil
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
