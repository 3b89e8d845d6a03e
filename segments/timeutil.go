package segments

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// RolloverThreshold is how far a clock time may fall before its base
	// before it is read as the following day.
	RolloverThreshold = 2 * time.Hour

	wrapMinutes = 1200
	dayMinutes  = 1440
)

// ParseClock parses HH:MM, HH:MM:SS or HHMM into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var parts []string
	switch {
	case len(s) == 4 && !strings.Contains(s, ":"):
		parts = []string{s[:2], s[2:]}
	default:
		parts = strings.Split(s, ":")
	}
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}

	limits := []int{23, 59, 59}
	var total time.Duration
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("invalid clock time %q", s)
		}
		total += time.Duration(n) * units[i]
	}
	return total, nil
}

// Combine anchors a clock time on the service start date in loc. When base is
// set and the result is more than RolloverThreshold before it, the time is
// moved to the next day.
func Combine(ssd, clock string, base time.Time, loc *time.Location) (time.Time, error) {
	day, err := time.ParseInLocation(time.DateOnly, ssd, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid service date %q: %w", ssd, err)
	}
	offset, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}

	t := time.Date(day.Year(), day.Month(), day.Day(),
		int(offset/time.Hour), int(offset%time.Hour/time.Minute), int(offset%time.Minute/time.Second), 0, loc)

	if !base.IsZero() && t.Before(base) && base.Sub(t) > RolloverThreshold {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

// DelayMinutes returns actual minus planned in minutes, folding differences
// beyond 20 hours back across midnight.
func DelayMinutes(planned, actual time.Time) float64 {
	m := actual.Sub(planned).Minutes()
	if m > wrapMinutes {
		m -= dayMinutes
	}
	if m < -wrapMinutes {
		m += dayMinutes
	}
	return m
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
