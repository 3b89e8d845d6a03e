// Package features derives the fixed-shape model input for a segment.
package features

import "strings"

// Column positions within a Vector.
const (
	DepartureDelay = iota
	DwellDelay
	Peak
	DayOfWeek
	DayOfMonth
	HourOfDay
	Weekend
	Season
	Month
	Holiday
	RouteMeanDelay
	RouteDelayStd
	RouteSamples
	ContextAvailable

	Size
)

var names = [Size]string{
	"departure_delay",
	"dwell_delay",
	"peak",
	"day_of_week",
	"day_of_month",
	"hour_of_day",
	"weekend",
	"season",
	"month",
	"holiday",
	"route_mean_delay",
	"route_delay_std",
	"route_samples",
	"context_available",
}

type Vector struct {
	Values [Size]float64

	// Degraded is set when the route history lookup failed and the context
	// columns hold fallback values.
	Degraded       bool
	DegradedReason string
}

func Names() []string { return names[:] }

// Index resolves a column name, case-insensitively.
func Index(name string) (int, bool) {
	name = strings.ToLower(name)
	for i, n := range names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

func (v Vector) Get(col int) float64 { return v.Values[col] }

func (v Vector) Slice() []float64 {
	out := make([]float64, Size)
	copy(out, v.Values[:])
	return out
}
