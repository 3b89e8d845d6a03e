package segments

import (
	"fmt"
	"time"

	"railflow/models"
)

type WindowMode string

const (
	WindowInProgress    WindowMode = "in_progress"
	WindowNearDeparture WindowMode = "near_departure"
	WindowNone          WindowMode = "none"
)

// Window keeps segments that are relevant for live prediction, judged on
// planned times only.
type Window struct {
	Mode WindowMode

	// in_progress: started or about to start, and not yet finished.
	DepGraceAfterNow  time.Duration
	ArrGraceBeforeNow time.Duration

	// near_departure: planned departure in [now-Before, now+After].
	Before time.Duration
	After  time.Duration
}

func NewWindow(mode string) (Window, error) {
	w := Window{
		Mode:              WindowMode(mode),
		DepGraceAfterNow:  5 * time.Minute,
		ArrGraceBeforeNow: 2 * time.Minute,
		Before:            30 * time.Minute,
		After:             180 * time.Minute,
	}
	switch w.Mode {
	case WindowInProgress, WindowNearDeparture, WindowNone:
		return w, nil
	}
	return Window{}, fmt.Errorf("unknown window mode %q", mode)
}

func (w Window) Allow(seg models.Segment, now time.Time) bool {
	switch w.Mode {
	case WindowNone, "":
		return true
	case WindowNearDeparture:
		return !seg.PlannedDep.Before(now.Add(-w.Before)) && !seg.PlannedDep.After(now.Add(w.After))
	case WindowInProgress:
		if seg.PlannedArr.IsZero() {
			return false
		}
		return !seg.PlannedDep.After(now.Add(w.DepGraceAfterNow)) && !seg.PlannedArr.Before(now.Add(-w.ArrGraceBeforeNow))
	}
	return false
}
