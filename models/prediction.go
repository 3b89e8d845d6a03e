package models

import "time"

type CacheStatus string

const (
	CacheHit  CacheStatus = "hit"
	CacheMiss CacheStatus = "miss"
)

type Prediction struct {
	RID         string    `json:"rid"`
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	PlannedDep  time.Time `json:"planned_dep"`
	PlannedArr  time.Time `json:"planned_arr"`
	SSD         string    `json:"ssd"`

	DepTime        time.Time     `json:"dep_time"`
	DepKind        DepartureKind `json:"dep_time_kind"`
	HasActualDep   bool          `json:"has_actual_dep"`
	DepartureDelay float64       `json:"departure_delay"`
	DwellDelay     *float64      `json:"dwell_delay"`

	Features []float64 `json:"features"`

	PredictedDelay float64     `json:"predicted_delay"`
	Confidence     float64     `json:"confidence"`
	ModelVersion   string      `json:"model_version"`
	GeneratedAt    time.Time   `json:"generated_at"`
	CacheStatus    CacheStatus `json:"cache_status"`
	Degraded       bool        `json:"degraded"`
	Excluded       []string    `json:"excluded,omitempty"`
	Revision       int         `json:"revision"`
}

func (p Prediction) Key() SegmentKey {
	return NewSegmentKey(p.RID, p.Origin, p.Destination, p.PlannedDep)
}
