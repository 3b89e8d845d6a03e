package models

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
)

type DepartureKind string

const (
	DepartureActual   DepartureKind = "actual"
	DepartureEstimate DepartureKind = "estimate"
	DepartureMissing  DepartureKind = "missing"
)

// SegmentKey identifies one station-to-station leg of one train. PlannedDep
// is held as unix seconds so the key stays comparable.
type SegmentKey struct {
	RID         string
	Origin      string
	Destination string
	PlannedDep  int64
}

func NewSegmentKey(rid, origin, destination string, plannedDep time.Time) SegmentKey {
	return SegmentKey{RID: rid, Origin: origin, Destination: destination, PlannedDep: plannedDep.Unix()}
}

func (k SegmentKey) PlannedDepTime() time.Time {
	return time.Unix(k.PlannedDep, 0).UTC()
}

// Pair is the route pair identifier used by the weights file, e.g. "POOLE_PSTONE".
func (k SegmentKey) Pair() string {
	return k.Origin + "_" + k.Destination
}

func (k SegmentKey) String() string {
	return fmt.Sprintf("%s:%s>%s@%s", k.RID, k.Origin, k.Destination, k.PlannedDepTime().Format(time.RFC3339))
}

type Segment struct {
	Key SegmentKey

	SSD        string
	PlannedDep time.Time
	PlannedArr time.Time

	DepTime      time.Time
	DepKind      DepartureKind
	HasActualDep bool

	DepartureDelay   float64
	ArrivalDelay     *float64
	DwellDelay       *float64
	DestArrivalDelay *float64

	Sequence int
	Revision int
}

// StateHash fingerprints the observed timing of the segment. Two deliveries of
// the same movement produce the same hash; a revised estimate or a confirmed
// actual departure changes it.
func (s Segment) StateHash() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(s.Key.String())
	_, _ = d.WriteString(string(s.DepKind))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(s.DepTime.Unix()))
	_, _ = d.Write(buf[:])
	for _, v := range []*float64{&s.DepartureDelay, s.ArrivalDelay, s.DwellDelay, s.DestArrivalDelay} {
		bits := uint64(math.MaxUint64)
		if v != nil {
			bits = math.Float64bits(*v)
		}
		binary.LittleEndian.PutUint64(buf[:], bits)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// Float is a convenience for optional delay fields.
func Float(v float64) *float64 { return &v }
