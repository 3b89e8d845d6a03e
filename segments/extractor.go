package segments

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"railflow/models"
)

// Drop reasons reported by Stats and the dropped events counter.
const (
	ReasonMalformed       = "malformed"
	ReasonOffRoute        = "off_route"
	ReasonNoPlannedDep    = "no_planned_departure"
	ReasonOutOfOrder      = "out_of_order"
	ReasonTimeUnparseable = "bad_time"
	ReasonReverse         = "reverse_direction"
)

// reverseThreshold is how far a destination time may precede its origin
// before the whole train is treated as running against the route.
const reverseThreshold = 10 * time.Minute

var (
	eventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "railflow_extractor_events_received_total",
		Help: "Total number of feed events offered to the segment extractor.",
	})
	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "railflow_extractor_events_dropped_total",
		Help: "Feed events or candidate segments dropped, by reason.",
	}, []string{"reason"})
	segmentsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "railflow_extractor_segments_emitted_total",
		Help: "Segments emitted by the extractor, split into first emissions and revisions.",
	}, []string{"kind"})
	trainsTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "railflow_extractor_trains_tracked",
		Help: "Trains currently held in the extractor working set.",
	})
)

type ExtractorConfig struct {
	TrainInactivity time.Duration
	MaxTrains       int
	Location        *time.Location
}

type Stats struct {
	Events    uint64            `json:"events"`
	Emitted   uint64            `json:"emitted"`
	Revisions uint64            `json:"revisions"`
	Expired   uint64            `json:"expired"`
	Evicted   uint64            `json:"evicted"`
	Trains    int               `json:"trains"`
	Dropped   map[string]uint64 `json:"dropped"`
}

// location holds the merged timing fields seen for one route station.
type location struct {
	seen                    bool
	pta, ptd, wta, wtd, wtp string
	eta, etd, ata, atd      string
}

type pairState struct {
	set        bool
	key        models.SegmentKey
	plannedDep time.Time
	hash       uint64
	revision   int
}

type trainSlot struct {
	rid      string
	ssd      string
	lastSeen time.Time
	inUse    bool
	reversed bool
	locs     []location
	pairs    []pairState
	// votes holds the direction seen on each pair: 1 forward, -1 reverse.
	votes []int8
}

// checkDirection marks the train reversed once most of its evaluated pairs,
// and at least two, point against the route.
func (s *trainSlot) checkDirection() {
	var fwd, rev int
	for _, v := range s.votes {
		switch v {
		case 1:
			fwd++
		case -1:
			rev++
		}
	}
	if fwd+rev >= 2 && rev > fwd {
		s.reversed = true
	}
}

// Extractor turns per-location feed events into station pair segments. Train
// state is kept in a fixed arena of slots, reused through a free list and
// reclaimed by Sweep once a train has been quiet for TrainInactivity.
type Extractor struct {
	route  *Route
	cfg    ExtractorConfig
	logger *zap.Logger

	mu    sync.Mutex
	slots []trainSlot
	index map[string]int
	free  []int
	stats Stats
}

func NewExtractor(route *Route, cfg ExtractorConfig, logger *zap.Logger) *Extractor {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.TrainInactivity <= 0 {
		cfg.TrainInactivity = 3 * time.Hour
	}
	return &Extractor{
		route:  route,
		cfg:    cfg,
		logger: logger.Named("extractor"),
		index:  make(map[string]int),
		stats:  Stats{Dropped: make(map[string]uint64)},
	}
}

// Process applies one event to its train's state and returns the segments it
// completes or revises, in route order. Events must be offered in feed order.
func (e *Extractor) Process(ev models.FeedEvent, now time.Time) []models.Segment {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Events++
	eventsReceived.Inc()

	if err := ev.Validate(); err != nil {
		e.drop(ReasonMalformed)
		e.logger.Debug("dropping feed event", zap.String("rid", ev.RID), zap.Error(err))
		return nil
	}
	if err := validateClocks(ev); err != nil {
		e.drop(ReasonTimeUnparseable)
		e.logger.Debug("dropping feed event", zap.String("rid", ev.RID), zap.Error(err))
		return nil
	}

	idx, ok := e.route.Index(ev.TPL)
	if !ok {
		e.drop(ReasonOffRoute)
		if slot, tracked := e.index[ev.RID]; tracked {
			e.slots[slot].lastSeen = now
		}
		return nil
	}

	train := e.slot(ev.RID, ev.SSD, now)
	train.lastSeen = now
	if train.reversed {
		e.drop(ReasonReverse)
		return nil
	}
	train.locs[idx].merge(ev)

	var touched []int
	switch ev.Type {
	case models.EventArrival:
		touched = []int{idx - 1}
	case models.EventDeparture:
		touched = []int{idx}
	case models.EventPass:
		touched = []int{idx - 1, idx}
	}

	var out []models.Segment
	for _, p := range touched {
		if p < 0 || p+1 >= e.route.Len() {
			continue
		}
		if !train.locs[p].seen || !train.locs[p+1].seen {
			continue
		}
		seg, reason := e.build(train, p)
		train.checkDirection()
		if reason != "" {
			e.drop(reason)
			continue
		}
		if train.reversed {
			e.drop(ReasonReverse)
			continue
		}

		st := &train.pairs[p]
		hash := seg.StateHash()
		switch {
		case !st.set || st.key != seg.Key:
			*st = pairState{set: true, key: seg.Key, plannedDep: seg.PlannedDep, hash: hash}
			segmentsEmitted.WithLabelValues("first").Inc()
		case st.hash != hash:
			st.hash = hash
			st.revision++
			e.stats.Revisions++
			segmentsEmitted.WithLabelValues("revision").Inc()
		default:
			segmentsEmitted.WithLabelValues("repeat").Inc()
		}
		seg.Revision = st.revision
		e.stats.Emitted++
		out = append(out, seg)
	}
	return out
}

func (e *Extractor) build(train *trainSlot, p int) (models.Segment, string) {
	loc := e.cfg.Location
	a, b := train.locs[p], train.locs[p+1]

	// the planned departure of an emitted pair is frozen so its key stays
	// stable when a later event fills in a different planned field
	plannedDep := train.pairs[p].plannedDep
	if !train.pairs[p].set {
		plannedDepClock := firstNonEmpty(a.ptd, a.wtd)
		if plannedDepClock == "" {
			return models.Segment{}, ReasonNoPlannedDep
		}
		var err error
		plannedDep, err = Combine(train.ssd, plannedDepClock, time.Time{}, loc)
		if err != nil {
			return models.Segment{}, ReasonTimeUnparseable
		}
	}

	destClock := firstNonEmpty(b.pta, b.wta, b.wtp, b.ptd, b.wtd, b.ata, b.atd)
	if destClock == "" {
		return models.Segment{}, ReasonOutOfOrder
	}
	destTime, err := Combine(train.ssd, destClock, plannedDep, loc)
	if err != nil {
		return models.Segment{}, ReasonTimeUnparseable
	}
	if destTime.Before(plannedDep) {
		train.votes[p] = -1
		if plannedDep.Sub(destTime) >= reverseThreshold {
			train.reversed = true
		}
		return models.Segment{}, ReasonOutOfOrder
	}
	train.votes[p] = 1

	seg := models.Segment{
		Key:        models.NewSegmentKey(train.rid, e.route.Station(p).TIPLOC, e.route.Station(p+1).TIPLOC, plannedDep),
		SSD:        train.ssd,
		PlannedDep: plannedDep,
		Sequence:   p,
	}

	var depClock string
	switch {
	case a.atd != "":
		depClock, seg.DepKind, seg.HasActualDep = a.atd, models.DepartureActual, true
	case a.etd != "":
		depClock, seg.DepKind = a.etd, models.DepartureEstimate
	case a.wtd != "":
		depClock, seg.DepKind = a.wtd, models.DepartureEstimate
	case a.ptd != "":
		depClock, seg.DepKind = a.ptd, models.DepartureEstimate
	default:
		seg.DepKind = models.DepartureMissing
	}
	if depClock != "" {
		seg.DepTime, err = Combine(train.ssd, depClock, plannedDep, loc)
		if err != nil {
			return models.Segment{}, ReasonTimeUnparseable
		}
		seg.DepartureDelay = DelayMinutes(plannedDep, seg.DepTime)
	}

	if plannedArrA, arrA := firstNonEmpty(a.pta, a.wta), firstNonEmpty(a.ata, a.eta); plannedArrA != "" && arrA != "" {
		pa, err1 := Combine(train.ssd, plannedArrA, plannedDep, loc)
		oa, err2 := Combine(train.ssd, arrA, plannedDep, loc)
		if err1 == nil && err2 == nil {
			seg.ArrivalDelay = models.Float(DelayMinutes(pa, oa))
		}
	}
	switch {
	case p == 0 && seg.DepKind != models.DepartureMissing:
		seg.DwellDelay = models.Float(seg.DepartureDelay)
	case seg.ArrivalDelay != nil && seg.DepKind != models.DepartureMissing:
		seg.DwellDelay = models.Float(seg.DepartureDelay - *seg.ArrivalDelay)
	}

	if plannedArrClock := firstNonEmpty(b.pta, b.wta, b.wtp); plannedArrClock != "" {
		seg.PlannedArr, err = Combine(train.ssd, plannedArrClock, plannedDep, loc)
		if err != nil {
			return models.Segment{}, ReasonTimeUnparseable
		}
		if observed := firstNonEmpty(b.ata, b.eta); observed != "" {
			oa, err := Combine(train.ssd, observed, seg.PlannedArr, loc)
			if err == nil {
				seg.DestArrivalDelay = models.Float(DelayMinutes(seg.PlannedArr, oa))
			}
		}
	}
	if a.atd != "" && b.ata != "" {
		dep, err1 := Combine(train.ssd, a.atd, plannedDep, loc)
		arr, err2 := Combine(train.ssd, b.ata, dep, loc)
		if err1 == nil && err2 == nil && arr.Before(dep) {
			return models.Segment{}, ReasonOutOfOrder
		}
	}
	return seg, ""
}

// Sweep releases trains not seen for TrainInactivity and returns how many
// were released.
func (e *Extractor) Sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	released := 0
	for i := range e.slots {
		s := &e.slots[i]
		if s.inUse && now.Sub(s.lastSeen) > e.cfg.TrainInactivity {
			e.release(i)
			released++
		}
	}
	e.stats.Expired += uint64(released)
	if released > 0 {
		e.logger.Debug("expired inactive trains", zap.Int("count", released), zap.Int("tracked", len(e.index)))
	}
	return released
}

func (e *Extractor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.stats
	out.Trains = len(e.index)
	out.Dropped = make(map[string]uint64, len(e.stats.Dropped))
	for k, v := range e.stats.Dropped {
		out.Dropped[k] = v
	}
	return out
}

func (e *Extractor) slot(rid, ssd string, now time.Time) *trainSlot {
	if i, ok := e.index[rid]; ok {
		return &e.slots[i]
	}
	if e.cfg.MaxTrains > 0 && len(e.index) >= e.cfg.MaxTrains {
		e.evictOldest()
	}

	var i int
	if n := len(e.free); n > 0 {
		i = e.free[n-1]
		e.free = e.free[:n-1]
	} else {
		e.slots = append(e.slots, trainSlot{
			locs:  make([]location, e.route.Len()),
			pairs: make([]pairState, e.route.Len()-1),
			votes: make([]int8, e.route.Len()-1),
		})
		i = len(e.slots) - 1
	}
	s := &e.slots[i]
	s.rid, s.ssd, s.lastSeen, s.inUse = rid, ssd, now, true
	e.index[rid] = i
	trainsTracked.Set(float64(len(e.index)))
	return s
}

func (e *Extractor) evictOldest() {
	oldest := -1
	for i := range e.slots {
		if !e.slots[i].inUse {
			continue
		}
		if oldest < 0 || e.slots[i].lastSeen.Before(e.slots[oldest].lastSeen) {
			oldest = i
		}
	}
	if oldest >= 0 {
		e.logger.Debug("evicting train at capacity", zap.String("rid", e.slots[oldest].rid))
		e.release(oldest)
		e.stats.Evicted++
	}
}

func (e *Extractor) release(i int) {
	s := &e.slots[i]
	delete(e.index, s.rid)
	clear(s.locs)
	clear(s.pairs)
	clear(s.votes)
	s.rid, s.ssd, s.lastSeen, s.inUse, s.reversed = "", "", time.Time{}, false, false
	e.free = append(e.free, i)
	trainsTracked.Set(float64(len(e.index)))
}

func (e *Extractor) drop(reason string) {
	e.stats.Dropped[reason]++
	eventsDropped.WithLabelValues(reason).Inc()
}

func (l *location) merge(ev models.FeedEvent) {
	l.seen = true
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&l.pta, ev.PTA)
	set(&l.ptd, ev.PTD)
	set(&l.wta, ev.WTA)
	set(&l.wtd, ev.WTD)
	set(&l.wtp, ev.WTP)
	set(&l.eta, ev.ETA)
	set(&l.etd, ev.ETD)
	set(&l.ata, ev.ATA)
	set(&l.atd, ev.ATD)
}

func validateClocks(ev models.FeedEvent) error {
	var errs []error
	for _, v := range []string{ev.PTA, ev.PTD, ev.WTA, ev.WTD, ev.WTP, ev.ETA, ev.ETD, ev.ATA, ev.ATD} {
		if v == "" {
			continue
		}
		if _, err := ParseClock(v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
