package segments

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"railflow/models"
)

const ssd = "2025-01-15"

func testRoute(t *testing.T) *Route {
	t.Helper()
	r, err := NewRoute([]Station{
		{TIPLOC: "POOLE", CRS: "POO"},
		{TIPLOC: "PSTONE", CRS: "PKS"},
		{TIPLOC: "BRANKSM", CRS: "BSM"},
	})
	require.NoError(t, err)
	return r
}

func newTestExtractor(t *testing.T, cfg ExtractorConfig) *Extractor {
	t.Helper()
	cfg.Location = london(t)
	return NewExtractor(testRoute(t), cfg, zap.NewNop())
}

func dep(rid, tpl, ptd, atd string) models.FeedEvent {
	return models.FeedEvent{RID: rid, SSD: ssd, TPL: tpl, Type: models.EventDeparture, PTD: ptd, ATD: atd}
}

func arr(rid, tpl, pta, ata string) models.FeedEvent {
	return models.FeedEvent{RID: rid, SSD: ssd, TPL: tpl, Type: models.EventArrival, PTA: pta, ATA: ata}
}

func TestExtractorOneSegmentPerPair(t *testing.T) {
	e := newTestExtractor(t, ExtractorConfig{})
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	events := []models.FeedEvent{
		dep("R1", "POOLE", "10:00", "10:01"),
		arr("R1", "PSTONE", "10:04", "10:06"),
		dep("R1", "PSTONE", "10:05", "10:07"),
		arr("R1", "BRANKSM", "10:09", "10:10"),
	}

	var got []models.Segment
	for _, ev := range events {
		got = append(got, e.Process(ev, now)...)
	}

	require.Len(t, got, 2)

	first := got[0]
	assert.Equal(t, "POOLE_PSTONE", first.Key.Pair())
	assert.Equal(t, models.DepartureActual, first.DepKind)
	assert.True(t, first.HasActualDep)
	assert.InDelta(t, 1.0, first.DepartureDelay, 1e-9)
	require.NotNil(t, first.DwellDelay)
	assert.InDelta(t, 1.0, *first.DwellDelay, 1e-9, "dwell at the route origin is the departure delay")
	require.NotNil(t, first.DestArrivalDelay)
	assert.InDelta(t, 2.0, *first.DestArrivalDelay, 1e-9)
	assert.Equal(t, 0, first.Sequence)

	second := got[1]
	assert.Equal(t, "PSTONE_BRANKSM", second.Key.Pair())
	assert.InDelta(t, 2.0, second.DepartureDelay, 1e-9)
	require.NotNil(t, second.ArrivalDelay)
	assert.InDelta(t, 2.0, *second.ArrivalDelay, 1e-9)
	require.NotNil(t, second.DwellDelay)
	assert.InDelta(t, 0.0, *second.DwellDelay, 1e-9)
	assert.Equal(t, 1, second.Sequence)

	stats := e.Stats()
	assert.Equal(t, uint64(4), stats.Events)
	assert.Equal(t, uint64(2), stats.Emitted)
	assert.Equal(t, 1, stats.Trains)
}

func TestExtractorRevisionKeepsKey(t *testing.T) {
	e := newTestExtractor(t, ExtractorConfig{})
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	estimate := models.FeedEvent{RID: "R1", SSD: ssd, TPL: "POOLE", Type: models.EventDeparture, PTD: "10:00", ETD: "10:03"}
	e.Process(estimate, now)
	initial := e.Process(arr("R1", "PSTONE", "10:04", ""), now)
	require.Len(t, initial, 1)
	assert.Equal(t, models.DepartureEstimate, initial[0].DepKind)
	assert.Equal(t, 0, initial[0].Revision)

	revised := e.Process(dep("R1", "POOLE", "10:00", "10:02"), now)
	require.Len(t, revised, 1)
	assert.Equal(t, initial[0].Key, revised[0].Key)
	assert.Equal(t, 1, revised[0].Revision)
	assert.Equal(t, models.DepartureActual, revised[0].DepKind)
	assert.NotEqual(t, initial[0].StateHash(), revised[0].StateHash())

	repeat := e.Process(dep("R1", "POOLE", "10:00", "10:02"), now)
	require.Len(t, repeat, 1)
	assert.Equal(t, 1, repeat[0].Revision, "redelivery does not bump the revision")
	assert.Equal(t, revised[0].StateHash(), repeat[0].StateHash())
	assert.Equal(t, uint64(1), e.Stats().Revisions)
}

func TestExtractorMidnightCrossing(t *testing.T) {
	e := newTestExtractor(t, ExtractorConfig{})
	now := time.Date(2025, 1, 15, 23, 59, 0, 0, time.UTC)

	e.Process(dep("R2", "POOLE", "23:58", "00:01"), now)
	segs := e.Process(arr("R2", "PSTONE", "00:03", ""), now)
	require.Len(t, segs, 1)

	seg := segs[0]
	assert.InDelta(t, 3.0, seg.DepartureDelay, 1e-9)
	assert.Equal(t, 16, seg.PlannedArr.Day())
	assert.True(t, seg.PlannedArr.After(seg.PlannedDep))
}

func TestExtractorDrops(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		events []models.FeedEvent
		reason string
	}{
		{
			name:   "missing rid",
			events: []models.FeedEvent{dep("", "POOLE", "10:00", "")},
			reason: ReasonMalformed,
		},
		{
			name:   "unknown event type",
			events: []models.FeedEvent{{RID: "R1", SSD: ssd, TPL: "POOLE", Type: "wobble"}},
			reason: ReasonMalformed,
		},
		{
			name:   "bad clock",
			events: []models.FeedEvent{dep("R1", "POOLE", "25:61", "")},
			reason: ReasonTimeUnparseable,
		},
		{
			name:   "off route",
			events: []models.FeedEvent{dep("R1", "CREWE", "10:00", "")},
			reason: ReasonOffRoute,
		},
		{
			name: "destination before origin",
			events: []models.FeedEvent{
				dep("R1", "POOLE", "10:00", ""),
				arr("R1", "PSTONE", "09:50", ""),
			},
			reason: ReasonOutOfOrder,
		},
		{
			name: "no planned departure",
			events: []models.FeedEvent{
				{RID: "R1", SSD: ssd, TPL: "POOLE", Type: models.EventPass, WTP: "10:00"},
				arr("R1", "PSTONE", "10:04", ""),
			},
			reason: ReasonNoPlannedDep,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExtractor(t, ExtractorConfig{})
			var out []models.Segment
			for _, ev := range tt.events {
				out = append(out, e.Process(ev, now)...)
			}
			assert.Empty(t, out)
			assert.Equal(t, uint64(1), e.Stats().Dropped[tt.reason])
		})
	}
}

func TestExtractorSweepReusesSlots(t *testing.T) {
	e := newTestExtractor(t, ExtractorConfig{TrainInactivity: time.Hour})
	t0 := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	e.Process(dep("R1", "POOLE", "10:00", ""), t0)
	e.Process(dep("R2", "POOLE", "10:30", ""), t0.Add(90*time.Minute))

	assert.Equal(t, 1, e.Sweep(t0.Add(2*time.Hour)))
	stats := e.Stats()
	assert.Equal(t, 1, stats.Trains)
	assert.Equal(t, uint64(1), stats.Expired)

	e.Process(dep("R3", "POOLE", "11:00", ""), t0.Add(2*time.Hour))
	assert.Len(t, e.slots, 2, "released slot is reused")
	assert.Empty(t, e.free)
}

func TestExtractorCapacityEvictsOldest(t *testing.T) {
	e := newTestExtractor(t, ExtractorConfig{MaxTrains: 2})
	t0 := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	e.Process(dep("R1", "POOLE", "10:00", ""), t0)
	e.Process(dep("R2", "POOLE", "10:10", ""), t0.Add(time.Minute))
	e.Process(dep("R3", "POOLE", "10:20", ""), t0.Add(2*time.Minute))

	stats := e.Stats()
	assert.Equal(t, 2, stats.Trains)
	assert.Equal(t, uint64(1), stats.Evicted)
	_, tracked := e.index["R1"]
	assert.False(t, tracked)
}

func TestExtractorInterleavedTrains(t *testing.T) {
	e := newTestExtractor(t, ExtractorConfig{})
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	events := []models.FeedEvent{
		dep("A", "POOLE", "10:00", ""),
		dep("B", "POOLE", "10:15", ""),
		arr("B", "PSTONE", "10:19", ""),
		arr("A", "PSTONE", "10:04", ""),
	}
	var rids []string
	for _, ev := range events {
		for _, seg := range e.Process(ev, now) {
			rids = append(rids, seg.Key.RID)
		}
	}
	assert.Equal(t, []string{"B", "A"}, rids)
}

func TestExtractorReverseTrain(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	t.Run("destination with departure times only", func(t *testing.T) {
		e := newTestExtractor(t, ExtractorConfig{})
		var got []models.Segment
		for _, ev := range []models.FeedEvent{
			dep("REV", "BRANKSM", "10:00", "10:01"),
			arr("REV", "PSTONE", "10:04", "10:05"),
			dep("REV", "PSTONE", "10:05", "10:06"),
		} {
			got = append(got, e.Process(ev, now)...)
		}
		assert.Empty(t, got)
		assert.Equal(t, uint64(1), e.Stats().Dropped[ReasonOutOfOrder])
	})

	t.Run("large gap stops the train", func(t *testing.T) {
		e := newTestExtractor(t, ExtractorConfig{})
		var got []models.Segment
		for _, ev := range []models.FeedEvent{
			dep("REV", "BRANKSM", "10:00", ""),
			arr("REV", "PSTONE", "10:14", ""),
			dep("REV", "PSTONE", "10:15", ""),
			arr("REV", "POOLE", "10:20", ""),
			dep("REV", "POOLE", "10:21", ""),
		} {
			got = append(got, e.Process(ev, now)...)
		}
		assert.Empty(t, got)
		stats := e.Stats()
		assert.Equal(t, uint64(1), stats.Dropped[ReasonOutOfOrder])
		assert.Equal(t, uint64(2), stats.Dropped[ReasonReverse])
	})

	t.Run("majority of pairs reversed", func(t *testing.T) {
		e := newTestExtractor(t, ExtractorConfig{})
		var got []models.Segment
		for _, ev := range []models.FeedEvent{
			dep("REV", "BRANKSM", "10:00", ""),
			arr("REV", "PSTONE", "10:04", ""),
			dep("REV", "PSTONE", "10:05", ""),
			arr("REV", "POOLE", "10:09", ""),
			dep("REV", "POOLE", "10:10", ""),
		} {
			got = append(got, e.Process(ev, now)...)
		}
		assert.Empty(t, got)
		assert.Equal(t, uint64(2), e.Stats().Dropped[ReasonOutOfOrder])

		assert.Empty(t, e.Process(dep("REV", "POOLE", "10:10", "10:11"), now))
		assert.Equal(t, uint64(1), e.Stats().Dropped[ReasonReverse])
	})
}

func TestExtractorKeyStableWhenPlannedDepartureArrives(t *testing.T) {
	e := newTestExtractor(t, ExtractorConfig{})
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	working := models.FeedEvent{RID: "R1", SSD: ssd, TPL: "POOLE", Type: models.EventDeparture, WTD: "10:00:30"}
	e.Process(working, now)
	initial := e.Process(arr("R1", "PSTONE", "10:04", ""), now)
	require.Len(t, initial, 1)

	later := e.Process(dep("R1", "POOLE", "10:00", "10:01"), now)
	require.Len(t, later, 1)
	assert.Equal(t, initial[0].Key, later[0].Key)
	assert.True(t, initial[0].PlannedDep.Equal(later[0].PlannedDep))
	assert.Equal(t, 1, later[0].Revision)
	assert.InDelta(t, 0.5, later[0].DepartureDelay, 1e-9)
}
