package features

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"railflow/models"
)

type fakeHistory struct {
	delays []float64
	err    error
	delay  time.Duration
	block  bool
}

func (f fakeHistory) RecentDelays(ctx context.Context, pair string, n int) ([]float64, error) {
	if f.block {
		// ignores ctx on purpose: the builder must not wait for it
		time.Sleep(time.Second)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.delays, f.err
}

func testSegment() models.Segment {
	dep := time.Date(2025, 4, 21, 8, 15, 0, 0, time.UTC)
	return models.Segment{
		Key:            models.NewSegmentKey("R1", "POOLE", "PSTONE", dep),
		PlannedDep:     dep,
		DepartureDelay: 3,
		DwellDelay:     models.Float(1.5),
	}
}

func TestBuildCalendarAndContext(t *testing.T) {
	b := NewBuilder(fakeHistory{delays: []float64{2, 4, 6}}, BuilderConfig{LookupTimeout: time.Second}, zap.NewNop())

	v, err := b.Build(context.Background(), testSegment())
	require.NoError(t, err)

	assert.False(t, v.Degraded)
	assert.Equal(t, 3.0, v.Get(DepartureDelay))
	assert.Equal(t, 1.5, v.Get(DwellDelay))
	assert.Equal(t, 1.0, v.Get(Peak))
	assert.Equal(t, 0.0, v.Get(DayOfWeek), "Monday")
	assert.Equal(t, 8.0, v.Get(HourOfDay))
	assert.Equal(t, 4.0, v.Get(Month))
	assert.Equal(t, 1.0, v.Get(Holiday), "Easter Monday")
	assert.Equal(t, float64(Spring), v.Get(Season))
	assert.Equal(t, 4.0, v.Get(RouteMeanDelay))
	assert.InDelta(t, 2.0, v.Get(RouteDelayStd), 1e-9)
	assert.Equal(t, 3.0, v.Get(RouteSamples))
	assert.Equal(t, 1.0, v.Get(ContextAvailable))
}

func TestBuildDegradesOnTimeout(t *testing.T) {
	tests := []struct {
		name    string
		history fakeHistory
	}{
		{name: "honours context", history: fakeHistory{delay: time.Second}},
		{name: "ignores context", history: fakeHistory{block: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timeout := 50 * time.Millisecond
			b := NewBuilder(tt.history, BuilderConfig{LookupTimeout: timeout}, zap.NewNop())

			start := time.Now()
			v, err := b.Build(context.Background(), testSegment())
			elapsed := time.Since(start)

			require.NoError(t, err)
			assert.Less(t, elapsed, timeout+200*time.Millisecond)
			assert.True(t, v.Degraded)
			assert.Contains(t, v.DegradedReason, context.DeadlineExceeded.Error())
			assert.Equal(t, 3.0, v.Get(RouteMeanDelay), "falls back to the segment delay")
			assert.Equal(t, 0.0, v.Get(ContextAvailable))
			assert.Equal(t, 0.0, v.Get(RouteSamples))
		})
	}
}

func TestBuildDegradesOnError(t *testing.T) {
	b := NewBuilder(fakeHistory{err: errors.New("connection refused")}, BuilderConfig{}, zap.NewNop())
	v, err := b.Build(context.Background(), testSegment())
	require.NoError(t, err)
	assert.True(t, v.Degraded)
	assert.Contains(t, v.DegradedReason, "connection refused")
}

func TestBuildWithoutHistory(t *testing.T) {
	b := NewBuilder(nil, BuilderConfig{}, zap.NewNop())
	v, err := b.Build(context.Background(), testSegment())
	require.NoError(t, err)
	assert.False(t, v.Degraded)
	assert.Equal(t, 0.0, v.Get(ContextAvailable))
}

func TestBuildSingleSample(t *testing.T) {
	b := NewBuilder(fakeHistory{delays: []float64{7}}, BuilderConfig{}, zap.NewNop())
	v, err := b.Build(context.Background(), testSegment())
	require.NoError(t, err)
	assert.Equal(t, 7.0, v.Get(RouteMeanDelay))
	assert.Equal(t, 0.0, v.Get(RouteDelayStd))
}

func TestBuildRequiresAnchor(t *testing.T) {
	b := NewBuilder(nil, BuilderConfig{}, zap.NewNop())
	_, err := b.Build(context.Background(), models.Segment{})
	assert.ErrorIs(t, err, ErrNoAnchor)
}

func TestIndex(t *testing.T) {
	i, ok := Index("Route_Mean_Delay")
	require.True(t, ok)
	assert.Equal(t, RouteMeanDelay, i)
	_, ok = Index("nope")
	assert.False(t, ok)
	assert.Len(t, Names(), Size)
}
