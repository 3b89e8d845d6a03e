package segments

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railflow/models"
)

func TestWindowAllow(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	seg := func(depOffset, arrOffset time.Duration) models.Segment {
		return models.Segment{PlannedDep: now.Add(depOffset), PlannedArr: now.Add(arrOffset)}
	}

	inProgress, err := NewWindow("in_progress")
	require.NoError(t, err)
	near, err := NewWindow("near_departure")
	require.NoError(t, err)
	none, err := NewWindow("none")
	require.NoError(t, err)

	tests := []struct {
		name   string
		window Window
		seg    models.Segment
		want   bool
	}{
		{"running now", inProgress, seg(-3*time.Minute, 2*time.Minute), true},
		{"departs within grace", inProgress, seg(4*time.Minute, 8*time.Minute), true},
		{"departs later", inProgress, seg(10*time.Minute, 14*time.Minute), false},
		{"arrived recently", inProgress, seg(-6*time.Minute, -time.Minute), true},
		{"finished", inProgress, seg(-10*time.Minute, -5*time.Minute), false},
		{"no planned arrival", inProgress, models.Segment{PlannedDep: now}, false},
		{"near upcoming", near, seg(2*time.Hour, 0), true},
		{"near too far", near, seg(4*time.Hour, 0), false},
		{"near too old", near, seg(-time.Hour, 0), false},
		{"none keeps all", none, seg(-48*time.Hour, 0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.window.Allow(tt.seg, now))
		})
	}

	_, err = NewWindow("soon")
	assert.Error(t, err)
}
