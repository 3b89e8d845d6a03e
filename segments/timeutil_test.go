package segments

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func london(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)
	return loc
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "09:43", want: 9*time.Hour + 43*time.Minute},
		{in: "09:47:30", want: 9*time.Hour + 47*time.Minute + 30*time.Second},
		{in: "0650", want: 6*time.Hour + 50*time.Minute},
		{in: " 23:59 ", want: 23*time.Hour + 59*time.Minute},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "noon", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClock(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCombineRollover(t *testing.T) {
	loc := london(t)
	base, err := Combine("2025-01-15", "23:50", time.Time{}, loc)
	require.NoError(t, err)

	next, err := Combine("2025-01-15", "00:10", base, loc)
	require.NoError(t, err)
	assert.Equal(t, 16, next.Day(), "00:10 after 23:50 is the next day")

	early, err := Combine("2025-01-15", "23:20", base, loc)
	require.NoError(t, err)
	assert.Equal(t, 15, early.Day(), "a 30 minute early estimate stays on the same day")

	_, err = Combine("15/01/2025", "10:00", time.Time{}, loc)
	assert.Error(t, err)
}

func TestDelayMinutes(t *testing.T) {
	loc := london(t)
	planned := time.Date(2025, 1, 15, 23, 58, 0, 0, loc)

	assert.InDelta(t, 3.0, DelayMinutes(planned, planned.Add(3*time.Minute)), 1e-9)
	assert.InDelta(t, -2.0, DelayMinutes(planned, planned.Add(-2*time.Minute)), 1e-9)
	// A clock time anchored on the wrong day folds back across midnight.
	assert.InDelta(t, 2.0, DelayMinutes(planned, planned.Add(-1438*time.Minute)), 1e-9)
	assert.InDelta(t, -5.0, DelayMinutes(planned, planned.Add(1435*time.Minute)), 1e-9)
}
