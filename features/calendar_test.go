package features

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func TestIsBankHoliday(t *testing.T) {
	holidays := []time.Time{
		day(2025, time.January, 1),
		day(2025, time.April, 18),
		day(2025, time.April, 21),
		day(2025, time.May, 5),
		day(2025, time.May, 26),
		day(2025, time.August, 25),
		day(2025, time.December, 25),
		day(2025, time.December, 26),
		// substitutes
		day(2022, time.January, 3),
		day(2021, time.December, 27),
		day(2021, time.December, 28),
		day(2020, time.December, 28),
		// one-offs
		day(2022, time.June, 3),
		day(2023, time.May, 8),
	}
	for _, h := range holidays {
		assert.True(t, IsBankHoliday(h), h.Format(time.DateOnly))
	}

	ordinary := []time.Time{
		day(2025, time.January, 2),
		day(2025, time.April, 20),
		day(2021, time.December, 25),
		day(2020, time.May, 4),
		day(2025, time.March, 17),
	}
	for _, d := range ordinary {
		assert.False(t, IsBankHoliday(d), d.Format(time.DateOnly))
	}
}

func TestEasterSunday(t *testing.T) {
	assert.Equal(t, time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC), easterSunday(2024))
	assert.Equal(t, time.Date(2025, time.April, 20, 0, 0, 0, 0, time.UTC), easterSunday(2025))
	assert.Equal(t, time.Date(2026, time.April, 5, 0, 0, 0, 0, time.UTC), easterSunday(2026))
}

func TestSeasonOf(t *testing.T) {
	tests := []struct {
		date time.Time
		want SeasonOfYear
	}{
		{day(2025, time.March, 20), Winter},
		{day(2025, time.March, 21), Spring},
		{day(2025, time.June, 21), Summer},
		{day(2025, time.September, 22), Summer},
		{day(2025, time.September, 23), Autumn},
		{day(2025, time.December, 20), Autumn},
		{day(2025, time.December, 21), Winter},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeasonOf(tt.date), tt.date.Format(time.DateOnly))
	}
	assert.Equal(t, "Autumn", Autumn.String())
}

func TestIsPeak(t *testing.T) {
	wed := func(h int) time.Time { return time.Date(2025, 1, 15, h, 30, 0, 0, time.UTC) }
	sat := time.Date(2025, 1, 18, 8, 0, 0, 0, time.UTC)

	assert.False(t, IsPeak(wed(6)))
	assert.True(t, IsPeak(wed(7)))
	assert.True(t, IsPeak(wed(9)))
	assert.False(t, IsPeak(wed(10)))
	assert.True(t, IsPeak(wed(16)))
	assert.True(t, IsPeak(wed(19)))
	assert.False(t, IsPeak(wed(20)))
	assert.False(t, IsPeak(sat))
	assert.Equal(t, 2, DayIndex(wed(8)))
	assert.Equal(t, 5, DayIndex(sat))
}
