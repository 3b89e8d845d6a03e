package features

import "time"

type SeasonOfYear int

const (
	Winter SeasonOfYear = iota
	Spring
	Summer
	Autumn
)

func (s SeasonOfYear) String() string {
	return [...]string{"Winter", "Spring", "Summer", "Autumn"}[s]
}

// SeasonOf uses fixed astronomical boundaries: spring from 21 March, summer
// from 21 June, autumn from 23 September and winter from 21 December.
func SeasonOf(t time.Time) SeasonOfYear {
	md := int(t.Month())*100 + t.Day()
	switch {
	case md >= 321 && md <= 620:
		return Spring
	case md >= 621 && md <= 922:
		return Summer
	case md >= 923 && md <= 1220:
		return Autumn
	default:
		return Winter
	}
}

// IsPeak reports weekday travel between 07:00 and 09:59 or 16:00 and 19:59.
func IsPeak(t time.Time) bool {
	if IsWeekend(t) {
		return false
	}
	h := t.Hour()
	return (h > 6 && h < 10) || (h >= 16 && h <= 19)
}

func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// DayIndex numbers weekdays from Monday = 0 to Sunday = 6.
func DayIndex(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// one-off England and Wales bank holidays and moved dates
var specialHolidays = map[string]bool{
	"2020-05-08": true,
	"2022-06-02": true,
	"2022-06-03": true,
	"2022-09-19": true,
	"2023-05-08": true,
}

var movedHolidays = map[string]bool{
	"2020-05-04": true, // early May moved to 8 May
	"2022-05-30": true, // spring bank moved to 2 June
}

// IsBankHoliday reports whether the calendar date of t is a bank holiday in
// England and Wales.
func IsBankHoliday(t time.Time) bool {
	y, m, d := t.Date()
	date := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	key := date.Format(time.DateOnly)
	if specialHolidays[key] {
		return true
	}
	if movedHolidays[key] {
		return false
	}

	easter := easterSunday(y)
	switch {
	case date.Equal(easter.AddDate(0, 0, -2)), date.Equal(easter.AddDate(0, 0, 1)):
		return true
	case date.Equal(firstMonday(y, time.May)),
		date.Equal(lastMonday(y, time.May)),
		date.Equal(lastMonday(y, time.August)):
		return true
	}

	for _, h := range substituted(y) {
		if date.Equal(h) {
			return true
		}
	}
	return false
}

// substituted returns New Year, Christmas and Boxing Day, each moved to the
// next free weekday when it falls on a weekend.
func substituted(y int) []time.Time {
	var out []time.Time
	taken := map[time.Time]bool{}
	for _, h := range []time.Time{
		time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC),
		time.Date(y, time.December, 25, 0, 0, 0, 0, time.UTC),
		time.Date(y, time.December, 26, 0, 0, 0, 0, time.UTC),
	} {
		for IsWeekend(h) || taken[h] {
			h = h.AddDate(0, 0, 1)
		}
		taken[h] = true
		out = append(out, h)
	}
	return out
}

func easterSunday(y int) time.Time {
	a := y % 19
	b, c := y/100, y%100
	d, e := b/4, b%4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i, k := c/4, c%4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(y, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

func firstMonday(y int, m time.Month) time.Time {
	t := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	for t.Weekday() != time.Monday {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func lastMonday(y int, m time.Month) time.Time {
	t := time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	for t.Weekday() != time.Monday {
		t = t.AddDate(0, 0, -1)
	}
	return t
}
