package clock

import "time"

// Period is one of the two daily prayer windows.
type Period string

const (
	Morning Period = "morning"
	Evening Period = "evening"
)

// Valid reports whether p names a known window.
func (p Period) Valid() bool {
	return p == Morning || p == Evening
}

const (
	// DayStartHour is the local wall-clock hour at which a prayer day begins.
	// Instants before it belong to the previous calendar date.
	DayStartHour = 4

	// EveningStartHour is the local wall-clock hour at which the evening
	// window begins. Morning covers [DayStartHour, EveningStartHour).
	EveningStartHour = 16

	// DayKeyLayout formats prayer day keys.
	DayKeyLayout = "2006-01-02"
)

// PrayerDayKey returns the canonical YYYY-MM-DD key of the prayer day that
// contains t in loc.
//
// The date is derived from wall-clock parts in loc, so daylight-saving
// transitions never shift the 04:00 cutoff.
func PrayerDayKey(t time.Time, loc *time.Location) string {
	local := t.In(loc)
	y, m, d := local.Date()
	if local.Hour() < DayStartHour {
		d--
	}
	// time.Date normalizes day 0 to the last day of the previous month.
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC).Format(DayKeyLayout)
}

// PeriodAt returns the prayer window that contains t in loc.
func PeriodAt(t time.Time, loc *time.Location) Period {
	h := t.In(loc).Hour()
	if h >= DayStartHour && h < EveningStartHour {
		return Morning
	}
	return Evening
}
