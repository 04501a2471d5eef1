package clock

import "time"

// TransitionKind distinguishes clock transitions.
type TransitionKind int

const (
	// DayBoundary fires when the prayer day key changes.
	DayBoundary TransitionKind = iota + 1
	// PeriodChange fires when the period changes within a prayer day.
	PeriodChange
)

func (k TransitionKind) String() string {
	switch k {
	case DayBoundary:
		return "day_boundary"
	case PeriodChange:
		return "period_change"
	default:
		return "unknown"
	}
}

// Transition describes a change of prayer day or period.
type Transition struct {
	Kind       TransitionKind
	FromDay    string
	ToDay      string
	FromPeriod Period
	ToPeriod   Period
	At         time.Time
}

// TransitionTracker remembers the last observed (day, period) pair.
// A day change masks the simultaneous evening→morning period change.
//
// WatchTransitions drives one from the minute ticker; deterministic
// drivers call Observe themselves.
type TransitionTracker struct {
	loc    *time.Location
	day    string
	period Period
}

func NewTransitionTracker(now time.Time, loc *time.Location) *TransitionTracker {
	return &TransitionTracker{
		loc:    loc,
		day:    PrayerDayKey(now, loc),
		period: PeriodAt(now, loc),
	}
}

// Observe records now and reports the transition since the previous
// observation, if any.
func (t *TransitionTracker) Observe(now time.Time) (Transition, bool) {
	day := PrayerDayKey(now, t.loc)
	period := PeriodAt(now, t.loc)
	tr := Transition{
		FromDay:    t.day,
		ToDay:      day,
		FromPeriod: t.period,
		ToPeriod:   period,
		At:         now,
	}
	t.day, t.period = day, period

	switch {
	case tr.FromDay != tr.ToDay:
		tr.Kind = DayBoundary
	case tr.FromPeriod != tr.ToPeriod:
		tr.Kind = PeriodChange
	default:
		return Transition{}, false
	}
	return tr, true
}

// WatchTransitions reports day-boundary and period-change transitions in
// timezone, checked on every minute tick. The returned disposer stops
// watching.
func (s *Service) WatchTransitions(timezone string, callback func(Transition)) (func(), error) {
	loc, err := s.Location(timezone)
	if err != nil {
		return nil, err
	}
	tracker := NewTransitionTracker(s.Now(), loc)
	return s.OnMinuteTick(func(now time.Time) {
		if tr, ok := tracker.Observe(now); ok {
			callback(tr)
		}
	}), nil
}
