package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/prayersync/internal/syncerr"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

// TestNow_IgnoresDeviceSkew anchors a device running three hours fast and
// checks that elapsed device time is applied to the server timestamp.
func TestNow_IgnoresDeviceSkew(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC))
	s := New(fc)

	serverT := time.Date(2026, 10, 17, 6, 0, 0, 0, time.UTC).UnixMilli()
	require.NoError(t, s.Init(Anchor{
		ServerEpochMs:      serverT,
		LocalEpochMsAtSync: fc.Now().UnixMilli(),
		Timezone:           "America/New_York",
	}))

	fc.Advance(90 * time.Second)
	assert.Equal(t, serverT+90_000, s.Now().UnixMilli())
}

func TestNow_WithoutAnchorUsesDevice(t *testing.T) {
	at := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	s := New(clockwork.NewFakeClockAt(at))
	assert.True(t, s.Now().Equal(at))
	_, ok := s.Anchor()
	assert.False(t, ok)
}

func TestResync_IdempotentWithinEpsilon(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC))
	s := New(fc, WithEpsilon(time.Second))

	base := Anchor{ServerEpochMs: 10_000, LocalEpochMsAtSync: 5_000, Timezone: "America/New_York"}
	changed, err := s.Resync(base)
	require.NoError(t, err)
	assert.True(t, changed)

	// Same skew observed later: equivalent.
	changed, err = s.Resync(Anchor{ServerEpochMs: 70_000, LocalEpochMsAtSync: 65_400, Timezone: "America/New_York"})
	require.NoError(t, err)
	assert.False(t, changed)
	got, _ := s.Anchor()
	assert.Equal(t, base, got)

	// Skew moved by two seconds: replaced.
	changed, err = s.Resync(Anchor{ServerEpochMs: 12_000, LocalEpochMsAtSync: 5_000, Timezone: "America/New_York"})
	require.NoError(t, err)
	assert.True(t, changed)

	// Timezone change is never equivalent.
	changed, err = s.Resync(Anchor{ServerEpochMs: 12_000, LocalEpochMsAtSync: 5_000, Timezone: "Europe/London"})
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestResync_UnknownTimezone(t *testing.T) {
	s := New(clockwork.NewFakeClock())
	_, err := s.Resync(Anchor{Timezone: "Mars/Olympus_Mons"})
	require.Error(t, err)
	assert.True(t, syncerr.IsValidation(err))
	_, ok := s.Anchor()
	assert.False(t, ok)
}

func TestPrayerDayStart_CrossesCutoff(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(fc)

	// 07:30 UTC on Oct 17 is 03:30 EDT.
	serverT := time.Date(2026, 10, 17, 7, 30, 0, 0, time.UTC).UnixMilli()
	require.NoError(t, s.Init(Anchor{ServerEpochMs: serverT, LocalEpochMsAtSync: fc.Now().UnixMilli(), Timezone: "America/New_York"}))

	day, err := s.PrayerDayStart("")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-16", day)
	period, err := s.CurrentPeriod("America/New_York")
	require.NoError(t, err)
	assert.Equal(t, Evening, period)

	fc.Advance(30 * time.Minute)
	day, err = s.PrayerDayStart("America/New_York")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-17", day)
	period, err = s.CurrentPeriod("")
	require.NoError(t, err)
	assert.Equal(t, Morning, period)

	// Same instant, different zone: 08:00 UTC is 13:30 in Kolkata.
	day, err = s.PrayerDayStart("Asia/Kolkata")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-17", day)
}

// TestPrayerDayKey_StableAcrossDay checks that every instant in
// [04:00, next 04:00) maps to one key and 04:00 starts a new one,
// including days with daylight-saving transitions.
func TestPrayerDayKey_StableAcrossDay(t *testing.T) {
	zones := []string{"America/New_York", "Europe/London", "Asia/Kolkata", "Pacific/Auckland", "Australia/Lord_Howe", "UTC"}
	dates := []struct{ y, m, d int }{
		{2026, 3, 8},   // US spring forward
		{2026, 3, 29},  // EU spring forward
		{2026, 4, 5},   // NZ / Lord Howe fall back
		{2026, 9, 27},  // NZ spring forward
		{2026, 10, 25}, // EU fall back
		{2026, 11, 1},  // US fall back
		{2026, 12, 31}, // year end
		{2028, 2, 29},  // leap day
	}

	for _, zone := range zones {
		loc := mustLoad(t, zone)
		for _, d := range dates {
			start := time.Date(d.y, time.Month(d.m), d.d, DayStartHour, 0, 0, 0, loc)
			next := time.Date(d.y, time.Month(d.m), d.d+1, DayStartHour, 0, 0, 0, loc)
			want := start.Format(DayKeyLayout)

			for ts := start; ts.Before(next); ts = ts.Add(7 * time.Minute) {
				require.Equal(t, want, PrayerDayKey(ts, loc), "%s at %s", zone, ts)
			}
			assert.Equal(t, want, PrayerDayKey(next.Add(-time.Nanosecond), loc), "%s last instant", zone)
			assert.NotEqual(t, want, PrayerDayKey(next, loc), "%s next cutoff", zone)
			assert.Equal(t, next.Format(DayKeyLayout), PrayerDayKey(next, loc))
		}
	}
}

func TestPrayerDayKey_EarlyMorningBelongsToPreviousDay(t *testing.T) {
	loc := mustLoad(t, "America/New_York")
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2026, 3, 1, 3, 59, 0, 0, loc), "2026-02-28"},
		{time.Date(2026, 1, 1, 0, 30, 0, 0, loc), "2025-12-31"},
		{time.Date(2026, 1, 1, 4, 0, 0, 0, loc), "2026-01-01"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PrayerDayKey(tt.at, loc), tt.at.String())
	}
}

func TestPeriodAt(t *testing.T) {
	loc := mustLoad(t, "America/New_York")
	tests := []struct {
		hour, min int
		want      Period
	}{
		{3, 59, Evening},
		{4, 0, Morning},
		{15, 59, Morning},
		{16, 0, Evening},
		{23, 30, Evening},
	}
	for _, tt := range tests {
		at := time.Date(2026, 10, 17, tt.hour, tt.min, 0, 0, loc)
		assert.Equal(t, tt.want, PeriodAt(at, loc), "%02d:%02d", tt.hour, tt.min)
	}
}

func TestOnMinuteTick_SingleUnderlyingTicker(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
	s := New(fc)

	var mu sync.Mutex
	var calls []string
	done := make(chan struct{}, 3)
	record := func(name string) func(time.Time) {
		return func(time.Time) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			done <- struct{}{}
		}
	}

	d1 := s.OnMinuteTick(record("a"))
	d2 := s.OnMinuteTick(record("b"))
	d3 := s.OnMinuteTick(record("c"))
	assert.Equal(t, 1, s.tickersStarted)

	fc.BlockUntil(1)
	fc.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("tick not delivered")
		}
	}
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, calls)
	mu.Unlock()

	d1()
	d2()
	d3()
	d3() // disposing twice is harmless

	s.tickMu.Lock()
	assert.Nil(t, s.ticker)
	s.tickMu.Unlock()

	d4 := s.OnMinuteTick(func(time.Time) {})
	assert.Equal(t, 2, s.tickersStarted)
	d4()
}

func TestTransitionTracker(t *testing.T) {
	loc := mustLoad(t, "America/New_York")
	tr := NewTransitionTracker(time.Date(2026, 10, 17, 15, 58, 0, 0, loc), loc)

	_, ok := tr.Observe(time.Date(2026, 10, 17, 15, 59, 0, 0, loc))
	assert.False(t, ok)

	got, ok := tr.Observe(time.Date(2026, 10, 17, 16, 0, 0, 0, loc))
	require.True(t, ok)
	assert.Equal(t, PeriodChange, got.Kind)
	assert.Equal(t, Morning, got.FromPeriod)
	assert.Equal(t, Evening, got.ToPeriod)

	got, ok = tr.Observe(time.Date(2026, 10, 18, 4, 1, 0, 0, loc))
	require.True(t, ok)
	assert.Equal(t, DayBoundary, got.Kind)
	assert.Equal(t, "2026-10-17", got.FromDay)
	assert.Equal(t, "2026-10-18", got.ToDay)
	assert.Equal(t, "day_boundary", got.Kind.String())
}

func TestWatchTransitions_DayBoundary(t *testing.T) {
	loc := mustLoad(t, "America/New_York")
	fc := clockwork.NewFakeClockAt(time.Date(2026, 10, 18, 3, 59, 30, 0, loc))
	s := New(fc)

	got := make(chan Transition, 1)
	stop, err := s.WatchTransitions("America/New_York", func(tr Transition) { got <- tr })
	require.NoError(t, err)
	defer stop()

	fc.BlockUntil(1)
	fc.Advance(time.Minute)

	select {
	case tr := <-got:
		assert.Equal(t, DayBoundary, tr.Kind)
		assert.Equal(t, "2026-10-18", tr.ToDay)
	case <-time.After(2 * time.Second):
		t.Fatal("no transition")
	}
}

func TestSequence(t *testing.T) {
	s := NewSequenceAt(5)
	assert.Equal(t, int64(6), s.Next())
	s.Observe(3)
	assert.Equal(t, int64(6), s.Current())
	s.Observe(10)
	assert.Equal(t, int64(11), s.Next())
}
