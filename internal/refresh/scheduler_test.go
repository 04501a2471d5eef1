package refresh

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/prayersync/internal/cache"
	"github.com/roach88/prayersync/internal/clock"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

type fixture struct {
	store *cache.Store
	fc    clockwork.FakeClock
	rec   *recorder
	sched *Scheduler

	mu  sync.Mutex
	day string
}

func (f *fixture) setDay(d string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.day = d
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: cache.New(),
		fc:    clockwork.NewFakeClockAt(time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)),
		rec:   &recorder{},
		day:   "2026-10-17",
	}
	t.Cleanup(f.store.Close)
	resources := []Resource{
		{
			Name:    "intentions",
			KeyFor:  func(string) cache.Key { return cache.NewKey("intentions", "u1") },
			Pattern: cache.NewKey("intentions", "u1"),
		},
		{
			Name:      "prayer-records",
			KeyFor:    func(day string) cache.Key { return cache.NewKey("prayer-records", "u1", day) },
			DayScoped: true,
			Pattern:   cache.NewKey("prayer-records", "u1"),
		},
	}
	base := []Option{
		WithDeviceClock(f.fc),
		WithObserver(f.rec.observe),
		WithDayFunc(func() (string, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.day, nil
		}),
	}
	f.sched = New(f.store, resources, append(base, opts...)...)
	t.Cleanup(f.sched.Close)
	return f
}

func TestTriggerKind(t *testing.T) {
	assert.True(t, DayBoundary.HighPriority())
	assert.True(t, Manual.HighPriority())
	assert.True(t, SignOut.HighPriority())
	assert.False(t, PeriodChange.HighPriority())
	assert.False(t, Foreground.HighPriority())

	k, ok := ParseTrigger("foreground")
	require.True(t, ok)
	assert.Equal(t, Foreground, k)
	_, ok = ParseTrigger("nope")
	assert.False(t, ok)
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 10*time.Minute, p.Throttle)
	assert.Equal(t, 2*time.Second, p.Delay(DayBoundary))
	assert.Equal(t, 15*time.Second, p.Delay(PeriodChange))
	assert.Equal(t, 2*time.Second, p.Delay(Foreground))
	assert.Equal(t, time.Duration(0), p.Delay(Manual))
}

// TestDebounce_CollapsesTriggers sends three period changes 5s apart; one
// refresh fires 15s after the last.
func TestDebounce_CollapsesTriggers(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		f.sched.Trigger(PeriodChange)
		f.fc.Advance(5 * time.Second)
	}
	assert.Equal(t, 0, f.rec.count(EventFired))
	kind, ok := f.sched.Pending()
	require.True(t, ok)
	assert.Equal(t, PeriodChange, kind)

	f.fc.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return f.rec.count(EventFired) == 1 }, time.Second, time.Millisecond)
	_, ok = f.sched.Pending()
	assert.False(t, ok)
	assert.Equal(t, 3, f.rec.count(EventScheduled))
}

func TestThrottle_LowPriority(t *testing.T) {
	f := newFixture(t)

	f.sched.FireNow(Foreground)
	assert.Equal(t, 2, f.rec.count(EventRefreshed))

	f.fc.Advance(time.Minute)
	f.sched.FireNow(Foreground)
	assert.Equal(t, 2, f.rec.count(EventRefreshed))
	assert.Equal(t, 2, f.rec.count(EventThrottled))

	f.sched.FireNow(PeriodChange)
	assert.Equal(t, 4, f.rec.count(EventThrottled))

	f.fc.Advance(9 * time.Minute)
	f.sched.FireNow(Foreground)
	assert.Equal(t, 4, f.rec.count(EventRefreshed))
}

func TestThrottle_HighPriorityBypasses(t *testing.T) {
	f := newFixture(t)
	f.sched.FireNow(Foreground)
	for _, k := range []TriggerKind{DayBoundary, Manual, DayBoundary} {
		f.sched.FireNow(k)
	}
	assert.Equal(t, 8, f.rec.count(EventRefreshed))
	assert.Equal(t, 0, f.rec.count(EventThrottled))
}

func TestTrigger_ManualFiresImmediately(t *testing.T) {
	f := newFixture(t)
	f.store.Set(cache.NewKey("intentions", "u1"), "x", cache.NeverStale())

	f.sched.Trigger(Manual)
	assert.Equal(t, 1, f.rec.count(EventFired))
	e, _ := f.store.Get(cache.NewKey("intentions", "u1"))
	assert.True(t, e.Invalidated)
}

// TestTrigger_HighPriorityNotDowngraded schedules a day boundary and then a
// period change inside its window. The replacement keeps the day boundary's
// tag and its sooner deadline.
func TestTrigger_HighPriorityNotDowngraded(t *testing.T) {
	f := newFixture(t)
	f.sched.FireNow(Foreground) // opens the throttle window

	f.sched.Trigger(DayBoundary)
	f.fc.Advance(time.Second)
	f.sched.Trigger(PeriodChange)

	kind, ok := f.sched.Pending()
	require.True(t, ok)
	assert.Equal(t, DayBoundary, kind)
	ev, _ := f.rec.last(EventScheduled)
	assert.Equal(t, time.Second, ev.Delay)

	f.fc.Advance(time.Second)
	require.Eventually(t, func() bool { return f.rec.count(EventFired) == 2 }, time.Second, time.Millisecond)
	fired, _ := f.rec.last(EventFired)
	assert.Equal(t, DayBoundary, fired.Trigger)
	assert.Equal(t, 4, f.rec.count(EventRefreshed), "throttle bypassed")
}

func TestTrigger_LowReplacesLow(t *testing.T) {
	f := newFixture(t)
	f.sched.Trigger(PeriodChange)
	f.sched.Trigger(Foreground)
	kind, _ := f.sched.Pending()
	assert.Equal(t, Foreground, kind)
	ev, _ := f.rec.last(EventScheduled)
	assert.Equal(t, 2*time.Second, ev.Delay)

	assert.True(t, f.sched.Flush())
	assert.False(t, f.sched.Flush())
	assert.Equal(t, 1, f.rec.count(EventFired))
}

func TestFire_RemovesPreviousDay(t *testing.T) {
	f := newFixture(t)
	oldKey := cache.NewKey("prayer-records", "u1", "2026-10-17")
	newKey := cache.NewKey("prayer-records", "u1", "2026-10-18")
	f.store.Set(oldKey, "yesterday", cache.NeverStale())
	f.store.Set(newKey, "today", cache.NeverStale())

	f.setDay("2026-10-18")
	f.sched.FireNow(DayBoundary)

	_, ok := f.store.Get(oldKey)
	assert.False(t, ok)
	e, ok := f.store.Get(newKey)
	require.True(t, ok)
	assert.True(t, e.Invalidated)
	ev, ok := f.rec.last(EventDayRemoved)
	require.True(t, ok)
	assert.Equal(t, oldKey.String(), ev.Key)

	// Same day again: nothing else removed.
	f.sched.FireNow(DayBoundary)
	assert.Equal(t, 1, f.rec.count(EventDayRemoved))
}

func TestSignOut_ClearsResources(t *testing.T) {
	f := newFixture(t)
	f.store.Set(cache.NewKey("intentions", "u1"), 1, cache.NeverStale())
	f.store.Set(cache.NewKey("prayer-records", "u1", "2026-10-17"), 2, cache.NeverStale())
	f.store.Set(cache.NewKey("people", "u1"), 3, cache.NeverStale())
	f.sched.Trigger(PeriodChange)

	f.sched.Trigger(SignOut)
	_, ok := f.sched.Pending()
	assert.False(t, ok)
	assert.Equal(t, 2, f.rec.count(EventCleared))
	assert.Equal(t, 1, f.store.Len())
}

func TestSetPolicy(t *testing.T) {
	f := newFixture(t)
	p := DefaultPolicy()
	p.PeriodDebounce = time.Second
	p.Throttle = 0
	f.sched.SetPolicy(p)
	assert.Equal(t, p, f.sched.Policy())

	f.sched.FireNow(Foreground)
	f.sched.FireNow(Foreground)
	assert.Equal(t, 0, f.rec.count(EventThrottled))

	f.sched.Trigger(PeriodChange)
	f.fc.Advance(time.Second)
	require.Eventually(t, func() bool { return f.rec.count(EventFired) == 3 }, time.Second, time.Millisecond)
}

func TestClose_IgnoresTriggers(t *testing.T) {
	f := newFixture(t)
	f.sched.Trigger(PeriodChange)
	f.sched.Close()
	_, ok := f.sched.Pending()
	assert.False(t, ok)
	f.sched.Trigger(Manual)
	assert.Equal(t, 0, f.rec.count(EventFired))
}

func TestAttach_DayBoundary(t *testing.T) {
	f := newFixture(t)
	fc := clockwork.NewFakeClockAt(time.Date(2026, 10, 18, 3, 59, 30, 0, time.UTC))
	svc := clock.New(fc)
	defer svc.Close()

	dispose, err := f.sched.Attach(svc, "UTC")
	require.NoError(t, err)
	defer dispose()

	fc.BlockUntil(1)
	fc.Advance(time.Minute)
	require.Eventually(t, func() bool {
		k, ok := f.sched.Pending()
		return ok && k == DayBoundary
	}, time.Second, time.Millisecond)

	_, err = f.sched.Attach(svc, "Mars/Olympus")
	assert.Error(t, err)
}

func TestFlushDue(t *testing.T) {
	f := newFixture(t)
	f.sched.Trigger(PeriodChange)
	assert.False(t, f.sched.FlushDue())

	f.sched.Trigger(Foreground)
	f.fc.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		_, pending := f.sched.Pending()
		return !pending || f.sched.FlushDue()
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return f.rec.count(EventFired) == 1 }, time.Second, time.Millisecond)
	assert.False(t, f.sched.FlushDue())
}

func TestOnTransition(t *testing.T) {
	f := newFixture(t)
	f.sched.OnTransition(clock.Transition{Kind: clock.PeriodChange})
	kind, ok := f.sched.Pending()
	require.True(t, ok)
	assert.Equal(t, PeriodChange, kind)

	f.sched.OnTransition(clock.Transition{Kind: clock.DayBoundary})
	kind, _ = f.sched.Pending()
	assert.Equal(t, DayBoundary, kind)
}
