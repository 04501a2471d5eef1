// Package refresh decides when cached resources are invalidated and
// refetched in response to clock transitions and app lifecycle events.
//
// Triggers arriving in quick succession collapse into a single pending
// refresh: each new trigger cancels the pending timer and schedules a
// replacement. A resource is force-refreshed at most once per throttle
// window unless the trigger is high-priority (day boundary, manual pull,
// sign-out).
//
// Thread-safety: Scheduler is safe for concurrent use.
package refresh

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/prayersync/internal/cache"
	"github.com/roach88/prayersync/internal/clock"
)

// TriggerKind names the cause of a refresh.
type TriggerKind int

const (
	PeriodChange TriggerKind = iota + 1
	DayBoundary
	Foreground
	Manual
	SignOut
)

func (k TriggerKind) String() string {
	switch k {
	case PeriodChange:
		return "period_change"
	case DayBoundary:
		return "day_boundary"
	case Foreground:
		return "foreground"
	case Manual:
		return "manual"
	case SignOut:
		return "sign_out"
	default:
		return "unknown"
	}
}

// HighPriority reports whether the trigger bypasses the throttle.
func (k TriggerKind) HighPriority() bool {
	return k == DayBoundary || k == Manual || k == SignOut
}

// ParseTrigger parses the String form of a trigger kind.
func ParseTrigger(s string) (TriggerKind, bool) {
	for k := PeriodChange; k <= SignOut; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Policy holds the scheduler intervals.
type Policy struct {
	// Throttle is the minimum interval between two forced refreshes of a
	// resource by low-priority triggers.
	Throttle time.Duration

	DayBoundaryDebounce time.Duration
	PeriodDebounce      time.Duration
	ForegroundDebounce  time.Duration
	ManualDebounce      time.Duration
}

// DefaultPolicy returns a 10 minute throttle and debounces of 2s (day
// boundary, foreground), 15s (period change) and 0 (manual).
func DefaultPolicy() Policy {
	return Policy{
		Throttle:            10 * time.Minute,
		DayBoundaryDebounce: 2 * time.Second,
		PeriodDebounce:      15 * time.Second,
		ForegroundDebounce:  2 * time.Second,
	}
}

// Delay returns the debounce delay of kind.
func (p Policy) Delay(kind TriggerKind) time.Duration {
	switch kind {
	case DayBoundary:
		return p.DayBoundaryDebounce
	case PeriodChange:
		return p.PeriodDebounce
	case Foreground:
		return p.ForegroundDebounce
	case Manual:
		return p.ManualDebounce
	default:
		return 0
	}
}

// Resource is a refreshable cache resource.
type Resource struct {
	Name string

	// KeyFor returns the key of the resource for a prayer day. Resources
	// that are not day-scoped ignore the argument.
	KeyFor func(day string) cache.Key

	// DayScoped resources have one entry per prayer day; the previous
	// day's entry is removed when the day changes.
	DayScoped bool

	// Pattern matches every entry of the resource. Sign-out removes it.
	Pattern cache.Key
}

// EventKind names a scheduler event.
type EventKind string

const (
	EventScheduled  EventKind = "scheduled"
	EventFired      EventKind = "fired"
	EventRefreshed  EventKind = "refreshed"
	EventThrottled  EventKind = "throttled"
	EventDayRemoved EventKind = "day_removed"
	EventCleared    EventKind = "cleared"
)

// Event describes a scheduler decision. Observers use it for tracing.
type Event struct {
	Kind     EventKind
	Trigger  TriggerKind
	Resource string
	Key      string
	Delay    time.Duration
}

type pendingFire struct {
	timer clockwork.Timer
	kind  TriggerKind
	high  bool
	due   time.Time
	gen   int
}

// Scheduler turns triggers into cache invalidations.
type Scheduler struct {
	store    *cache.Store
	device   clockwork.Clock
	now      func() time.Time
	day      func() (string, error)
	dispatch func(func())
	logger   *slog.Logger
	observer func(Event)

	mu        sync.Mutex
	policy    Policy
	resources []Resource
	throttle  *windowTracker
	pending   *pendingFire
	gen       int
	lastDay   string
	closed    bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDeviceClock sets the clock that drives debounce timers.
func WithDeviceClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.device = c
	}
}

// WithNow sets the time source for throttle windows.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithDayFunc sets the function returning the current prayer day key.
func WithDayFunc(fn func() (string, error)) Option {
	return func(s *Scheduler) {
		s.day = fn
	}
}

// WithDispatcher routes fired refreshes, e.g. onto a session event loop.
// The default runs them on the timer goroutine.
func WithDispatcher(fn func(func())) Option {
	return func(s *Scheduler) {
		s.dispatch = fn
	}
}

// WithPolicy sets the initial policy.
func WithPolicy(p Policy) Option {
	return func(s *Scheduler) {
		s.policy = p
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithObserver receives every scheduler event.
func WithObserver(fn func(Event)) Option {
	return func(s *Scheduler) {
		s.observer = fn
	}
}

// New creates a scheduler refreshing resources in store.
func New(store *cache.Store, resources []Resource, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		device:    clockwork.NewRealClock(),
		day:       func() (string, error) { return "", nil },
		dispatch:  func(fn func()) { fn() },
		logger:    slog.Default(),
		policy:    DefaultPolicy(),
		resources: append([]Resource(nil), resources...),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.now == nil {
		s.now = s.device.Now
	}
	s.throttle = newWindowTracker(s.policy.Throttle)
	if day, err := s.day(); err == nil {
		s.lastDay = day
	}
	return s
}

// SetPolicy swaps the policy. A pending refresh keeps its timer.
func (s *Scheduler) SetPolicy(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
	s.throttle.window = p.Throttle
	s.logger.Info("refresh policy updated",
		"throttle", p.Throttle,
		"day_boundary_debounce", p.DayBoundaryDebounce,
		"period_debounce", p.PeriodDebounce,
		"foreground_debounce", p.ForegroundDebounce,
	)
}

// Policy returns the current policy.
func (s *Scheduler) Policy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// Trigger schedules a refresh for kind, replacing any pending one.
//
// A pending high-priority refresh is never downgraded: a low-priority
// replacement inherits the high-priority tag and keeps whichever delay
// ends sooner. A zero delay fires right away through the dispatcher.
func (s *Scheduler) Trigger(kind TriggerKind) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	now := s.device.Now()
	delay := s.policy.Delay(kind)
	high := kind.HighPriority()
	fireKind := kind

	if p := s.pending; p != nil {
		p.timer.Stop()
		s.pending = nil
		if p.high && !high {
			high = true
			fireKind = p.kind
			if remaining := p.due.Sub(now); remaining < delay {
				delay = remaining
			}
		}
	}
	if delay < 0 {
		delay = 0
	}

	s.gen++
	gen := s.gen
	if delay == 0 {
		s.mu.Unlock()
		s.emit(Event{Kind: EventScheduled, Trigger: fireKind})
		s.dispatch(func() { s.fire(fireKind, high) })
		return
	}
	s.pending = &pendingFire{
		kind: fireKind,
		high: high,
		due:  now.Add(delay),
		gen:  gen,
	}
	s.pending.timer = s.device.AfterFunc(delay, func() {
		s.dispatch(func() { s.firePending(gen) })
	})
	s.mu.Unlock()

	s.logger.Debug("refresh scheduled", "trigger", fireKind, "high_priority", high, "delay", delay)
	s.emit(Event{Kind: EventScheduled, Trigger: fireKind, Delay: delay})
}

// Pending returns the trigger of the scheduled refresh, if any.
func (s *Scheduler) Pending() (TriggerKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return 0, false
	}
	return s.pending.kind, true
}

// Flush fires the pending refresh now, if there is one.
func (s *Scheduler) Flush() bool {
	s.mu.Lock()
	p := s.pending
	if p == nil {
		s.mu.Unlock()
		return false
	}
	p.timer.Stop()
	s.mu.Unlock()
	s.firePending(p.gen)
	return true
}

// FlushDue fires the pending refresh if its deadline has passed on the
// device clock. Drivers that advance a fake clock use it instead of
// waiting for the timer goroutine.
func (s *Scheduler) FlushDue() bool {
	s.mu.Lock()
	p := s.pending
	if p == nil || s.device.Now().Before(p.due) {
		s.mu.Unlock()
		return false
	}
	p.timer.Stop()
	s.mu.Unlock()
	s.firePending(p.gen)
	return true
}

// FireNow refreshes for kind synchronously, bypassing the debounce but not
// the throttle. Any pending refresh is cancelled.
func (s *Scheduler) FireNow(kind TriggerKind) {
	s.mu.Lock()
	if s.pending != nil {
		s.pending.timer.Stop()
		s.pending = nil
	}
	s.mu.Unlock()
	s.fire(kind, kind.HighPriority())
}

// SignOut cancels pending work, removes every resource's entries and
// forgets the throttle windows.
func (s *Scheduler) SignOut() {
	s.mu.Lock()
	if s.pending != nil {
		s.pending.timer.Stop()
		s.pending = nil
	}
	s.throttle.Reset()
	s.lastDay = ""
	resources := append([]Resource(nil), s.resources...)
	s.mu.Unlock()

	for _, r := range resources {
		n := s.store.Remove(r.Pattern)
		s.emit(Event{Kind: EventCleared, Trigger: SignOut, Resource: r.Name, Key: r.Pattern.String()})
		s.logger.Debug("resource cleared", "resource", r.Name, "removed", n)
	}
}

// Attach feeds the clock's transitions in timezone into the scheduler and
// returns the disposer.
func (s *Scheduler) Attach(c *clock.Service, timezone string) (func(), error) {
	return c.WatchTransitions(timezone, s.OnTransition)
}

// OnTransition triggers the refresh matching a clock transition.
func (s *Scheduler) OnTransition(tr clock.Transition) {
	switch tr.Kind {
	case clock.DayBoundary:
		s.Trigger(DayBoundary)
	case clock.PeriodChange:
		s.Trigger(PeriodChange)
	}
}

// Close cancels the pending refresh. Later triggers are ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.pending != nil {
		s.pending.timer.Stop()
		s.pending = nil
	}
}

func (s *Scheduler) firePending(gen int) {
	s.mu.Lock()
	p := s.pending
	if p == nil || p.gen != gen {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.mu.Unlock()
	s.fire(p.kind, p.high)
}

func (s *Scheduler) fire(kind TriggerKind, high bool) {
	if kind == SignOut {
		s.SignOut()
		return
	}

	day, err := s.day()
	if err != nil {
		s.logger.Warn("refresh skipped: prayer day unavailable", "trigger", kind, "error", err)
		return
	}
	now := s.now()

	s.mu.Lock()
	prevDay := s.lastDay
	s.lastDay = day
	resources := append([]Resource(nil), s.resources...)
	var refresh []Resource
	var throttled []Resource
	for _, r := range resources {
		if !high && !s.throttle.Allow(r.Name, now) {
			throttled = append(throttled, r)
			continue
		}
		s.throttle.Mark(r.Name, now)
		refresh = append(refresh, r)
	}
	s.mu.Unlock()

	s.logger.Debug("refresh fired", "trigger", kind, "high_priority", high, "day", day)
	s.emit(Event{Kind: EventFired, Trigger: kind})

	for _, r := range resources {
		if !r.DayScoped || prevDay == "" || prevDay == day {
			continue
		}
		prevKey := r.KeyFor(prevDay)
		s.store.Remove(prevKey)
		s.emit(Event{Kind: EventDayRemoved, Trigger: kind, Resource: r.Name, Key: prevKey.String()})
	}
	for _, r := range throttled {
		s.emit(Event{Kind: EventThrottled, Trigger: kind, Resource: r.Name})
	}
	for _, r := range refresh {
		key := r.KeyFor(day)
		s.store.Invalidate(key)
		s.emit(Event{Kind: EventRefreshed, Trigger: kind, Resource: r.Name, Key: key.String()})
	}
}

func (s *Scheduler) emit(ev Event) {
	if s.observer != nil {
		s.observer(ev)
	}
}
