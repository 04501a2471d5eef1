// Package clock provides the server-anchored time source of the sync core.
//
// Device clocks drift and users change them. The Service records one
// anchor pairing a trusted server timestamp with the device time at which it
// was observed, and derives "now" by adding elapsed device time to the
// server timestamp. Prayer day keys and periods are projected from that
// value in an IANA timezone.
package clock

import (
	"log/slog"
	"sort"
	"sync"
	"time"
	_ "time/tzdata" // devices may ship without a zoneinfo database

	"github.com/jonboulle/clockwork"

	"github.com/roach88/prayersync/internal/syncerr"
)

// DefaultEpsilon is the skew difference under which two anchors are
// considered equivalent.
const DefaultEpsilon = time.Second

// Anchor pairs a server timestamp with the device time at which it was
// observed. Anchors are immutable; a resync replaces the whole value.
type Anchor struct {
	ServerEpochMs      int64
	LocalEpochMsAtSync int64
	Timezone           string
}

// skew is the offset that maps device time onto server time.
func (a Anchor) skew() int64 {
	return a.ServerEpochMs - a.LocalEpochMsAtSync
}

// Service is the drift-corrected clock.
//
// Thread-safety: all methods are safe for concurrent use.
type Service struct {
	device  clockwork.Clock
	epsilon time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	anchor *Anchor

	locMu sync.Mutex
	locs  map[string]*time.Location

	tickMu         sync.Mutex
	ticker         clockwork.Ticker
	tickStop       chan struct{}
	tickSubs       map[int]func(time.Time)
	nextSub        int
	lastTick       time.Time
	tickersStarted int
}

// Option configures a Service.
type Option func(*Service)

// WithEpsilon sets the anchor equivalence tolerance.
func WithEpsilon(d time.Duration) Option {
	return func(s *Service) {
		s.epsilon = d
	}
}

// WithLogger sets the logger used for anchor changes.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// New creates a Service reading device time from device.
// A nil device uses the real clock.
func New(device clockwork.Clock, opts ...Option) *Service {
	if device == nil {
		device = clockwork.NewRealClock()
	}
	s := &Service{
		device:   device,
		epsilon:  DefaultEpsilon,
		logger:   slog.Default(),
		locs:     make(map[string]*time.Location),
		tickSubs: make(map[int]func(time.Time)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Device returns the underlying device clock.
func (s *Service) Device() clockwork.Clock {
	return s.device
}

// Init installs the first anchor. It behaves like Resync.
func (s *Service) Init(a Anchor) error {
	_, err := s.Resync(a)
	return err
}

// Resync replaces the anchor atomically.
//
// An anchor equivalent to the current one (same timezone, skew within
// epsilon) is ignored and Resync reports false. An unknown timezone is
// rejected with a validation error and leaves the current anchor in place.
func (s *Service) Resync(a Anchor) (bool, error) {
	if _, err := s.location(a.Timezone); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.anchor != nil && s.equivalent(*s.anchor, a) {
		return false, nil
	}
	prev := s.anchor
	next := a
	s.anchor = &next

	if prev != nil {
		s.logger.Info("clock resynced",
			"timezone", a.Timezone,
			"skew_ms", a.skew(),
			"delta_ms", a.skew()-prev.skew(),
		)
	} else {
		s.logger.Debug("clock anchored", "timezone", a.Timezone, "skew_ms", a.skew())
	}
	return true, nil
}

func (s *Service) equivalent(cur, next Anchor) bool {
	if cur.Timezone != next.Timezone {
		return false
	}
	d := cur.skew() - next.skew()
	if d < 0 {
		d = -d
	}
	return time.Duration(d)*time.Millisecond <= s.epsilon
}

// Anchor returns the current anchor, if one is installed.
func (s *Service) Anchor() (Anchor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.anchor == nil {
		return Anchor{}, false
	}
	return *s.anchor, true
}

// Now returns server-corrected time:
// anchor.ServerEpochMs + (deviceNow - anchor.LocalEpochMsAtSync).
// Without an anchor it returns device time.
func (s *Service) Now() time.Time {
	deviceNow := s.device.Now()

	s.mu.RLock()
	a := s.anchor
	s.mu.RUnlock()

	if a == nil {
		return deviceNow
	}
	return time.UnixMilli(a.ServerEpochMs + deviceNow.UnixMilli() - a.LocalEpochMsAtSync)
}

// CurrentPeriod returns the prayer window of Now in timezone.
// An empty timezone uses the anchor's timezone.
func (s *Service) CurrentPeriod(timezone string) (Period, error) {
	loc, err := s.location(s.resolveZone(timezone))
	if err != nil {
		return "", err
	}
	return PeriodAt(s.Now(), loc), nil
}

// PrayerDayStart returns the key of the prayer day containing Now in
// timezone. An empty timezone uses the anchor's timezone.
func (s *Service) PrayerDayStart(timezone string) (string, error) {
	loc, err := s.location(s.resolveZone(timezone))
	if err != nil {
		return "", err
	}
	return PrayerDayKey(s.Now(), loc), nil
}

// Location resolves an IANA timezone name. Empty means the anchor's zone,
// or UTC when no anchor is installed.
func (s *Service) Location(timezone string) (*time.Location, error) {
	return s.location(s.resolveZone(timezone))
}

func (s *Service) resolveZone(timezone string) string {
	if timezone != "" {
		return timezone
	}
	if a, ok := s.Anchor(); ok {
		return a.Timezone
	}
	return ""
}

func (s *Service) location(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	s.locMu.Lock()
	defer s.locMu.Unlock()
	if loc, ok := s.locs[name]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, syncerr.Validation("load timezone", "unknown timezone %q", name)
	}
	s.locs[name] = loc
	return loc, nil
}

// OnMinuteTick registers callback for a once-per-minute notification and
// returns its disposer.
//
// One underlying ticker serves every subscriber. It starts with the first
// subscription and stops when the last one is disposed. Callbacks receive
// server-corrected time, never earlier than the previous tick, and run on
// the ticker goroutine in subscription order.
func (s *Service) OnMinuteTick(callback func(time.Time)) (dispose func()) {
	s.tickMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.tickSubs[id] = callback
	if s.ticker == nil {
		s.ticker = s.device.NewTicker(time.Minute)
		s.tickStop = make(chan struct{})
		s.tickersStarted++
		go s.tickLoop(s.ticker, s.tickStop)
	}
	s.tickMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.tickMu.Lock()
			defer s.tickMu.Unlock()
			delete(s.tickSubs, id)
			if len(s.tickSubs) == 0 {
				s.stopTickerLocked()
			}
		})
	}
}

func (s *Service) tickLoop(ticker clockwork.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			s.fireTick()
		}
	}
}

func (s *Service) fireTick() {
	now := s.Now()

	s.tickMu.Lock()
	if now.Before(s.lastTick) {
		now = s.lastTick
	}
	s.lastTick = now
	ids := make([]int, 0, len(s.tickSubs))
	for id := range s.tickSubs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	callbacks := make([]func(time.Time), 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, s.tickSubs[id])
	}
	s.tickMu.Unlock()

	for _, cb := range callbacks {
		cb(now)
	}
}

func (s *Service) stopTickerLocked() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.tickStop)
	s.ticker = nil
	s.tickStop = nil
}

// Close stops the minute ticker and drops every tick subscriber.
func (s *Service) Close() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	s.tickSubs = make(map[int]func(time.Time))
	s.stopTickerLocked()
}
