// Package session wires the sync core for one signed-in user.
//
// A Session owns the clock, the cache store, the prefetch registry, the
// mutation coordinator, the refresh scheduler and the realtime patcher,
// and it persists the cache between runs. Scheduled refreshes are executed
// on the session loop (Run); deterministic drivers call Drain instead.
//
// Thread-safety model:
//   - consumer methods (Subscribe, Mutate, HandleChange, triggers) are safe
//     from any goroutine
//   - Run and Drain must not be called concurrently
//   - SignOut and Close are idempotent and serialised by the session lock
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/prayersync/internal/cache"
	"github.com/roach88/prayersync/internal/clock"
	"github.com/roach88/prayersync/internal/model"
	"github.com/roach88/prayersync/internal/mutation"
	"github.com/roach88/prayersync/internal/persist"
	"github.com/roach88/prayersync/internal/prefetch"
	"github.com/roach88/prayersync/internal/realtime"
	"github.com/roach88/prayersync/internal/refresh"
	"github.com/roach88/prayersync/internal/repo"
	"github.com/roach88/prayersync/internal/syncerr"
)

// ErrClosed is returned by operations on a session that was closed or
// signed out.
var ErrClosed = errors.New("session: closed")

// Options configures Open. UserID and the three data repositories are
// required; everything else has a default.
type Options struct {
	UserID   string
	Timezone string
	Repos    repo.Set

	// Device drives timers and the drift-corrected clock. Defaults to the
	// real clock.
	Device clockwork.Clock
	// Anchor, if set, installs the server time anchor before anything
	// reads the clock.
	Anchor *clock.Anchor

	// Persister restores the cache on Open and saves it on Close and on
	// every FlushInterval while dirty. Build it with SnapshotDecoders so
	// restored values regain their types. Nil disables persistence.
	Persister     *persist.Persister
	FlushInterval time.Duration

	Policy     *refresh.Policy
	Dependents map[string][]string

	Retry            *cache.RetryPolicy
	Retention        time.Duration
	GCInterval       time.Duration
	PrefetchCapacity int

	IDs      mutation.IDGenerator
	Logger   *slog.Logger
	Observer func(Trace)

	// ManualClock leaves clock transitions to CheckTransitions instead of
	// the minute ticker.
	ManualClock bool
}

// Session is the sync core of one user.
type Session struct {
	user      string
	tz        string
	device    clockwork.Clock
	logger    *slog.Logger
	observer  func(Trace)
	ids       mutation.IDGenerator
	repos     repo.Set
	fetchers  map[string]cache.Fetcher
	persister *persist.Persister
	flushIvl  time.Duration

	clock    *clock.Service
	store    *cache.Store
	prefetch *prefetch.Registry
	coord    *mutation.Coordinator
	sched    *refresh.Scheduler
	patcher  *realtime.Patcher
	queue    *taskQueue

	dirty atomic.Bool

	mu       sync.Mutex
	closed   bool
	tracker  *clock.TransitionTracker
	detach   func()
	gcCancel context.CancelFunc
}

// Open builds a session and restores its persisted cache. The returned
// session is live; callers should Run it (or Drain it) and Close it.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.UserID == "" {
		return nil, syncerr.Validation("open session", "user id is required")
	}
	if opts.Repos.People == nil || opts.Repos.Intentions == nil || opts.Repos.Prayers == nil {
		return nil, syncerr.Validation("open session", "people, intentions and prayers repositories are required")
	}

	s := &Session{
		user:      opts.UserID,
		tz:        opts.Timezone,
		device:    opts.Device,
		logger:    opts.Logger,
		observer:  opts.Observer,
		ids:       opts.IDs,
		repos:     opts.Repos,
		fetchers:  fetchers(opts.Repos),
		persister: opts.Persister,
		flushIvl:  opts.FlushInterval,
		queue:     newTaskQueue(),
	}
	if s.device == nil {
		s.device = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.ids == nil {
		s.ids = mutation.UUIDv7Generator{}
	}
	s.logger = s.logger.With("user", s.user)

	s.clock = clock.New(s.device, clock.WithLogger(s.logger))
	if opts.Anchor != nil {
		if err := s.clock.Init(*opts.Anchor); err != nil {
			return nil, err
		}
	}
	loc, err := s.clock.Location(s.tz)
	if err != nil {
		return nil, err
	}

	var refresher func(context.Context) error
	if opts.Repos.Auth != nil {
		refresher = opts.Repos.Auth.RefreshSession
	}

	storeOpts := []cache.Option{
		cache.WithNow(s.clock.Now),
		cache.WithDeviceClock(s.device),
		cache.WithSequence(clock.NewSequence()),
		cache.WithLogger(s.logger),
		cache.WithObserver(s.observeCache),
	}
	if opts.Retry != nil {
		storeOpts = append(storeOpts, cache.WithRetry(*opts.Retry))
	}
	if opts.Retention > 0 {
		storeOpts = append(storeOpts, cache.WithRetention(opts.Retention))
	}
	if refresher != nil {
		storeOpts = append(storeOpts, cache.WithSessionRefresher(refresher))
	}
	s.store = cache.New(storeOpts...)
	for resource, fetch := range s.fetchers {
		s.store.Register(resource, fetch, resourcePolicies[resource])
	}

	if s.persister != nil {
		if entries := s.persister.Load(ctx, s.user); len(entries) > 0 {
			s.store.Restore(entries)
			s.logger.Info("cache restored", "entries", len(entries))
		}
	}
	// Restoring is not a change worth saving.
	s.dirty.Store(false)

	if s.prefetch, err = prefetch.New(opts.PrefetchCapacity); err != nil {
		s.store.Close()
		return nil, err
	}

	coordOpts := []mutation.Option{
		mutation.WithIDGenerator(s.ids),
		mutation.WithNow(s.clock.Now),
		mutation.WithLogger(s.logger),
		mutation.WithObserver(s.observeMutation),
	}
	if refresher != nil {
		coordOpts = append(coordOpts, mutation.WithSessionRefresher(refresher))
	}
	s.coord = mutation.New(s.store, coordOpts...)
	for _, def := range definitions(s.repos) {
		if err := s.coord.Register(def); err != nil {
			s.store.Close()
			return nil, err
		}
	}
	if err := s.applyDependents(opts.Dependents); err != nil {
		s.store.Close()
		return nil, err
	}

	policy := refresh.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	s.sched = refresh.New(s.store, s.resources(),
		refresh.WithDeviceClock(s.device),
		refresh.WithNow(s.clock.Now),
		refresh.WithDayFunc(func() (string, error) { return s.clock.PrayerDayStart(s.tz) }),
		refresh.WithDispatcher(s.dispatch),
		refresh.WithPolicy(policy),
		refresh.WithLogger(s.logger),
		refresh.WithObserver(s.observeRefresh),
	)

	s.patcher = realtime.NewPatcher(s.store,
		realtime.WithLogger(s.logger),
		realtime.WithObserver(s.observeRealtime),
	)

	if opts.ManualClock {
		s.tracker = clock.NewTransitionTracker(s.clock.Now(), loc)
	} else if s.detach, err = s.sched.Attach(s.clock, s.tz); err != nil {
		s.sched.Close()
		s.store.Close()
		return nil, err
	}

	if opts.GCInterval > 0 {
		gcCtx, cancel := context.WithCancel(context.Background())
		s.gcCancel = cancel
		s.store.StartGC(gcCtx, opts.GCInterval)
	}

	s.logger.Info("session opened", "timezone", loc.String())
	return s, nil
}

func (s *Session) applyDependents(overrides map[string][]string) error {
	known := make(map[string]bool)
	for _, typ := range s.coord.Types() {
		known[typ] = true
	}
	for typ, resources := range overrides {
		if !known[typ] {
			return syncerr.Validation("open session", "dependents for unknown mutation type %q", typ)
		}
		s.coord.SetDependentResources(typ, resources)
	}
	return nil
}

// resources lists what the scheduler refreshes for this user.
func (s *Session) resources() []refresh.Resource {
	owned := func(resource string) refresh.Resource {
		key := model.OwnerPattern(resource, s.user)
		return refresh.Resource{
			Name:    resource,
			KeyFor:  func(string) cache.Key { return key },
			Pattern: key,
		}
	}
	return []refresh.Resource{
		owned(model.ResourcePeople),
		owned(model.ResourcePeopleByRelation),
		owned(model.ResourceIntentions),
		{
			Name:      model.ResourcePrayerRecords,
			KeyFor:    func(day string) cache.Key { return model.PrayerRecordsKey(s.user, day) },
			DayScoped: true,
			Pattern:   model.OwnerPattern(model.ResourcePrayerRecords, s.user),
		},
	}
}

// dispatch hands scheduler work to the session loop.
func (s *Session) dispatch(fn func()) {
	if !s.queue.Enqueue(task{name: "refresh", fn: fn}) {
		s.logger.Debug("refresh dropped: session closed")
	}
}

// Run executes queued work until ctx is cancelled or the session is
// closed, saving the cache every flush interval while it is dirty.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("session loop starting")

	var flush <-chan time.Time
	if s.persister != nil && s.flushIvl > 0 {
		ticker := s.device.NewTicker(s.flushIvl)
		defer ticker.Stop()
		flush = ticker.Chan()
	}

	for {
		if t, ok := s.queue.TryDequeue(); ok {
			s.runTask(t)
			continue
		}

		select {
		case <-ctx.Done():
			s.logger.Info("session loop stopping: context cancelled")
			return ctx.Err()
		case <-flush:
			s.Flush(ctx)
		case <-s.queue.Wait():
			if s.queue.Len() == 0 && s.isClosed() {
				s.logger.Info("session loop stopping: closed")
				return nil
			}
		}
	}
}

// Drain runs every queued task on the calling goroutine and returns how
// many ran.
func (s *Session) Drain() int {
	n := 0
	for {
		t, ok := s.queue.TryDequeue()
		if !ok {
			return n
		}
		s.runTask(t)
		n++
	}
}

func (s *Session) runTask(t task) {
	s.logger.Debug("session task", "task", t.name)
	t.fn()
}

// Flush saves the cache if it changed since the last save. It reports
// whether a snapshot was written.
func (s *Session) Flush(ctx context.Context) bool {
	if s.persister == nil || !s.dirty.Swap(false) {
		return false
	}
	if !s.persister.Save(ctx, s.user, s.store.Snapshot()) {
		s.dirty.Store(true)
		return false
	}
	s.trace(Trace{Source: SourceSession, Kind: "persisted"})
	return true
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close persists the cache and releases the session. Calling Close more
// than once, or after SignOut, is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stopBackground()
	var err error
	if s.persister != nil && !s.persister.Save(ctx, s.user, s.store.Snapshot()) {
		err = fmt.Errorf("close session: cache snapshot not saved")
	}
	s.dispose()
	s.logger.Info("session closed")
	return err
}

// SignOut clears every user-scoped resource, the prefetch registry, the
// pending mutations and the persisted snapshot, then closes the session.
// Nothing of the user survives a sign-out.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	// Clearing notifies subscribers synchronously. The session is already
	// closed, so a callback that calls back in gets ErrClosed instead of
	// blocking on s.mu or repopulating the cache.
	s.sched.FireNow(refresh.SignOut)
	s.store.Clear()
	s.prefetch.Clear()
	s.coord.Reset()

	s.stopBackground()
	var err error
	if s.persister != nil {
		err = s.persister.Delete(ctx, s.user)
	}
	s.dirty.Store(false)
	s.dispose()
	s.trace(Trace{Source: SourceSession, Kind: "signed_out"})
	s.logger.Info("signed out")
	return err
}

func (s *Session) stopBackground() {
	if s.detach != nil {
		s.detach()
	}
	s.sched.Close()
	if s.gcCancel != nil {
		s.gcCancel()
	}
}

func (s *Session) dispose() {
	s.queue.Close()
	s.store.Close()
	s.clock.Close()
}

// CheckTransitions observes the clock and triggers the matching refresh
// when the prayer day or period changed since the last check. It is a
// no-op unless the session was opened with ManualClock.
func (s *Session) CheckTransitions() (clock.Transition, bool) {
	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()
	if tracker == nil {
		return clock.Transition{}, false
	}
	tr, ok := tracker.Observe(s.clock.Now())
	if !ok {
		return clock.Transition{}, false
	}
	s.trace(Trace{Source: SourceClock, Kind: tr.Kind.String(), Detail: tr.FromDay + " " + string(tr.FromPeriod) + " -> " + tr.ToDay + " " + string(tr.ToPeriod)})
	s.sched.OnTransition(tr)
	return tr, true
}

// FlushDueRefresh fires the pending scheduled refresh if its deadline has
// passed on the device clock.
func (s *Session) FlushDueRefresh() bool {
	return s.sched.FlushDue()
}

// Resync replaces the server time anchor.
func (s *Session) Resync(a clock.Anchor) (bool, error) {
	return s.clock.Resync(a)
}

// Foreground reports that the app came to the foreground.
func (s *Session) Foreground() {
	s.sched.Trigger(refresh.Foreground)
}

// Refresh requests a user-initiated refresh. It bypasses the throttle.
func (s *Session) Refresh() {
	s.sched.Trigger(refresh.Manual)
}

// Trigger schedules a refresh for kind. A sign-out trigger performs a
// full SignOut.
func (s *Session) Trigger(ctx context.Context, kind refresh.TriggerKind) error {
	if kind == refresh.SignOut {
		return s.SignOut(ctx)
	}
	if s.isClosed() {
		return ErrClosed
	}
	s.sched.Trigger(kind)
	return nil
}

// SetPolicy swaps the refresh policy.
func (s *Session) SetPolicy(p refresh.Policy) {
	s.sched.SetPolicy(p)
	s.logger.Info("refresh policy updated", "throttle", p.Throttle)
}

// SetDependents replaces the dependent resources of mutation types.
func (s *Session) SetDependents(overrides map[string][]string) error {
	return s.applyDependents(overrides)
}

// HandleChange applies a realtime change event.
func (s *Session) HandleChange(ev realtime.ChangeEvent) realtime.Outcome {
	if s.isClosed() {
		return realtime.OutcomeIgnored
	}
	return s.patcher.Apply(ev)
}

// Mutate runs a mutation of a registered type.
func (s *Session) Mutate(ctx context.Context, typ string, payload any) mutation.Result {
	if s.isClosed() {
		return mutation.Result{Err: ErrClosed}
	}
	return s.coord.Mutate(ctx, typ, payload)
}

// Read returns the entry at key, fetching it when absent or stale.
func (s *Session) Read(ctx context.Context, key cache.Key) (cache.Entry, error) {
	if s.isClosed() {
		return cache.Entry{}, ErrClosed
	}
	return s.store.Read(ctx, key)
}

// Prefetch fetches keys concurrently into the prefetch registry without
// touching the cache. The first failure is returned after every fetch
// has finished.
func (s *Session) Prefetch(ctx context.Context, keys ...cache.Key) error {
	for _, key := range keys {
		if _, ok := s.fetchers[key.Resource]; !ok {
			return syncerr.Validation("prefetch", "no fetcher for %q", key.Resource)
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		fetch := s.fetchers[key.Resource]
		g.Go(func() error {
			data, err := fetch(ctx, key)
			if err != nil {
				return fmt.Errorf("prefetch %s: %w", key, err)
			}
			s.prefetch.Put(s.user, key.String(), prefetch.Snapshot{Data: data, FetchedAt: s.clock.Now()})
			s.trace(Trace{Source: SourceSession, Kind: "prefetched", Key: key.String()})
			return nil
		})
	}
	return g.Wait()
}

// UserID returns the signed-in user.
func (s *Session) UserID() string { return s.user }

// Timezone returns the session timezone; empty means the anchor's zone.
func (s *Session) Timezone() string { return s.tz }

// Today returns the current prayer day key.
func (s *Session) Today() (string, error) {
	return s.clock.PrayerDayStart(s.tz)
}

// CurrentPeriod returns the current prayer window.
func (s *Session) CurrentPeriod() (clock.Period, error) {
	return s.clock.CurrentPeriod(s.tz)
}

// Clock returns the drift-corrected clock.
func (s *Session) Clock() *clock.Service { return s.clock }

// Store returns the cache store.
func (s *Session) Store() *cache.Store { return s.store }

// Scheduler returns the refresh scheduler.
func (s *Session) Scheduler() *refresh.Scheduler { return s.sched }

// Coordinator returns the mutation coordinator.
func (s *Session) Coordinator() *mutation.Coordinator { return s.coord }

// Prefetched returns the prefetch registry.
func (s *Session) Prefetched() *prefetch.Registry { return s.prefetch }
