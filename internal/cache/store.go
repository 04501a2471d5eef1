// Package cache implements the keyed resource cache of the sync core.
//
// The Store is the single source of truth for fetched data. A write is
// visible to every later read in the process with no asynchronous gap, and
// every write is stamped with a unique revision from a logical sequence.
//
// Entries carry a freshness policy. Invalidate marks entries stale and
// refetches immediately those that have active subscribers; the others are
// refetched on their next Read. GC evicts entries nobody has observed for
// longer than their retention horizon.
//
// Thread-safety: every method is safe for concurrent use. Subscriber
// callbacks and the event observer run outside the store lock.
package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/prayersync/internal/clock"
)

// DefaultRetention is the eviction horizon of unobserved entries whose
// policy does not set one.
const DefaultRetention = 5 * time.Minute

// Store is the keyed resource cache.
type Store struct {
	now       func() time.Time
	device    clockwork.Clock
	seq       *clock.Sequence
	logger    *slog.Logger
	retry     RetryPolicy
	retention time.Duration
	refresher func(ctx context.Context) error
	observer  func(Event)

	refreshGroup singleflight.Group

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	entries   map[string]*Entry
	populated map[string]bool
	errs      map[string]error
	watchers  map[string]*watchSet
	routes    map[string]route
	inflight  map[string]*inflight
	fetchGen  int64
	nextSubID int
}

// Option configures a Store.
type Option func(*Store)

// WithNow sets the time source used for fetch stamps and staleness.
// The session passes the server-anchored clock here.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithDeviceClock sets the clock used for backoff sleeps and the GC ticker.
func WithDeviceClock(c clockwork.Clock) Option {
	return func(s *Store) {
		s.device = c
	}
}

// WithSequence sets the revision sequence.
func WithSequence(seq *clock.Sequence) Option {
	return func(s *Store) {
		s.seq = seq
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithRetry sets the fetch retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(s *Store) {
		s.retry = p
	}
}

// WithRetention sets the default eviction horizon.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		s.retention = d
	}
}

// WithSessionRefresher sets the function called once when a fetch fails
// with an authorization error. Concurrent failures share one call.
func WithSessionRefresher(fn func(ctx context.Context) error) Option {
	return func(s *Store) {
		s.refresher = fn
	}
}

// WithObserver receives every store event. Used for tracing.
func WithObserver(fn func(Event)) Option {
	return func(s *Store) {
		s.observer = fn
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		device:    clockwork.NewRealClock(),
		seq:       clock.NewSequence(),
		logger:    slog.Default(),
		retry:     DefaultRetryPolicy(),
		retention: DefaultRetention,
		entries:   make(map[string]*Entry),
		populated: make(map[string]bool),
		errs:      make(map[string]error),
		watchers:  make(map[string]*watchSet),
		routes:    make(map[string]route),
		inflight:  make(map[string]*inflight),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.now == nil {
		s.now = s.device.Now
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Get returns the entry at key.
func (s *Store) Get(key Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key.String()]
	if !ok {
		return Entry{}, false
	}
	return s.copyLocked(e), true
}

// Set creates or replaces the entry at key. The write is visible to every
// subsequent Get.
func (s *Store) Set(key Key, data any, policy Policy) Entry {
	s.mu.Lock()
	e := s.writeLocked(key, data, policy)
	s.mu.Unlock()

	s.emit(Event{Kind: EventSet, Key: key.String(), Revision: e.Revision})
	s.notify(key, Change{Key: key, Entry: e, Present: true})
	return e
}

// Update atomically transforms the value at key. fn receives the current
// data and reports whether it produced a new value; when it does not, the
// entry is left untouched. fn must not call back into the store.
func (s *Store) Update(key Key, policy Policy, fn func(cur any, present bool) (any, bool)) (Entry, bool) {
	_, _, e, ok := s.Swap(key, policy, fn)
	return e, ok
}

// Swap is Update that also returns the entry as it was when fn ran,
// captured under the same lock as the write. hadPrev is false when key had
// no entry. prev is returned even when fn declines to write.
func (s *Store) Swap(key Key, policy Policy, fn func(cur any, present bool) (any, bool)) (prev Entry, hadPrev bool, next Entry, ok bool) {
	s.mu.Lock()
	var cur any
	ex, present := s.entries[key.String()]
	if present {
		prev = s.copyLocked(ex)
		cur = ex.Data
		policy = ex.Policy
	}
	data, ok := fn(cur, present)
	if !ok {
		s.mu.Unlock()
		return prev, present, Entry{}, false
	}
	next = s.writeLocked(key, data, policy)
	s.mu.Unlock()

	s.emit(Event{Kind: EventSet, Key: key.String(), Revision: next.Revision})
	s.notify(key, Change{Key: key, Entry: next, Present: true})
	return prev, present, next, true
}

func (s *Store) writeLocked(key Key, data any, policy Policy) Entry {
	ks := key.String()
	now := s.now()
	e, ok := s.entries[ks]
	if !ok {
		e = &Entry{Key: NewKey(key.Resource, key.Scope...)}
		s.entries[ks] = e
		if s.subscriberCountLocked(ks) == 0 {
			e.idleSince = now
		}
	}
	e.Data = data
	e.Policy = policy
	e.FetchedAt = now
	e.UpdatedAt = now
	e.Invalidated = false
	e.Revision = s.seq.Next()
	s.populated[ks] = true
	delete(s.errs, ks)
	return s.copyLocked(e)
}

// CompareAndRestore restores prev at key only if the current entry still
// carries revision expect. When prev is not present the entry is removed.
// It reports whether the restore happened.
func (s *Store) CompareAndRestore(key Key, expect int64, prev Entry, present bool) bool {
	ks := key.String()
	s.mu.Lock()
	cur, ok := s.entries[ks]
	if !ok || cur.Revision != expect {
		s.mu.Unlock()
		return false
	}
	var change Change
	if present {
		cur.Data = prev.Data
		cur.Policy = prev.Policy
		cur.FetchedAt = prev.FetchedAt
		cur.Invalidated = prev.Invalidated
		cur.UpdatedAt = s.now()
		cur.Revision = s.seq.Next()
		change = Change{Key: key, Entry: s.copyLocked(cur), Present: true}
	} else {
		delete(s.entries, ks)
		change = Change{Key: key}
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventRestore, Key: ks, Revision: change.Entry.Revision})
	s.notify(key, change)
	return true
}

// Invalidate marks every entry matching pattern stale. Entries with active
// subscribers are refetched in the background right away; the others are
// refetched on their next Read. Subscribed keys matching pattern that have
// no entry yet, such as one whose first load failed, are fetched as well
// unless a fetch is already running. It returns the matched entry keys.
func (s *Store) Invalidate(pattern Key) []Key {
	s.mu.Lock()
	var matched, refetch []Key
	for ks, e := range s.entries {
		if !e.Key.Matches(pattern) {
			continue
		}
		e.Invalidated = true
		matched = append(matched, e.Key)
		if s.subscriberCountLocked(ks) > 0 {
			refetch = append(refetch, e.Key)
		}
	}
	for ks, ws := range s.watchers {
		if len(ws.subs) == 0 || !ws.key.Matches(pattern) {
			continue
		}
		if _, present := s.entries[ks]; present {
			continue
		}
		_, routed := s.routes[ws.key.Resource]
		_, fetching := s.inflight[ks]
		if routed && !fetching {
			refetch = append(refetch, ws.key)
		}
	}
	s.mu.Unlock()

	sortKeys(matched)
	sortKeys(refetch)
	for _, k := range matched {
		s.emit(Event{Kind: EventInvalidate, Key: k.String()})
	}
	for _, k := range refetch {
		s.goFetch(k)
	}
	return matched
}

// Remove evicts every entry matching pattern and cancels their in-flight
// fetches. It returns the number of entries removed.
func (s *Store) Remove(pattern Key) int {
	s.mu.Lock()
	var removed []Key
	for ks, e := range s.entries {
		if e.Key.Matches(pattern) {
			removed = append(removed, e.Key)
			delete(s.entries, ks)
			delete(s.errs, ks)
		}
	}
	for ks, f := range s.inflight {
		if f.key.Matches(pattern) {
			f.cancel()
			delete(s.inflight, ks)
		}
	}
	s.mu.Unlock()

	sortKeys(removed)
	for _, k := range removed {
		s.emit(Event{Kind: EventRemove, Key: k.String()})
		s.notify(k, Change{Key: k})
	}
	return len(removed)
}

// GC evicts entries that have had no subscribers for longer than their
// retention horizon. It returns the number of entries evicted.
func (s *Store) GC() int {
	now := s.now()
	s.mu.Lock()
	var evicted []Key
	for ks, e := range s.entries {
		if s.subscriberCountLocked(ks) > 0 {
			continue
		}
		retention := e.Policy.Retention
		if retention <= 0 {
			retention = s.retention
		}
		if !now.Before(e.idleSince.Add(retention)) {
			evicted = append(evicted, e.Key)
			delete(s.entries, ks)
			delete(s.errs, ks)
		}
	}
	s.mu.Unlock()

	sortKeys(evicted)
	for _, k := range evicted {
		s.emit(Event{Kind: EventEvict, Key: k.String()})
	}
	if len(evicted) > 0 {
		s.logger.Debug("cache gc", "evicted", len(evicted))
	}
	return len(evicted)
}

// StartGC runs GC every interval until ctx is cancelled.
func (s *Store) StartGC(ctx context.Context, interval time.Duration) {
	ticker := s.device.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.GC()
			}
		}
	}()
}

// Clear drops every entry, cancels every in-flight fetch and forgets which
// keys were ever populated. Subscriptions stay registered.
func (s *Store) Clear() {
	s.mu.Lock()
	var removed []Key
	for _, e := range s.entries {
		removed = append(removed, e.Key)
	}
	for _, f := range s.inflight {
		f.cancel()
	}
	s.entries = make(map[string]*Entry)
	s.populated = make(map[string]bool)
	s.errs = make(map[string]error)
	s.inflight = make(map[string]*inflight)
	s.mu.Unlock()

	sortKeys(removed)
	s.emit(Event{Kind: EventClear})
	for _, k := range removed {
		s.notify(k, Change{Key: k})
	}
}

// EverPopulated reports whether key has held a value since the store was
// created or last cleared.
func (s *Store) EverPopulated(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.populated[key.String()]
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot returns copies of every entry ordered by key.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, s.copyLocked(e))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Restore loads entries, typically from a persisted snapshot. Restored
// entries keep their fetch time and policy but receive fresh revisions.
func (s *Store) Restore(entries []Entry) {
	now := s.now()
	s.mu.Lock()
	for _, in := range entries {
		ks := in.Key.String()
		e := &Entry{
			Key:         NewKey(in.Key.Resource, in.Key.Scope...),
			Data:        in.Data,
			FetchedAt:   in.FetchedAt,
			UpdatedAt:   now,
			Policy:      in.Policy,
			Invalidated: in.Invalidated,
			Revision:    s.seq.Next(),
			idleSince:   now,
		}
		s.entries[ks] = e
		s.populated[ks] = true
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventRestore, Count: len(entries)})
}

// PolicyFor returns the policy an optimistic write at key should carry:
// the existing entry's, else the registered resource policy.
func (s *Store) PolicyFor(key Key) Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key.String()]; ok {
		return e.Policy
	}
	if r, ok := s.routes[key.Resource]; ok {
		return r.opts.Policy
	}
	return NeverStale()
}

// Close cancels background fetches and waits for them to finish.
func (s *Store) Close() {
	s.cancel()
	s.mu.Lock()
	for _, f := range s.inflight {
		f.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Store) copyLocked(e *Entry) Entry {
	out := *e
	out.Key = NewKey(e.Key.Resource, e.Key.Scope...)
	out.Subscribers = s.subscriberCountLocked(e.Key.String())
	return out
}

func (s *Store) emit(ev Event) {
	if s.observer != nil {
		s.observer(ev)
	}
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
