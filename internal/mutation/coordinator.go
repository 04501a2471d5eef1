// Package mutation applies optimistic writes to the cache and reconciles
// them with the server response.
//
// Every mutation moves through pending → committed or pending →
// rolledBack; both outcomes are terminal. A mutation snapshots the entry at
// its target key when it begins, so a failure restores exactly the value
// present before it, never an older or newer one.
//
// Overlapping mutations on the same key each keep their own snapshot.
// Rollback is a compare-and-restore on the revision the mutation wrote: if a
// later mutation has already replaced that value, the failing mutation
// leaves the cache alone and hands its snapshot to the mutation that
// superseded it.
//
// Thread-safety: Coordinator is safe for concurrent use. Cache subscriber
// callbacks run while the coordinator lock is held and must not call back
// into it.
package mutation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/prayersync/internal/cache"
	"github.com/roach88/prayersync/internal/syncerr"
)

// Status is the lifecycle state of a mutation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
)

// Mutation is one optimistic write awaiting its server response.
type Mutation struct {
	ID        string
	Type      string
	TargetKey cache.Key
	AppliedAt time.Time
	Status    Status

	// PreviousSnapshot is the entry restored on rollback. HadSnapshot is
	// false when the key was absent; rollback then removes the entry.
	PreviousSnapshot cache.Entry
	HadSnapshot      bool

	write *OptimisticWrite
}

// Definition declares a mutation type for Mutate.
type Definition struct {
	Type string

	// Target returns the cache key the optimistic value is written to.
	Target func(payload any) (cache.Key, error)

	// Optimistic derives the local value from the cached one. Nil skips
	// the optimistic write.
	Optimistic func(cur any, present bool, payload any) (any, bool)

	// Send performs the server call and returns the authoritative value.
	Send func(ctx context.Context, payload any) (any, error)

	// Reconcile merges the server value into the cached one. Nil replaces
	// the entry with the server value.
	Reconcile func(cur any, present bool, server any) (any, bool)

	// Dependents lists key patterns invalidated after a commit.
	Dependents func(target cache.Key, payload any) []cache.Key
}

// Result is the outcome of Mutate.
type Result struct {
	ID     string
	Status Status
	Value  any
	Err    error
}

// EventKind names a coordinator event.
type EventKind string

const (
	EventBegin              EventKind = "begin"
	EventCommit             EventKind = "commit"
	EventRollback           EventKind = "rollback"
	EventRollbackSuperseded EventKind = "rollback_superseded"
)

// Event describes a mutation state change. Observers use it for tracing.
type Event struct {
	Kind EventKind
	ID   string
	Type string
	Key  string
	Err  error
}

// Coordinator owns the pending mutations of a session.
type Coordinator struct {
	store     *cache.Store
	ids       IDGenerator
	now       func() time.Time
	logger    *slog.Logger
	refresher func(ctx context.Context) error
	observer  func(Event)

	mu        sync.Mutex
	defs      map[string]Definition
	overrides map[string][]string
	pending   map[string][]*Mutation
	supersede map[string]bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIDGenerator sets the mutation ID source.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Coordinator) {
		c.ids = g
	}
}

// WithNow sets the time source for AppliedAt.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithSessionRefresher sets the function called once when Send fails with
// an authorization error, before the single resend.
func WithSessionRefresher(fn func(ctx context.Context) error) Option {
	return func(c *Coordinator) {
		c.refresher = fn
	}
}

// WithObserver receives every coordinator event.
func WithObserver(fn func(Event)) Option {
	return func(c *Coordinator) {
		c.observer = fn
	}
}

// New creates a coordinator writing into store.
func New(store *cache.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		ids:       UUIDv7Generator{},
		now:       time.Now,
		logger:    slog.Default(),
		defs:      make(map[string]Definition),
		overrides: make(map[string][]string),
		pending:   make(map[string][]*Mutation),
		supersede: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register declares a mutation type. Registering a type again replaces it.
func (c *Coordinator) Register(def Definition) error {
	if def.Type == "" {
		return fmt.Errorf("mutation definition: type is required")
	}
	if def.Target == nil || def.Send == nil {
		return fmt.Errorf("mutation definition %q: Target and Send are required", def.Type)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[def.Type] = def
	return nil
}

// SetDependentResources replaces the dependents of a mutation type with
// owner-scoped patterns of the named resources. The owner is the first
// scope segment of the mutation's target key.
func (c *Coordinator) SetDependentResources(typ string, resources []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[typ] = append([]string(nil), resources...)
}

// Begin writes value at key optimistically and returns the pending
// mutation.
func (c *Coordinator) Begin(typ string, key cache.Key, value any) (*Mutation, error) {
	return c.begin(typ, NewWrite(key, value))
}

func (c *Coordinator) begin(typ string, w *OptimisticWrite) (*Mutation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := w.Apply(c.store); err != nil {
		return nil, err
	}
	prev, had := w.Snapshot()
	m := &Mutation{
		ID:               c.ids.Generate(),
		Type:             typ,
		TargetKey:        w.Key,
		AppliedAt:        c.now(),
		Status:           StatusPending,
		PreviousSnapshot: prev,
		HadSnapshot:      had,
		write:            w,
	}
	ks := w.Key.String()
	c.pending[ks] = append(c.pending[ks], m)

	c.logger.Debug("mutation begin", "id", m.ID, "type", typ, "key", ks, "revision", w.Revision())
	c.emit(Event{Kind: EventBegin, ID: m.ID, Type: typ, Key: ks})
	return m, nil
}

// Commit replaces the entry at the mutation's key with serverValue, marks
// the mutation committed and invalidates the dependents declared for its
// type.
func (c *Coordinator) Commit(m *Mutation, serverValue any) error {
	c.mu.Lock()
	def := c.defs[m.Type]
	c.mu.Unlock()

	var deps []cache.Key
	if def.Dependents != nil {
		deps = def.Dependents(m.TargetKey, nil)
	}
	return c.commit(m, serverValue, nil, deps)
}

func (c *Coordinator) commit(m *Mutation, server any, reconcile func(any, bool, any) (any, bool), deps []cache.Key) error {
	if reconcile == nil {
		reconcile = func(_ any, _ bool, server any) (any, bool) {
			return server, true
		}
	}

	c.mu.Lock()
	if m.Status != StatusPending {
		c.mu.Unlock()
		return fmt.Errorf("mutation %s: commit of %s mutation", m.ID, m.Status)
	}
	ks := m.TargetKey.String()

	// The mutation that owns the current value keeps owning it after the
	// server value is merged in, so its own rollback still matches.
	cur, _ := c.store.Get(m.TargetKey)
	owner := c.ownerLocked(ks, cur.Revision)
	e, ok := c.store.Update(m.TargetKey, c.store.PolicyFor(m.TargetKey), func(v any, present bool) (any, bool) {
		return reconcile(v, present, server)
	})
	if ok && owner != nil && owner != m {
		owner.write.rev = e.Revision
	}
	// Later mutations built on this one's optimistic value now build on the
	// committed value.
	for _, p := range c.pending[ks] {
		if p == m || p.write.prev.Revision != m.write.rev || !p.HadSnapshot {
			continue
		}
		if merged, ok := reconcile(p.write.prev.Data, true, server); ok {
			p.write.prev.Data = merged
			p.PreviousSnapshot = p.write.prev
		}
	}

	m.Status = StatusCommitted
	settled := c.finishLocked(ks, m)
	if ov, ok := c.overrideDepsLocked(m); ok {
		deps = ov
	}
	if settled {
		deps = append(deps, m.TargetKey)
	}
	c.mu.Unlock()

	c.logger.Debug("mutation commit", "id", m.ID, "type", m.Type, "key", ks)
	c.emit(Event{Kind: EventCommit, ID: m.ID, Type: m.Type, Key: ks})
	for _, d := range deps {
		c.store.Invalidate(d)
	}
	return nil
}

// Rollback restores the snapshot captured at Begin, marks the mutation
// rolled back and returns cause wrapped with the mutation context.
//
// The restore only happens if the value the mutation wrote is still
// current. Otherwise the snapshot passes to the pending mutation that
// replaced it.
func (c *Coordinator) Rollback(m *Mutation, cause error) error {
	c.mu.Lock()
	if m.Status != StatusPending {
		c.mu.Unlock()
		return fmt.Errorf("mutation %s: rollback of %s mutation", m.ID, m.Status)
	}
	ks := m.TargetKey.String()

	kind := EventRollback
	restored := m.write.prev
	if m.write.Undo(c.store) {
		// The restored value may be another pending mutation's optimistic
		// value; that mutation owns it again under its new revision.
		if owner := c.ownerLocked(ks, restored.Revision); owner != nil {
			if e, ok := c.store.Get(m.TargetKey); ok {
				owner.write.rev = e.Revision
			}
		}
	} else if m.write.Revision() != 0 {
		kind = EventRollbackSuperseded
		for _, p := range c.pending[ks] {
			if p != m && p.write.prev.Revision == m.write.rev {
				p.write.prev, p.write.hadPrev = m.write.prev, m.write.hadPrev
				p.PreviousSnapshot, p.HadSnapshot = m.write.prev, m.write.hadPrev
			}
		}
		// Later values were derived from this one; refetch once the key
		// settles.
		c.supersede[ks] = true
	}
	m.Status = StatusRolledBack
	refetch := c.finishLocked(ks, m)
	c.mu.Unlock()

	c.logger.Warn("mutation rolled back",
		"id", m.ID,
		"type", m.Type,
		"key", ks,
		"superseded", kind == EventRollbackSuperseded,
		"error", cause,
	)
	c.emit(Event{Kind: kind, ID: m.ID, Type: m.Type, Key: ks, Err: cause})
	if refetch {
		c.store.Invalidate(m.TargetKey)
	}
	return fmt.Errorf("mutation %s (%s) rolled back: %w", m.ID, m.Type, cause)
}

// Mutate runs a registered mutation type end to end: optimistic write,
// server call, then commit or rollback. It returns only after the cache
// reflects the outcome.
func (c *Coordinator) Mutate(ctx context.Context, typ string, payload any) Result {
	c.mu.Lock()
	def, ok := c.defs[typ]
	c.mu.Unlock()
	if !ok {
		return Result{Err: syncerr.Validation("mutate", "unknown mutation type %q", typ)}
	}

	key, err := def.Target(payload)
	if err != nil {
		return Result{Err: err}
	}
	w := &OptimisticWrite{Key: key, Transform: func(any, bool) (any, bool) { return nil, false }}
	if def.Optimistic != nil {
		w.Transform = func(cur any, present bool) (any, bool) {
			return def.Optimistic(cur, present, payload)
		}
	}
	m, err := c.begin(typ, w)
	if err != nil {
		return Result{Err: err}
	}

	server, err := c.send(ctx, def, payload)
	if err != nil {
		return Result{ID: m.ID, Status: StatusRolledBack, Err: c.Rollback(m, err)}
	}

	var deps []cache.Key
	if def.Dependents != nil {
		deps = def.Dependents(key, payload)
	}
	if err := c.commit(m, server, def.Reconcile, deps); err != nil {
		return Result{ID: m.ID, Status: m.Status, Err: err}
	}
	return Result{ID: m.ID, Status: StatusCommitted, Value: server}
}

func (c *Coordinator) send(ctx context.Context, def Definition, payload any) (any, error) {
	v, err := def.Send(ctx, payload)
	if err == nil || !syncerr.IsAuthorization(err) || c.refresher == nil {
		return v, err
	}
	if rerr := c.refresher(ctx); rerr != nil {
		c.logger.Warn("session refresh failed", "type", def.Type, "error", rerr)
		return nil, err
	}
	return def.Send(ctx, payload)
}

// Pending returns the pending mutations at key in begin order.
func (c *Coordinator) Pending(key cache.Key) []*Mutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Mutation(nil), c.pending[key.String()]...)
}

// Types returns the registered mutation types, sorted.
func (c *Coordinator) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.defs))
	for t := range c.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Reset forgets every pending mutation. Used on sign-out after the cache
// has been cleared.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[string][]*Mutation)
	c.supersede = make(map[string]bool)
}

// ownerLocked returns the pending mutation that wrote revision rev.
func (c *Coordinator) ownerLocked(ks string, rev int64) *Mutation {
	if rev == 0 {
		return nil
	}
	for _, p := range c.pending[ks] {
		if p.write.rev == rev {
			return p
		}
	}
	return nil
}

// finishLocked drops m from the pending set. It reports whether the key
// settled after a superseded rollback and needs a refetch.
func (c *Coordinator) finishLocked(ks string, m *Mutation) bool {
	list := c.pending[ks]
	for i, p := range list {
		if p == m {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) > 0 {
		c.pending[ks] = list
		return false
	}
	delete(c.pending, ks)
	if c.supersede[ks] {
		delete(c.supersede, ks)
		return true
	}
	return false
}

func (c *Coordinator) overrideDepsLocked(m *Mutation) ([]cache.Key, bool) {
	res, ok := c.overrides[m.Type]
	if !ok || len(m.TargetKey.Scope) == 0 {
		return nil, false
	}
	owner := m.TargetKey.Scope[0]
	out := make([]cache.Key, 0, len(res))
	for _, r := range res {
		out = append(out, cache.NewKey(r, owner))
	}
	return out, true
}

func (c *Coordinator) emit(ev Event) {
	if c.observer != nil {
		c.observer(ev)
	}
}
