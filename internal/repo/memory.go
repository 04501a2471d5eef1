package repo

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/prayersync/internal/model"
	"github.com/roach88/prayersync/internal/syncerr"
)

// Memory is an in-process backend for tests and the scenario harness.
//
// Queued failures are returned by the next calls of the named operation in
// FIFO order; the call then has no effect.
//
// Thread-safety: Memory is safe for concurrent use.
type Memory struct {
	mu         sync.Mutex
	now        func() time.Time
	people     []model.Person
	intentions []model.Intention
	records    []model.PrayerRecord
	failures   map[string][]error
	calls      map[string]int
}

// NewMemory returns an empty backend stamping times with now. A nil now
// uses time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:      now,
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// Set returns the backend wired into every slot of a repository Set.
func (m *Memory) Set() Set {
	return Set{People: m, Intentions: m, Prayers: m, Auth: m}
}

// Fail queues errs for the next calls of op.
func (m *Memory) Fail(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// Calls returns how many times op was invoked, failed calls included.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// SeedPeople stores people without going through the create path.
func (m *Memory) SeedPeople(people ...model.Person) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range people {
		m.people = model.Upsert(m.people, p)
	}
}

// SeedIntentions stores intentions without going through the create path.
func (m *Memory) SeedIntentions(intentions ...model.Intention) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range intentions {
		m.intentions = model.Upsert(m.intentions, i)
	}
}

// SeedPrayerRecords stores records without going through the record path.
func (m *Memory) SeedPrayerRecords(records ...model.PrayerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.records = model.Upsert(m.records, r)
	}
}

// enter counts the call and pops a queued failure. The lock is held on
// return when err is nil.
func (m *Memory) enter(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.calls[op]++
	if q := m.failures[op]; len(q) > 0 {
		err := q[0]
		m.failures[op] = q[1:]
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Memory) ListPeople(ctx context.Context, owner string) ([]model.Person, error) {
	if err := m.enter(ctx, OpListPeople); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return filterOwner(m.people, owner), nil
}

func (m *Memory) CreatePerson(ctx context.Context, p model.Person) (model.Person, error) {
	if err := m.enter(ctx, OpCreatePerson); err != nil {
		return model.Person{}, err
	}
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now().UTC()
	}
	if err := model.ValidatePerson(p); err != nil {
		return model.Person{}, err
	}
	if _, ok := model.FindByID(m.people, p.ID); ok {
		return model.Person{}, syncerr.Validation(OpCreatePerson, "person %s already exists", p.ID)
	}
	m.people = append(m.people, p)
	return p, nil
}

func (m *Memory) UpdatePerson(ctx context.Context, p model.Person) (model.Person, error) {
	if err := m.enter(ctx, OpUpdatePerson); err != nil {
		return model.Person{}, err
	}
	defer m.mu.Unlock()
	cur, ok := findOwned(m.people, p.OwnerID, p.ID)
	if !ok {
		return model.Person{}, syncerr.Validation(OpUpdatePerson, "person %s not found", p.ID)
	}
	p.CreatedAt = cur.CreatedAt
	if err := model.ValidatePerson(p); err != nil {
		return model.Person{}, err
	}
	m.people = model.Upsert(m.people, p)
	return p, nil
}

func (m *Memory) DeletePerson(ctx context.Context, owner, id string) error {
	if err := m.enter(ctx, OpDeletePerson); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := findOwned(m.people, owner, id); !ok {
		return syncerr.Validation(OpDeletePerson, "person %s not found", id)
	}
	m.people, _ = model.RemoveByID(m.people, id)
	return nil
}

func (m *Memory) ListIntentions(ctx context.Context, owner string) ([]model.Intention, error) {
	if err := m.enter(ctx, OpListIntentions); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return filterOwner(m.intentions, owner), nil
}

func (m *Memory) CreateIntention(ctx context.Context, i model.Intention) (model.Intention, error) {
	if err := m.enter(ctx, OpCreateIntention); err != nil {
		return model.Intention{}, err
	}
	defer m.mu.Unlock()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = m.now().UTC()
	}
	if err := model.ValidateIntention(i); err != nil {
		return model.Intention{}, err
	}
	if _, ok := model.FindByID(m.intentions, i.ID); ok {
		return model.Intention{}, syncerr.Validation(OpCreateIntention, "intention %s already exists", i.ID)
	}
	m.intentions = append(m.intentions, i)
	return i, nil
}

func (m *Memory) UpdateIntention(ctx context.Context, i model.Intention) (model.Intention, error) {
	if err := m.enter(ctx, OpUpdateIntention); err != nil {
		return model.Intention{}, err
	}
	defer m.mu.Unlock()
	cur, ok := findOwned(m.intentions, i.OwnerID, i.ID)
	if !ok {
		return model.Intention{}, syncerr.Validation(OpUpdateIntention, "intention %s not found", i.ID)
	}
	i.CreatedAt = cur.CreatedAt
	if err := model.ValidateIntention(i); err != nil {
		return model.Intention{}, err
	}
	m.intentions = model.Upsert(m.intentions, i)
	return i, nil
}

func (m *Memory) DeleteIntention(ctx context.Context, owner, id string) error {
	if err := m.enter(ctx, OpDeleteIntention); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := findOwned(m.intentions, owner, id); !ok {
		return syncerr.Validation(OpDeleteIntention, "intention %s not found", id)
	}
	m.intentions, _ = model.RemoveByID(m.intentions, id)
	return nil
}

func (m *Memory) ListPrayerRecords(ctx context.Context, owner, dayKey string) ([]model.PrayerRecord, error) {
	if err := m.enter(ctx, OpListPrayers); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := []model.PrayerRecord{}
	for _, r := range m.records {
		if r.OwnerID == owner && r.DayKey == dayKey {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) RecordPrayer(ctx context.Context, r model.PrayerRecord) (model.PrayerRecord, error) {
	if err := m.enter(ctx, OpRecordPrayer); err != nil {
		return model.PrayerRecord{}, err
	}
	defer m.mu.Unlock()
	if r.PrayedAt.IsZero() {
		r.PrayedAt = m.now().UTC()
	}
	if err := model.ValidatePrayerRecord(r); err != nil {
		return model.PrayerRecord{}, err
	}
	m.records = model.Upsert(m.records, r)
	return r, nil
}

func (m *Memory) DeletePrayerRecord(ctx context.Context, owner, id string) error {
	if err := m.enter(ctx, OpDeletePrayer); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := findOwned(m.records, owner, id); !ok {
		return syncerr.Validation(OpDeletePrayer, "prayer record %s not found", id)
	}
	m.records, _ = model.RemoveByID(m.records, id)
	return nil
}

// RefreshSession always succeeds unless a failure is queued.
func (m *Memory) RefreshSession(ctx context.Context) error {
	if err := m.enter(ctx, OpRefreshSession); err != nil {
		return err
	}
	m.mu.Unlock()
	return nil
}

func filterOwner[T model.Record](list []T, owner string) []T {
	out := []T{}
	for _, item := range list {
		if item.RecordOwner() == owner {
			out = append(out, item)
		}
	}
	return out
}

func findOwned[T model.Record](list []T, owner, id string) (T, bool) {
	item, ok := model.FindByID(list, id)
	if !ok || item.RecordOwner() != owner {
		var zero T
		return zero, false
	}
	return item, true
}
