package realtime

import (
	"log/slog"

	"github.com/roach88/prayersync/internal/cache"
	"github.com/roach88/prayersync/internal/model"
)

// Outcome reports what Apply did with an event.
type Outcome string

const (
	// OutcomePatched means the cached list was updated in place.
	OutcomePatched Outcome = "patched"
	// OutcomeInvalidated means the patch fell back to coarse invalidation.
	OutcomeInvalidated Outcome = "invalidated"
	// OutcomeIgnored means the event could not be attributed to an owner.
	OutcomeIgnored Outcome = "ignored"
)

// Patcher applies ChangeEvents to a cache store.
//
// Thread-safety: Patcher is safe for concurrent use.
type Patcher struct {
	store    *cache.Store
	logger   *slog.Logger
	observer func(ChangeEvent, Outcome)
}

// Option configures a Patcher.
type Option func(*Patcher)

// WithLogger sets the patcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Patcher) {
		p.logger = l
	}
}

// WithObserver receives every event with its outcome.
func WithObserver(fn func(ChangeEvent, Outcome)) Option {
	return func(p *Patcher) {
		p.observer = fn
	}
}

// NewPatcher creates a patcher writing into store.
func NewPatcher(store *cache.Store, opts ...Option) *Patcher {
	p := &Patcher{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply applies ev and returns what happened.
func (p *Patcher) Apply(ev ChangeEvent) Outcome {
	out := p.apply(ev)
	p.logger.Debug("realtime event", "table", ev.Table, "action", ev.Action, "outcome", out)
	if p.observer != nil {
		p.observer(ev, out)
	}
	return out
}

func (p *Patcher) apply(ev ChangeEvent) Outcome {
	ref, err := model.DecodeRef(ev.Record)
	if err != nil {
		p.logger.Warn("realtime event without owner dropped", "table", ev.Table, "error", err)
		return OutcomeIgnored
	}

	switch ev.Table {
	case model.TablePeople:
		// The grouped view cannot be patched without regrouping; refetch it.
		p.store.Invalidate(model.PeopleByRelationKey(ref.OwnerID))
		return p.patch(ref, model.ResourcePeople, model.PeopleKey(ref.OwnerID), func() bool {
			return patchList(p.store, model.PeopleKey(ref.OwnerID), ev, ref.ID, model.DecodePerson)
		})
	case model.TableIntentions:
		return p.patch(ref, model.ResourceIntentions, model.IntentionsKey(ref.OwnerID), func() bool {
			return patchList(p.store, model.IntentionsKey(ref.OwnerID), ev, ref.ID, model.DecodeIntention)
		})
	case model.TablePrayerRecords:
		if !model.ValidDayKey(ref.DayKey) {
			p.store.Invalidate(model.OwnerPattern(model.ResourcePrayerRecords, ref.OwnerID))
			return OutcomeInvalidated
		}
		key := model.PrayerRecordsKey(ref.OwnerID, ref.DayKey)
		return p.patch(ref, model.ResourcePrayerRecords, key, func() bool {
			return patchList(p.store, key, ev, ref.ID, model.DecodePrayerRecord)
		})
	default:
		p.logger.Warn("realtime event for unknown table dropped", "table", ev.Table)
		return OutcomeIgnored
	}
}

func (p *Patcher) patch(ref model.Ref, resource string, key cache.Key, fn func() bool) Outcome {
	if fn() {
		return OutcomePatched
	}
	p.logger.Debug("realtime patch fell back to invalidation", "key", key.String(), "id", ref.ID)
	p.store.Invalidate(model.OwnerPattern(resource, ref.OwnerID))
	return OutcomeInvalidated
}

// patchList applies ev to the []T cached at key. It reports false when the
// entry is absent, holds another shape, or the record does not decode.
func patchList[T model.Record](store *cache.Store, key cache.Key, ev ChangeEvent, id string, decode func([]byte) (T, error)) bool {
	var rec T
	if ev.Action != ActionDeleted {
		var err error
		if rec, err = decode(ev.Record); err != nil {
			return false
		}
	}

	matched := false
	store.Update(key, cache.NeverStale(), func(cur any, present bool) (any, bool) {
		if !present {
			return nil, false
		}
		list, ok := cur.([]T)
		if !ok {
			return nil, false
		}
		matched = true
		if ev.Action == ActionDeleted {
			out, removed := model.RemoveByID(list, id)
			return out, removed
		}
		return model.Upsert(list, rec), true
	})
	return matched
}
