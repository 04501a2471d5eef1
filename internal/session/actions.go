package session

import (
	"context"

	"github.com/roach88/prayersync/internal/cache"
	"github.com/roach88/prayersync/internal/model"
	"github.com/roach88/prayersync/internal/mutation"
	"github.com/roach88/prayersync/internal/syncerr"
)

// People is the key of the user's people list.
func (s *Session) People() cache.Key { return model.PeopleKey(s.user) }

// PeopleByRelation is the key of the user's relation-grouped people.
func (s *Session) PeopleByRelation() cache.Key { return model.PeopleByRelationKey(s.user) }

// Intentions is the key of the user's intention list.
func (s *Session) Intentions() cache.Key { return model.IntentionsKey(s.user) }

// PrayerRecords is the key of the user's prayer records for day.
func (s *Session) PrayerRecords(day string) cache.Key { return model.PrayerRecordsKey(s.user, day) }

func failed(err error) mutation.Result {
	return mutation.Result{Err: err}
}

// CreatePerson adds a person. Missing id, owner and creation time are
// filled in.
func (s *Session) CreatePerson(ctx context.Context, p model.Person) mutation.Result {
	if p.ID == "" {
		p.ID = s.ids.Generate()
	}
	if p.OwnerID == "" {
		p.OwnerID = s.user
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.clock.Now()
	}
	return s.Mutate(ctx, TypePersonCreate, p)
}

// UpdatePerson replaces a person.
func (s *Session) UpdatePerson(ctx context.Context, p model.Person) mutation.Result {
	if p.OwnerID == "" {
		p.OwnerID = s.user
	}
	return s.Mutate(ctx, TypePersonUpdate, p)
}

// DeletePerson removes a person of the user.
func (s *Session) DeletePerson(ctx context.Context, id string) mutation.Result {
	return s.Mutate(ctx, TypePersonDelete, model.Ref{ID: id, OwnerID: s.user})
}

// CreateIntention adds an intention. Missing id, owner and creation time
// are filled in.
func (s *Session) CreateIntention(ctx context.Context, i model.Intention) mutation.Result {
	if i.ID == "" {
		i.ID = s.ids.Generate()
	}
	if i.OwnerID == "" {
		i.OwnerID = s.user
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = s.clock.Now()
	}
	return s.Mutate(ctx, TypeIntentionCreate, i)
}

// UpdateIntention replaces an intention.
func (s *Session) UpdateIntention(ctx context.Context, i model.Intention) mutation.Result {
	if i.OwnerID == "" {
		i.OwnerID = s.user
	}
	return s.Mutate(ctx, TypeIntentionUpdate, i)
}

// ToggleIntention flips the active flag of a cached intention.
func (s *Session) ToggleIntention(ctx context.Context, id string) mutation.Result {
	e, ok := s.store.Get(s.Intentions())
	if !ok {
		return failed(syncerr.Validation("mutate "+TypeIntentionToggle, "intentions are not loaded"))
	}
	list, ok := cache.As[[]model.Intention](e)
	if !ok {
		return failed(syncerr.Validation("mutate "+TypeIntentionToggle, "unexpected intentions value %T", e.Data))
	}
	cur, ok := model.FindByID(list, id)
	if !ok {
		return failed(syncerr.Validation("mutate "+TypeIntentionToggle, "intention %s not found", id))
	}
	cur.Active = !cur.Active
	return s.Mutate(ctx, TypeIntentionToggle, cur)
}

// DeleteIntention removes an intention of the user.
func (s *Session) DeleteIntention(ctx context.Context, id string) mutation.Result {
	return s.Mutate(ctx, TypeIntentionDelete, model.Ref{ID: id, OwnerID: s.user})
}

// RecordPrayer records a prayer in the current period of today.
func (s *Session) RecordPrayer(ctx context.Context, intentionIDs ...string) mutation.Result {
	day, err := s.Today()
	if err != nil {
		return failed(err)
	}
	period, err := s.CurrentPeriod()
	if err != nil {
		return failed(err)
	}
	return s.Mutate(ctx, TypePrayerRecord, model.PrayerRecord{
		ID:           s.ids.Generate(),
		OwnerID:      s.user,
		DayKey:       day,
		Period:       period,
		IntentionIDs: intentionIDs,
		PrayedAt:     s.clock.Now(),
	})
}

// DeletePrayerRecord removes a prayer record of the given day.
func (s *Session) DeletePrayerRecord(ctx context.Context, day, id string) mutation.Result {
	return s.Mutate(ctx, TypePrayerDelete, model.Ref{ID: id, OwnerID: s.user, DayKey: day})
}
