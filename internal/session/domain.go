package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/roach88/prayersync/internal/cache"
	"github.com/roach88/prayersync/internal/model"
	"github.com/roach88/prayersync/internal/mutation"
	"github.com/roach88/prayersync/internal/persist"
	"github.com/roach88/prayersync/internal/repo"
	"github.com/roach88/prayersync/internal/syncerr"
)

// Mutation types.
const (
	TypePersonCreate    = "person.create"
	TypePersonUpdate    = "person.update"
	TypePersonDelete    = "person.delete"
	TypeIntentionCreate = "intention.create"
	TypeIntentionUpdate = "intention.update"
	TypeIntentionToggle = "intention.toggle-active"
	TypeIntentionDelete = "intention.delete"
	TypePrayerRecord    = "prayer.record"
	TypePrayerDelete    = "prayer.delete"
)

// Freshness of each resource.
var resourcePolicies = map[string]cache.QueryOptions{
	model.ResourcePeople:           {Policy: cache.TimeBoxed(time.Hour), Silent: true},
	model.ResourcePeopleByRelation: {Policy: cache.TimeBoxed(time.Hour), Silent: true},
	model.ResourceIntentions:       {Policy: cache.TimeBoxed(30 * time.Minute), Silent: true},
	model.ResourcePrayerRecords:    {Policy: cache.TimeBoxed(5 * time.Minute)},
}

// fetchers binds every resource to its repository call. The owner is the
// first key segment; prayer records add the day key.
func fetchers(repos repo.Set) map[string]cache.Fetcher {
	return map[string]cache.Fetcher{
		model.ResourcePeople: func(ctx context.Context, key cache.Key) (any, error) {
			owner, err := scopeAt(key, 0)
			if err != nil {
				return nil, err
			}
			return repos.People.ListPeople(ctx, owner)
		},
		model.ResourcePeopleByRelation: func(ctx context.Context, key cache.Key) (any, error) {
			owner, err := scopeAt(key, 0)
			if err != nil {
				return nil, err
			}
			people, err := repos.People.ListPeople(ctx, owner)
			if err != nil {
				return nil, err
			}
			return model.GroupByRelation(people), nil
		},
		model.ResourceIntentions: func(ctx context.Context, key cache.Key) (any, error) {
			owner, err := scopeAt(key, 0)
			if err != nil {
				return nil, err
			}
			return repos.Intentions.ListIntentions(ctx, owner)
		},
		model.ResourcePrayerRecords: func(ctx context.Context, key cache.Key) (any, error) {
			owner, err := scopeAt(key, 0)
			if err != nil {
				return nil, err
			}
			day, err := scopeAt(key, 1)
			if err != nil {
				return nil, err
			}
			return repos.Prayers.ListPrayerRecords(ctx, owner, day)
		},
	}
}

func scopeAt(key cache.Key, i int) (string, error) {
	if len(key.Scope) <= i || key.Scope[i] == "" {
		return "", syncerr.Validation("fetch", "key %s: missing scope segment %d", key, i)
	}
	return key.Scope[i], nil
}

// SnapshotDecoders restores persisted values to the types the fetchers
// produce.
func SnapshotDecoders() persist.Decoders {
	return persist.Decoders{
		model.ResourcePeople: func(raw json.RawMessage) (any, error) {
			return model.DecodeList(raw, model.DecodePerson)
		},
		model.ResourcePeopleByRelation: func(raw json.RawMessage) (any, error) {
			var groups model.RelationGroups
			if err := json.Unmarshal(raw, &groups); err != nil {
				return nil, err
			}
			return groups, nil
		},
		model.ResourceIntentions: func(raw json.RawMessage) (any, error) {
			return model.DecodeList(raw, model.DecodeIntention)
		},
		model.ResourcePrayerRecords: func(raw json.RawMessage) (any, error) {
			return model.DecodeList(raw, model.DecodePrayerRecord)
		},
	}
}

func payloadAs[T any](typ string, payload any) (T, error) {
	v, ok := payload.(T)
	if !ok {
		var zero T
		return zero, syncerr.Validation("mutate "+typ, "payload: want %T, got %T", zero, payload)
	}
	return v, nil
}

// upsertInto merges rec into a cached []T. Absent or mismatched entries are
// left alone; the next fetch brings the record in.
func upsertInto[T model.Record](cur any, present bool, rec T) (any, bool) {
	if !present {
		return nil, false
	}
	list, ok := cur.([]T)
	if !ok {
		return nil, false
	}
	return model.Upsert(list, rec), true
}

func removeFrom[T model.Record](cur any, present bool, id string) (any, bool) {
	if !present {
		return nil, false
	}
	list, ok := cur.([]T)
	if !ok {
		return nil, false
	}
	out, removed := model.RemoveByID(list, id)
	return out, removed
}

func requireRef(typ string, ref model.Ref) error {
	if ref.ID == "" || ref.OwnerID == "" {
		return syncerr.Validation("mutate "+typ, "id and owner_id are required")
	}
	return nil
}

// upsertDefinition declares a create or update of a list record.
func upsertDefinition[T model.Record](
	typ string,
	prepare func(T) (T, error),
	target func(T) cache.Key,
	send func(context.Context, T) (T, error),
	dependents func(T) []cache.Key,
) mutation.Definition {
	decode := func(payload any) (T, error) {
		rec, err := payloadAs[T](typ, payload)
		if err != nil {
			return rec, err
		}
		return prepare(rec)
	}
	return mutation.Definition{
		Type: typ,
		Target: func(payload any) (cache.Key, error) {
			rec, err := decode(payload)
			if err != nil {
				return cache.Key{}, err
			}
			return target(rec), nil
		},
		Optimistic: func(cur any, present bool, payload any) (any, bool) {
			rec, err := decode(payload)
			if err != nil {
				return nil, false
			}
			return upsertInto(cur, present, rec)
		},
		Send: func(ctx context.Context, payload any) (any, error) {
			rec, err := decode(payload)
			if err != nil {
				return nil, err
			}
			return send(ctx, rec)
		},
		Reconcile: func(cur any, present bool, server any) (any, bool) {
			rec, ok := server.(T)
			if !ok {
				return nil, false
			}
			return upsertInto(cur, present, rec)
		},
		Dependents: func(_ cache.Key, payload any) []cache.Key {
			rec, err := decode(payload)
			if err != nil || dependents == nil {
				return nil
			}
			return dependents(rec)
		},
	}
}

// deleteDefinition declares the removal of a list record by reference.
func deleteDefinition[T model.Record](
	typ string,
	target func(model.Ref) (cache.Key, error),
	send func(context.Context, model.Ref) error,
	dependents func(model.Ref) []cache.Key,
) mutation.Definition {
	return mutation.Definition{
		Type: typ,
		Target: func(payload any) (cache.Key, error) {
			ref, err := payloadAs[model.Ref](typ, payload)
			if err != nil {
				return cache.Key{}, err
			}
			if err := requireRef(typ, ref); err != nil {
				return cache.Key{}, err
			}
			return target(ref)
		},
		Optimistic: func(cur any, present bool, payload any) (any, bool) {
			ref, _ := payload.(model.Ref)
			return removeFrom[T](cur, present, ref.ID)
		},
		Send: func(ctx context.Context, payload any) (any, error) {
			ref, _ := payload.(model.Ref)
			if err := send(ctx, ref); err != nil {
				return nil, err
			}
			return ref, nil
		},
		Reconcile: func(cur any, present bool, server any) (any, bool) {
			ref, ok := server.(model.Ref)
			if !ok {
				return nil, false
			}
			return removeFrom[T](cur, present, ref.ID)
		},
		Dependents: func(_ cache.Key, payload any) []cache.Key {
			ref, _ := payload.(model.Ref)
			if dependents == nil {
				return nil
			}
			return dependents(ref)
		},
	}
}

// definitions returns every mutation type of the domain.
func definitions(repos repo.Set) []mutation.Definition {
	preparePerson := func(p model.Person) (model.Person, error) {
		p = model.NormalizePerson(p)
		return p, model.ValidatePerson(p)
	}
	prepareIntention := func(i model.Intention) (model.Intention, error) {
		i = model.NormalizeIntention(i)
		return i, model.ValidateIntention(i)
	}
	preparePrayer := func(r model.PrayerRecord) (model.PrayerRecord, error) {
		return r, model.ValidatePrayerRecord(r)
	}
	personKey := func(p model.Person) cache.Key { return model.PeopleKey(p.OwnerID) }
	intentionKey := func(i model.Intention) cache.Key { return model.IntentionsKey(i.OwnerID) }
	byRelation := func(p model.Person) []cache.Key { return []cache.Key{model.PeopleByRelationKey(p.OwnerID)} }

	return []mutation.Definition{
		upsertDefinition(TypePersonCreate, preparePerson, personKey, repos.People.CreatePerson, byRelation),
		upsertDefinition(TypePersonUpdate, preparePerson, personKey, repos.People.UpdatePerson, byRelation),
		deleteDefinition[model.Person](TypePersonDelete,
			func(ref model.Ref) (cache.Key, error) { return model.PeopleKey(ref.OwnerID), nil },
			func(ctx context.Context, ref model.Ref) error { return repos.People.DeletePerson(ctx, ref.OwnerID, ref.ID) },
			func(ref model.Ref) []cache.Key {
				// Intentions may reference the person.
				return []cache.Key{model.PeopleByRelationKey(ref.OwnerID), model.IntentionsKey(ref.OwnerID)}
			}),

		upsertDefinition(TypeIntentionCreate, prepareIntention, intentionKey, repos.Intentions.CreateIntention, nil),
		upsertDefinition(TypeIntentionUpdate, prepareIntention, intentionKey, repos.Intentions.UpdateIntention, nil),
		upsertDefinition(TypeIntentionToggle, prepareIntention, intentionKey, repos.Intentions.UpdateIntention,
			func(i model.Intention) []cache.Key {
				return []cache.Key{model.IntentionsKey(i.OwnerID), model.PeopleByRelationKey(i.OwnerID)}
			}),
		deleteDefinition[model.Intention](TypeIntentionDelete,
			func(ref model.Ref) (cache.Key, error) { return model.IntentionsKey(ref.OwnerID), nil },
			func(ctx context.Context, ref model.Ref) error {
				return repos.Intentions.DeleteIntention(ctx, ref.OwnerID, ref.ID)
			},
			nil),

		upsertDefinition(TypePrayerRecord, preparePrayer,
			func(r model.PrayerRecord) cache.Key { return model.PrayerRecordsKey(r.OwnerID, r.DayKey) },
			repos.Prayers.RecordPrayer, nil),
		deleteDefinition[model.PrayerRecord](TypePrayerDelete,
			func(ref model.Ref) (cache.Key, error) {
				if !model.ValidDayKey(ref.DayKey) {
					return cache.Key{}, syncerr.Validation("mutate "+TypePrayerDelete, "invalid day_key %q", ref.DayKey)
				}
				return model.PrayerRecordsKey(ref.OwnerID, ref.DayKey), nil
			},
			func(ctx context.Context, ref model.Ref) error {
				return repos.Prayers.DeletePrayerRecord(ctx, ref.OwnerID, ref.ID)
			},
			nil),
	}
}
