package model

import "github.com/roach88/prayersync/internal/cache"

// PeopleKey is the flat people list of an owner.
func PeopleKey(owner string) cache.Key {
	return cache.NewKey(ResourcePeople, owner)
}

// PeopleByRelationKey is the relation-grouped people view of an owner.
func PeopleByRelationKey(owner string) cache.Key {
	return cache.NewKey(ResourcePeopleByRelation, owner)
}

// IntentionsKey is the flat intention list of an owner.
func IntentionsKey(owner string) cache.Key {
	return cache.NewKey(ResourceIntentions, owner)
}

// PrayerRecordsKey is the prayer records of an owner for one prayer day.
func PrayerRecordsKey(owner, dayKey string) cache.Key {
	return cache.NewKey(ResourcePrayerRecords, owner, dayKey)
}

// OwnerPattern matches every key of a resource scoped to owner.
func OwnerPattern(resource, owner string) cache.Key {
	return cache.NewKey(resource, owner)
}
