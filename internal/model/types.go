// Package model defines the domain records cached by the sync core and the
// decode/validate step applied at the repository boundary.
//
// Upstream payloads are loosely typed JSON. Every payload passes through a
// Decode* function before it can reach the cache; a payload that does not
// match its record shape fails fast with a syncerr validation error.
package model

import (
	"time"

	"github.com/roach88/prayersync/internal/clock"
)

// Period is one of the two daily prayer windows.
type Period = clock.Period

const (
	PeriodMorning = clock.Morning
	PeriodEvening = clock.Evening
)

// Table names used by the realtime channel.
const (
	TablePeople        = "people"
	TableIntentions    = "intentions"
	TablePrayerRecords = "prayer_records"
)

// Resource names used as the first segment of cache keys.
const (
	ResourcePeople           = "people"
	ResourcePeopleByRelation = "people-by-relation"
	ResourceIntentions       = "intentions"
	ResourcePrayerRecords    = "prayer-records"
)

// Record is implemented by every cacheable domain record.
type Record interface {
	RecordID() string
	RecordOwner() string
}

// Person is someone the user prays for.
type Person struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Relation  string    `json:"relation,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func (p Person) RecordID() string    { return p.ID }
func (p Person) RecordOwner() string { return p.OwnerID }

// Intention is a prayer request, optionally tied to a Person.
type Intention struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	PersonID  string    `json:"person_id,omitempty"`
	Text      string    `json:"text"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func (i Intention) RecordID() string    { return i.ID }
func (i Intention) RecordOwner() string { return i.OwnerID }

// PrayerRecord marks that the user prayed during one window of a prayer day.
type PrayerRecord struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	DayKey       string    `json:"day_key"`
	Period       Period    `json:"period"`
	IntentionIDs []string  `json:"intention_ids,omitempty"`
	PrayedAt     time.Time `json:"prayed_at"`
}

func (r PrayerRecord) RecordID() string    { return r.ID }
func (r PrayerRecord) RecordOwner() string { return r.OwnerID }

// Ref identifies a record without its body. Deletion events often carry
// only these fields.
type Ref struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	DayKey  string `json:"day_key,omitempty"`
}

// RelationGroups is the relation-grouped view of a people list.
// Keys are relation names; people without a relation fall under "".
type RelationGroups map[string][]Person

// GroupByRelation builds the grouped view from a flat list, preserving the
// list order inside each group.
func GroupByRelation(people []Person) RelationGroups {
	groups := make(RelationGroups)
	for _, p := range people {
		groups[p.Relation] = append(groups[p.Relation], p)
	}
	return groups
}
