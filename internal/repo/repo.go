// Package repo defines the remote collaborators the sync core fetches from
// and mutates through, one per resource kind.
//
// Every operation either returns data or fails with a syncerr error; there
// are no partial results. Payloads are decoded and validated through the
// model package before they are returned.
package repo

import (
	"context"

	"github.com/roach88/prayersync/internal/model"
)

// People is the remote collection of people an owner prays for.
type People interface {
	ListPeople(ctx context.Context, owner string) ([]model.Person, error)
	CreatePerson(ctx context.Context, p model.Person) (model.Person, error)
	UpdatePerson(ctx context.Context, p model.Person) (model.Person, error)
	DeletePerson(ctx context.Context, owner, id string) error
}

// Intentions is the remote collection of prayer intentions.
type Intentions interface {
	ListIntentions(ctx context.Context, owner string) ([]model.Intention, error)
	CreateIntention(ctx context.Context, i model.Intention) (model.Intention, error)
	UpdateIntention(ctx context.Context, i model.Intention) (model.Intention, error)
	DeleteIntention(ctx context.Context, owner, id string) error
}

// Prayers is the remote log of prayer records, addressed by prayer day.
type Prayers interface {
	ListPrayerRecords(ctx context.Context, owner, dayKey string) ([]model.PrayerRecord, error)
	RecordPrayer(ctx context.Context, r model.PrayerRecord) (model.PrayerRecord, error)
	DeletePrayerRecord(ctx context.Context, owner, id string) error
}

// Authenticator renews the credentials of the signed-in session.
type Authenticator interface {
	RefreshSession(ctx context.Context) error
}

// Set groups the repositories a session needs.
type Set struct {
	People     People
	Intentions Intentions
	Prayers    Prayers

	// Auth may be nil when the backend has no renewable session.
	Auth Authenticator
}

// Operation names, used for failure injection and call counting.
const (
	OpListPeople      = "people.list"
	OpCreatePerson    = "people.create"
	OpUpdatePerson    = "people.update"
	OpDeletePerson    = "people.delete"
	OpListIntentions  = "intentions.list"
	OpCreateIntention = "intentions.create"
	OpUpdateIntention = "intentions.update"
	OpDeleteIntention = "intentions.delete"
	OpListPrayers     = "prayers.list"
	OpRecordPrayer    = "prayers.record"
	OpDeletePrayer    = "prayers.delete"
	OpRefreshSession  = "auth.refresh"
)
