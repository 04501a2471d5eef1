package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/prayersync/internal/syncerr"
)

// DayKeyLayout is the canonical prayer day key format.
const DayKeyLayout = "2006-01-02"

// ValidDayKey reports whether s is a well-formed YYYY-MM-DD key.
func ValidDayKey(s string) bool {
	_, err := time.Parse(DayKeyLayout, s)
	return err == nil
}

// DecodePerson decodes and validates a person payload.
func DecodePerson(data []byte) (Person, error) {
	var p Person
	if err := decodeJSON(data, &p, "person"); err != nil {
		return Person{}, err
	}
	p = NormalizePerson(p)
	return p, ValidatePerson(p)
}

// ValidatePerson checks required person fields.
func ValidatePerson(p Person) error {
	if err := requireRef("person", p.ID, p.OwnerID); err != nil {
		return err
	}
	if p.Name == "" {
		return syncerr.Validation("decode person", "person %s: name is required", p.ID)
	}
	return nil
}

// DecodeIntention decodes and validates an intention payload.
func DecodeIntention(data []byte) (Intention, error) {
	var i Intention
	if err := decodeJSON(data, &i, "intention"); err != nil {
		return Intention{}, err
	}
	i = NormalizeIntention(i)
	return i, ValidateIntention(i)
}

// ValidateIntention checks required intention fields.
func ValidateIntention(i Intention) error {
	if err := requireRef("intention", i.ID, i.OwnerID); err != nil {
		return err
	}
	if i.Text == "" {
		return syncerr.Validation("decode intention", "intention %s: text is required", i.ID)
	}
	return nil
}

// DecodePrayerRecord decodes and validates a prayer record payload.
func DecodePrayerRecord(data []byte) (PrayerRecord, error) {
	var r PrayerRecord
	if err := decodeJSON(data, &r, "prayer record"); err != nil {
		return PrayerRecord{}, err
	}
	return r, ValidatePrayerRecord(r)
}

// ValidatePrayerRecord checks required prayer record fields.
func ValidatePrayerRecord(r PrayerRecord) error {
	if err := requireRef("prayer record", r.ID, r.OwnerID); err != nil {
		return err
	}
	if !ValidDayKey(r.DayKey) {
		return syncerr.Validation("decode prayer record", "prayer record %s: invalid day_key %q", r.ID, r.DayKey)
	}
	if !r.Period.Valid() {
		return syncerr.Validation("decode prayer record", "prayer record %s: invalid period %q", r.ID, r.Period)
	}
	return nil
}

// DecodeRef decodes the identifying fields of any record.
func DecodeRef(data []byte) (Ref, error) {
	var ref Ref
	if err := decodeJSON(data, &ref, "record ref"); err != nil {
		return Ref{}, err
	}
	if err := requireRef("record", ref.ID, ref.OwnerID); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// DecodeList decodes a JSON array and validates each element with decode.
// A single invalid element fails the whole list; repositories never return
// partial results.
func DecodeList[T any](data []byte, decode func([]byte) (T, error)) ([]T, error) {
	var raw []json.RawMessage
	if err := decodeJSON(data, &raw, "list"); err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, item := range raw {
		v, err := decode(item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeJSON(data []byte, v any, what string) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return syncerr.Validation("decode "+what, "empty payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &syncerr.Error{Code: syncerr.CodeValidation, Op: "decode " + what, Message: "malformed payload", Err: err}
	}
	return nil
}

func requireRef(what, id, owner string) error {
	if id == "" {
		return syncerr.Validation("decode "+what, "%s: id is required", what)
	}
	if owner == "" {
		return syncerr.Validation("decode "+what, "%s %s: owner_id is required", what, id)
	}
	return nil
}

// NormalizePerson normalizes the user-entered text of p.
func NormalizePerson(p Person) Person {
	p.Name = normalize(p.Name)
	p.Relation = normalize(p.Relation)
	return p
}

// NormalizeIntention normalizes the user-entered text of i.
func NormalizeIntention(i Intention) Intention {
	i.Text = normalize(i.Text)
	return i
}

// normalize trims and NFC-normalizes user-entered text so that equal
// strings compare equal regardless of how the client composed them.
func normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
