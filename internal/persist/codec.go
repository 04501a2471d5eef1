package persist

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/prayersync/internal/cache"
	"github.com/roach88/prayersync/internal/syncerr"
)

// Version is the snapshot format version. Payloads carrying any other
// version are rejected.
const Version = 1

// Record is one persisted cache entry.
type Record struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	FetchedAt time.Time       `json:"fetched_at"`
	Policy    cache.Policy    `json:"policy"`
}

// Payload is the serialized form of a cache snapshot.
type Payload struct {
	Version  int       `json:"version"`
	SavedAt  time.Time `json:"saved_at"`
	Checksum string    `json:"checksum"`
	Entries  []Record  `json:"entries"`
}

// Decoder turns the persisted data of one resource back into the value the
// cache held before saving.
type Decoder func(json.RawMessage) (any, error)

// Decoders maps resource names to their Decoder. Entries of resources with
// no decoder are restored as json.RawMessage.
type Decoders map[string]Decoder

// Checksum returns the domain-separated hash of the canonical JSON of
// records.
func Checksum(records []Record) (string, error) {
	if records == nil {
		records = []Record{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	canon, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	return hashWithDomain(DomainSnapshot, canon), nil
}

// Encode serializes entries. Failures are SerializationErrors.
func Encode(entries []cache.Entry, savedAt time.Time) ([]byte, error) {
	const op = "persist.encode"

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return nil, syncerr.Serialization(op, fmt.Errorf("entry %s: %w", e.Key, err))
		}
		records = append(records, Record{
			Key:       e.Key.String(),
			Data:      data,
			FetchedAt: e.FetchedAt.UTC(),
			Policy:    e.Policy,
		})
	}
	sum, err := Checksum(records)
	if err != nil {
		return nil, syncerr.Serialization(op, err)
	}
	out, err := json.Marshal(Payload{
		Version:  Version,
		SavedAt:  savedAt.UTC(),
		Checksum: sum,
		Entries:  records,
	})
	if err != nil {
		return nil, syncerr.Serialization(op, err)
	}
	return out, nil
}

// Decode parses a payload produced by Encode and rebuilds its entries.
// Any defect fails the whole payload with a SerializationError; a snapshot
// is either restored completely or not at all.
func Decode(data []byte, decoders Decoders) ([]cache.Entry, time.Time, error) {
	const op = "persist.decode"

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, time.Time{}, syncerr.Serialization(op, err)
	}
	if p.Version != Version {
		return nil, time.Time{}, syncerr.Serialization(op, fmt.Errorf("unsupported snapshot version %d", p.Version))
	}
	sum, err := Checksum(p.Entries)
	if err != nil {
		return nil, time.Time{}, syncerr.Serialization(op, err)
	}
	if sum != p.Checksum {
		return nil, time.Time{}, syncerr.Serialization(op, fmt.Errorf("checksum mismatch"))
	}

	entries := make([]cache.Entry, 0, len(p.Entries))
	for _, r := range p.Entries {
		key, err := cache.ParseKey(r.Key)
		if err != nil {
			return nil, time.Time{}, syncerr.Serialization(op, err)
		}
		var value any = r.Data
		if dec, ok := decoders[key.Resource]; ok {
			if value, err = dec(r.Data); err != nil {
				return nil, time.Time{}, syncerr.Serialization(op, fmt.Errorf("entry %s: %w", r.Key, err))
			}
		}
		entries = append(entries, cache.Entry{
			Key:       key,
			Data:      value,
			FetchedAt: r.FetchedAt,
			Policy:    r.Policy,
		})
	}
	return entries, p.SavedAt, nil
}
