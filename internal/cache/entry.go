package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// PolicyKind selects how an entry becomes stale.
type PolicyKind string

const (
	// KindNeverStale entries go stale only through explicit invalidation.
	KindNeverStale PolicyKind = "never_stale"
	// KindTimeBoxed entries go stale StaleAfter after they were fetched.
	KindTimeBoxed PolicyKind = "time_boxed"
)

// Policy is the freshness policy of an entry.
//
// Retention is how long an entry with no subscribers is kept before GC may
// evict it. Zero means the store default.
type Policy struct {
	Kind       PolicyKind    `json:"kind"`
	StaleAfter time.Duration `json:"stale_after,omitempty"`
	Retention  time.Duration `json:"retention,omitempty"`
}

// NeverStale returns a policy invalidated only by explicit action.
func NeverStale() Policy {
	return Policy{Kind: KindNeverStale}
}

// TimeBoxed returns a policy that goes stale staleAfter past the fetch.
func TimeBoxed(staleAfter time.Duration) Policy {
	return Policy{Kind: KindTimeBoxed, StaleAfter: staleAfter}
}

// WithRetention returns a copy of p with the given retention horizon.
func (p Policy) WithRetention(d time.Duration) Policy {
	p.Retention = d
	return p
}

func (p Policy) String() string {
	if p.Kind == KindTimeBoxed {
		return fmt.Sprintf("time_boxed(%s)", p.StaleAfter)
	}
	return string(KindNeverStale)
}

// Entry is a cached resource value.
type Entry struct {
	Key         Key
	Data        any
	FetchedAt   time.Time
	UpdatedAt   time.Time
	Policy      Policy
	Subscribers int

	// Invalidated is set by Invalidate and cleared by the next write.
	Invalidated bool

	// Revision is unique per write. Rollback compares it to decide whether
	// an optimistic value is still current.
	Revision int64

	idleSince time.Time
}

// IsStale reports whether the entry is eligible for refetch at now.
func (e Entry) IsStale(now time.Time) bool {
	if e.Invalidated {
		return true
	}
	if e.Policy.Kind == KindTimeBoxed {
		return !now.Before(e.FetchedAt.Add(e.Policy.StaleAfter))
	}
	return false
}

// As returns the entry data as T.
//
// Values restored from a persisted snapshot whose decoder was not
// registered arrive as json.RawMessage; As decodes those on demand.
func As[T any](e Entry) (T, bool) {
	if v, ok := e.Data.(T); ok {
		return v, true
	}
	var zero T
	if raw, ok := e.Data.(json.RawMessage); ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, true
		}
	}
	return zero, false
}
