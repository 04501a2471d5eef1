// Package prefetch holds warm snapshots used to paint a resource before its
// first fetch completes.
//
// The Registry is a bounded secondary cache with exactly one slot per
// (user, resource). It is consulted only when the cache store has never been
// populated for a key, and it is cleared as a whole on sign-out.
//
// Thread-safety: Registry is safe for concurrent use.
package prefetch

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is the slot count used when none is configured.
const DefaultCapacity = 64

// Snapshot is the prefetched value of one resource.
type Snapshot struct {
	Data      any
	FetchedAt time.Time
}

type slot struct {
	user     string
	resource string
}

// Registry maps (user, resource) to the last prefetched snapshot.
// Least recently used slots are dropped once capacity is reached.
type Registry struct {
	slots *lru.Cache[slot, Snapshot]
}

// New creates a registry with the given capacity. A non-positive capacity
// uses DefaultCapacity.
func New(capacity int) (*Registry, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c, err := lru.New[slot, Snapshot](capacity)
	if err != nil {
		return nil, fmt.Errorf("create prefetch registry: %w", err)
	}
	return &Registry{slots: c}, nil
}

// Put overwrites the slot of (user, resource) wholesale.
func (r *Registry) Put(user, resource string, snap Snapshot) {
	r.slots.Add(slot{user: user, resource: resource}, snap)
}

// Get returns the snapshot of (user, resource).
func (r *Registry) Get(user, resource string) (Snapshot, bool) {
	return r.slots.Get(slot{user: user, resource: resource})
}

// Clear drops every slot.
func (r *Registry) Clear() {
	r.slots.Purge()
}

// Len returns the number of occupied slots.
func (r *Registry) Len() int {
	return r.slots.Len()
}
