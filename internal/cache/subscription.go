package cache

import (
	"context"
	"sync"
)

type watchSet struct {
	key  Key
	subs map[int]func(Change)
}

// Subscription observes one key. It keeps the entry's subscriber count
// raised until Dispose is called; use it under defer so every exit path
// releases it.
type Subscription struct {
	store *Store
	key   Key
	id    int
	once  sync.Once
}

// Subscribe starts observing key. onChange, if non-nil, is called after
// every change of the entry. When the entry is absent or stale and the
// resource has a fetcher, a background fetch starts immediately.
func (s *Store) Subscribe(key Key, onChange func(Change)) *Subscription {
	ks := key.String()

	s.mu.Lock()
	ws, ok := s.watchers[ks]
	if !ok {
		ws = &watchSet{key: NewKey(key.Resource, key.Scope...), subs: make(map[int]func(Change))}
		s.watchers[ks] = ws
	}
	id := s.nextSubID
	s.nextSubID++
	ws.subs[id] = onChange

	e, present := s.entries[ks]
	_, routed := s.routes[key.Resource]
	_, fetching := s.inflight[ks]
	needFetch := routed && !fetching && (!present || e.IsStale(s.now()))
	s.mu.Unlock()

	if needFetch {
		s.goFetch(key)
	}
	return &Subscription{store: s, key: NewKey(key.Resource, key.Scope...), id: id}
}

// Key returns the observed key.
func (sub *Subscription) Key() Key {
	return sub.key
}

// Entry returns the current entry.
func (sub *Subscription) Entry() (Entry, bool) {
	return sub.store.Get(sub.key)
}

// Value returns the current data.
func (sub *Subscription) Value() (any, bool) {
	e, ok := sub.store.Get(sub.key)
	if !ok {
		return nil, false
	}
	return e.Data, true
}

// IsStale reports whether the value is absent or eligible for refetch.
func (sub *Subscription) IsStale() bool {
	e, ok := sub.store.Get(sub.key)
	if !ok {
		return true
	}
	return e.IsStale(sub.store.now())
}

// Err returns the last fetch error not served from cache.
func (sub *Subscription) Err() error {
	return sub.store.Err(sub.key)
}

// Refetch forces a fetch of the observed key.
func (sub *Subscription) Refetch(ctx context.Context) (Entry, error) {
	return sub.store.Fetch(ctx, sub.key)
}

// Dispose stops observing. Calling it more than once is harmless.
func (sub *Subscription) Dispose() {
	sub.once.Do(func() {
		sub.store.unsubscribe(sub.key.String(), sub.id)
	})
}

func (s *Store) unsubscribe(ks string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.watchers[ks]
	if !ok {
		return
	}
	delete(ws.subs, id)
	if len(ws.subs) > 0 {
		return
	}
	delete(s.watchers, ks)
	if e, ok := s.entries[ks]; ok {
		e.idleSince = s.now()
	}
}

func (s *Store) subscriberCountLocked(ks string) int {
	if ws, ok := s.watchers[ks]; ok {
		return len(ws.subs)
	}
	return 0
}

func (s *Store) notify(key Key, c Change) {
	ks := key.String()
	s.mu.Lock()
	ws, ok := s.watchers[ks]
	var fns []func(Change)
	if ok {
		for _, fn := range ws.subs {
			if fn != nil {
				fns = append(fns, fn)
			}
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
