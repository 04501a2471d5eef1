package session

import (
	"context"

	"github.com/roach88/prayersync/internal/cache"
)

// View is a consumer's handle on one cached resource.
//
// Until the cache has ever held the key, View falls back to the prefetch
// registry so a screen can paint before its first fetch lands. Once the
// key was populated the fallback is never consulted again, even after the
// entry is evicted.
type View struct {
	sub     *cache.Subscription
	session *Session
}

// Subscribe observes key. A background fetch starts when the entry is
// absent or stale. Dispose the view when done.
func (s *Session) Subscribe(key cache.Key) *View {
	return s.SubscribeFunc(key, nil)
}

// SubscribeFunc is Subscribe with a change callback.
func (s *Session) SubscribeFunc(key cache.Key, onChange func(cache.Change)) *View {
	return &View{sub: s.store.Subscribe(key, onChange), session: s}
}

// Key returns the observed key.
func (v *View) Key() cache.Key { return v.sub.Key() }

// Value returns the cached data, or the prefetched data while the key has
// never been populated.
func (v *View) Value() (any, bool) {
	if data, ok := v.sub.Value(); ok {
		return data, true
	}
	if v.session.store.EverPopulated(v.sub.Key()) {
		return nil, false
	}
	snap, ok := v.session.prefetch.Get(v.session.user, v.sub.Key().String())
	if !ok {
		return nil, false
	}
	return snap.Data, true
}

// Prefetched reports whether Value is currently served from the prefetch
// registry.
func (v *View) Prefetched() bool {
	if _, ok := v.sub.Value(); ok {
		return false
	}
	_, ok := v.Value()
	return ok
}

// IsStale reports whether the cached value is absent or due for refetch.
func (v *View) IsStale() bool { return v.sub.IsStale() }

// Err returns the last fetch failure of the key.
func (v *View) Err() error { return v.sub.Err() }

// Refetch forces a fetch.
func (v *View) Refetch(ctx context.Context) (cache.Entry, error) { return v.sub.Refetch(ctx) }

// Dispose stops observing the key.
func (v *View) Dispose() { v.sub.Dispose() }

// ValueAs returns the view's value as T.
func ValueAs[T any](v *View) (T, bool) {
	data, ok := v.Value()
	if !ok {
		var zero T
		return zero, false
	}
	return cache.As[T](cache.Entry{Data: data})
}
