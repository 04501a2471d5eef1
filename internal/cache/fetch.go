package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/prayersync/internal/syncerr"
)

// ErrSuperseded is returned by a fetch whose result was discarded because a
// newer fetch, an optimistic write or a removal replaced it.
var ErrSuperseded = errors.New("cache: fetch superseded")

// Fetcher loads the value of a key from its repository.
type Fetcher func(ctx context.Context, key Key) (any, error)

// QueryOptions configures a registered resource.
type QueryOptions struct {
	// Policy is applied to every fetched value of the resource.
	Policy Policy

	// Silent queries keep serving the last good value when a fetch fails;
	// the error is only logged.
	Silent bool
}

type route struct {
	fetch Fetcher
	opts  QueryOptions
}

type inflight struct {
	key    Key
	gen    int64
	cancel context.CancelFunc
}

// RetryPolicy bounds fetch retries of transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns 3 attempts with 250ms doubling backoff capped
// at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Delay returns the backoff before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Register binds resource to fetch. Registering again replaces the route.
func (s *Store) Register(resource string, fetch Fetcher, opts QueryOptions) {
	if opts.Policy.Kind == "" {
		opts.Policy = NeverStale()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[resource] = route{fetch: fetch, opts: opts}
}

// Read returns the entry at key when it is fresh, and fetches it otherwise.
func (s *Store) Read(ctx context.Context, key Key) (Entry, error) {
	if e, ok := s.Get(key); ok && !e.IsStale(s.now()) {
		return e, nil
	}
	return s.Fetch(ctx, key)
}

// Fetch loads key from its repository and stores the result.
//
// Any in-flight fetch of the same key is cancelled first and its result is
// never applied. Transient failures are retried with backoff, and an
// authorization failure triggers one session refresh before a final
// attempt. When the resource is silent and a value is cached, a failure
// returns the cached entry and is only logged.
func (s *Store) Fetch(ctx context.Context, key Key) (Entry, error) {
	ks := key.String()

	s.mu.Lock()
	r, ok := s.routes[key.Resource]
	if !ok {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("cache: no fetcher registered for resource %q", key.Resource)
	}
	if prev := s.inflight[ks]; prev != nil {
		prev.cancel()
		s.logger.Debug("cancelled in-flight fetch", "key", ks)
	}
	fctx, cancel := context.WithCancel(ctx)
	s.fetchGen++
	gen := s.fetchGen
	s.inflight[ks] = &inflight{key: key, gen: gen, cancel: cancel}
	s.mu.Unlock()
	defer cancel()

	s.emit(Event{Kind: EventFetch, Key: ks})
	data, err := s.fetchWithRetry(fctx, key, r.fetch)

	s.mu.Lock()
	cur := s.inflight[ks]
	if cur == nil || cur.gen != gen {
		s.mu.Unlock()
		s.emit(Event{Kind: EventFetchCanceled, Key: ks})
		return Entry{}, ErrSuperseded
	}
	delete(s.inflight, ks)

	if err != nil {
		if ctx.Err() != nil {
			s.mu.Unlock()
			return Entry{}, ctx.Err()
		}
		existing, has := s.entries[ks]
		if r.opts.Silent && has {
			e := s.copyLocked(existing)
			s.mu.Unlock()
			s.logger.Warn("serving cached value after fetch failure", "key", ks, "error", err)
			s.emit(Event{Kind: EventServedStale, Key: ks, Err: err})
			return e, nil
		}
		s.errs[ks] = err
		var snap Entry
		if has {
			snap = s.copyLocked(existing)
		}
		s.mu.Unlock()

		s.logger.Warn("fetch failed", "key", ks, "code", syncerr.CodeOf(err), "error", err)
		s.emit(Event{Kind: EventFetchError, Key: ks, Err: err})
		s.notify(key, Change{Key: key, Err: err, Entry: snap, Present: has})
		return Entry{}, err
	}

	e := s.writeLocked(key, data, r.opts.Policy)
	s.mu.Unlock()

	s.emit(Event{Kind: EventSet, Key: ks, Revision: e.Revision})
	s.notify(key, Change{Key: key, Entry: e, Present: true})
	return e, nil
}

// CancelFetch cancels the in-flight fetch of key, if any. Its result will
// not be applied. It reports whether a fetch was cancelled.
func (s *Store) CancelFetch(key Key) bool {
	ks := key.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.inflight[ks]
	if !ok {
		return false
	}
	f.cancel()
	delete(s.inflight, ks)
	return true
}

// Err returns the error of the last failed fetch of key that was not served
// from cache. A successful write clears it.
func (s *Store) Err(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[key.String()]
}

func (s *Store) fetchWithRetry(ctx context.Context, key Key, fetch Fetcher) (any, error) {
	refreshed := false
	failures := 0
	for {
		data, err := fetch(ctx, key)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch {
		case syncerr.IsAuthorization(err) && !refreshed && s.refresher != nil:
			refreshed = true
			if rerr := s.refreshSession(ctx); rerr != nil {
				s.logger.Warn("session refresh failed", "key", key.String(), "error", rerr)
				return nil, err
			}
		case syncerr.Retryable(err):
			failures++
			if failures >= s.retry.MaxAttempts {
				return nil, err
			}
			delay := s.retry.Delay(failures - 1)
			s.logger.Debug("retrying fetch", "key", key.String(), "attempt", failures+1, "delay", delay)
			if werr := s.sleep(ctx, delay); werr != nil {
				return nil, werr
			}
		default:
			return nil, err
		}
	}
}

// refreshSession coalesces concurrent refresh requests into one call.
func (s *Store) refreshSession(ctx context.Context) error {
	_, err, _ := s.refreshGroup.Do("session", func() (any, error) {
		return nil, s.refresher(ctx)
	})
	return err
}

func (s *Store) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.device.After(d):
		return nil
	}
}

// goFetch refetches key in the background.
func (s *Store) goFetch(key Key) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Fetch(s.baseCtx, key); err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, context.Canceled) {
			s.logger.Debug("background fetch failed", "key", key.String(), "error", err)
		}
	}()
}
