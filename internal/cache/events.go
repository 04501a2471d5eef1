package cache

// EventKind names a store event.
type EventKind string

const (
	EventSet           EventKind = "set"
	EventInvalidate    EventKind = "invalidate"
	EventRemove        EventKind = "remove"
	EventEvict         EventKind = "evict"
	EventClear         EventKind = "clear"
	EventRestore       EventKind = "restore"
	EventFetch         EventKind = "fetch"
	EventFetchError    EventKind = "fetch_error"
	EventFetchCanceled EventKind = "fetch_canceled"
	EventServedStale   EventKind = "served_stale"
)

// Event describes a store state change. Observers use it for tracing.
type Event struct {
	Kind     EventKind
	Key      string
	Revision int64
	Count    int
	Err      error
}

// Change is delivered to subscribers when the entry at their key changes.
// Present is false after removal; Err carries a failed fetch that was not
// served from cache.
type Change struct {
	Key     Key
	Entry   Entry
	Present bool
	Err     error
}
