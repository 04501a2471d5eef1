package session

import (
	"fmt"

	"github.com/roach88/prayersync/internal/cache"
	"github.com/roach88/prayersync/internal/mutation"
	"github.com/roach88/prayersync/internal/realtime"
	"github.com/roach88/prayersync/internal/refresh"
)

// Trace sources.
const (
	SourceCache    = "cache"
	SourceMutation = "mutation"
	SourceRefresh  = "refresh"
	SourceRealtime = "realtime"
	SourceClock    = "clock"
	SourceSession  = "session"
)

// Trace is one observable step of the session, flattened from the events
// of its components. Traces arrive in the order the steps happened on the
// goroutine that performed them.
type Trace struct {
	Source string `json:"source" yaml:"source"`
	Kind   string `json:"kind" yaml:"kind"`
	Key    string `json:"key,omitempty" yaml:"key,omitempty"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

func (t Trace) String() string {
	s := t.Source + " " + t.Kind
	if t.Key != "" {
		s += " " + t.Key
	}
	if t.Detail != "" {
		s += " (" + t.Detail + ")"
	}
	return s
}

func (s *Session) trace(t Trace) {
	if s.observer != nil {
		s.observer(t)
	}
}

func (s *Session) observeCache(ev cache.Event) {
	switch ev.Kind {
	case cache.EventSet, cache.EventRemove, cache.EventEvict, cache.EventClear:
		s.dirty.Store(true)
	case cache.EventRestore:
		// A keyed restore is a rollback. The bulk restore at open already
		// matches what is persisted.
		if ev.Key != "" {
			s.dirty.Store(true)
		}
	}
	t := Trace{Source: SourceCache, Kind: string(ev.Kind), Key: ev.Key}
	switch {
	case ev.Err != nil:
		t.Detail = ev.Err.Error()
	case ev.Kind == cache.EventSet:
		t.Detail = fmt.Sprintf("rev %d", ev.Revision)
	case ev.Kind == cache.EventRestore && ev.Key == "":
		t.Detail = fmt.Sprintf("%d entries", ev.Count)
	}
	s.trace(t)
}

func (s *Session) observeMutation(ev mutation.Event) {
	t := Trace{Source: SourceMutation, Kind: string(ev.Kind), Key: ev.Key, Detail: ev.Type}
	if ev.Err != nil {
		t.Detail += ": " + ev.Err.Error()
	}
	s.trace(t)
}

func (s *Session) observeRefresh(ev refresh.Event) {
	t := Trace{Source: SourceRefresh, Kind: string(ev.Kind), Key: ev.Key, Detail: ev.Trigger.String()}
	if ev.Key == "" && ev.Resource != "" {
		t.Detail += " " + ev.Resource
	}
	if ev.Delay > 0 {
		t.Detail += " in " + ev.Delay.String()
	}
	s.trace(t)
}

func (s *Session) observeRealtime(ev realtime.ChangeEvent, out realtime.Outcome) {
	s.trace(Trace{Source: SourceRealtime, Kind: string(out), Detail: ev.Table + " " + string(ev.Action)})
}
