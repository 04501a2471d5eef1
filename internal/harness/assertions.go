package harness

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/prayersync/internal/cache"
	"github.com/roach88/prayersync/internal/model"
	"github.com/roach88/prayersync/internal/session"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []session.Trace
}

// Error implements the error interface. The full trace is included so a
// failure can be diagnosed from the test log alone.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, t := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, t)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages, in assertion order.
func EvaluateAssertions(trace []session.Trace, assertions []Assertion, s *session.Session) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(trace, a, s); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(trace []session.Trace, a Assertion, s *session.Session) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(trace, a)
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(trace, a)
	case AssertCacheEntry:
		return assertCacheEntry(s, a)
	case AssertCacheAbsent:
		return assertCacheAbsent(s, a)
	case AssertPendingRefresh:
		return assertPendingRefresh(s, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func matches(t session.Trace, a Assertion) bool {
	return (a.Source == "" || t.Source == a.Source) &&
		(a.Kind == "" || t.Kind == a.Kind) &&
		(a.Key == "" || t.Key == a.Key) &&
		(a.Detail == "" || strings.Contains(t.Detail, a.Detail))
}

func describe(a Assertion) string {
	var parts []string
	for _, p := range [][2]string{{"source", a.Source}, {"kind", a.Kind}, {"key", a.Key}, {"detail", a.Detail}} {
		if p[1] != "" {
			parts = append(parts, p[0]+"="+p[1])
		}
	}
	return strings.Join(parts, " ")
}

func assertTraceContains(trace []session.Trace, a Assertion) error {
	for _, t := range trace {
		if matches(t, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

func assertTraceCount(trace []session.Trace, a Assertion) error {
	n := 0
	for _, t := range trace {
		if matches(t, a) {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d lines matching %s", a.Count, describe(a)),
			Actual:   fmt.Sprintf("%d lines", n),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceOrder checks that lines starting with each prefix appear in
// order. Other lines may come in between.
func assertTraceOrder(trace []session.Trace, a Assertion) error {
	pos := 0
	for _, prefix := range a.Order {
		found := false
		for pos < len(trace) {
			line := trace[pos].String()
			pos++
			if strings.HasPrefix(line, prefix) {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("lines in order: %q", a.Order),
				Actual:   fmt.Sprintf("%q not found after the previous match", prefix),
				Trace:    trace,
			}
		}
	}
	return nil
}

func assertCacheEntry(s *session.Session, a Assertion) error {
	key, err := cache.ParseKey(a.Key)
	if err != nil {
		return err
	}
	e, ok := s.Store().Get(key)
	if !ok {
		return &AssertionError{Type: AssertCacheEntry, Expected: "entry at " + a.Key, Actual: "absent"}
	}
	if a.Len != nil {
		if n := length(e.Data); n != *a.Len {
			return &AssertionError{Type: AssertCacheEntry, Expected: fmt.Sprintf("%s len %d", a.Key, *a.Len), Actual: fmt.Sprintf("len %d", n)}
		}
	}
	if a.IDs != nil {
		ids := recordIDs(e.Data)
		if !reflect.DeepEqual(ids, a.IDs) {
			return &AssertionError{Type: AssertCacheEntry, Expected: fmt.Sprintf("%s ids %v", a.Key, a.IDs), Actual: fmt.Sprintf("ids %v", ids)}
		}
	}
	if a.Invalidated != nil && e.Invalidated != *a.Invalidated {
		return &AssertionError{Type: AssertCacheEntry, Expected: fmt.Sprintf("%s invalidated=%t", a.Key, *a.Invalidated), Actual: fmt.Sprintf("invalidated=%t", e.Invalidated)}
	}
	return nil
}

func assertCacheAbsent(s *session.Session, a Assertion) error {
	key, err := cache.ParseKey(a.Key)
	if err != nil {
		return err
	}
	if e, ok := s.Store().Get(key); ok {
		return &AssertionError{Type: AssertCacheAbsent, Expected: a.Key + " absent", Actual: fmt.Sprintf("present at revision %d", e.Revision)}
	}
	return nil
}

func assertPendingRefresh(s *session.Session, a Assertion) error {
	kind, ok := s.Scheduler().Pending()
	got := "none"
	if ok {
		got = kind.String()
	}
	if got != a.Trigger {
		return &AssertionError{Type: AssertPendingRefresh, Expected: a.Trigger, Actual: got}
	}
	return nil
}

// recordIDs lists the ids of a cached record list in order.
func recordIDs(v any) []string {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil
	}
	ids := make([]string, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		if rec, ok := rv.Index(i).Interface().(model.Record); ok {
			ids = append(ids, rec.RecordID())
		}
	}
	return ids
}
