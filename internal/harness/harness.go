package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/prayersync/internal/cache"
	"github.com/roach88/prayersync/internal/model"
	"github.com/roach88/prayersync/internal/persist"
	"github.com/roach88/prayersync/internal/realtime"
	"github.com/roach88/prayersync/internal/refresh"
	"github.com/roach88/prayersync/internal/repo"
	"github.com/roach88/prayersync/internal/session"
	"github.com/roach88/prayersync/internal/syncerr"
)

// SourceStep marks trace lines written by the harness itself.
const SourceStep = "step"

const defaultUser = "u1"

// Result is the outcome of a scenario run.
type Result struct {
	Pass   bool            `json:"pass"`
	Trace  []session.Trace `json:"trace"`
	Errors []string        `json:"errors,omitempty"`
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// recorder collects traces until it is stopped.
type recorder struct {
	mu      sync.Mutex
	traces  []session.Trace
	stopped bool
}

func (r *recorder) observe(t session.Trace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stopped {
		r.traces = append(r.traces, t)
	}
}

func (r *recorder) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

func (r *recorder) snapshot() []session.Trace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Trace(nil), r.traces...)
}

// scriptedIDs hands out the scenario's ids, then "id-<n>".
type scriptedIDs struct {
	mu   sync.Mutex
	ids  []string
	next int
}

func (g *scriptedIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	if g.next <= len(g.ids) {
		return g.ids[g.next-1]
	}
	return fmt.Sprintf("id-%d", g.next)
}

type runner struct {
	sc       *Scenario
	fc       clockwork.FakeClock
	mem      *repo.Memory
	session  *session.Session
	rec      *recorder
	result   *Result
	signedIn bool
}

// Run executes a scenario in isolation: a fresh backend, a fresh snapshot
// store and a fake clock at the scenario start. Step expectations and
// assertions that fail are reported in the Result; an error means the
// scenario could not be run at all.
func Run(sc *Scenario) (*Result, error) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := &runner{
		sc:     sc,
		fc:     clockwork.NewFakeClockAt(sc.Start),
		rec:    &recorder{},
		result: &Result{Pass: true},
	}
	r.mem = repo.NewMemory(r.fc.Now)
	if err := seed(r.mem, sc.Seed); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}

	policy := refresh.DefaultPolicy()
	if sc.Policy != nil {
		var err error
		if policy, err = sc.Policy.apply(policy); err != nil {
			return nil, err
		}
	}
	user := sc.User
	if user == "" {
		user = defaultUser
	}

	persister := persist.NewPersister(persist.NewMemoryBackend(),
		persist.WithDecoders(session.SnapshotDecoders()),
		persist.WithNow(r.fc.Now),
		persist.WithLogger(logger),
	)
	s, err := session.Open(ctx, session.Options{
		UserID:      user,
		Timezone:    sc.Timezone,
		Repos:       r.mem.Set(),
		Device:      r.fc,
		Persister:   persister,
		Policy:      &policy,
		Retry:       &cache.RetryPolicy{MaxAttempts: 1},
		IDs:         &scriptedIDs{ids: sc.IDs},
		Logger:      logger,
		Observer:    r.rec.observe,
		ManualClock: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	r.session = s
	r.signedIn = true

	for i, step := range sc.Steps {
		if err := r.step(ctx, i, step); err != nil {
			r.rec.stop()
			_ = s.Close(ctx)
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	r.result.Trace = r.rec.snapshot()
	for _, msg := range EvaluateAssertions(r.result.Trace, sc.Assertions, s) {
		r.result.AddError("%s", msg)
	}
	r.rec.stop()
	if err := s.Close(ctx); err != nil {
		return nil, err
	}
	return r.result, nil
}

func seed(mem *repo.Memory, sd Seed) error {
	people, err := decodeSeed(sd.People, model.DecodePerson)
	if err != nil {
		return fmt.Errorf("people: %w", err)
	}
	intentions, err := decodeSeed(sd.Intentions, model.DecodeIntention)
	if err != nil {
		return fmt.Errorf("intentions: %w", err)
	}
	records, err := decodeSeed(sd.PrayerRecords, model.DecodePrayerRecord)
	if err != nil {
		return fmt.Errorf("prayer_records: %w", err)
	}
	mem.SeedPeople(people...)
	mem.SeedIntentions(intentions...)
	mem.SeedPrayerRecords(records...)
	return nil
}

func decodeSeed[T any](rows []map[string]any, decode func([]byte) (T, error)) ([]T, error) {
	out := make([]T, 0, len(rows))
	for i, row := range rows {
		raw, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		v, err := decode(raw)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *runner) trace(kind, key, detail string) {
	r.rec.observe(session.Trace{Source: SourceStep, Kind: kind, Key: key, Detail: detail})
}

// step runs one step. Errors returned here abort the scenario; failed
// expectations are recorded on the result instead.
func (r *runner) step(ctx context.Context, i int, step Step) error {
	kind := step.Kind()
	if !r.signedIn && kind != StepAdvance && kind != StepFail {
		return fmt.Errorf("%s after sign_out", kind)
	}

	switch kind {
	case StepRead:
		r.trace(StepRead, step.Read, "")
		key, err := cache.ParseKey(step.Read)
		if err != nil {
			return err
		}
		e, err := r.session.Read(ctx, key)
		if err != nil {
			r.trace("outcome", "", "error "+errorCode(err))
			r.expect(i, step, outcome{err: err})
			return nil
		}
		n := length(e.Data)
		r.trace("outcome", "", fmt.Sprintf("len=%d", n))
		r.expect(i, step, outcome{length: &n})

	case StepMutate:
		r.trace(StepMutate, "", step.Mutate)
		payload, err := mutationPayload(step.Mutate, step.Payload)
		if err != nil {
			return err
		}
		res := r.session.Mutate(ctx, step.Mutate, payload)
		detail := string(res.Status)
		if res.Err != nil {
			detail = strings.TrimSpace(detail + " " + errorCode(res.Err))
		}
		r.trace("outcome", "", detail)
		r.expect(i, step, outcome{status: string(res.Status), err: res.Err})

	case StepRealtime:
		rt := step.Realtime
		r.trace(StepRealtime, "", rt.Table+" "+rt.Action)
		raw, err := json.Marshal(map[string]any{"table": rt.Table, "action": rt.Action, "record": rt.Record})
		if err != nil {
			return err
		}
		ev, err := realtime.DecodeEvent(raw)
		if err != nil {
			return err
		}
		out := r.session.HandleChange(ev)
		r.trace("outcome", "", string(out))
		r.expect(i, step, outcome{outcome: string(out)})

	case StepTrigger:
		r.trace(StepTrigger, "", step.Trigger)
		tk, _ := refresh.ParseTrigger(step.Trigger)
		if tk == refresh.SignOut {
			r.signedIn = false
		}
		if err := r.session.Trigger(ctx, tk); err != nil {
			return err
		}
		r.session.Drain()

	case StepAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		r.trace(StepAdvance, "", d.String())
		r.fc.Advance(d)
		if !r.signedIn {
			return nil
		}
		// A refresh that came due during the advance fires before any
		// transition observed at its end.
		r.session.FlushDueRefresh()
		r.session.CheckTransitions()
		r.session.FlushDueRefresh()
		r.session.Drain()

	case StepFail:
		f := *step.Fail
		times := f.Times
		if times <= 0 {
			times = 1
		}
		r.trace(StepFail, "", fmt.Sprintf("%s %s x%d", f.Op, strings.ToLower(f.Code), times))
		errs := make([]error, times)
		for j := range errs {
			var err error
			if errs[j], err = failure(f); err != nil {
				return err
			}
		}
		r.mem.Fail(f.Op, errs...)

	case StepSignOut:
		r.trace(StepSignOut, "", "")
		r.signedIn = false
		if err := r.session.SignOut(ctx); err != nil {
			return err
		}
	}
	return nil
}

// outcome is what a step produced, for comparison with its Expect.
type outcome struct {
	status  string
	err     error
	outcome string
	length  *int
}

func (r *runner) expect(i int, step Step, got outcome) {
	want := step.Expect
	if want == nil {
		return
	}
	prefix := fmt.Sprintf("steps[%d] %s", i, step.Kind())
	if want.Status != "" && want.Status != got.status {
		r.result.AddError("%s: status = %q, want %q", prefix, got.status, want.Status)
	}
	switch {
	case want.Error == "":
	case strings.EqualFold(want.Error, "none"):
		if got.err != nil {
			r.result.AddError("%s: unexpected error: %v", prefix, got.err)
		}
	case got.err == nil:
		r.result.AddError("%s: no error, want %s", prefix, want.Error)
	case !strings.EqualFold(errorCode(got.err), want.Error):
		r.result.AddError("%s: error code = %s, want %s (%v)", prefix, errorCode(got.err), want.Error, got.err)
	}
	if want.Outcome != "" && want.Outcome != got.outcome {
		r.result.AddError("%s: outcome = %q, want %q", prefix, got.outcome, want.Outcome)
	}
	if want.Len != nil {
		switch {
		case got.length == nil:
			r.result.AddError("%s: no value, want len %d", prefix, *want.Len)
		case *got.length != *want.Len:
			r.result.AddError("%s: len = %d, want %d", prefix, *got.length, *want.Len)
		}
	}
}

// failure builds the error a FailStep injects.
func failure(f FailStep) (error, error) {
	msg := f.Message
	if msg == "" {
		msg = "injected failure"
	}
	switch strings.ToLower(f.Code) {
	case "transient":
		return syncerr.Transient(f.Op, errors.New(msg)), nil
	case "authorization":
		return syncerr.Authorization(f.Op, errors.New(msg)), nil
	case "validation":
		return syncerr.Validation(f.Op, "%s", msg), nil
	default:
		return nil, fmt.Errorf("fail: unknown code %q (valid: transient, authorization, validation)", f.Code)
	}
}

// mutationPayload decodes a step payload into the record type the
// mutation expects.
func mutationPayload(typ string, fields map[string]any) (any, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var v any
	switch {
	case strings.HasSuffix(typ, ".delete"):
		v = &model.Ref{}
	case strings.HasPrefix(typ, "person."):
		v = &model.Person{}
	case strings.HasPrefix(typ, "intention."):
		v = &model.Intention{}
	case strings.HasPrefix(typ, "prayer."):
		v = &model.PrayerRecord{}
	default:
		// Unknown types still reach the coordinator, which rejects them.
		return fields, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("mutate %s: payload: %w", typ, err)
	}
	return reflect.ValueOf(v).Elem().Interface(), nil
}

func errorCode(err error) string {
	if code := syncerr.CodeOf(err); code != "" {
		return string(code)
	}
	return "UNKNOWN"
}

// length returns the element count of a list or grouped value, or -1.
func length(v any) int {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		return rv.Len()
	default:
		return -1
	}
}
