package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/prayersync/internal/cache"
	"github.com/roach88/prayersync/internal/refresh"
)

// Scenario is a scripted run of one session.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// User defaults to "u1", Timezone to UTC.
	User     string `yaml:"user,omitempty"`
	Timezone string `yaml:"timezone,omitempty"`

	// Start is the initial fake clock time.
	Start time.Time `yaml:"start"`

	// IDs are handed out in order for new records and mutations. When
	// they run out, "id-<n>" is used.
	IDs []string `yaml:"ids,omitempty"`

	Policy *PolicyOverrides `yaml:"policy,omitempty"`

	Seed Seed `yaml:"seed,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`
}

// PolicyOverrides replaces parts of the default refresh policy.
type PolicyOverrides struct {
	Throttle            string `yaml:"throttle,omitempty"`
	DayBoundaryDebounce string `yaml:"day_boundary_debounce,omitempty"`
	PeriodDebounce      string `yaml:"period_debounce,omitempty"`
	ForegroundDebounce  string `yaml:"foreground_debounce,omitempty"`
	ManualDebounce      string `yaml:"manual_debounce,omitempty"`
}

// Seed is the initial backend content. Records use their JSON field names.
type Seed struct {
	People        []map[string]any `yaml:"people,omitempty"`
	Intentions    []map[string]any `yaml:"intentions,omitempty"`
	PrayerRecords []map[string]any `yaml:"prayer_records,omitempty"`
}

// Step is one action. Exactly one action field is set.
type Step struct {
	Read     string         `yaml:"read,omitempty"`
	Mutate   string         `yaml:"mutate,omitempty"`
	Payload  map[string]any `yaml:"payload,omitempty"`
	Realtime *RealtimeStep  `yaml:"realtime,omitempty"`
	Trigger  string         `yaml:"trigger,omitempty"`
	Advance  string         `yaml:"advance,omitempty"`
	Fail     *FailStep      `yaml:"fail,omitempty"`
	SignOut  bool           `yaml:"sign_out,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// RealtimeStep delivers a change event as it would arrive on the wire.
type RealtimeStep struct {
	Table  string         `yaml:"table"`
	Action string         `yaml:"action"`
	Record map[string]any `yaml:"record"`
}

// FailStep queues failures for the next calls of a backend operation.
type FailStep struct {
	Op      string `yaml:"op"`
	Code    string `yaml:"code"`
	Times   int    `yaml:"times,omitempty"`
	Message string `yaml:"message,omitempty"`
}

// Expect checks the outcome of the step it belongs to.
type Expect struct {
	// Status is committed or rolled_back (mutate).
	Status string `yaml:"status,omitempty"`
	// Error is an error code, or "none" (read, mutate).
	Error string `yaml:"error,omitempty"`
	// Outcome is patched, invalidated or ignored (realtime).
	Outcome string `yaml:"outcome,omitempty"`
	// Len is the length of the value read (read).
	Len *int `yaml:"len,omitempty"`
}

// Step kinds.
const (
	StepRead     = "read"
	StepMutate   = "mutate"
	StepRealtime = "realtime"
	StepTrigger  = "trigger"
	StepAdvance  = "advance"
	StepFail     = "fail"
	StepSignOut  = "sign_out"
)

// Kind returns the action of the step, or "" when none or several are set.
func (s Step) Kind() string {
	var kinds []string
	if s.Read != "" {
		kinds = append(kinds, StepRead)
	}
	if s.Mutate != "" {
		kinds = append(kinds, StepMutate)
	}
	if s.Realtime != nil {
		kinds = append(kinds, StepRealtime)
	}
	if s.Trigger != "" {
		kinds = append(kinds, StepTrigger)
	}
	if s.Advance != "" {
		kinds = append(kinds, StepAdvance)
	}
	if s.Fail != nil {
		kinds = append(kinds, StepFail)
	}
	if s.SignOut {
		kinds = append(kinds, StepSignOut)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Assertion types.
const (
	AssertTraceContains  = "trace_contains"
	AssertTraceOrder     = "trace_order"
	AssertTraceCount     = "trace_count"
	AssertCacheEntry     = "cache_entry"
	AssertCacheAbsent    = "cache_absent"
	AssertPendingRefresh = "pending_refresh"
)

// Assertion validates the trace or the final session state.
type Assertion struct {
	Type string `yaml:"type"`

	// Source, Kind, Key and Detail select trace lines (trace_contains,
	// trace_count). Empty fields match anything; Detail is a substring.
	Source string `yaml:"source,omitempty"`
	Kind   string `yaml:"kind,omitempty"`
	Key    string `yaml:"key,omitempty"`
	Detail string `yaml:"detail,omitempty"`

	// Count is the exact number of matching lines (trace_count).
	Count int `yaml:"count,omitempty"`

	// Order lists line prefixes that must appear in this order
	// (trace_order).
	Order []string `yaml:"order,omitempty"`

	// Len, IDs and Invalidated check the entry at Key (cache_entry).
	Len         *int     `yaml:"len,omitempty"`
	IDs         []string `yaml:"ids,omitempty"`
	Invalidated *bool    `yaml:"invalidated,omitempty"`

	// Trigger is the pending refresh, or "none" (pending_refresh).
	Trigger string `yaml:"trigger,omitempty"`
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so that typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}
	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Start.IsZero() {
		return fmt.Errorf("start is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Policy != nil {
		if _, err := s.Policy.apply(refresh.DefaultPolicy()); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	switch step.Kind() {
	case "":
		return fmt.Errorf("exactly one of read, mutate, realtime, trigger, advance, fail, sign_out is required")
	case StepRead:
		if _, err := cache.ParseKey(step.Read); err != nil {
			return err
		}
	case StepMutate:
		if step.Payload == nil {
			return fmt.Errorf("mutate %s: payload is required", step.Mutate)
		}
	case StepRealtime:
		if step.Realtime.Table == "" || step.Realtime.Action == "" {
			return fmt.Errorf("realtime: table and action are required")
		}
	case StepTrigger:
		if _, ok := refresh.ParseTrigger(step.Trigger); !ok {
			return fmt.Errorf("unknown trigger %q", step.Trigger)
		}
	case StepAdvance:
		if d, err := time.ParseDuration(step.Advance); err != nil || d <= 0 {
			return fmt.Errorf("advance: want a positive duration, got %q", step.Advance)
		}
	case StepFail:
		if step.Fail.Op == "" {
			return fmt.Errorf("fail: op is required")
		}
		if _, err := failure(*step.Fail); err != nil {
			return err
		}
	}
	if step.Payload != nil && step.Kind() != StepMutate {
		return fmt.Errorf("payload is only valid with mutate")
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("type is required")
	case AssertTraceContains:
		if a.Source == "" && a.Kind == "" && a.Key == "" && a.Detail == "" {
			return fmt.Errorf("trace_contains needs at least one of source, kind, key, detail")
		}
	case AssertTraceCount:
		if a.Source == "" && a.Kind == "" {
			return fmt.Errorf("trace_count needs source or kind")
		}
	case AssertTraceOrder:
		if len(a.Order) < 2 {
			return fmt.Errorf("trace_order needs at least two entries")
		}
	case AssertCacheEntry, AssertCacheAbsent:
		if _, err := cache.ParseKey(a.Key); err != nil {
			return fmt.Errorf("%s: %w", a.Type, err)
		}
	case AssertPendingRefresh:
		if a.Trigger == "" {
			return fmt.Errorf("pending_refresh: trigger is required (use none)")
		}
		if _, ok := refresh.ParseTrigger(a.Trigger); !ok && a.Trigger != "none" {
			return fmt.Errorf("pending_refresh: unknown trigger %q", a.Trigger)
		}
	default:
		return fmt.Errorf("unknown assertion type %q (valid: %s)", a.Type, strings.Join([]string{
			AssertTraceContains, AssertTraceOrder, AssertTraceCount,
			AssertCacheEntry, AssertCacheAbsent, AssertPendingRefresh,
		}, ", "))
	}
	return nil
}

func (o *PolicyOverrides) apply(p refresh.Policy) (refresh.Policy, error) {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"throttle", o.Throttle, &p.Throttle},
		{"day_boundary_debounce", o.DayBoundaryDebounce, &p.DayBoundaryDebounce},
		{"period_debounce", o.PeriodDebounce, &p.PeriodDebounce},
		{"foreground_debounce", o.ForegroundDebounce, &p.ForegroundDebounce},
		{"manual_debounce", o.ManualDebounce, &p.ManualDebounce},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil || d < 0 {
			return p, fmt.Errorf("%s: invalid duration %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return p, nil
}
