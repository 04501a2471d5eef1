package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/prayersync/internal/refresh"
)

//go:embed policy_schema.cue
var policySchema string

// Policy is a decoded refresh policy file.
type Policy struct {
	Refresh refresh.Policy

	// Dependents maps mutation types to the resources a commit
	// invalidates, replacing the built-in dependents of those types.
	Dependents map[string][]string
}

// PolicyError is a policy file rejected by the schema.
type PolicyError struct {
	Message string
	Pos     token.Pos
}

func (e *PolicyError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

type rawPolicy struct {
	Throttle string `json:"throttle"`
	Debounce struct {
		DayBoundary  string `json:"day_boundary"`
		PeriodChange string `json:"period_change"`
		Foreground   string `json:"foreground"`
		Manual       string `json:"manual"`
	} `json:"debounce"`
	Dependents map[string][]string `json:"dependents"`
}

// LoadPolicy reads and validates the CUE policy file at path.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data, path)
}

// ParsePolicy unifies src with the embedded #Policy schema and decodes the
// result. Fields src leaves out take the schema defaults, which match
// refresh.DefaultPolicy.
func ParsePolicy(src []byte, filename string) (Policy, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(policySchema, cue.Filename("policy_schema.cue"))
	if err := schema.Err(); err != nil {
		return Policy{}, fmt.Errorf("compile policy schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Policy"))

	user := ctx.CompileBytes(src, cue.Filename(filename))
	if err := user.Err(); err != nil {
		return Policy{}, formatCUEError(err)
	}

	v := def.Unify(user)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Policy{}, formatCUEError(err)
	}

	var raw rawPolicy
	if err := v.Decode(&raw); err != nil {
		return Policy{}, formatCUEError(err)
	}

	p := Policy{Dependents: raw.Dependents}
	fields := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"throttle", raw.Throttle, &p.Refresh.Throttle},
		{"debounce.day_boundary", raw.Debounce.DayBoundary, &p.Refresh.DayBoundaryDebounce},
		{"debounce.period_change", raw.Debounce.PeriodChange, &p.Refresh.PeriodDebounce},
		{"debounce.foreground", raw.Debounce.Foreground, &p.Refresh.ForegroundDebounce},
		{"debounce.manual", raw.Debounce.Manual, &p.Refresh.ManualDebounce},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.src)
		if err != nil {
			return Policy{}, &PolicyError{Message: fmt.Sprintf("%s: %v", f.name, err)}
		}
		*f.dst = d
	}
	return p, nil
}

// formatCUEError keeps the first CUE error with its position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	pe := &PolicyError{Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		pe.Pos = positions[0]
	}
	return pe
}
