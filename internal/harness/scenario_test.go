package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/prayersync/internal/refresh"
)

const minimalScenario = `
name: minimal
description: "One read"
start: 2026-10-17T10:00:00Z
steps:
  - read: people/u1
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0o644))

	sc, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", sc.Name)
	assert.Equal(t, time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC), sc.Start.UTC())
	require.Len(t, sc.Steps, 1)
	assert.Equal(t, StepRead, sc.Steps[0].Kind())
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read scenario file")
}

func TestLoadScenario_AllTestdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	for _, p := range paths {
		_, err := LoadScenario(p)
		assert.NoError(t, err, p)
	}
}

func TestParseScenario_RejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "flow: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse scenario YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "description: d\nstart: 2026-10-17T10:00:00Z\nsteps: [{read: people/u1}]\n",
			want: "name is required",
		},
		{
			name: "missing start",
			yaml: "name: n\ndescription: d\nsteps: [{read: people/u1}]\n",
			want: "start is required",
		},
		{
			name: "no steps",
			yaml: "name: n\ndescription: d\nstart: 2026-10-17T10:00:00Z\n",
			want: "steps list is required",
		},
		{
			name: "two actions in one step",
			yaml: "name: n\ndescription: d\nstart: 2026-10-17T10:00:00Z\nsteps: [{read: people/u1, trigger: manual}]\n",
			want: "exactly one of",
		},
		{
			name: "bad key",
			yaml: "name: n\ndescription: d\nstart: 2026-10-17T10:00:00Z\nsteps: [{read: /u1}]\n",
			want: "resource is required",
		},
		{
			name: "unknown trigger",
			yaml: "name: n\ndescription: d\nstart: 2026-10-17T10:00:00Z\nsteps: [{trigger: hourly}]\n",
			want: `unknown trigger "hourly"`,
		},
		{
			name: "negative advance",
			yaml: "name: n\ndescription: d\nstart: 2026-10-17T10:00:00Z\nsteps: [{advance: -1s}]\n",
			want: "positive duration",
		},
		{
			name: "mutate without payload",
			yaml: "name: n\ndescription: d\nstart: 2026-10-17T10:00:00Z\nsteps: [{mutate: person.create}]\n",
			want: "payload is required",
		},
		{
			name: "unknown failure code",
			yaml: "name: n\ndescription: d\nstart: 2026-10-17T10:00:00Z\nsteps: [{fail: {op: people.list, code: boom}}]\n",
			want: `unknown code "boom"`,
		},
		{
			name: "bad policy",
			yaml: "name: n\ndescription: d\nstart: 2026-10-17T10:00:00Z\npolicy: {throttle: soon}\nsteps: [{read: people/u1}]\n",
			want: "throttle: invalid duration",
		},
		{
			name: "unknown assertion",
			yaml: "name: n\ndescription: d\nstart: 2026-10-17T10:00:00Z\nsteps: [{read: people/u1}]\nassertions: [{type: eventually}]\n",
			want: `unknown assertion type "eventually"`,
		},
		{
			name: "short trace order",
			yaml: "name: n\ndescription: d\nstart: 2026-10-17T10:00:00Z\nsteps: [{read: people/u1}]\nassertions: [{type: trace_order, order: [a]}]\n",
			want: "at least two entries",
		},
		{
			name: "pending refresh without trigger",
			yaml: "name: n\ndescription: d\nstart: 2026-10-17T10:00:00Z\nsteps: [{read: people/u1}]\nassertions: [{type: pending_refresh}]\n",
			want: "use none",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPolicyOverrides_Apply(t *testing.T) {
	o := &PolicyOverrides{Throttle: "1m", ManualDebounce: "500ms"}
	p, err := o.apply(refresh.DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, time.Minute, p.Throttle)
	assert.Equal(t, 500*time.Millisecond, p.ManualDebounce)
	assert.Equal(t, 2*time.Second, p.ForegroundDebounce)
}
