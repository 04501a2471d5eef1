package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/prayersync/internal/session"
)

// To regenerate after an intended trace change:
//
//	go test ./internal/harness -run TestGolden -update
func TestGolden_RecordPrayer(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/record_prayer.yaml")
	require.NoError(t, err)

	result := RunWithGolden(t, sc)
	assert.True(t, result.Pass)
}

func TestFormatTrace(t *testing.T) {
	out := FormatTrace("demo", &Result{Trace: []session.Trace{
		{Source: SourceStep, Kind: "read", Key: "people/u1"},
		{Source: session.SourceCache, Kind: "set", Key: "people/u1", Detail: "rev 1"},
		{Source: session.SourceSession, Kind: "signed_out"},
	}})
	assert.Equal(t, "scenario: demo\nstep read people/u1\ncache set people/u1 (rev 1)\nsession signed_out\n", string(out))
}
