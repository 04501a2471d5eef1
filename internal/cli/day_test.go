package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/prayersync/internal/clock"
)

func TestComputeDay(t *testing.T) {
	tests := []struct {
		name   string
		tz     string
		at     string
		day    string
		period clock.Period
	}{
		{"before day start belongs to previous day", "UTC", "2026-10-17T03:59:00Z", "2026-10-16", clock.Evening},
		{"day start", "UTC", "2026-10-17T04:00:00Z", "2026-10-17", clock.Morning},
		{"evening", "UTC", "2026-10-17T16:00:00Z", "2026-10-17", clock.Evening},
		{"local timezone", "America/New_York", "2026-10-17T08:30:00Z", "2026-10-17", clock.Morning},
		{"local timezone before start", "America/New_York", "2026-10-17T07:59:00Z", "2026-10-16", clock.Evening},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := computeDay(&DayOptions{RootOptions: &RootOptions{}, Timezone: tt.tz, At: tt.at})
			require.NoError(t, err)
			assert.Equal(t, tt.day, info.DayKey)
			assert.Equal(t, tt.period, info.Period)
			assert.Zero(t, info.SkewMs)
		})
	}
}

func TestComputeDay_ServerAnchor(t *testing.T) {
	info, err := computeDay(&DayOptions{
		RootOptions: &RootOptions{},
		Timezone:    "UTC",
		At:          "2026-10-17T03:58:00Z",
		ServerTime:  "2026-10-17T04:01:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, "2026-10-17", info.DayKey, "server time is past the day start")
	assert.Equal(t, int64(3*60*1000), info.SkewMs)
}

func TestComputeDay_Errors(t *testing.T) {
	_, err := computeDay(&DayOptions{RootOptions: &RootOptions{}, Timezone: "UTC", At: "yesterday"})
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = computeDay(&DayOptions{RootOptions: &RootOptions{}, Timezone: "UTC", At: "2026-10-17T10:00:00Z", ServerTime: "noon"})
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = computeDay(&DayOptions{RootOptions: &RootOptions{}, Timezone: "Mars/Olympus", At: "2026-10-17T10:00:00Z"})
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestDayCommand_JSON(t *testing.T) {
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"day", "--format", "json", "--tz", "UTC", "--at", "2026-10-17T10:00:00Z"})
	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string  `json:"status"`
		Data   DayInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "2026-10-17", resp.Data.DayKey)
	assert.Equal(t, clock.Morning, resp.Data.Period)
}

func TestDayInfo_String(t *testing.T) {
	info, err := computeDay(&DayOptions{RootOptions: &RootOptions{}, Timezone: "UTC", At: "2026-10-17T18:30:00Z"})
	require.NoError(t, err)
	assert.Equal(t, "2026-10-17 evening (UTC, 2026-10-17T18:30:00Z)", info.String())
}
