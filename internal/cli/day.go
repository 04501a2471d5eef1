package cli

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/roach88/prayersync/internal/clock"
)

// DayOptions holds flags for the day command.
type DayOptions struct {
	*RootOptions
	Timezone   string
	At         string // RFC3339 device time; empty means now
	ServerTime string // RFC3339 server time observed at At
}

// DayInfo is the day command result.
type DayInfo struct {
	DayKey   string       `json:"day_key"`
	Period   clock.Period `json:"period"`
	Timezone string       `json:"timezone"`
	Now      time.Time    `json:"now"`
	SkewMs   int64        `json:"skew_ms,omitempty"`
}

func (d DayInfo) String() string {
	return fmt.Sprintf("%s %s (%s, %s)", d.DayKey, d.Period, d.Timezone, d.Now.Format(time.RFC3339))
}

// NewDayCommand creates the day command.
func NewDayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "day",
		Short: "Print the current prayer day and period",
		Long: `Print the prayer day key and period for a timezone.

A prayer day starts at 04:00 local time; the morning period runs until
16:00. With --server-time the clock is anchored to the server as the
session would be, and the result uses the corrected time.

Examples:
  prayersync day --tz America/New_York
  prayersync day --tz Europe/Paris --at 2026-10-17T03:30:00+02:00
  prayersync day --at 2026-10-17T10:00:00Z --server-time 2026-10-17T10:02:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := computeDay(opts)
			if err != nil {
				return err
			}
			return opts.formatter(cmd).Success(info)
		},
	}

	cmd.Flags().StringVar(&opts.Timezone, "tz", "UTC", "IANA timezone")
	cmd.Flags().StringVar(&opts.At, "at", "", "device time (RFC3339), default now")
	cmd.Flags().StringVar(&opts.ServerTime, "server-time", "", "server time (RFC3339) observed at the device time")

	return cmd
}

func computeDay(opts *DayOptions) (DayInfo, error) {
	var device clockwork.Clock = clockwork.NewRealClock()
	if opts.At != "" {
		at, err := time.Parse(time.RFC3339, opts.At)
		if err != nil {
			return DayInfo{}, WrapExitError(ExitCommandError, "invalid --at", err)
		}
		device = clockwork.NewFakeClockAt(at)
	}

	svc := clock.New(device, clock.WithLogger(opts.logger()))
	defer svc.Close()

	if opts.ServerTime != "" {
		server, err := time.Parse(time.RFC3339, opts.ServerTime)
		if err != nil {
			return DayInfo{}, WrapExitError(ExitCommandError, "invalid --server-time", err)
		}
		err = svc.Init(clock.Anchor{
			ServerEpochMs:      server.UnixMilli(),
			LocalEpochMsAtSync: device.Now().UnixMilli(),
			Timezone:           opts.Timezone,
		})
		if err != nil {
			return DayInfo{}, WrapExitError(ExitFailure, "anchor clock", err)
		}
	}

	day, err := svc.PrayerDayStart(opts.Timezone)
	if err != nil {
		return DayInfo{}, WrapExitError(ExitFailure, "prayer day", err)
	}
	period, err := svc.CurrentPeriod(opts.Timezone)
	if err != nil {
		return DayInfo{}, WrapExitError(ExitFailure, "period", err)
	}
	loc, err := svc.Location(opts.Timezone)
	if err != nil {
		return DayInfo{}, WrapExitError(ExitFailure, "timezone", err)
	}

	info := DayInfo{
		DayKey:   day,
		Period:   period,
		Timezone: opts.Timezone,
		Now:      svc.Now().In(loc),
	}
	if a, ok := svc.Anchor(); ok {
		info.SkewMs = a.ServerEpochMs - a.LocalEpochMsAtSync
	}
	return info, nil
}
