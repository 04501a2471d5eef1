package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/prayersync/internal/persist"
	"github.com/roach88/prayersync/internal/session"
)

// SnapshotOptions holds flags shared by the snapshot subcommands.
type SnapshotOptions struct {
	*RootOptions
	DBPath string
	ID     string
}

// SnapshotEntry describes one persisted cache entry.
type SnapshotEntry struct {
	Key       string    `json:"key"`
	Items     int       `json:"items"` // -1 when the value is not a list
	FetchedAt time.Time `json:"fetched_at"`
	Policy    string    `json:"policy"`
}

// SnapshotReport is the inspect result.
type SnapshotReport struct {
	ID      string          `json:"id"`
	SavedAt time.Time       `json:"saved_at"`
	Entries []SnapshotEntry `json:"entries"`
}

func (r SnapshotReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "snapshot %s saved %s, %d entries", r.ID, r.SavedAt.Format(time.RFC3339), len(r.Entries))
	for _, e := range r.Entries {
		fmt.Fprintf(&b, "\n  %-40s items=%-4d fetched=%s policy=%s", e.Key, e.Items, e.FetchedAt.Format(time.RFC3339), e.Policy)
	}
	return b.String()
}

// SnapshotList is the list result.
type SnapshotList []persist.SnapshotInfo

func (l SnapshotList) String() string {
	if len(l) == 0 {
		return "No snapshots stored."
	}
	var b strings.Builder
	for i, s := range l {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%-24s %8d bytes  %s", s.ID, s.Size, s.SavedAt)
	}
	return b.String()
}

// NewSnapshotCommand creates the snapshot command group.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect or clear persisted cache snapshots",
		Long: `Work with the cache snapshots a session persists to SQLite.

Examples:
  prayersync snapshot list --db prayersync.db
  prayersync snapshot inspect --db prayersync.db --id u1
  prayersync snapshot clear --db prayersync.db --id u1`,
	}
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "prayersync.db", "SQLite snapshot database")

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(opts, func(b *persist.SQLiteBackend) error {
				infos, err := b.List(cmd.Context())
				if err != nil {
					return WrapExitError(ExitFailure, "list snapshots", err)
				}
				return opts.formatter(cmd).Success(SnapshotList(infos))
			})
		},
	}

	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Decode and summarize one snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(opts, func(b *persist.SQLiteBackend) error {
				report, err := inspectSnapshot(cmd.Context(), b, opts.ID)
				if err != nil {
					return err
				}
				return opts.formatter(cmd).Success(report)
			})
		},
	}
	inspect.Flags().StringVar(&opts.ID, "id", "", "snapshot id (the user id)")
	_ = inspect.MarkFlagRequired("id")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete one snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(opts, func(b *persist.SQLiteBackend) error {
				ctx := cmd.Context()
				if _, err := b.Load(ctx, opts.ID); errors.Is(err, persist.ErrNotFound) {
					return NewExitError(ExitFailure, fmt.Sprintf("snapshot %s not found", opts.ID))
				}
				if err := b.Delete(ctx, opts.ID); err != nil {
					return WrapExitError(ExitFailure, "clear snapshot", err)
				}
				opts.logger().Info("snapshot cleared", "id", opts.ID, "db", opts.DBPath)
				return opts.formatter(cmd).Success(map[string]string{"cleared": opts.ID})
			})
		},
	}
	clearCmd.Flags().StringVar(&opts.ID, "id", "", "snapshot id (the user id)")
	_ = clearCmd.MarkFlagRequired("id")

	cmd.AddCommand(list, inspect, clearCmd)
	return cmd
}

func withBackend(opts *SnapshotOptions, fn func(*persist.SQLiteBackend) error) error {
	if _, err := os.Stat(opts.DBPath); err != nil {
		return WrapExitError(ExitCommandError, "open snapshot database", err)
	}
	b, err := persist.OpenSQLite(opts.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "open snapshot database", err)
	}
	defer b.Close()
	return fn(b)
}

func inspectSnapshot(ctx context.Context, b persist.Backend, id string) (SnapshotReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := b.Load(ctx, id)
	if errors.Is(err, persist.ErrNotFound) {
		return SnapshotReport{}, NewExitError(ExitFailure, fmt.Sprintf("snapshot %s not found", id))
	}
	if err != nil {
		return SnapshotReport{}, WrapExitError(ExitFailure, "load snapshot", err)
	}
	entries, savedAt, err := persist.Decode(payload, session.SnapshotDecoders())
	if err != nil {
		return SnapshotReport{}, WrapExitError(ExitFailure, "decode snapshot", err)
	}

	report := SnapshotReport{ID: id, SavedAt: savedAt, Entries: make([]SnapshotEntry, 0, len(entries))}
	for _, e := range entries {
		report.Entries = append(report.Entries, SnapshotEntry{
			Key:       e.Key.String(),
			Items:     itemCount(e.Data),
			FetchedAt: e.FetchedAt,
			Policy:    e.Policy.String(),
		})
	}
	return report, nil
}

func itemCount(v any) int {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		return rv.Len()
	default:
		return -1
	}
}
