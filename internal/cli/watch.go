package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/prayersync/internal/cache"
	"github.com/roach88/prayersync/internal/config"
	"github.com/roach88/prayersync/internal/persist"
	"github.com/roach88/prayersync/internal/realtime"
	"github.com/roach88/prayersync/internal/refresh"
	"github.com/roach88/prayersync/internal/repo"
	"github.com/roach88/prayersync/internal/session"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	ConfigPath string
	EnvFile    string
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run a live session against the API",
		Long: `Open a live sync session for the configured user.

The session loads today's lists, applies realtime changes from the
configured transport, refreshes on day and period transitions and persists
its cache. Changes to the refresh policy file are applied without a
restart. Interrupt (Ctrl-C) persists the cache and exits.

Configuration comes from --config (TOML), then --env-file, then
PRAYERSYNC_* environment variables.

Examples:
  prayersync watch --config prayersync.toml
  PRAYERSYNC_USER_ID=u1 prayersync watch --config prayersync.toml -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "prayersync.toml", "TOML configuration file")
	cmd.Flags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	return cmd
}

func runWatch(ctx context.Context, opts *WatchOptions) error {
	logger := opts.logger()

	if err := config.LoadEnvFile(opts.EnvFile); err != nil {
		return WrapExitError(ExitCommandError, "load env file", err)
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if cfg.UserID == "" || cfg.API.BaseURL == "" {
		return NewExitError(ExitCommandError, "user_id and api.base_url are required")
	}

	policy, dependents, err := loadPolicy(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "load refresh policy", err)
	}

	client, err := repo.NewHTTPClient(cfg.API.BaseURL,
		repo.WithTokens(cfg.API.AccessToken, cfg.API.RefreshToken),
		repo.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout.Duration}),
		repo.WithHTTPLogger(logger),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "api client", err)
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "open snapshot storage", err)
	}
	persister := persist.NewPersister(backend,
		persist.WithDecoders(session.SnapshotDecoders()),
		persist.WithLogger(logger),
	)
	defer persister.Close()

	retry := cfg.RetryPolicy()
	s, err := session.Open(ctx, session.Options{
		UserID:           cfg.UserID,
		Timezone:         cfg.Timezone,
		Repos:            client.Set(),
		Persister:        persister,
		FlushInterval:    cfg.Storage.FlushInterval.Duration,
		Policy:           &policy,
		Dependents:       dependents,
		Retry:            &retry,
		Retention:        cfg.Cache.Retention.Duration,
		GCInterval:       cfg.Cache.GCInterval.Duration,
		PrefetchCapacity: cfg.Cache.PrefetchCapacity,
		Logger:           logger,
		Observer:         traceLogger(logger),
	})
	if err != nil {
		return WrapExitError(ExitFailure, "open session", err)
	}

	logger.Info("watching", "user", cfg.UserID, "timezone", cfg.Timezone, "realtime", cfg.Realtime.Transport)
	warmUp(ctx, s, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if src := newSource(cfg, logger); src != nil {
		b := &realtime.Backoff{
			Base:        cfg.Realtime.BackoffBase.Duration,
			Max:         cfg.Realtime.BackoffMax.Duration,
			MaxAttempts: cfg.Realtime.MaxAttempts,
			StableAfter: time.Minute,
		}
		g.Go(func() error {
			return realtime.RunWithReconnect(gctx, src,
				func(ev realtime.ChangeEvent) { s.HandleChange(ev) },
				b, nil, logger,
				// Events may have been missed while disconnected.
				func(attempt int, delay time.Duration) { s.Refresh() },
			)
		})
	}
	if cfg.Refresh.PolicyFile != "" {
		g.Go(func() error {
			return watchPolicy(gctx, cfg.Refresh.PolicyFile, logger, func(p config.Policy) {
				s.SetPolicy(p.Refresh)
				if err := s.SetDependents(p.Dependents); err != nil {
					logger.Warn("policy dependents rejected", "error", err)
				}
			})
		})
	}

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Close(closeCtx); err != nil {
		logger.Error("close session", "error", err)
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "watch", runErr)
	}
	return nil
}

// warmUp loads the lists a client shows first. Failures are logged; the
// session retries them on the next refresh.
func warmUp(ctx context.Context, s *session.Session, logger *slog.Logger) {
	keys := []cache.Key{s.People(), s.Intentions()}
	if day, err := s.Today(); err == nil {
		keys = append(keys, s.PrayerRecords(day))
	}
	for _, k := range keys {
		if _, err := s.Read(ctx, k); err != nil {
			logger.Warn("initial load failed", "key", k.String(), "error", err)
		}
	}
}

// loadPolicy returns the configured refresh policy, with the CUE policy
// file applied over the [refresh] table when one is set.
func loadPolicy(cfg config.Config) (refresh.Policy, map[string][]string, error) {
	if cfg.Refresh.PolicyFile == "" {
		return cfg.RefreshPolicy(), nil, nil
	}
	p, err := config.LoadPolicy(cfg.Refresh.PolicyFile)
	if err != nil {
		return refresh.Policy{}, nil, err
	}
	return p.Refresh, p.Dependents, nil
}

// openBackend opens the snapshot storage named by the config.
func openBackend(ctx context.Context, cfg config.Config) (persist.Backend, error) {
	switch cfg.Storage.Backend {
	case config.StorageSQLite:
		return persist.OpenSQLite(cfg.Storage.Path)
	case config.StorageRedis:
		return persist.OpenRedis(ctx, cfg.Storage.RedisURL, cfg.Storage.RedisTTL.Duration)
	case config.StorageMemory:
		return persist.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// newSource returns the configured realtime source, or nil for none.
func newSource(cfg config.Config, logger *slog.Logger) realtime.Source {
	switch cfg.Realtime.Transport {
	case config.TransportWebSocket:
		h := http.Header{}
		if cfg.API.AccessToken != "" {
			h.Set("Authorization", "Bearer "+cfg.API.AccessToken)
		}
		return &realtime.WebSocketSource{URL: cfg.Realtime.URL, Header: h, Logger: logger}
	case config.TransportMQTT:
		return &realtime.MQTTSource{
			Broker:   cfg.Realtime.Broker,
			ClientID: cfg.Realtime.ClientID,
			Owner:    cfg.UserID,
			QoS:      byte(cfg.Realtime.QoS),
			Logger:   logger,
		}
	default:
		return nil
	}
}

// traceLogger logs every session trace at debug level.
func traceLogger(logger *slog.Logger) func(session.Trace) {
	return func(t session.Trace) {
		logger.Debug("sync event", "source", t.Source, "kind", t.Kind, "key", t.Key, "detail", t.Detail)
	}
}

// watchPolicy reloads the policy file whenever it changes and hands every
// valid version to apply. An invalid file is logged and the previous policy
// stays in force. It returns when ctx is done.
//
// The directory is watched rather than the file so that editors which
// replace the file on save are still seen.
func watchPolicy(ctx context.Context, path string, logger *slog.Logger, apply func(config.Policy)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer w.Close()

	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			p, err := config.LoadPolicy(path)
			if err != nil {
				logger.Warn("policy reload failed; keeping previous policy", "path", path, "error", err)
				continue
			}
			logger.Info("policy reloaded", "path", path, "throttle", p.Refresh.Throttle)
			apply(p)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("policy watcher error", "error", err)
		}
	}
}
