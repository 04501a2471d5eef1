// Package config loads prayersync settings from a TOML file, a .env file
// and PRAYERSYNC_* environment variables, in that order of precedence
// (environment wins), plus the optional CUE refresh policy.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/roach88/prayersync/internal/cache"
	"github.com/roach88/prayersync/internal/prefetch"
	"github.com/roach88/prayersync/internal/refresh"
)

// Duration is a time.Duration written as "15s" or "10m" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

// Realtime transports.
const (
	TransportNone      = "none"
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

// Config is the full prayersync configuration.
type Config struct {
	UserID   string `toml:"user_id"`
	Timezone string `toml:"timezone"`

	API      APIConfig      `toml:"api"`
	Storage  StorageConfig  `toml:"storage"`
	Realtime RealtimeConfig `toml:"realtime"`
	Cache    CacheConfig    `toml:"cache"`
	Refresh  RefreshConfig  `toml:"refresh"`
}

type APIConfig struct {
	BaseURL      string   `toml:"base_url"`
	AccessToken  string   `toml:"access_token"`
	RefreshToken string   `toml:"refresh_token"`
	Timeout      Duration `toml:"timeout"`
}

type StorageConfig struct {
	Backend       string   `toml:"backend"`
	Path          string   `toml:"path"`
	RedisURL      string   `toml:"redis_url"`
	RedisTTL      Duration `toml:"redis_ttl"`
	FlushInterval Duration `toml:"flush_interval"`
}

type RealtimeConfig struct {
	Transport   string   `toml:"transport"`
	URL         string   `toml:"url"`
	Broker      string   `toml:"broker"`
	ClientID    string   `toml:"client_id"`
	QoS         int      `toml:"qos"`
	BackoffBase Duration `toml:"backoff_base"`
	BackoffMax  Duration `toml:"backoff_max"`
	MaxAttempts int      `toml:"max_attempts"`
}

type CacheConfig struct {
	Retention        Duration `toml:"retention"`
	GCInterval       Duration `toml:"gc_interval"`
	RetryAttempts    int      `toml:"retry_attempts"`
	RetryBase        Duration `toml:"retry_base"`
	RetryMax         Duration `toml:"retry_max"`
	PrefetchCapacity int      `toml:"prefetch_capacity"`
}

type RefreshConfig struct {
	Throttle            Duration `toml:"throttle"`
	DayBoundaryDebounce Duration `toml:"day_boundary_debounce"`
	PeriodDebounce      Duration `toml:"period_debounce"`
	ForegroundDebounce  Duration `toml:"foreground_debounce"`
	ManualDebounce      Duration `toml:"manual_debounce"`

	// PolicyFile is an optional CUE file overriding the values above.
	PolicyFile string `toml:"policy_file"`
}

// Default returns the built-in configuration.
func Default() Config {
	rp := refresh.DefaultPolicy()
	retry := cache.DefaultRetryPolicy()
	return Config{
		Timezone: "UTC",
		API:      APIConfig{Timeout: Duration{10 * time.Second}},
		Storage: StorageConfig{
			Backend:       StorageSQLite,
			Path:          "prayersync.db",
			FlushInterval: Duration{30 * time.Second},
		},
		Realtime: RealtimeConfig{
			Transport:   TransportNone,
			ClientID:    "prayersync",
			QoS:         1,
			BackoffBase: Duration{time.Second},
			BackoffMax:  Duration{30 * time.Second},
		},
		Cache: CacheConfig{
			Retention:        Duration{cache.DefaultRetention},
			GCInterval:       Duration{time.Minute},
			RetryAttempts:    retry.MaxAttempts,
			RetryBase:        Duration{retry.BaseDelay},
			RetryMax:         Duration{retry.MaxDelay},
			PrefetchCapacity: prefetch.DefaultCapacity,
		},
		Refresh: RefreshConfig{
			Throttle:            Duration{rp.Throttle},
			DayBoundaryDebounce: Duration{rp.DayBoundaryDebounce},
			PeriodDebounce:      Duration{rp.PeriodDebounce},
			ForegroundDebounce:  Duration{rp.ForegroundDebounce},
			ManualDebounce:      Duration{rp.ManualDebounce},
		},
	}
}

// Load reads the TOML file at path over the defaults, then applies
// environment overrides. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
			if cfg.Refresh.PolicyFile != "" && !filepath.IsAbs(cfg.Refresh.PolicyFile) {
				cfg.Refresh.PolicyFile = filepath.Join(filepath.Dir(path), cfg.Refresh.PolicyFile)
			}
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnvFile loads variables from a .env file into the process
// environment without overriding variables already set. A missing file is
// not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	strs := map[string]*string{
		"PRAYERSYNC_USER_ID":       &cfg.UserID,
		"PRAYERSYNC_TIMEZONE":      &cfg.Timezone,
		"PRAYERSYNC_API_URL":       &cfg.API.BaseURL,
		"PRAYERSYNC_ACCESS_TOKEN":  &cfg.API.AccessToken,
		"PRAYERSYNC_REFRESH_TOKEN": &cfg.API.RefreshToken,
		"PRAYERSYNC_STORAGE":       &cfg.Storage.Backend,
		"PRAYERSYNC_DB_PATH":       &cfg.Storage.Path,
		"PRAYERSYNC_REDIS_URL":     &cfg.Storage.RedisURL,
		"PRAYERSYNC_REALTIME":      &cfg.Realtime.Transport,
		"PRAYERSYNC_REALTIME_URL":  &cfg.Realtime.URL,
		"PRAYERSYNC_MQTT_BROKER":   &cfg.Realtime.Broker,
		"PRAYERSYNC_POLICY_FILE":   &cfg.Refresh.PolicyFile,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	durs := map[string]*Duration{
		"PRAYERSYNC_THROTTLE":       &cfg.Refresh.Throttle,
		"PRAYERSYNC_FLUSH_INTERVAL": &cfg.Storage.FlushInterval,
		"PRAYERSYNC_API_TIMEOUT":    &cfg.API.Timeout,
	}
	for name, dst := range durs {
		if v, ok := lookup(name); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	if v, ok := lookup("PRAYERSYNC_PREFETCH_CAPACITY"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("PRAYERSYNC_PREFETCH_CAPACITY: %w", err)
		}
		cfg.Cache.PrefetchCapacity = n
	}
	return nil
}

// Validate checks the configuration for values no component accepts.
func (c Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	switch c.Storage.Backend {
	case StorageSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the sqlite backend"))
		}
	case StorageRedis:
		if c.Storage.RedisURL == "" {
			errs = append(errs, errors.New("storage.redis_url is required for the redis backend"))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q: want sqlite, redis or memory", c.Storage.Backend))
	}
	switch c.Realtime.Transport {
	case TransportNone:
	case TransportWebSocket:
		if c.Realtime.URL == "" {
			errs = append(errs, errors.New("realtime.url is required for the websocket transport"))
		}
	case TransportMQTT:
		if c.Realtime.Broker == "" {
			errs = append(errs, errors.New("realtime.broker is required for the mqtt transport"))
		}
		if c.Realtime.QoS < 0 || c.Realtime.QoS > 2 {
			errs = append(errs, fmt.Errorf("realtime.qos %d: want 0, 1 or 2", c.Realtime.QoS))
		}
	default:
		errs = append(errs, fmt.Errorf("realtime.transport %q: want none, websocket or mqtt", c.Realtime.Transport))
	}
	if c.Cache.PrefetchCapacity <= 0 {
		errs = append(errs, fmt.Errorf("cache.prefetch_capacity %d: must be positive", c.Cache.PrefetchCapacity))
	}
	for name, d := range map[string]Duration{
		"refresh.throttle":              c.Refresh.Throttle,
		"refresh.day_boundary_debounce": c.Refresh.DayBoundaryDebounce,
		"refresh.period_debounce":       c.Refresh.PeriodDebounce,
		"refresh.foreground_debounce":   c.Refresh.ForegroundDebounce,
		"refresh.manual_debounce":       c.Refresh.ManualDebounce,
		"cache.retention":               c.Cache.Retention,
		"storage.flush_interval":        c.Storage.FlushInterval,
	} {
		if d.Duration < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

// RefreshPolicy returns the scheduler policy described by the [refresh]
// table.
func (c Config) RefreshPolicy() refresh.Policy {
	return refresh.Policy{
		Throttle:            c.Refresh.Throttle.Duration,
		DayBoundaryDebounce: c.Refresh.DayBoundaryDebounce.Duration,
		PeriodDebounce:      c.Refresh.PeriodDebounce.Duration,
		ForegroundDebounce:  c.Refresh.ForegroundDebounce.Duration,
		ManualDebounce:      c.Refresh.ManualDebounce.Duration,
	}
}

// RetryPolicy returns the fetch retry policy of the [cache] table.
func (c Config) RetryPolicy() cache.RetryPolicy {
	return cache.RetryPolicy{
		MaxAttempts: c.Cache.RetryAttempts,
		BaseDelay:   c.Cache.RetryBase.Duration,
		MaxDelay:    c.Cache.RetryMax.Duration,
	}
}
