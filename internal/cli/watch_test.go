package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/prayersync/internal/config"
	"github.com/roach88/prayersync/internal/persist"
	"github.com/roach88/prayersync/internal/realtime"
	"github.com/roach88/prayersync/internal/refresh"
	"github.com/roach88/prayersync/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		cfg := config.Default()
		cfg.Storage.Backend = config.StorageMemory
		b, err := openBackend(ctx, cfg)
		require.NoError(t, err)
		assert.IsType(t, &persist.MemoryBackend{}, b)
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := config.Default()
		cfg.Storage.Path = filepath.Join(t.TempDir(), "snap.db")
		b, err := openBackend(ctx, cfg)
		require.NoError(t, err)
		defer b.Close()
		assert.IsType(t, &persist.SQLiteBackend{}, b)
		assert.FileExists(t, cfg.Storage.Path)
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := config.Default()
		cfg.Storage.Backend = "etcd"
		_, err := openBackend(ctx, cfg)
		assert.ErrorContains(t, err, `unknown storage backend "etcd"`)
	})
}

func TestNewSource(t *testing.T) {
	cfg := config.Default()
	cfg.UserID = "u1"
	assert.Nil(t, newSource(cfg, discardLogger()))

	cfg.Realtime.Transport = config.TransportWebSocket
	cfg.Realtime.URL = "ws://localhost:9000/changes"
	cfg.API.AccessToken = "tok"
	ws, ok := newSource(cfg, discardLogger()).(*realtime.WebSocketSource)
	require.True(t, ok)
	assert.Equal(t, "ws://localhost:9000/changes", ws.URL)
	assert.Equal(t, "Bearer tok", ws.Header.Get("Authorization"))

	cfg.Realtime.Transport = config.TransportMQTT
	cfg.Realtime.Broker = "tcp://localhost:1883"
	mq, ok := newSource(cfg, discardLogger()).(*realtime.MQTTSource)
	require.True(t, ok)
	assert.Equal(t, "tcp://localhost:1883", mq.Broker)
	assert.Equal(t, "u1", mq.Owner)
	assert.Equal(t, byte(1), mq.QoS)
}

func TestLoadPolicy(t *testing.T) {
	cfg := config.Default()
	p, deps, err := loadPolicy(cfg)
	require.NoError(t, err)
	assert.Equal(t, refresh.DefaultPolicy(), p)
	assert.Nil(t, deps)

	cfg.Refresh.PolicyFile = writeFile(t, t.TempDir(), "policy.cue", `
throttle: "2m"
dependents: {"intention.toggle-active": ["intentions", "people-by-relation"]}
`)
	p, deps, err = loadPolicy(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, p.Throttle)
	assert.Equal(t, []string{"intentions", "people-by-relation"}, deps["intention.toggle-active"])

	cfg.Refresh.PolicyFile = writeFile(t, t.TempDir(), "bad.cue", `throttle: "soon"`)
	_, _, err = loadPolicy(cfg)
	assert.Error(t, err)
}

func TestWatchPolicy_AppliesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "policy.cue", `throttle: "1m"`)

	var mu sync.Mutex
	var applied []config.Policy
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watchPolicy(ctx, path, discardLogger(), func(p config.Policy) {
			mu.Lock()
			applied = append(applied, p)
			mu.Unlock()
		})
	}()

	last := func() (config.Policy, bool) {
		mu.Lock()
		defer mu.Unlock()
		if len(applied) == 0 {
			return config.Policy{}, false
		}
		return applied[len(applied)-1], true
	}

	// The watcher may not be registered yet; keep rewriting until a
	// reload is seen.
	require.Eventually(t, func() bool {
		replaceFile(t, path, `throttle: "4m"`)
		p, ok := last()
		return ok && p.Refresh.Throttle == 4*time.Minute
	}, 5*time.Second, 50*time.Millisecond)

	// An invalid file keeps the previous policy.
	replaceFile(t, path, `throttle: 12`)
	// Unrelated files in the directory are ignored.
	writeFile(t, dir, "other.cue", `throttle: "9m"`)
	time.Sleep(200 * time.Millisecond)
	p, _ := last()
	assert.Equal(t, 4*time.Minute, p.Refresh.Throttle)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watchPolicy did not return after cancel")
	}
}

func TestWatchPolicy_MissingDirectory(t *testing.T) {
	err := watchPolicy(context.Background(), filepath.Join(t.TempDir(), "nope", "policy.cue"), discardLogger(), func(config.Policy) {})
	assert.Error(t, err)
}

func TestTraceLogger(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	traceLogger(logger)(session.Trace{Source: "cache", Kind: "set", Key: "intentions/u1", Detail: "rev 1"})
	assert.Contains(t, buf.String(), "sync event")
	assert.Contains(t, buf.String(), "key=intentions/u1")
	assert.Contains(t, buf.String(), `detail="rev 1"`)
}

func TestRunWatch_RequiresUserAndAPI(t *testing.T) {
	t.Setenv("PRAYERSYNC_USER_ID", "")
	dir := t.TempDir()
	opts := &WatchOptions{
		RootOptions: &RootOptions{Logger: discardLogger()},
		ConfigPath:  writeFile(t, dir, "prayersync.toml", `timezone = "UTC"`),
		EnvFile:     filepath.Join(dir, ".env"),
	}
	err := runWatch(context.Background(), opts)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunWatch_StopsOnCancel(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	dir := t.TempDir()
	opts := &WatchOptions{
		RootOptions: &RootOptions{Logger: discardLogger()},
		ConfigPath: writeFile(t, dir, "prayersync.toml", fmt.Sprintf(`
user_id = "u1"
timezone = "UTC"

[api]
base_url = %q

[storage]
backend = "memory"
`, srv.URL)),
		EnvFile: filepath.Join(dir, ".env"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)
	err := runWatch(ctx, opts)
	assert.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, paths, "warm-up should have fetched the lists")
}

// replaceFile swaps the file in with a rename so a watcher never reads it
// half written.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
