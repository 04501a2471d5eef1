package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/prayersync/internal/cache"
	"github.com/roach88/prayersync/internal/syncerr"
)

type item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var testDecoders = Decoders{
	"items": func(raw json.RawMessage) (any, error) {
		var out []item
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	},
}

var savedAt = time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)

func sampleEntries() []cache.Entry {
	return []cache.Entry{
		{
			Key:       cache.NewKey("items", "u1"),
			Data:      []item{{ID: "a", Name: "Alpha"}, {ID: "b", Name: "Beta"}},
			FetchedAt: savedAt.Add(-time.Minute),
			Policy:    cache.TimeBoxed(time.Minute),
		},
		{
			Key:       cache.NewKey("notes", "u1", "2026-10-17"),
			Data:      map[string]any{"text": "hello"},
			FetchedAt: savedAt.Add(-time.Hour),
			Policy:    cache.NeverStale(),
		},
	}
}

func TestEncodeDecode(t *testing.T) {
	payload, err := Encode(sampleEntries(), savedAt)
	require.NoError(t, err)

	entries, at, err := Decode(payload, testDecoders)
	require.NoError(t, err)
	assert.True(t, savedAt.Equal(at))
	require.Len(t, entries, 2)

	assert.True(t, entries[0].Key.Equal(cache.NewKey("items", "u1")))
	assert.Equal(t, []item{{ID: "a", Name: "Alpha"}, {ID: "b", Name: "Beta"}}, entries[0].Data)
	assert.Equal(t, cache.TimeBoxed(time.Minute), entries[0].Policy)
	assert.True(t, savedAt.Add(-time.Minute).Equal(entries[0].FetchedAt))

	// No decoder: the raw JSON is kept and decoded on demand.
	raw, ok := entries[1].Data.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"text":"hello"}`, string(raw))
	note, ok := cache.As[map[string]string](entries[1])
	require.True(t, ok)
	assert.Equal(t, "hello", note["text"])
}

func TestEncode_Deterministic(t *testing.T) {
	a, err := Encode(sampleEntries(), savedAt)
	require.NoError(t, err)
	b, err := Encode(sampleEntries(), savedAt)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncode_UnserializableValue(t *testing.T) {
	_, err := Encode([]cache.Entry{{Key: cache.NewKey("x"), Data: func() {}}}, savedAt)
	require.Error(t, err)
	assert.True(t, syncerr.IsSerialization(err))
}

func TestDecode_Rejects(t *testing.T) {
	good, err := Encode(sampleEntries(), savedAt)
	require.NoError(t, err)

	var p Payload
	require.NoError(t, json.Unmarshal(good, &p))

	mutate := func(fn func(*Payload)) []byte {
		cp := p
		cp.Entries = append([]Record(nil), p.Entries...)
		fn(&cp)
		out, err := json.Marshal(cp)
		require.NoError(t, err)
		return out
	}

	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"truncated", good[:len(good)/2]},
		{"not json", []byte("garbage")},
		{"wrong version", mutate(func(p *Payload) { p.Version = 2 })},
		{"checksum mismatch", mutate(func(p *Payload) {
			p.Entries[0].Data = json.RawMessage(`[{"id":"a","name":"Tampered"}]`)
		})},
		{"bad key", mutate(func(p *Payload) {
			p.Entries[0].Key = ""
			p.Checksum, _ = Checksum(p.Entries)
		})},
		{"decoder failure", mutate(func(p *Payload) {
			p.Entries[0].Data = json.RawMessage(`{"not":"a list"}`)
			p.Checksum, _ = Checksum(p.Entries)
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, _, err := Decode(tt.payload, testDecoders)
			require.Error(t, err)
			assert.True(t, syncerr.IsSerialization(err))
			assert.Nil(t, entries)
		})
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestPersister_RoundTripIntoStore(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	p := NewPersister(backend, WithDecoders(testDecoders), WithNow(func() time.Time { return savedAt }), WithLogger(quietLogger()))

	src := cache.New()
	defer src.Close()
	src.Restore(sampleEntries())
	require.True(t, p.Save(ctx, "u1", src.Snapshot()))

	dst := cache.New()
	defer dst.Close()
	dst.Restore(p.Load(ctx, "u1"))

	e, ok := dst.Get(cache.NewKey("items", "u1"))
	require.True(t, ok)
	items, ok := cache.As[[]item](e)
	require.True(t, ok)
	assert.Len(t, items, 2)
	assert.Equal(t, 2, dst.Len())
}

func TestPersister_CorruptLoadsEmpty(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	var logs bytes.Buffer
	p := NewPersister(backend, WithDecoders(testDecoders), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	require.True(t, p.Save(ctx, "u1", sampleEntries()))
	stored, err := backend.Load(ctx, "u1")
	require.NoError(t, err)
	stored[len(stored)-5] ^= 0xff
	backend.Put("u1", stored)

	assert.Nil(t, p.Load(ctx, "u1"))
	assert.Contains(t, logs.String(), "discarding unusable snapshot")
}

func TestPersister_MissingAndDelete(t *testing.T) {
	ctx := context.Background()
	p := NewPersister(NewMemoryBackend(), WithLogger(quietLogger()))

	assert.Nil(t, p.Load(ctx, "nobody"))
	assert.NoError(t, p.Delete(ctx, "nobody"))

	require.True(t, p.Save(ctx, "u1", sampleEntries()))
	assert.Len(t, p.Load(ctx, "u1"), 2)
	require.NoError(t, p.Delete(ctx, "u1"))
	assert.Nil(t, p.Load(ctx, "u1"))
}

func TestPersister_SaveFailureIsLogged(t *testing.T) {
	var logs bytes.Buffer
	p := NewPersister(NewMemoryBackend(), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	ok := p.Save(context.Background(), "u1", []cache.Entry{{Key: cache.NewKey("x"), Data: make(chan int)}})
	assert.False(t, ok)
	assert.Contains(t, logs.String(), "snapshot not saved")
}

func openTestSQLite(t *testing.T) (*SQLiteBackend, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshots.db")
	b, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, path
}

func TestOpenSQLite_CreatesDatabase(t *testing.T) {
	_, path := openTestSQLite(t)
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestOpenSQLite_Pragmas(t *testing.T) {
	b, _ := openTestSQLite(t)
	for name, want := range map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1",
		"busy_timeout": "5000",
		"foreign_keys": "1",
	} {
		assert.NoError(t, b.verifyPragma(name, want))
	}
}

func TestOpenSQLite_MigrationsIdempotent(t *testing.T) {
	_, path := openTestSQLite(t)
	for i := 0; i < 3; i++ {
		b, err := OpenSQLite(path)
		require.NoError(t, err, "iteration %d", i)
		var version int
		require.NoError(t, b.db.Get(&version, "PRAGMA user_version"))
		assert.Equal(t, currentSchemaVersion, version)
		b.Close()
	}
}

func TestOpenSQLite_MigratesLegacyDatabase(t *testing.T) {
	b, path := openTestSQLite(t)
	_, err := b.db.Exec("DROP INDEX idx_snapshots_saved_at")
	require.NoError(t, err)
	_, err = b.db.Exec("PRAGMA user_version = 0")
	require.NoError(t, err)
	b.Close()

	b2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer b2.Close()
	var n int
	require.NoError(t, b2.db.Get(&n, `SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_snapshots_saved_at'`))
	assert.Equal(t, 1, n)
}

func TestSQLiteBackend_CRUD(t *testing.T) {
	ctx := context.Background()
	b, _ := openTestSQLite(t)
	b.now = func() time.Time { return savedAt }

	_, err := b.Load(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Save(ctx, "u1", []byte("one")))
	require.NoError(t, b.Save(ctx, "u1", []byte("two!")))
	got, err := b.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []byte("two!"), got)

	require.NoError(t, b.Save(ctx, "u2", []byte("x")))
	list, err := b.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "u1", list[0].ID)
	assert.Equal(t, 4, list[0].Size)
	assert.Equal(t, savedAt.Format(time.RFC3339Nano), list[0].SavedAt)

	require.NoError(t, b.Delete(ctx, "u1"))
	_, err = b.Load(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersister_SQLite(t *testing.T) {
	ctx := context.Background()
	b, path := openTestSQLite(t)
	p := NewPersister(b, WithDecoders(testDecoders), WithLogger(quietLogger()))
	require.True(t, p.Save(ctx, "u1", sampleEntries()))
	require.NoError(t, b.Close())

	b2, err := OpenSQLite(path)
	require.NoError(t, err)
	p2 := NewPersister(b2, WithDecoders(testDecoders), WithLogger(quietLogger()))
	defer p2.Close()

	entries := p2.Load(ctx, "u1")
	require.Len(t, entries, 2)
	assert.Equal(t, []item{{ID: "a", Name: "Alpha"}, {ID: "b", Name: "Beta"}}, entries[0].Data)
}

func TestRedisBackend(t *testing.T) {
	url := os.Getenv("PRAYERSYNC_TEST_REDIS")
	if url == "" {
		t.Skip("PRAYERSYNC_TEST_REDIS not set")
	}
	ctx := context.Background()
	b, err := OpenRedis(ctx, url, time.Minute)
	require.NoError(t, err)
	defer b.Close()

	id := "test-" + time.Now().Format("150405.000000000")
	_, err = b.Load(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	p := NewPersister(b, WithDecoders(testDecoders), WithLogger(quietLogger()))
	require.True(t, p.Save(ctx, id, sampleEntries()))
	assert.Len(t, p.Load(ctx, id), 2)
	require.NoError(t, p.Delete(ctx, id))
	assert.Nil(t, p.Load(ctx, id))
}
