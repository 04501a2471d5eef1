package persist

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/prayersync/internal/cache"
)

// ErrNotFound is returned by a Backend when no snapshot is stored under an
// id.
var ErrNotFound = errors.New("persist: snapshot not found")

// Backend stores serialized snapshots by id.
type Backend interface {
	Load(ctx context.Context, id string) ([]byte, error)
	Save(ctx context.Context, id string, payload []byte) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Persister saves and restores cache snapshots through a Backend.
//
// Save and Load never return errors to their caller: every failure is
// logged and replaced by a safe default, so a damaged snapshot costs a
// cold start and nothing more.
//
// Thread-safety: Persister is safe for concurrent use if its Backend is.
type Persister struct {
	backend  Backend
	decoders Decoders
	now      func() time.Time
	logger   *slog.Logger
}

// PersisterOption configures a Persister.
type PersisterOption func(*Persister)

// WithDecoders sets the per-resource decoders used by Load.
func WithDecoders(d Decoders) PersisterOption {
	return func(p *Persister) {
		p.decoders = d
	}
}

// WithNow sets the time source stamped into saved snapshots.
func WithNow(fn func() time.Time) PersisterOption {
	return func(p *Persister) {
		p.now = fn
	}
}

// WithLogger sets the persister logger.
func WithLogger(l *slog.Logger) PersisterOption {
	return func(p *Persister) {
		p.logger = l
	}
}

// NewPersister creates a persister over backend.
func NewPersister(backend Backend, opts ...PersisterOption) *Persister {
	p := &Persister{
		backend: backend,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Save writes entries under id and reports whether it succeeded.
func (p *Persister) Save(ctx context.Context, id string, entries []cache.Entry) bool {
	payload, err := Encode(entries, p.now())
	if err != nil {
		p.logger.Error("snapshot not saved", "id", id, "error", err)
		return false
	}
	if err := p.backend.Save(ctx, id, payload); err != nil {
		p.logger.Error("snapshot not saved", "id", id, "error", err)
		return false
	}
	p.logger.Debug("snapshot saved", "id", id, "entries", len(entries), "bytes", len(payload))
	return true
}

// Load returns the entries stored under id. A missing, unreadable or
// invalid snapshot yields nil.
func (p *Persister) Load(ctx context.Context, id string) []cache.Entry {
	payload, err := p.backend.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		p.logger.Debug("no snapshot stored", "id", id)
		return nil
	}
	if err != nil {
		p.logger.Error("snapshot not loaded", "id", id, "error", err)
		return nil
	}
	entries, savedAt, err := Decode(payload, p.decoders)
	if err != nil {
		p.logger.Warn("discarding unusable snapshot", "id", id, "error", err)
		return nil
	}
	p.logger.Debug("snapshot loaded", "id", id, "entries", len(entries), "saved_at", savedAt)
	return entries
}

// Delete removes the snapshot stored under id. A missing snapshot is not
// an error.
func (p *Persister) Delete(ctx context.Context, id string) error {
	if err := p.backend.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Close closes the backend.
func (p *Persister) Close() error {
	return p.backend.Close()
}
