package persist

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial snapshots table
// 1 - index on snapshots.saved_at for inspection listings
const currentSchemaVersion = 1

// SQLiteBackend stores snapshots in a SQLite database.
type SQLiteBackend struct {
	db  *sqlx.DB
	now func() time.Time
}

// SnapshotInfo describes a stored snapshot without its payload.
type SnapshotInfo struct {
	ID      string `db:"id"`
	Size    int    `db:"size"`
	SavedAt string `db:"saved_at"`
}

type snapshotRow struct {
	ID      string `db:"id"`
	Payload []byte `db:"payload"`
	Size    int    `db:"size"`
	SavedAt string `db:"saved_at"`
}

// OpenSQLite creates or opens the database at path, applying pragmas and
// migrations. It is safe to call on an existing database.
//
// The database is configured with WAL journaling, NORMAL synchronous mode,
// a 5-second busy timeout and foreign key enforcement.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to snapshot database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteBackend{db: db, now: time.Now}, nil
}

func applyPragmas(db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sqlx.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return runMigrations(db)
}

func runMigrations(db *sqlx.DB) error {
	var version int
	if err := db.Get(&version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_snapshots_saved_at ON snapshots(saved_at)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Load implements Backend.
func (b *SQLiteBackend) Load(ctx context.Context, id string) ([]byte, error) {
	var row snapshotRow
	err := b.db.GetContext(ctx, &row, `SELECT id, payload, size, saved_at FROM snapshots WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", id, err)
	}
	return row.Payload, nil
}

// Save implements Backend.
func (b *SQLiteBackend) Save(ctx context.Context, id string, payload []byte) error {
	row := snapshotRow{
		ID:      id,
		Payload: payload,
		Size:    len(payload),
		SavedAt: b.now().UTC().Format(time.RFC3339Nano),
	}
	_, err := b.db.NamedExecContext(ctx, `
		INSERT INTO snapshots (id, payload, size, saved_at)
		VALUES (:id, :payload, :size, :saved_at)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			size = excluded.size,
			saved_at = excluded.saved_at`, row)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", id, err)
	}
	return nil
}

// Delete implements Backend.
func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	return nil
}

// List returns every stored snapshot, most recent first.
func (b *SQLiteBackend) List(ctx context.Context) ([]SnapshotInfo, error) {
	var out []SnapshotInfo
	if err := b.db.SelectContext(ctx, &out, `SELECT id, size, saved_at FROM snapshots ORDER BY saved_at DESC, id`); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteBackend) verifyPragma(name, expected string) error {
	var value string
	if err := b.db.Get(&value, fmt.Sprintf("PRAGMA %s", name)); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
