// Package sqlite implements the durable key-value store on a local SQLite file.
// Several client instances may share one file; every write is appended to a
// change log that Watcher turns into kv.ChangeEvents.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/and161185/mealsync/internal/errs"
	"github.com/and161185/mealsync/internal/kv"
)

// Change is one row of the change log joined with the current value.
type Change struct {
	Seq     int64  `db:"seq"`
	Key     string `db:"key"`
	Deleted bool   `db:"deleted"`
	Origin  string `db:"origin"`
	Value   []byte `db:"value"`
}

// Store implements kv.Store using a SQLite database.
type Store struct {
	db     *sqlx.DB
	path   string
	origin string
}

var _ kv.Store = (*Store)(nil)

// Open opens (or creates) a SQLite database at path, enables WAL mode,
// and runs any pending schema migrations. Writes are stamped with origin.
func Open(path, origin string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection keeps the per-connection pragmas below in effect.
	db.SetMaxOpenConns(1)

	// WAL lets other instances read while one writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Store{db: db, path: path, origin: origin}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Origin returns the identifier stamped on this store's writes.
func (s *Store) Origin() string { return s.origin }

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.GetContext(ctx, &v, "SELECT value FROM kv WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %q: %w", key, err)
	}
	return v, nil
}

// Set upserts the value and records the change.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, ?)",
		key, value, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO kv_changes (key, deleted, origin) VALUES (?, 0, ?)",
		key, s.origin,
	); err != nil {
		return fmt.Errorf("logging change of %q: %w", key, err)
	}
	return tx.Commit()
}

// Delete removes key; a change is recorded only if a row existed.
func (s *Store) Delete(ctx context.Context, key string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("deleting %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting %q: %w", key, err)
	}
	if n > 0 {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO kv_changes (key, deleted, origin) VALUES (?, 1, ?)",
			key, s.origin,
		); err != nil {
			return fmt.Errorf("logging change of %q: %w", key, err)
		}
	}
	return tx.Commit()
}

// LastSeq returns the newest change sequence number, 0 when the log is empty.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.GetContext(ctx, &seq, "SELECT COALESCE(MAX(seq), 0) FROM kv_changes"); err != nil {
		return 0, fmt.Errorf("reading last change: %w", err)
	}
	return seq, nil
}

// ChangesSince returns changes with seq > since, oldest first.
// Value holds the key's current value, or nil if it is gone.
func (s *Store) ChangesSince(ctx context.Context, since int64) ([]Change, error) {
	var out []Change
	err := s.db.SelectContext(ctx, &out, `
		SELECT c.seq, c.key, c.deleted, c.origin, k.value
		FROM kv_changes c
		LEFT JOIN kv k ON k.key = c.key
		WHERE c.seq > ?
		ORDER BY c.seq`, since)
	if err != nil {
		return nil, fmt.Errorf("querying changes: %w", err)
	}
	return out, nil
}

// PruneChanges drops log entries older than age.
func (s *Store) PruneChanges(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	res, err := s.db.ExecContext(ctx, "DELETE FROM kv_changes WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning changes: %w", err)
	}
	return res.RowsAffected()
}
