package postgres

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/mealsync/internal/errs"
	"github.com/and161185/mealsync/internal/kv"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying change sequence numbers.
const NotifyChannel = "kv_changes"

// Change is one change-log row joined with the key's current value.
type Change struct {
	Seq     int64
	Key     string
	Deleted bool
	Origin  string
	Value   []byte
}

// Store implements kv.Store on PostgreSQL.
type Store struct {
	db     *DB
	origin string
}

var _ kv.Store = (*Store)(nil)

// NewStore constructs a store whose writes are stamped with origin.
func NewStore(db *DB, origin string) *Store { return &Store{db: db, origin: origin} }

// Get selects the value for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	const q = `SELECT value FROM kv_entries WHERE key=$1`
	var v []byte
	if err := s.db.Pool.QueryRow(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

// Set upserts the value, logs the change and notifies listeners in one transaction.
func (s *Store) Set(ctx context.Context, key string, value []byte) (err error) {
	if value == nil {
		value = []byte{}
	}
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const ups = `
INSERT INTO kv_entries (key, value, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()`
	if _, err = tx.Exec(ctx, ups, key, value); err != nil {
		return err
	}
	return s.logChange(ctx, tx, key, false)
}

// Delete removes key; a change is logged only if a row existed.
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	tag, err := tx.Exec(ctx, `DELETE FROM kv_entries WHERE key=$1`, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	return s.logChange(ctx, tx, key, true)
}

func (s *Store) logChange(ctx context.Context, tx pgx.Tx, key string, deleted bool) error {
	const ins = `INSERT INTO kv_changes (key, deleted, origin) VALUES ($1,$2,$3) RETURNING seq`
	var seq int64
	if err := tx.QueryRow(ctx, ins, key, deleted, s.origin).Scan(&seq); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, strconv.FormatInt(seq, 10))
	return err
}

// LastSeq returns the newest change sequence number.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	const q = `SELECT COALESCE(MAX(seq),0) FROM kv_changes`
	var v int64
	if err := s.db.Pool.QueryRow(ctx, q).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// ChangesSince returns changes strictly after since, oldest first.
func (s *Store) ChangesSince(ctx context.Context, since int64) ([]Change, error) {
	const q = `
SELECT c.seq, c.key, c.deleted, c.origin, e.value
FROM kv_changes c
LEFT JOIN kv_entries e ON e.key = c.key
WHERE c.seq>$1
ORDER BY c.seq ASC`
	rows, err := s.db.Pool.Query(ctx, q, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var c Change
		if err = rows.Scan(&c.Seq, &c.Key, &c.Deleted, &c.Origin, &c.Value); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
