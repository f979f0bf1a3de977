package postgres

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/and161185/mealsync/internal/kv"
)

// Notifier is the part of *pgx.Conn the listener needs. LISTEN requires a
// dedicated connection, so it cannot come from the pool.
type Notifier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// Listener turns kv_changes notifications into kv.ChangeEvents.
type Listener struct {
	store *Store
	conn  Notifier
	log   *zap.Logger
	hub   kv.Hub

	mu      sync.Mutex
	lastSeq int64
}

var _ kv.Feed = (*Listener)(nil)

// NewListener constructs a listener reading changes from s and wake-ups from conn.
func NewListener(s *Store, conn Notifier, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{store: s, conn: conn, log: log}
}

// Subscribe implements kv.Feed.
func (l *Listener) Subscribe(fn func(kv.ChangeEvent)) func() { return l.hub.Subscribe(fn) }

// Run subscribes to the channel and publishes changes until ctx ends.
func (l *Listener) Run(ctx context.Context) error {
	seq, err := l.store.LastSeq(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.lastSeq = seq
	l.mu.Unlock()

	if _, err := l.conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return err
	}
	l.log.Info("store listener started", zap.Int64("seq", seq))

	for {
		n, err := l.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if n.Channel != NotifyChannel {
			continue
		}
		if err := l.Sync(ctx); err != nil {
			l.log.Warn("store sync failed", zap.Error(err))
		}
	}
}

// Sync publishes every change logged since the last call. Subscribers run
// after the listener's lock is released.
func (l *Listener) Sync(ctx context.Context) error {
	l.mu.Lock()
	changes, err := l.store.ChangesSince(ctx, l.lastSeq)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	var events []kv.ChangeEvent
	for _, c := range changes {
		l.lastSeq = c.Seq
		evt := kv.ChangeEvent{Key: c.Key, Deleted: c.Deleted, Origin: c.Origin}
		if !c.Deleted {
			if c.Value == nil {
				continue
			}
			evt.Value = c.Value
		}
		events = append(events, evt)
	}
	l.mu.Unlock()

	for _, evt := range events {
		l.hub.Publish(evt)
	}
	return nil
}
