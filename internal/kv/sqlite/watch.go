package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/and161185/mealsync/internal/kv"
)

// defaultDebounce coalesces the burst of file events one commit produces.
const defaultDebounce = 50 * time.Millisecond

// Watcher turns writes made by any process to the database file into
// kv.ChangeEvents. It reacts to file system notifications; it does not poll.
type Watcher struct {
	store    *Store
	log      *zap.Logger
	debounce time.Duration
	hub      kv.Hub

	mu      sync.Mutex
	lastSeq int64
	fsw     *fsnotify.Watcher
	done    chan struct{}
}

var _ kv.Feed = (*Watcher)(nil)

// NewWatcher creates a watcher for s. Call Start to begin delivering events.
func NewWatcher(s *Store, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{store: s, log: log, debounce: defaultDebounce}
}

// Subscribe implements kv.Feed.
func (w *Watcher) Subscribe(fn func(kv.ChangeEvent)) func() { return w.hub.Subscribe(fn) }

// Start records the current log position and watches the database directory
// until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	seq, err := w.store.LastSeq(ctx)
	if err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.store.Path())); err != nil {
		fsw.Close()
		return err
	}

	w.mu.Lock()
	w.lastSeq = seq
	w.fsw = fsw
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx, fsw, w.done)
	w.log.Info("store watcher started", zap.String("path", w.store.Path()), zap.Int64("seq", seq))
	return nil
}

// Stop ends the watch loop.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	fsw := w.fsw
	w.fsw = nil
	w.mu.Unlock()
	if fsw == nil {
		return nil
	}
	return fsw.Close()
}

// Sync publishes every change logged since the last call. Subscribers run
// after the watcher's lock is released, so they may call Sync or Stop.
func (w *Watcher) Sync(ctx context.Context) error {
	w.mu.Lock()
	changes, err := w.store.ChangesSince(ctx, w.lastSeq)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	var events []kv.ChangeEvent
	for _, c := range changes {
		w.lastSeq = c.Seq
		evt := kv.ChangeEvent{Key: c.Key, Deleted: c.Deleted, Origin: c.Origin}
		if !c.Deleted {
			if c.Value == nil {
				// overwritten by a later delete that is still ahead in the log
				continue
			}
			evt.Value = c.Value
		}
		events = append(events, evt)
	}
	w.mu.Unlock()

	for _, evt := range events {
		w.hub.Publish(evt)
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	base := filepath.Base(w.store.Path())
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), base) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("store watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			if err := w.Sync(ctx); err != nil {
				w.log.Warn("store sync failed", zap.Error(err))
			}
		}
	}
}
