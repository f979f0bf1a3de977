// Package session reacts to authentication changes made by other client
// instances sharing the durable store.
package session

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/mealsync/internal/kv"
	"github.com/and161185/mealsync/internal/model"
	"github.com/and161185/mealsync/internal/tokens"
)

// Connector is the part of the realtime channel the watcher drives.
type Connector interface {
	Connect(userID string)
	Disconnect()
}

// SubjectFunc extracts the user id from an access token.
type SubjectFunc func(accessToken string) (string, error)

// Watcher treats token changes from other instances as authoritative: a new
// login connects the channel for that user, a logout disconnects it.
type Watcher struct {
	feed    kv.Feed
	conn    Connector
	origin  string
	subject SubjectFunc
	log     *zap.Logger

	mu    sync.Mutex
	unsub func()
}

// NewWatcher builds a watcher ignoring events stamped with origin, which is
// this instance's own store origin.
func NewWatcher(feed kv.Feed, conn Connector, origin string, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{feed: feed, conn: conn, origin: origin, subject: tokens.Subject, log: log}
}

// WithSubject replaces the JWT subject extractor.
func (w *Watcher) WithSubject(f SubjectFunc) *Watcher {
	w.subject = f
	return w
}

// Start subscribes to the feed. Calling it twice has no effect.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unsub != nil {
		return
	}
	w.unsub = w.feed.Subscribe(w.handle)
}

// Stop unsubscribes.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unsub != nil {
		w.unsub()
		w.unsub = nil
	}
}

func (w *Watcher) handle(e kv.ChangeEvent) {
	if e.Key != tokens.TokenKey || (w.origin != "" && e.Origin == w.origin) {
		return
	}
	if e.Deleted {
		w.log.Info("logout in another instance; disconnecting")
		w.conn.Disconnect()
		return
	}

	var tok model.AuthToken
	if err := json.Unmarshal(e.Value, &tok); err != nil || tok.Empty() {
		w.log.Warn("ignoring unreadable token change", zap.Error(err))
		return
	}
	sub, err := w.subject(tok.AccessToken)
	if err != nil {
		w.log.Warn("token change without usable subject", zap.Error(err))
		return
	}
	w.log.Info("login in another instance; connecting", zap.String("user", sub))
	w.conn.Connect(sub)
}
