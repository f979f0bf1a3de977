package realtime

import (
	"slices"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/mealsync/internal/model"
)

// DefaultToastTTL is how long a toast stays visible unless dismissed.
const DefaultToastTTL = 5 * time.Second

// MessageSource is anything delivering notifications, normally a *Channel.
type MessageSource interface {
	OnMessage(fn func(model.NotificationMessage)) (unsubscribe func())
}

// ToastFeed projects delivered notifications into short-lived toasts.
type ToastFeed struct {
	ttl       time.Duration
	afterFunc AfterFunc
	now       func() time.Time
	log       *zap.Logger
	unsub     func()

	mu      sync.Mutex
	closed  bool
	active  []model.Toast
	timers  map[string]Timer
	subs    map[int]func([]model.Toast)
	nextSub int
}

// ToastOption configures a ToastFeed.
type ToastOption func(*ToastFeed)

// WithToastTTL overrides DefaultToastTTL.
func WithToastTTL(d time.Duration) ToastOption {
	return func(f *ToastFeed) {
		if d > 0 {
			f.ttl = d
		}
	}
}

// WithToastTimers replaces time.AfterFunc and time.Now.
func WithToastTimers(after AfterFunc, now func() time.Time) ToastOption {
	return func(f *ToastFeed) {
		if after != nil {
			f.afterFunc = after
		}
		if now != nil {
			f.now = now
		}
	}
}

// WithToastLogger sets the logger.
func WithToastLogger(l *zap.Logger) ToastOption {
	return func(f *ToastFeed) {
		if l != nil {
			f.log = l
		}
	}
}

// NewToastFeed subscribes to src until Close.
func NewToastFeed(src MessageSource, opts ...ToastOption) *ToastFeed {
	f := &ToastFeed{
		ttl:       DefaultToastTTL,
		afterFunc: timeAfterFunc,
		now:       time.Now,
		log:       zap.NewNop(),
		timers:    make(map[string]Timer),
		subs:      make(map[int]func([]model.Toast)),
	}
	for _, o := range opts {
		o(f)
	}
	f.unsub = src.OnMessage(f.push)
	return f
}

// OnChange registers fn to receive the active toasts after every change.
func (f *ToastFeed) OnChange(fn func([]model.Toast)) (unsubscribe func()) {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Active returns the visible toasts, oldest first.
func (f *ToastFeed) Active() []model.Toast {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.active)
}

// Dismiss removes a toast before its TTL; it reports whether it was visible.
func (f *ToastFeed) Dismiss(clientID string) bool {
	f.mu.Lock()
	i := slices.IndexFunc(f.active, func(t model.Toast) bool { return t.ClientID == clientID })
	if i < 0 {
		f.mu.Unlock()
		return false
	}
	f.active = slices.Delete(f.active, i, i+1)
	if t, ok := f.timers[clientID]; ok {
		t.Stop()
		delete(f.timers, clientID)
	}
	snap, fns := f.snapshotLocked()
	f.mu.Unlock()

	f.notify(snap, fns)
	return true
}

// Close stops listening and cancels every pending dismissal.
func (f *ToastFeed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for id, t := range f.timers {
		t.Stop()
		delete(f.timers, id)
	}
	f.active = nil
	f.mu.Unlock()
	f.unsub()
}

func (f *ToastFeed) push(msg model.NotificationMessage) {
	toast := model.Toast{
		ClientID:  uuid.Must(uuid.NewV4()).String(),
		Title:     msg.Title,
		Content:   msg.Content,
		GroupName: msg.GroupName,
		Timestamp: f.now(),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.active = append(f.active, toast)
	f.timers[toast.ClientID] = f.afterFunc(f.ttl, func() { f.Dismiss(toast.ClientID) })
	snap, fns := f.snapshotLocked()
	f.mu.Unlock()

	f.notify(snap, fns)
}

func (f *ToastFeed) snapshotLocked() ([]model.Toast, []func([]model.Toast)) {
	ids := make([]int, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func([]model.Toast), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, f.subs[id])
	}
	return slices.Clone(f.active), fns
}

func (f *ToastFeed) notify(snap []model.Toast, fns []func([]model.Toast)) {
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.log.Error("toast subscriber panic", zap.Any("reason", r))
				}
			}()
			fn(slices.Clone(snap))
		}()
	}
}
