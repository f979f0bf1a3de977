// Package realtime maintains the push-notification socket: connection
// strategies, exponential-backoff reconnects, frame validation, dedup and
// fan-out to subscribers, plus the derived toast stream.
package realtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/mealsync/internal/model"
)

// Defaults.
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5
)

// State of the channel.
type State int

// Channel states.
const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func timeAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// TokenSource returns the access token to present when connecting.
type TokenSource func(ctx context.Context) (string, error)

// Config holds the connection settings.
type Config struct {
	BaseURL     string
	Strategies  []Strategy
	BaseDelay   time.Duration
	MaxAttempts int
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics records channel activity in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithAfterFunc replaces time.AfterFunc for reconnect scheduling.
func WithAfterFunc(f AfterFunc) Option {
	return func(c *Channel) { c.afterFunc = f }
}

// Channel is the realtime notification connection for one user at a time.
//
// Connection errors are never returned; they drive the reconnect state machine
// and show only through IsConnected and message delivery.
type Channel struct {
	cfg       Config
	dialer    Dialer
	tokens    TokenSource
	log       *zap.Logger
	metrics   *Metrics
	afterFunc AfterFunc

	mu       sync.Mutex
	state    State
	userID   string
	gen      uint64
	attempt  int
	strategy int
	conn     Conn
	cancel   context.CancelFunc
	timer    Timer

	subs    map[int]func(model.NotificationMessage)
	nextSub int
	seen    map[int64]struct{}
}

// NewChannel constructs an idle channel.
func NewChannel(cfg Config, d Dialer, tokens TokenSource, opts ...Option) *Channel {
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = DefaultStrategies()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	c := &Channel{
		cfg:       cfg,
		dialer:    d,
		tokens:    tokens,
		log:       zap.NewNop(),
		afterFunc: timeAfterFunc,
		subs:      make(map[int]func(model.NotificationMessage)),
		seen:      make(map[int64]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect opens the channel for userID. It is a no-op while the channel is
// open, connecting or waiting to reconnect for the same user. Connecting for
// another user replaces the current connection.
func (c *Channel) Connect(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if userID == "" {
		c.log.Warn("realtime connect without user id ignored")
		return
	}
	if c.userID == userID && c.state != StateIdle {
		return
	}
	c.teardownLocked()
	c.userID = userID
	c.attempt = 0
	c.strategy = 0
	c.startLocked()
}

// Disconnect closes the channel and cancels any pending reconnect. It is
// idempotent and never triggers a reconnect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		c.log.Info("realtime disconnect", zap.String("state", c.state.String()))
	}
	c.teardownLocked()
	c.userID = ""
}

// IsConnected reports whether the socket is open.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnMessage registers fn for every delivered notification. Messages are
// deduplicated by id until the last subscriber unsubscribes.
func (c *Channel) OnMessage(fn func(model.NotificationMessage)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			if len(c.subs) == 0 {
				clear(c.seen)
			}
		})
	}
}

func (c *Channel) teardownLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateIdle
	c.metrics.connected(false)
}

func (c *Channel) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = StateConnecting
	go c.run(ctx, c.gen, c.strategy, c.userID)
}

func (c *Channel) run(ctx context.Context, gen uint64, idx int, userID string) {
	strat := c.cfg.Strategies[idx]
	conn, err := c.dial(ctx, strat, userID)
	if err != nil {
		c.closed(gen, err)
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.attempt = 0
	c.strategy = 0
	c.metrics.connected(true)
	c.mu.Unlock()
	c.log.Info("realtime connected", zap.String("strategy", strat.Name()))

	for {
		raw, err := conn.Receive()
		if err != nil {
			c.closed(gen, err)
			return
		}
		c.handle(gen, raw)
	}
}

func (c *Channel) dial(ctx context.Context, s Strategy, userID string) (Conn, error) {
	tok, err := c.tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	u, err := s.URL(c.cfg.BaseURL, userID, tok)
	if err != nil {
		return nil, err
	}
	return c.dialer.Dial(ctx, u)
}

// closed handles a failed dial or an unexpected close of generation gen.
func (c *Channel) closed(gen uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.metrics.connected(false)
	c.strategy = (c.strategy + 1) % len(c.cfg.Strategies)

	if c.attempt >= c.cfg.MaxAttempts {
		c.state = StateIdle
		c.log.Warn("realtime reconnect attempts exhausted",
			zap.Int("attempts", c.attempt),
			zap.Error(cause),
		)
		return
	}
	delay := c.cfg.BaseDelay << c.attempt
	c.attempt++
	c.state = StateClosed
	c.metrics.reconnect()
	c.log.Info("realtime connection lost",
		zap.Error(cause),
		zap.Int("attempt", c.attempt),
		zap.Duration("delay", delay),
		zap.String("next_strategy", c.cfg.Strategies[c.strategy].Name()),
	)
	c.timer = c.afterFunc(delay, func() { c.reconnect(gen) })
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state != StateClosed {
		return
	}
	c.timer = nil
	c.startLocked()
}

func (c *Channel) handle(gen uint64, raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		c.metrics.dropped()
		c.log.Warn("realtime message dropped", zap.Int("bytes", len(raw)), zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.gen != gen || len(c.subs) == 0 {
		c.mu.Unlock()
		return
	}
	if _, dup := c.seen[msg.ID]; dup {
		c.mu.Unlock()
		c.metrics.duplicate()
		c.log.Debug("realtime duplicate suppressed", zap.Int64("id", msg.ID))
		return
	}
	c.seen[msg.ID] = struct{}{}
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(model.NotificationMessage), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.subs[id])
	}
	c.mu.Unlock()

	c.metrics.delivered()
	for _, fn := range fns {
		c.deliver(fn, msg)
	}
}

func (c *Channel) deliver(fn func(model.NotificationMessage), msg model.NotificationMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("realtime subscriber panic",
				zap.Any("reason", r),
				zap.ByteString("stack", debug.Stack()),
				zap.Int64("id", msg.ID),
			)
		}
	}()
	fn(msg)
}
