// Package tokens owns the access-token lifecycle: single-flight refresh,
// proactive/reactive refresh decisions and request authorization.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/mealsync/internal/errs"
	"github.com/and161185/mealsync/internal/kv"
	"github.com/and161185/mealsync/internal/model"
)

// TokenKey is the durable store key holding the JSON-encoded AuthToken.
const TokenKey = "auth_token"

const (
	refreshKey     = "refresh"
	defaultTimeout = 15 * time.Second
)

// Refresher performs the refresh request against the backend.
type Refresher interface {
	Refresh(ctx context.Context, current model.AuthToken) (model.TokenGrant, error)
}

// RefreshFunc adapts a function to Refresher.
type RefreshFunc func(ctx context.Context, current model.AuthToken) (model.TokenGrant, error)

// Refresh implements Refresher.
func (f RefreshFunc) Refresh(ctx context.Context, current model.AuthToken) (model.TokenGrant, error) {
	return f(ctx, current)
}

// Coordinator guarantees at most one refresh request in flight. It keeps no
// private copy of the token; every read goes to the store.
type Coordinator struct {
	store     kv.Store
	refresher Refresher
	log       *zap.Logger
	now       func() time.Time
	timeout   time.Duration

	group      singleflight.Group
	refreshing atomic.Bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithTimeout bounds a single refresh request.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewCoordinator constructs a coordinator reading and writing the token in store.
func NewCoordinator(store kv.Store, r Refresher, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		refresher: r,
		log:       zap.NewNop(),
		now:       time.Now,
		timeout:   defaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Current returns the stored token or errs.ErrNoToken.
func (c *Coordinator) Current(ctx context.Context) (model.AuthToken, error) {
	var tok model.AuthToken
	if err := kv.GetJSON(ctx, c.store, TokenKey, &tok); err != nil {
		if kv.IsNotFound(err) {
			return model.AuthToken{}, errs.ErrNoToken
		}
		return model.AuthToken{}, err
	}
	if tok.Empty() {
		return model.AuthToken{}, errs.ErrNoToken
	}
	return tok, nil
}

// SetGrant stores a token obtained outside the refresh flow, e.g. at login.
func (c *Coordinator) SetGrant(ctx context.Context, g model.TokenGrant) (model.AuthToken, error) {
	if g.AccessToken == "" {
		return model.AuthToken{}, fmt.Errorf("empty access token: %w", errs.ErrInvalidResponse)
	}
	tok := g.Stamp(c.now())
	if err := kv.SetJSON(ctx, c.store, TokenKey, tok); err != nil {
		return model.AuthToken{}, err
	}
	return tok, nil
}

// Clear removes the stored token.
func (c *Coordinator) Clear(ctx context.Context) error {
	return c.store.Delete(ctx, TokenKey)
}

// ShouldProactiveRefresh reports whether the stored token is close enough to
// expiry to be renewed before use. It is false when no token is stored.
func (c *Coordinator) ShouldProactiveRefresh(ctx context.Context) bool {
	tok, err := c.Current(ctx)
	if err != nil {
		return false
	}
	return NeedsProactiveRefresh(tok, c.now())
}

// IsWithinReactiveWindow reports whether a 401 should be answered with a
// forced refresh and retry rather than a logout.
func (c *Coordinator) IsWithinReactiveWindow(ctx context.Context) bool {
	tok, err := c.Current(ctx)
	if err != nil {
		return false
	}
	return WithinReactiveWindow(tok, c.now())
}

// Refresh returns a usable token. Concurrent callers share one in-flight
// request. Without force a fresh stored token is returned with no network
// call. On failure the stored token is left untouched.
//
// A caller whose ctx ends stops waiting; the shared request keeps running.
func (c *Coordinator) Refresh(ctx context.Context, force bool) (model.AuthToken, error) {
	if !force && !c.refreshing.Load() {
		if tok, err := c.Current(ctx); err == nil && !NeedsProactiveRefresh(tok, c.now()) {
			return tok, nil
		}
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.refresh(detached, force)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return model.AuthToken{}, res.Err
		}
		return res.Val.(model.AuthToken), nil
	case <-ctx.Done():
		return model.AuthToken{}, ctx.Err()
	}
}

func (c *Coordinator) refresh(ctx context.Context, force bool) (model.AuthToken, error) {
	c.refreshing.Store(true)
	defer c.refreshing.Store(false)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cur, err := c.Current(ctx)
	if err != nil && !errors.Is(err, errs.ErrNoToken) {
		return model.AuthToken{}, err
	}
	// another flight may have finished between the caller's check and ours
	if !force && err == nil && !NeedsProactiveRefresh(cur, c.now()) {
		return cur, nil
	}

	start := c.now()
	grant, err := c.refresher.Refresh(ctx, cur)
	if err != nil {
		c.log.Warn("token refresh failed", zap.Bool("force", force), zap.Error(err))
		return model.AuthToken{}, fmt.Errorf("refresh token: %w", err)
	}
	if grant.AccessToken == "" {
		return model.AuthToken{}, fmt.Errorf("refresh token: empty access token: %w", errs.ErrInvalidResponse)
	}

	tok := grant.Stamp(c.now())
	if err := kv.SetJSON(ctx, c.store, TokenKey, tok); err != nil {
		return model.AuthToken{}, fmt.Errorf("store token: %w", err)
	}
	c.log.Info("token refreshed",
		zap.Bool("force", force),
		zap.Int("expires_in_minutes", tok.ExpiresInMinutes),
		zap.Duration("took", c.now().Sub(start)),
	)
	return tok, nil
}
