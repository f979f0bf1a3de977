package tokens

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/mealsync/internal/errs"
	"github.com/and161185/mealsync/internal/kv"
	"github.com/and161185/mealsync/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRefresher struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
	grant   model.TokenGrant

	// failures makes the first calls fail with errFlaky
	failures int32
}

var errFlaky = errors.New("flaky")

func (f *fakeRefresher) Refresh(ctx context.Context, _ model.AuthToken) (model.TokenGrant, error) {
	n := f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return model.TokenGrant{}, ctx.Err()
		}
	}
	if f.err != nil {
		return model.TokenGrant{}, f.err
	}
	if n <= f.failures {
		return model.TokenGrant{}, errFlaky
	}
	g := f.grant
	if g.AccessToken == "" {
		g = model.TokenGrant{AccessToken: "new-" + string(rune('0'+n)), TokenType: "Bearer", ExpiresInMinutes: 60}
	}
	return g, nil
}

var _ Refresher = (*fakeRefresher)(nil)

func newTestCoordinator(t *testing.T, r Refresher) (*Coordinator, *kv.Memory, *fakeClock) {
	t.Helper()
	store := kv.NewMemory()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewCoordinator(store, r, WithClock(clk.Now), WithLogger(zaptest.NewLogger(t)))
	return c, store, clk
}

func seedToken(t *testing.T, s kv.Store, tok model.AuthToken) {
	t.Helper()
	require.NoError(t, kv.SetJSON(context.Background(), s, TokenKey, tok))
}

func TestRefresh_ConcurrentCallersShareOneRequest(t *testing.T) {
	t.Parallel()
	r := &fakeRefresher{release: make(chan struct{})}
	c, store, clk := newTestCoordinator(t, r)
	// expired an hour ago
	seedToken(t, store, model.AuthToken{AccessToken: "old", ExpiresInMinutes: 60, LastRefreshTimestamp: clk.Now().Add(-2 * time.Hour).Unix()})

	const n = 16
	var wg sync.WaitGroup
	results := make([]model.AuthToken, n)
	errsOut := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errsOut[i] = c.Refresh(context.Background(), false)
		}(i)
	}

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(r.release)
	wg.Wait()

	require.Equal(t, int32(1), r.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errsOut[i])
		require.Equal(t, results[0], results[i])
	}
	require.Equal(t, "new-1", results[0].AccessToken)
	require.Equal(t, clk.Now().Unix(), results[0].LastRefreshTimestamp)

	stored, err := c.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, results[0], stored)
}

func TestRefresh_FreshTokenSkipsNetwork(t *testing.T) {
	t.Parallel()
	r := &fakeRefresher{}
	c, store, clk := newTestCoordinator(t, r)
	tok := model.AuthToken{AccessToken: "cur", ExpiresInMinutes: 60, LastRefreshTimestamp: clk.Now().Unix()}
	seedToken(t, store, tok)

	got, err := c.Refresh(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, tok, got)
	require.Zero(t, r.calls.Load())

	got, err = c.Refresh(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, "new-1", got.AccessToken)
	require.Equal(t, int32(1), r.calls.Load())
}

func TestRefresh_NoStoredTokenStillAsksServer(t *testing.T) {
	t.Parallel()
	r := &fakeRefresher{}
	c, _, _ := newTestCoordinator(t, r)

	_, err := c.Current(context.Background())
	require.ErrorIs(t, err, errs.ErrNoToken)

	got, err := c.Refresh(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "new-1", got.AccessToken)
}

func TestRefresh_FailureLeavesTokenAndRejectsAllWaiters(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	r := &fakeRefresher{release: make(chan struct{}), err: boom}
	c, store, clk := newTestCoordinator(t, r)
	old := model.AuthToken{AccessToken: "old", ExpiresInMinutes: 60, LastRefreshTimestamp: clk.Now().Add(-time.Hour).Unix()}
	seedToken(t, store, old)

	var wg sync.WaitGroup
	out := make([]error, 4)
	for i := range out {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, out[i] = c.Refresh(context.Background(), true)
		}(i)
	}
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(r.release)
	wg.Wait()

	for _, err := range out {
		require.ErrorIs(t, err, boom)
	}
	cur, err := c.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, old, cur)

	// in-flight state is cleared: the next call goes to the network again
	r.err = nil
	got, err := c.Refresh(context.Background(), true)
	require.NoError(t, err)
	require.NotEqual(t, "old", got.AccessToken)
}

func TestRefresh_CallerCancelDoesNotAbortSharedRequest(t *testing.T) {
	t.Parallel()
	r := &fakeRefresher{release: make(chan struct{})}
	c, _, _ := newTestCoordinator(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx, true)
		done <- err
	}()
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(r.release)
	require.Eventually(t, func() bool {
		tok, err := c.Current(context.Background())
		return err == nil && tok.AccessToken == "new-1"
	}, time.Second, 5*time.Millisecond)
}

func TestRefresh_EmptyGrantIsInvalidResponse(t *testing.T) {
	t.Parallel()
	r := RefreshFunc(func(context.Context, model.AuthToken) (model.TokenGrant, error) {
		return model.TokenGrant{TokenType: "Bearer"}, nil
	})
	c, _, _ := newTestCoordinator(t, r)
	_, err := c.Refresh(context.Background(), true)
	require.ErrorIs(t, err, errs.ErrInvalidResponse)
}

func TestShouldProactiveRefresh_FlipsAtBuffer(t *testing.T) {
	t.Parallel()
	r := &fakeRefresher{grant: model.TokenGrant{AccessToken: "a", TokenType: "Bearer", ExpiresInMinutes: 30}}
	c, _, clk := newTestCoordinator(t, r)
	ctx := context.Background()

	require.False(t, c.ShouldProactiveRefresh(ctx))
	_, err := c.Refresh(ctx, true)
	require.NoError(t, err)
	require.False(t, c.ShouldProactiveRefresh(ctx))

	clk.Advance(30*time.Minute - BufferSeconds*time.Second - time.Second)
	require.False(t, c.ShouldProactiveRefresh(ctx))
	clk.Advance(time.Second)
	require.True(t, c.ShouldProactiveRefresh(ctx))
}

func TestSetGrantAndClear(t *testing.T) {
	t.Parallel()
	c, _, clk := newTestCoordinator(t, &fakeRefresher{})
	ctx := context.Background()

	_, err := c.SetGrant(ctx, model.TokenGrant{})
	require.ErrorIs(t, err, errs.ErrInvalidResponse)

	tok, err := c.SetGrant(ctx, model.TokenGrant{AccessToken: "x", TokenType: "Bearer", ExpiresInMinutes: 5})
	require.NoError(t, err)
	require.Equal(t, clk.Now().Unix(), tok.LastRefreshTimestamp)
	require.True(t, c.IsWithinReactiveWindow(ctx))

	require.NoError(t, c.Clear(ctx))
	_, err = c.Current(ctx)
	require.ErrorIs(t, err, errs.ErrNoToken)
	require.False(t, c.IsWithinReactiveWindow(ctx))
}
