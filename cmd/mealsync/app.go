package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/and161185/mealsync/internal/api"
	"github.com/and161185/mealsync/internal/config"
	"github.com/and161185/mealsync/internal/kv"
	"github.com/and161185/mealsync/internal/kv/keyring"
	"github.com/and161185/mealsync/internal/kv/postgres"
	"github.com/and161185/mealsync/internal/kv/sealed"
	"github.com/and161185/mealsync/internal/kv/sqlite"
	"github.com/and161185/mealsync/internal/migrate"
	"github.com/and161185/mealsync/internal/obs"
	"github.com/and161185/mealsync/internal/realtime"
	"github.com/and161185/mealsync/internal/schedule"
	"github.com/and161185/mealsync/internal/tokens"
)

// changeLogRetention bounds the sqlite change log.
const changeLogRetention = 7 * 24 * time.Hour

// app is the wired client for one command invocation.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	reg    *prometheus.Registry
	origin string

	store kv.Store
	feed  kv.Feed
	// watch drives feed until ctx ends.
	watch func(ctx context.Context) error

	tokenStore kv.Store
	tokenFeed  kv.Feed

	tokens *tokens.Coordinator
	days   *api.Days

	closers []func()
}

func openApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log, reg: obs.NewRegistry(), origin: kv.NewOrigin()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err = a.openStore(ctx); err != nil {
		return nil, err
	}
	if cfg.Store.Passphrase != "" {
		s, serr := sealed.Open(ctx, a.store, cfg.Store.Passphrase)
		if serr != nil {
			return nil, fmt.Errorf("unlocking store: %w", serr)
		}
		a.feed = s.Feed(a.feed, log.Named("sealed"))
		a.store = s
	}

	a.tokenStore, a.tokenFeed = a.store, a.feed
	if cfg.Store.TokenBackend == config.TokenBackendKeyring {
		ks, kerr := keyring.Open(keyring.Config{FileDir: cfg.Store.KeyringDir, FilePassword: cfg.Store.Passphrase})
		if kerr != nil {
			return nil, kerr
		}
		a.tokenStore, a.tokenFeed = ks, ks
	}

	m := obs.NewClientMetrics(a.reg)
	// the refresh client must not authorize through the coordinator it serves
	auth := api.NewAuth(api.NewClient(cfg.API.BaseURL, m.Instrument(nil), cfg.API.Timeout, log.Named("auth")))
	a.tokens = tokens.NewCoordinator(a.tokenStore, auth,
		tokens.WithLogger(log.Named("tokens")),
		tokens.WithTimeout(cfg.Auth.RefreshTimeout),
	)
	authorized := &tokens.Transport{Base: m.Instrument(nil), Tokens: a.tokens}
	a.days = api.NewDays(api.NewClient(cfg.API.BaseURL, authorized, cfg.API.Timeout, log.Named("api")))
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	cfg := a.cfg.Store
	switch cfg.Driver {
	case config.DriverMemory:
		tab := kv.NewMemory().Tab(a.origin)
		a.store, a.feed = tab, tab
		a.watch = func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}

	case config.DriverPostgres:
		n, err := migrate.Pending(ctx, cfg.DSN)
		if err != nil {
			return fmt.Errorf("checking schema: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%d pending migrations: run `mealsync migrate up`", n)
		}
		db, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		// LISTEN needs its own connection outside the pool
		conn, err := pgx.Connect(ctx, cfg.DSN)
		if err != nil {
			return fmt.Errorf("connecting listener: %w", err)
		}
		a.closers = append(a.closers, func() { _ = conn.Close(context.Background()) })

		s := postgres.NewStore(db, a.origin)
		l := postgres.NewListener(s, conn, a.log.Named("listener"))
		a.store, a.feed, a.watch = s, l, l.Run

	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return fmt.Errorf("creating store directory: %w", err)
		}
		s, err := sqlite.Open(cfg.Path, a.origin)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		if n, err := s.PruneChanges(ctx, changeLogRetention); err != nil {
			a.log.Warn("pruning change log", zap.Error(err))
		} else if n > 0 {
			a.log.Debug("pruned change log", zap.Int64("rows", n))
		}

		w := sqlite.NewWatcher(s, a.log.Named("watcher"))
		a.store, a.feed = s, w
		a.watch = func(ctx context.Context) error {
			if err := w.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return w.Stop()
		}
	}
	return nil
}

func (a *app) engine() *schedule.Engine {
	return schedule.NewEngine(a.days, a.store, schedule.WithLogger(a.log.Named("schedule")))
}

func (a *app) channel() (*realtime.Channel, error) {
	rc := a.cfg.Realtime
	strategies, err := realtime.ParseStrategies(rc.Strategies)
	if err != nil {
		return nil, err
	}
	return realtime.NewChannel(realtime.Config{
		BaseURL:     rc.URL,
		Strategies:  strategies,
		BaseDelay:   rc.BaseDelay,
		MaxAttempts: rc.MaxAttempts,
	}, realtime.WSDialer{}, a.accessToken,
		realtime.WithLogger(a.log.Named("realtime")),
		realtime.WithMetrics(realtime.NewMetrics(a.reg)),
	), nil
}

// accessToken returns the stored token, renewed first when it is near expiry.
func (a *app) accessToken(ctx context.Context) (string, error) {
	tok, err := a.tokens.Refresh(ctx, false)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
