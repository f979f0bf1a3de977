package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/mealsync/internal/errs"
	"github.com/and161185/mealsync/internal/model"
	"github.com/and161185/mealsync/internal/obs"
	"github.com/and161185/mealsync/internal/realtime"
	"github.com/and161185/mealsync/internal/session"
	"github.com/and161185/mealsync/internal/tokens"
)

// ListenOptions holds flags for the listen command.
type ListenOptions struct {
	*RootOptions
	MetricsAddr string
}

func newListenCommand(root *RootOptions) *cobra.Command {
	opts := &ListenOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print group notifications as they arrive",
		Long: `Print group notifications as they arrive.

The channel follows the stored session: a login or logout made by another
instance sharing the store connects or disconnects it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runListen(ctx, cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

func runListen(ctx context.Context, cmd *cobra.Command, opts *ListenOptions) error {
	a, err := openApp(ctx, opts.cfg, opts.log)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log

	ch, err := a.channel()
	if err != nil {
		return err
	}
	defer ch.Disconnect()

	toasts := realtime.NewToastFeed(ch,
		realtime.WithToastTTL(opts.cfg.Realtime.ToastTTL),
		realtime.WithToastLogger(log.Named("toasts")),
	)
	defer toasts.Close()
	out := &toastPrinter{w: cmd.OutOrStdout(), format: opts.Format, shown: make(map[string]struct{})}
	toasts.OnChange(out.update)

	watcher := session.NewWatcher(a.tokenFeed, ch, a.origin, log.Named("session"))
	watcher.Start()
	defer watcher.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.watch(wctx); err != nil {
			log.Warn("store feed stopped", zap.Error(err))
		}
	}()

	if opts.MetricsAddr != "" {
		srv := &http.Server{Addr: opts.MetricsAddr, Handler: obs.Handler(a.reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", zap.Error(err))
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	tok, err := a.tokens.Current(ctx)
	switch {
	case errors.Is(err, errs.ErrNoToken):
		log.Info("not logged in; waiting for a login")
	case err != nil:
		return err
	default:
		userID, err := tokens.Subject(tok.AccessToken)
		if err != nil {
			return fmt.Errorf("reading user from token: %w", err)
		}
		ch.Connect(userID)
		log.Info("listening", zap.String("user", userID))
	}

	<-ctx.Done()
	return nil
}

// toastPrinter writes each toast once, when it first appears.
type toastPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	format string
	shown  map[string]struct{}
}

func (p *toastPrinter) update(active []model.Toast) {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := make(map[string]struct{}, len(active))
	for _, t := range active {
		live[t.ClientID] = struct{}{}
		if _, ok := p.shown[t.ClientID]; ok {
			continue
		}
		p.shown[t.ClientID] = struct{}{}
		if p.format == "json" {
			_ = printJSON(p.w, t)
		} else {
			fmt.Fprintln(p.w, formatToast(t))
		}
	}
	for id := range p.shown {
		if _, ok := live[id]; !ok {
			delete(p.shown, id)
		}
	}
}
