package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/and161185/mealsync/internal/errs"
	"github.com/and161185/mealsync/internal/model"
	"github.com/and161185/mealsync/internal/tokens"
)

// LoginOptions holds flags for the login command.
type LoginOptions struct {
	*RootOptions
	Token     string
	TokenType string
	ExpiresIn int
}

func newLoginCommand(root *RootOptions) *cobra.Command {
	opts := &LoginOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an access token issued by the service",
		Long: `Store an access token issued by the service.

Other running instances sharing the same store pick up the new token and
reconnect their notification channel.

Example:
  mealsync login --token eyJhbGciOi... --expires-in 60
  echo "$TOKEN" | mealsync login --token -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok := opts.Token
			if tok == "-" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading token: %w", err)
				}
				tok = line
			}
			tok = strings.TrimSpace(tok)
			if tok == "" {
				return errors.New("--token is required")
			}

			a, err := openApp(cmd.Context(), opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer a.Close()

			stored, err := a.tokens.SetGrant(cmd.Context(), model.TokenGrant{
				AccessToken:      tok,
				TokenType:        opts.TokenType,
				ExpiresInMinutes: opts.ExpiresIn,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if sub, err := tokens.Subject(stored.AccessToken); err == nil {
				fmt.Fprintf(out, "logged in as %s, token expires %s\n", sub, stored.ExpiresAt().Format(time.RFC3339))
			} else {
				fmt.Fprintf(out, "logged in, token expires %s\n", stored.ExpiresAt().Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Token, "token", "", "access token, or - to read it from stdin")
	cmd.Flags().StringVar(&opts.TokenType, "type", "Bearer", "token type")
	cmd.Flags().IntVar(&opts.ExpiresIn, "expires-in", 60, "token lifetime in minutes")

	return cmd
}

func newLogoutCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), root.cfg, root.log)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.tokens.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

type tokenStatus struct {
	LoggedIn         bool      `json:"logged_in"`
	Subject          string    `json:"subject,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitzero"`
	ProactiveRefresh bool      `json:"proactive_refresh"`
	ReactiveWindow   bool      `json:"reactive_window"`
}

func newTokenCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect or renew the stored access token",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the stored token and its refresh windows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), root.cfg, root.log)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			var st tokenStatus
			tok, err := a.tokens.Current(ctx)
			switch {
			case errors.Is(err, errs.ErrNoToken):
			case err != nil:
				return err
			default:
				st.LoggedIn = true
				st.Subject, _ = tokens.Subject(tok.AccessToken)
				st.ExpiresAt = tok.ExpiresAt()
				st.ProactiveRefresh = a.tokens.ShouldProactiveRefresh(ctx)
				st.ReactiveWindow = a.tokens.IsWithinReactiveWindow(ctx)
			}

			out := cmd.OutOrStdout()
			if root.Format == "json" {
				return printJSON(out, st)
			}
			if !st.LoggedIn {
				fmt.Fprintln(out, "not logged in")
				return nil
			}
			fmt.Fprintf(out, "expires:   %s\n", st.ExpiresAt.Format(time.RFC3339))
			if st.Subject != "" {
				fmt.Fprintf(out, "subject:   %s\n", st.Subject)
			}
			fmt.Fprintf(out, "proactive: %t\nreactive:  %t\n", st.ProactiveRefresh, st.ReactiveWindow)
			return nil
		},
	})

	var force bool
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Renew the access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), root.cfg, root.log)
			if err != nil {
				return err
			}
			defer a.Close()
			tok, err := a.tokens.Refresh(cmd.Context(), force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token expires %s\n", tok.ExpiresAt().Format(time.RFC3339))
			return nil
		},
	}
	refresh.Flags().BoolVar(&force, "force", false, "refresh even when the token is fresh")
	cmd.AddCommand(refresh)

	return cmd
}
