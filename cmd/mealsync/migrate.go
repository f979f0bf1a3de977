package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/and161185/mealsync/internal/migrate"
)

func newMigrateCommand(root *RootOptions) *cobra.Command {
	var dsn string
	resolve := func() (string, error) {
		if dsn != "" {
			return dsn, nil
		}
		if root.cfg.Store.DSN != "" {
			return root.cfg.Store.DSN, nil
		}
		return "", errors.New("no database: set store.dsn or pass --dsn")
	}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the schema of the shared postgres store",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (default store.dsn)")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := resolve()
			if err != nil {
				return err
			}
			if err := migrate.Up(cmd.Context(), d); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report how many migrations are pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := resolve()
			if err != nil {
				return err
			}
			n, err := migrate.Pending(cmd.Context(), d)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d pending migrations\n", n)
			return nil
		},
	})
	return cmd
}
