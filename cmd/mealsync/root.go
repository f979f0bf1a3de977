package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/mealsync/internal/config"
	"github.com/and161185/mealsync/internal/obs"
)

// RootOptions holds global flags and the state they produce.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "text" | "json"

	cfg *config.Config
	log *zap.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "mealsync",
		Short:         "Plan daily meals and follow group notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			level := cfg.Log.Level
			if opts.Verbose {
				level = "debug"
			}
			log, err := obs.NewLogger(level, cfg.Log.Development)
			if err != nil {
				return err
			}
			opts.cfg, opts.log = cfg, log
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.log != nil {
				_ = opts.log.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", config.DefaultPath(), "configuration file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newLoginCommand(opts))
	cmd.AddCommand(newLogoutCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newDayCommand(opts))
	cmd.AddCommand(newListenCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		// config is not needed
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mealsync %s (%s)\n", version, buildDate)
		},
	}
}
