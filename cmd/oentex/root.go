package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"oentex/internal/config"
	"oentex/internal/platform/logging"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "oentex",
		Short: "Oentex session agent",
		Long: `oentex owns the signed-in session against the hosted identity provider.
It serves the OAuth callback, keeps tokens fresh and makes sure every
user who signs in has a profile row.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd(), newMigrateCmd())
	return root
}

// loadRuntime reads configuration and builds the logger every command uses.
func loadRuntime() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logging.New(cfg.LogLevel, cfg.Environment), nil
}
