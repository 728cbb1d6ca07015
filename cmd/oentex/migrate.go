package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"oentex/internal/platform/database"
	"oentex/internal/platform/migrate"
)

func newMigrateCmd() *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply profile store migrations",
		Long: `Apply the SQL migrations bundled with the binary to DATABASE_URL.

Examples:
  # Apply pending migrations
  oentex migrate

  # Report the schema version without changing anything
  oentex migrate --status
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("migrate: DATABASE_URL is not set")
			}

			ctx := cmd.Context()
			db, err := database.NewPostgres(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer func() {
				_ = db.Close()
			}()

			if !statusOnly {
				if err := migrate.Apply(ctx, db, logger); err != nil {
					return err
				}
			}

			status, err := migrate.CurrentStatus(ctx, db, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (latest %d)\n", status.Current, status.Latest)
			if statusOnly && status.Pending() {
				fmt.Fprintln(cmd.OutOrStdout(), "migrations pending")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&statusOnly, "status", false, "report the schema version without migrating")
	return cmd
}
