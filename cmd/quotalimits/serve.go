package main

import (
	"github.com/router-for-me/QuotaLimits/internal/app"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the limits API",
	Long: `Start the limits API with the specified configuration.

Migrations run on startup, the default strategy is seeded when enabled and
the sweep and retention jobs are scheduled. The process stops gracefully on
SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return app.RunServer(ctx, appConfig())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.Migrate(cmd.Context(), appConfig()); err != nil {
			return err
		}
		cmd.Println("✓ Migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd)
}
