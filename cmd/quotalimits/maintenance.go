package main

import (
	"github.com/router-for-me/QuotaLimits/internal/app"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Roll expired buckets once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		rolled, err := app.RunSweep(ctx, appConfig())
		if err != nil {
			return err
		}
		cmd.Printf("✓ Rolled %d bucket(s)\n", rolled)
		return nil
	},
}

var retentionCmd = &cobra.Command{
	Use:   "ledger-retention",
	Short: "Delete ledger rows older than the retention horizon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		deleted, err := app.RunLedgerRetention(ctx, appConfig())
		if err != nil {
			return err
		}
		cmd.Printf("✓ Deleted %d ledger row(s)\n", deleted)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd, retentionCmd)
}
