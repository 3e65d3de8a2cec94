package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/router-for-me/QuotaLimits/internal/config"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "quotalimits",
	Short: "QuotaLimits - per-user spending limits with rolling windows",
	Long: `QuotaLimits enforces per-user quotas over fixed and calendar windows.

Callers debit amounts against the buckets selected by the user's strategy,
reverse debits within the current window and check remaining balances.
Administrators register strategies and bind them to users.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults to $QUOTA_CONFIG or ./config.yaml)")
}

func appConfig() config.AppConfig {
	return config.AppConfig{ConfigPath: cfgFile}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
