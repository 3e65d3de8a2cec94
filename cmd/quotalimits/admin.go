package main

import (
	"fmt"
	"time"

	"github.com/router-for-me/QuotaLimits/internal/app"
	"github.com/spf13/cobra"
)

var adminFlags struct {
	username string
	password string
	totp     bool
}

var tokenFlags struct {
	service string
	expiry  time.Duration
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage admin accounts",
}

var adminCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an admin account",
	Long: `Create an admin account that can log in to /v0/admin.

With --totp a second factor is generated; add the printed URL to an
authenticator app before logging in.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		enrollment, err := app.CreateAdmin(cmd.Context(), appConfig(), app.CreateAdminParams{
			Username:   adminFlags.username,
			Password:   adminFlags.password,
			EnableTOTP: adminFlags.totp,
		})
		if err != nil {
			return err
		}
		cmd.Printf("✓ Admin %s created\n", adminFlags.username)
		if enrollment != nil {
			cmd.Printf("TOTP secret: %s\n", enrollment.Secret)
			cmd.Printf("TOTP URL:    %s\n", enrollment.URL)
		}
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for a calling service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenFlags.service == "" {
			return fmt.Errorf("--service is required")
		}
		token, err := app.IssueServiceToken(appConfig(), tokenFlags.service, tokenFlags.expiry)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	adminCreateCmd.Flags().StringVar(&adminFlags.username, "username", "", "admin username")
	adminCreateCmd.Flags().StringVar(&adminFlags.password, "password", "", "admin password (min 8 characters)")
	adminCreateCmd.Flags().BoolVar(&adminFlags.totp, "totp", false, "enroll a TOTP second factor")
	_ = adminCreateCmd.MarkFlagRequired("username")
	_ = adminCreateCmd.MarkFlagRequired("password")
	adminCmd.AddCommand(adminCreateCmd)

	tokenCmd.Flags().StringVar(&tokenFlags.service, "service", "", "calling service name")
	tokenCmd.Flags().DurationVar(&tokenFlags.expiry, "expiry", 0, "token lifetime; zero never expires")

	rootCmd.AddCommand(adminCmd, tokenCmd)
}
