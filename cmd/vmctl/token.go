package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/visualmatrix/api/internal/auth"
)

var (
	tokenUser  string
	tokenEmail string
	tokenAdmin bool
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an HMAC token signed with the configured JWT secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenUser == "" {
			return fmt.Errorf("--user is required")
		}
		role := ""
		if tokenAdmin {
			role = auth.RoleAdmin
		}
		signed, err := auth.SignLegacyToken(cfg.JWT.Secret, tokenUser, tokenEmail, role, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(signed)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User ID")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Email claim")
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "Grant the admin role")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime (0 for no expiry)")
	rootCmd.AddCommand(tokenCmd)
}
