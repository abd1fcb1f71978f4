package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/fitdesk/internal/relay"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
	Long:  `Commands for minting relay API keys and user access tokens.`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate anon and service_role API keys",
	Long:  `Generates both anon and service_role API keys using the configured JWT secret.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := jwtSecret()

		anonKey, err := relay.GenerateAPIKey(secret, relay.RoleAnon)
		if err != nil {
			return fmt.Errorf("failed to generate anon key: %w", err)
		}

		serviceKey, err := relay.GenerateAPIKey(secret, relay.RoleService)
		if err != nil {
			return fmt.Errorf("failed to generate service key: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "FITDESK_API_KEY=%s\n", anonKey)
		fmt.Fprintf(cmd.OutOrStdout(), "FITDESK_SERVICE_KEY=%s\n", serviceKey)
		return nil
	},
}

var keysUserCmd = &cobra.Command{
	Use:   "user",
	Short: "Generate a user access token",
	Long: `Generates an access token for a signed-in user. Private channels on the
relay require one.

Examples:
  fitdesk keys user --sub trainer-7
  fitdesk keys user --sub trainer-7 --ttl 24h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sub, _ := cmd.Flags().GetString("sub")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if sub == "" {
			return fmt.Errorf("--sub is required")
		}

		token, err := relay.GenerateUserToken(jwtSecret(), sub, ttl)
		if err != nil {
			return fmt.Errorf("failed to generate access token: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "FITDESK_ACCESS_TOKEN=%s\n", token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)
	keysCmd.AddCommand(keysUserCmd)
	keysUserCmd.Flags().String("sub", "", "User id (token subject)")
	keysUserCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
}
