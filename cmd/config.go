package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/markb/fitdesk/internal/realtime/transport/phoenix"
	"github.com/markb/fitdesk/internal/relay"
)

const (
	defaultRealtimeURL = "http://localhost:8080/realtime/v1"
	defaultJWTSecret   = "super-secret-jwt-key-please-change-in-production"
)

// jwtSecret returns FITDESK_JWT_SECRET or the development default.
func jwtSecret() string {
	secret := os.Getenv("FITDESK_JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "Warning: Using default JWT secret. Set FITDESK_JWT_SECRET in production.")
		return defaultJWTSecret
	}
	return secret
}

// stringSetting resolves a string option.
// Priority: CLI flag > environment variable > fallback
func stringSetting(cmd *cobra.Command, flag, env, fallback string) string {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return fallback
}

// addClientFlags registers the flags shared by commands talking to a relay.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", "", "Realtime endpoint (default: $FITDESK_REALTIME_URL or "+defaultRealtimeURL+")")
	cmd.Flags().String("api-key", "", "API key (default: $FITDESK_API_KEY or an anon key signed with $FITDESK_JWT_SECRET)")
	cmd.Flags().String("access-token", "", "User access token sent on join (default: $FITDESK_ACCESS_TOKEN)")
}

func realtimeURL(cmd *cobra.Command) string {
	return strings.TrimSuffix(stringSetting(cmd, "url", "FITDESK_REALTIME_URL", defaultRealtimeURL), "/")
}

// phoenixConfig builds the WebSocket client configuration for cmd.
func phoenixConfig(cmd *cobra.Command) (phoenix.Config, error) {
	cfg := phoenix.DefaultConfig(realtimeURL(cmd))
	cfg.APIKey = stringSetting(cmd, "api-key", "FITDESK_API_KEY", "")
	if cfg.APIKey == "" {
		key, err := relay.GenerateAPIKey(jwtSecret(), relay.RoleAnon)
		if err != nil {
			return cfg, fmt.Errorf("failed to generate anon key: %w", err)
		}
		cfg.APIKey = key
	}
	cfg.AccessToken = stringSetting(cmd, "access-token", "FITDESK_ACCESS_TOKEN", "")
	return cfg, nil
}

// serviceKey returns the key used for the relay's service API.
func serviceKey(cmd *cobra.Command) (string, error) {
	if key := stringSetting(cmd, "service-key", "FITDESK_SERVICE_KEY", ""); key != "" {
		return key, nil
	}
	key, err := relay.GenerateAPIKey(jwtSecret(), relay.RoleService)
	if err != nil {
		return "", fmt.Errorf("failed to generate service key: %w", err)
	}
	return key, nil
}
