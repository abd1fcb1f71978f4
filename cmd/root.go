package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/markb/fitdesk/internal/log"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

var rootCmd = &cobra.Command{
	Use:     "fitdesk",
	Short:   "fitdesk realtime tools",
	Long:    `Realtime subscriptions for the fitdesk gym management app: a local relay, a session watcher and helpers for injecting changes.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return log.Init(buildLogConfig(cmd))
	},
	SilenceUsage: true,
}

// buildLogConfig creates a log.Config from environment variables and CLI flags.
// Priority: CLI flags > environment variables > defaults
func buildLogConfig(cmd *cobra.Command) *log.Config {
	cfg := log.DefaultConfig()

	if level := os.Getenv("FITDESK_LOG_LEVEL"); level != "" {
		cfg.Level = level
	}
	if mode := os.Getenv("FITDESK_LOG_MODE"); mode != "" {
		cfg.Mode = mode
	}
	if format := os.Getenv("FITDESK_LOG_FORMAT"); format != "" {
		cfg.Format = format
	}
	if path := os.Getenv("FITDESK_LOG_FILE"); path != "" {
		cfg.FilePath = path
	}
	if path := os.Getenv("FITDESK_LOG_DB"); path != "" {
		cfg.DBPath = path
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Level = level
	}
	if mode, _ := cmd.Flags().GetString("log-mode"); mode != "" {
		cfg.Mode = mode
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Format = format
	}

	// Console logs go to stderr so command output stays clean.
	cfg.Output = os.Stderr
	return cfg
}

func init() {
	rootCmd.SetVersionTemplate("fitdesk version {{.Version}}\n")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().String("log-mode", "", "Log output: console, file, database (default: console)")
	rootCmd.PersistentFlags().String("log-format", "", "Console/file log format: text or json (default: text)")
}

func Execute() {
	err := rootCmd.Execute()
	log.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
