package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/fitdesk/internal/realtime"
	"github.com/markb/fitdesk/internal/realtime/transport/phoenix"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the realtime endpoint accepts subscriptions",
	Long:  `Joins a throwaway channel and reports whether it was subscribed within the timeout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		pcfg, err := phoenixConfig(cmd)
		if err != nil {
			return err
		}
		client := phoenix.New(pcfg)
		defer client.Close()

		cfg := realtime.DefaultConfig()
		cfg.HeartbeatTimeout = timeout
		svc := realtime.New(client, cfg)
		defer svc.Close()

		start := time.Now()
		if !svc.CheckConnection(cmd.Context()) {
			return fmt.Errorf("realtime unreachable at %s", pcfg.URL)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Realtime OK at %s (%s)\n", pcfg.URL, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	addClientFlags(checkCmd)
	checkCmd.Flags().Duration("timeout", 5*time.Second, "How long to wait for the subscription")
}
