package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/markb/fitdesk/internal/relay"
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Send a broadcast message through the relay",
	Long: `Delivers an ephemeral broadcast event to every subscriber of a channel.

Examples:
  fitdesk broadcast --channel front-desk --event door --payload '{"open":true}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, _ := cmd.Flags().GetString("channel")
		event, _ := cmd.Flags().GetString("event")
		rawPayload, _ := cmd.Flags().GetString("payload")
		if channel == "" || event == "" {
			return fmt.Errorf("--channel and --event are required")
		}

		payload := map[string]any{}
		if rawPayload != "" {
			if err := json.Unmarshal([]byte(rawPayload), &payload); err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}
		}

		key, err := serviceKey(cmd)
		if err != nil {
			return err
		}

		req := relay.BroadcastRequest{Messages: []relay.BroadcastMessage{{
			Topic:   channel,
			Event:   event,
			Payload: payload,
		}}}
		var resp struct {
			Delivered int `json:"delivered"`
		}
		if err := postJSON(cmd, realtimeURL(cmd)+"/api/broadcast", key, req, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Broadcast %q on %s delivered to %d subscriber(s)\n", event, channel, resp.Delivered)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(broadcastCmd)
	broadcastCmd.Flags().String("url", "", "Realtime endpoint (default: $FITDESK_REALTIME_URL or "+defaultRealtimeURL+")")
	broadcastCmd.Flags().String("service-key", "", "Service role key (default: $FITDESK_SERVICE_KEY or one signed with $FITDESK_JWT_SECRET)")
	broadcastCmd.Flags().String("channel", "", "Channel name")
	broadcastCmd.Flags().String("event", "", "Broadcast event name")
	broadcastCmd.Flags().String("payload", "", "JSON object payload")
}
