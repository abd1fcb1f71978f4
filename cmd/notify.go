package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/markb/fitdesk/internal/realtime"
	"github.com/markb/fitdesk/internal/relay"
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Insert a notification through the relay's changes API",
	Long: `Publishes an INSERT on the notifications table for a user. Sessions
watching that user show it as a toast.

Examples:
  fitdesk notify --user u1 --title "Class moved" --message "Spin is now at 18:00"
  fitdesk notify --user u1 --type warning --title "Payment due"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		kind, _ := cmd.Flags().GetString("type")
		title, _ := cmd.Flags().GetString("title")
		message, _ := cmd.Flags().GetString("message")
		link, _ := cmd.Flags().GetString("link")
		table, _ := cmd.Flags().GetString("table")
		if userID == "" || title == "" {
			return fmt.Errorf("--user and --title are required")
		}

		key, err := serviceKey(cmd)
		if err != nil {
			return err
		}

		row := map[string]any{
			"id":         uuid.NewString(),
			"user_id":    userID,
			"type":       string(realtime.ParseSeverity(kind)),
			"title":      title,
			"message":    message,
			"read":       false,
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		}
		if link != "" {
			row["link"] = link
		}
		rec := relay.ChangeRecord{Schema: "public", Table: table, Type: "INSERT", Record: row}

		var resp struct {
			Delivered int `json:"delivered"`
		}
		if err := postJSON(cmd, realtimeURL(cmd)+"/api/changes", key, rec, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Notification %s delivered to %d subscriber(s)\n", row["id"], resp.Delivered)
		return nil
	},
}

// postJSON sends body to url with the service key and decodes the reply
// into out.
func postJSON(cmd *cobra.Command, url, key string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", key)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("relay returned %d: %s: %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func init() {
	rootCmd.AddCommand(notifyCmd)
	notifyCmd.Flags().String("url", "", "Realtime endpoint (default: $FITDESK_REALTIME_URL or "+defaultRealtimeURL+")")
	notifyCmd.Flags().String("service-key", "", "Service role key (default: $FITDESK_SERVICE_KEY or one signed with $FITDESK_JWT_SECRET)")
	notifyCmd.Flags().String("user", "", "Recipient user id")
	notifyCmd.Flags().String("type", "info", "Severity: info, success, warning or error")
	notifyCmd.Flags().String("title", "", "Notification title")
	notifyCmd.Flags().String("message", "", "Notification body")
	notifyCmd.Flags().String("link", "", "Optional link")
	notifyCmd.Flags().String("table", "notifications", "Notifications table")
}
