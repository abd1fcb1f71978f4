package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/markb/fitdesk/internal/realtime"
	"github.com/markb/fitdesk/internal/realtime/transport"
	"github.com/markb/fitdesk/internal/realtime/transport/memtransport"
	"github.com/markb/fitdesk/internal/realtime/transport/phoenix"
	"github.com/markb/fitdesk/internal/session"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run a realtime session and print what arrives",
	Long: `Signs in as a user, opens the session's subscriptions (notifications,
tasks, schedule, announcements, presence) and prints toasts, row changes and
presence until interrupted.

Examples:
  # Watch against a running relay
  fitdesk watch --user u1 --name Ann --role trainer

  # Watch against the in-memory transport; a welcome notification is emitted
  fitdesk watch --user u1 --loopback`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		name, _ := cmd.Flags().GetString("name")
		role, _ := cmd.Flags().GetString("role")
		loopback, _ := cmd.Flags().GetBool("loopback")
		liveness, _ := cmd.Flags().GetDuration("liveness")
		if userID == "" {
			return fmt.Errorf("--user is required")
		}

		var (
			client transport.Client
			broker *memtransport.Broker
		)
		if loopback {
			broker = memtransport.NewBroker()
			client = broker.Client()
		} else {
			cfg, err := phoenixConfig(cmd)
			if err != nil {
				return err
			}
			pc := phoenix.New(cfg)
			defer pc.Close()
			client = pc
		}

		out := &lineWriter{w: cmd.OutOrStdout()}
		svc := realtime.New(client, realtime.DefaultConfig())
		defer svc.Close()

		cfg := session.DefaultConfig()
		if liveness > 0 {
			cfg.LivenessInterval = liveness
		}
		binding := session.New(svc, session.NewWriterToaster(out), cfg, session.Handlers{
			OnTaskChange:     out.change("task"),
			OnScheduleChange: out.change("schedule"),
			OnAnnouncement:   out.change("announcement"),
			OnPresence:       out.presence,
		})
		defer binding.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		binding.SetIdentity(&session.Identity{UserID: userID, Name: name, Role: role})
		out.printf("Watching realtime as %s (state %s), ctrl-c to stop\n", userID, binding.State())

		if broker != nil {
			go welcome(broker, userID)
		}

		<-ctx.Done()
		out.printf("Signing out %s\n", userID)
		return nil
	},
}

// welcome emits a notification for userID once the loopback session is
// listening.
func welcome(broker *memtransport.Broker, userID string) {
	name := "notifications:" + userID
	for i := 0; i < 100 && broker.Active(name) == 0; i++ {
		time.Sleep(50 * time.Millisecond)
	}
	broker.EmitChange("public", "notifications", "INSERT", nil, map[string]any{
		"id":         uuid.NewString(),
		"user_id":    userID,
		"type":       string(realtime.SeverityInfo),
		"title":      "Welcome",
		"message":    "Loopback session is live",
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// lineWriter serializes output from subscription callbacks.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (l *lineWriter) printf(format string, args ...any) {
	fmt.Fprintf(l, format, args...)
}

func (l *lineWriter) change(kind string) func(realtime.RowChangeEvent) {
	return func(ev realtime.RowChangeEvent) {
		row := ev.New
		if ev.Type == realtime.ChangeDelete {
			row = ev.Old
		}
		l.printf("%s %s %s\n", kind, ev.Type, formatRow(row))
	}
}

func (l *lineWriter) presence(state realtime.PresenceState) {
	users := make([]string, 0, len(state))
	for id, entries := range state {
		label := id
		if len(entries) > 0 && entries[0].Name != "" {
			label = entries[0].Name
		}
		users = append(users, label)
	}
	sort.Strings(users)
	l.printf("online (%d): %s\n", len(users), strings.Join(users, ", "))
}

// formatRow renders a row as sorted key=value pairs.
func formatRow(row map[string]any) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, row[k])
	}
	return strings.Join(parts, " ")
}

func init() {
	rootCmd.AddCommand(watchCmd)
	addClientFlags(watchCmd)
	watchCmd.Flags().String("user", "", "User id to sign in as")
	watchCmd.Flags().String("name", "", "Display name announced on presence")
	watchCmd.Flags().String("role", "", "Role announced on presence")
	watchCmd.Flags().Bool("loopback", false, "Use the in-memory transport instead of a relay")
	watchCmd.Flags().Duration("liveness", 0, "Liveness check interval (default 30s)")
}
