package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/fitdesk/internal/log"
	"github.com/markb/fitdesk/internal/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the local realtime relay",
	Long: `Starts a Phoenix v1 realtime relay for development and testing.

Row changes reach subscribers through the service API
(POST /realtime/v1/api/changes) or, with --database-url, from a Postgres
LISTEN channel fed by the trigger printed with --print-trigger. With --redis
several relays share changes and broadcasts.

Examples:
  # Run on the default port
  fitdesk relay

  # Follow a Postgres database and fan out through Redis
  fitdesk relay --database-url postgres://localhost/fitdesk --redis localhost:6379

  # Print the notify trigger to install in the database
  fitdesk relay --print-trigger`,
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, _ := cmd.Flags().GetString("notify-channel")
		if printTrigger, _ := cmd.Flags().GetBool("print-trigger"); printTrigger {
			fmt.Fprint(cmd.OutOrStdout(), relay.TriggerSQL(channel))
			return nil
		}

		port, _ := cmd.Flags().GetInt("port")
		host, _ := cmd.Flags().GetString("host")
		databaseURL := stringSetting(cmd, "database-url", "FITDESK_DATABASE_URL", "")
		redisAddr := stringSetting(cmd, "redis", "REDIS_ADDR", "")

		srv := relay.New(relay.Config{
			JWTSecret:  jwtSecret(),
			AnonKey:    os.Getenv("FITDESK_ANON_KEY"),
			ServiceKey: os.Getenv("FITDESK_SERVICE_KEY"),
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if redisAddr != "" {
			redisCfg := relay.RedisConfigFromEnv()
			redisCfg.Addr = redisAddr
			bridge := relay.NewRedisBridge(redisCfg, srv.Hub())
			if err := bridge.Start(); err != nil {
				return fmt.Errorf("failed to start redis bridge: %w", err)
			}
			defer bridge.Stop()
			srv.Hub().SetBridge(bridge)
		}

		if databaseURL != "" {
			pgCfg := relay.DefaultPGSourceConfig(databaseURL)
			pgCfg.Channel = channel
			source := relay.NewPGSource(pgCfg, srv.Hub())
			go source.Run(ctx)
		}

		addr := fmt.Sprintf("%s:%d", host, port)
		fmt.Printf("Starting fitdesk relay on %s\n", addr)
		fmt.Printf("  WebSocket: ws://%s/realtime/v1/websocket\n", addr)
		fmt.Printf("  Changes API: http://%s/realtime/v1/api/changes\n", addr)
		if databaseURL != "" {
			fmt.Printf("  Postgres channel: %s\n", channel)
		}
		if redisAddr != "" {
			fmt.Printf("  Redis bridge: %s\n", redisAddr)
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe(addr)
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			log.Info("relay: shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	relayCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	relayCmd.Flags().String("database-url", "", "Postgres URL to LISTEN for row changes (default: $FITDESK_DATABASE_URL)")
	relayCmd.Flags().String("notify-channel", relay.DefaultNotifyChannel, "Postgres NOTIFY channel carrying row changes")
	relayCmd.Flags().String("redis", "", "Redis address for bridging relay instances (default: $REDIS_ADDR)")
	relayCmd.Flags().Bool("print-trigger", false, "Print the Postgres notify trigger and exit")
}
