package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chatd/chatd/internal/auth"
	"github.com/chatd/chatd/internal/daemon"
	"github.com/spf13/cobra"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func init() {
	listenCmd.Flags().String("url", "", "WebSocket URL (default ws://<addr>/chat)")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen <user-id>",
	Short: "Connect as a user and print every realtime event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		userID := args[0]
		tok, err := auth.NewJWT(cfg.JWTSecret, daemon.Issuer).Sign(userID, "", "", time.Hour)
		if err != nil {
			return err
		}

		raw, _ := cmd.Flags().GetString("url")
		if raw == "" {
			raw = "ws://" + dialAddr(cfg.Addr) + "/chat"
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		q.Set("token", tok)
		u.RawQuery = q.Encode()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		conn, _, err := websocket.Dial(ctx, u.String(), nil)
		if err != nil {
			return fmt.Errorf("dial %s: %w", raw, err)
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		if err := wsjson.Write(ctx, conn, map[string]any{
			"type":      "register",
			"payload":   userID,
			"requestId": "register",
		}); err != nil {
			return err
		}

		go keepAlive(ctx, conn, cfg.Presence.Timeout.Duration/3)

		for {
			var frame json.RawMessage
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			fmt.Println(string(frame))
		}
	},
}

// keepAlive sends a ping event every period so the user stays online;
// transport-level pongs do not count toward presence.
func keepAlive(ctx context.Context, conn *websocket.Conn, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, map[string]any{"type": "ping"}); err != nil {
				return
			}
		}
	}
}

// dialAddr turns a listen address like ":8080" into one a client can dial.
func dialAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
