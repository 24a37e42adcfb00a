package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/chatd/chatd/internal/admin"
	"github.com/spf13/cobra"
)

const callTimeout = 10 * time.Second

func init() {
	eventsCmd.Flags().String("prefix", "", "only events whose kind starts with this (e.g. presence.)")
	rootCmd.AddCommand(presenceCmd, statsCmd, unreadCmd, eventsCmd)
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Show the online status of every known user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(callTimeout, func(ctx context.Context, c *admin.Client) error {
			snap, err := c.Presence(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(snap)
			}
			ids := make([]string, 0, len(snap))
			for id := range snap {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				state := "offline"
				if snap[id] {
					state = "online"
				}
				fmt.Printf("%-32s %s\n", id, state)
			}
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show connection, presence and storage counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(callTimeout, func(ctx context.Context, c *admin.Client) error {
			stats, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(stats)
			}
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%-16s %v\n", k, stats[k])
			}
			return nil
		})
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread <user-id>",
	Short: "Count a user's unread messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(callTimeout, func(ctx context.Context, c *admin.Client) error {
			n, err := c.UnreadCount(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(map[string]int64{"count": n})
			}
			fmt.Println(n)
			return nil
		})
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, _ := cmd.Flags().GetString("prefix")
		return withAdmin(0, func(ctx context.Context, c *admin.Client) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.WatchEvents(ctx, prefix, func(evt map[string]any) error {
				if jsonFlag {
					return printJSON(evt)
				}
				fmt.Printf("%s %-18s %v\n", evt["timestamp"], evt["kind"], evt["payload"])
				return nil
			})
		})
	},
}
