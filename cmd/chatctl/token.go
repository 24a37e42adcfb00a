package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/chatd/chatd/internal/auth"
	"github.com/chatd/chatd/internal/daemon"
	"github.com/spf13/cobra"
)

func init() {
	tokenCmd.Flags().String("name", "", "display name claim")
	tokenCmd.Flags().String("email", "", "email claim")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a bearer token signed with the configured secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		email, _ := cmd.Flags().GetString("email")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if ttl <= 0 {
			return errors.New("--ttl must be positive")
		}
		tok, err := auth.NewJWT(cfg.JWTSecret, daemon.Issuer).Sign(args[0], name, email, ttl)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}
