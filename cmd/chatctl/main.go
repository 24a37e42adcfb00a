package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/chatd/chatd/internal/admin"
	"github.com/chatd/chatd/internal/config"
	"github.com/chatd/chatd/internal/instance"
	"github.com/spf13/cobra"
)

var (
	instanceFlag string
	configFlag   string
	jsonFlag     bool
)

var rootCmd = &cobra.Command{
	Use:           "chatctl",
	Short:         "Inspect and drive a running chatd",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&instanceFlag, "instance", "", "instance name (overrides config default)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default ~/.chatd/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func configPath() string {
	if configFlag != "" {
		return configFlag
	}
	return instance.ConfigPath()
}

func loadConfig() (*config.Config, error) {
	return config.Resolve(configPath())
}

func instanceName(cfg *config.Config) (string, error) {
	name := instance.Resolve(instanceFlag, cfg.DefaultInstance)
	return name, instance.ValidateName(name)
}

// withAdmin dials the admin socket of the selected instance and runs fn
// with a bounded context.
func withAdmin(timeout time.Duration, fn func(ctx context.Context, c *admin.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	name, err := instanceName(cfg)
	if err != nil {
		return err
	}
	c, err := admin.Dial(instance.AdminSocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for instance %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx, c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
