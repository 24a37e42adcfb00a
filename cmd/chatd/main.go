package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chatd/chatd/internal/config"
	"github.com/chatd/chatd/internal/daemon"
	"github.com/chatd/chatd/internal/instance"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configFlag := flag.String("config", "", "config file (default ~/.chatd/config.toml)")
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	addrFlag := flag.String("addr", "", "listen address (overrides config)")
	levelFlag := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = instance.ConfigPath()
	}
	cfg, err := config.Resolve(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	name := instance.Resolve(*instanceFlag, cfg.DefaultInstance)
	if err := instance.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	level, err := zapcore.ParseLevel(*levelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Instance:   name,
			ConfigPath: cfgPath,
			Addr:       *addrFlag,
			LogLevel:   level,
		}),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)

	app.Run()
}
