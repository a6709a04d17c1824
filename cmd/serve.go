package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"aibridge/internal/config"
	"aibridge/internal/provider"
	providerfactory "aibridge/internal/provider/factory"
	"aibridge/internal/router"
	"aibridge/internal/runtime"
	"aibridge/internal/server"
	"aibridge/internal/usage"
)

const serveUsage = `Usage:
  aibridge serve [--config <path>] [--port <port>]

Flags:
  --config string   Path to YAML configuration file (optional; environment
                    variables and .env apply either way)
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	settings := runtime.NewSettings(cfg)
	tracker := usage.NewTracker()

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(cfg, settings, registry); err != nil {
		return err
	}

	rt := router.New(registry, tracker)

	srv, err := server.New(cfg, rt, tracker, settings)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
