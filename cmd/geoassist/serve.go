package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kadirpekel/geoassist/pkg/analysis"
	"github.com/kadirpekel/geoassist/pkg/config"
	"github.com/kadirpekel/geoassist/pkg/logger"
	"github.com/kadirpekel/geoassist/pkg/server"
)

// ServeCmd starts the WebSocket and REST server.
type ServeCmd struct {
	Host        string `help:"Bind address. Overrides the config file."`
	Port        int    `help:"Bind port. Overrides the config file."`
	WatchConfig bool   `help:"Reload logging settings when the config file changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.WatchConfig && cli.Config != "" {
		if err := watchConfig(ctx, cli); err != nil {
			logger.With("cli").Warn("Config watching unavailable", "error", err)
		}
	}

	svcs, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svcs.Close()

	srv, err := server.New(ctx, cfg, server.Deps{
		Provider: svcs.chat,
		Planner:  analysis.NewPlanner(svcs.parsing),
		Executor: analysis.NewExecutor(svcs.runner, analysis.ExecutorConfig{
			BaseSchema:     cfg.Database.BaseSchema,
			TileservRole:   cfg.Database.TileservRole,
			GeometryColumn: cfg.Map.GeometryColumn,
			SRID:           cfg.Map.SRID,
		}),
		Runner:   svcs.runner,
		Registry: svcs.registry,
		Fields:   svcs.fields,
		Info:     svcs.info,
		Toolsets: svcs.toolsets,
		Counter:  svcs.counter,
	})
	if err != nil {
		return err
	}

	addr := cfg.Server.Address()
	fmt.Printf("geoassist server listening on %s\n", addr)
	fmt.Printf("  WebSocket:  ws://%s/ws\n", addr)
	fmt.Printf("  Map figure: http://%s/map-figure\n", addr)
	fmt.Printf("  Health:     http://%s/healthz\n", addr)
	if config.BoolValue(cfg.Observability.Metrics.Enabled, true) {
		fmt.Printf("  Metrics:    http://%s%s\n", addr, cfg.Observability.Metrics.Path)
	}
	fmt.Println("Press Ctrl+C to stop")

	return srv.Run(ctx)
}

// watchConfig re-reads the config file on change and applies the logging
// section. Everything else is wired at startup and needs a restart.
func watchConfig(ctx context.Context, cli *CLI) error {
	changes, err := config.Watch(ctx, cli.Config)
	if err != nil {
		return err
	}

	go func() {
		for range changes {
			// Resolve the logger per change so messages land on the
			// handler the previous reload installed.
			log := logger.With("cli")
			next, err := config.Load(cli.Config)
			if err != nil {
				log.Warn("Ignoring config change", "error", err)
				continue
			}
			level := next.Logging.Level
			if cli.LogLevel != "" {
				level = cli.LogLevel
			}
			format := next.Logging.Format
			if cli.LogFormat != "" {
				format = cli.LogFormat
			}
			logger.Init(logger.ParseLevel(level), os.Stderr, format)
			log.Info("Config reloaded, logging applied; other sections take effect on restart")
		}
	}()
	return nil
}
