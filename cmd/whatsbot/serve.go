package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"whatsbot/internal/agent"
	"whatsbot/internal/bus"
	"whatsbot/internal/channel"
)

const janitorInterval = time.Hour

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook gateway and the message dispatcher",
		Long:  "Serves the provider webhooks, processes admitted messages and sweeps old media files. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logClose, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer logClose.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.assistant.Ping(ctx); err != nil {
		logger.Warn("AI provider unreachable at startup", "model", a.assistant.Model(), "err", err)
	} else {
		logger.Info("AI provider reachable", "model", a.assistant.Model())
	}

	inbound := bus.New(cfg.General.BusBufferSize, logger)
	defer inbound.Close()

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Endpoint
	}

	gateway := channel.NewGateway(channel.GatewayConfig{
		Addr:        cfg.Server.Addr(),
		AppName:     cfg.General.AppName,
		Environment: cfg.General.Environment,
		SecretKey:   cfg.General.SecretKey,
		Twilio:      a.twilio,
		Meta:        a.meta,
		WAHA:        a.waha,
		Admitter:    a.admission(),
		Bus:         inbound,
		Initiator:   a.processor,
		MetricsPath: metricsPath,
		Logger:      logger,
	})

	dispatcher := agent.NewDispatcher(agent.DispatcherConfig{
		Bus:         inbound,
		Handler:     a.processor,
		Concurrency: cfg.General.MaxConcurrentMessages,
		Logger:      logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gateway.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return a.workspace.RunJanitor(gctx, janitorInterval) })

	logger.Info("whatsbot started", "version", version, "addr", cfg.Server.Addr(),
		"providers", cfg.EnabledProviders(), "default_provider", cfg.General.DefaultProvider)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
