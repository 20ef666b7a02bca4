package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ahrdadan/agentab/internal/api"
	"github.com/ahrdadan/agentab/internal/browser"
	"github.com/ahrdadan/agentab/internal/config"
	"github.com/ahrdadan/agentab/internal/nats"
	"github.com/ahrdadan/agentab/internal/queue"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// webhookTimeout bounds one webhook delivery.
const webhookTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the job workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), a.cfg, a.logger)
		},
	}
	flags := cmd.Flags()
	flags.String("host", "", "listen host")
	bindFlag(flags, "host", "server.host")
	flags.Int("port", 0, "listen port")
	bindFlag(flags, "port", "server.port")
	flags.Bool("nats", false, "consume jobs from NATS JetStream instead of memory")
	bindFlag(flags, "nats", "nats.enabled")
	flags.String("nats-url", "", "NATS server URL")
	bindFlag(flags, "nats-url", "nats.url")
	flags.Int("workers", 0, "concurrent job workers")
	bindFlag(flags, "workers", "nats.workers")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting",
		zap.String("version", config.Version),
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("nats", cfg.NATS.Enabled),
	)

	sc, err := cfg.Browser.SessionConfig()
	if err != nil {
		return err
	}
	session, err := browser.Launch(ctx, sc, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("closing browser session", zap.Error(err))
		}
	}()

	transport, closeTransport, err := jobTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	notifier := queue.NewNotifier(&http.Client{Timeout: webhookTimeout}, cfg.Security.WebhookSecret, cfg.Server.BaseURL, logger)
	qm := queue.NewManager(transport, queue.Options{
		ResultTTL:    cfg.Jobs.ResultTTL,
		ClampTimeout: cfg.Jobs.ClampJobTimeout,
		Notifier:     notifier,
	}, logger)
	qm.Start(cfg.NATS.Workers, queue.NewPlanProcessor(session, logger))
	defer qm.Stop()

	srv := api.NewServer(session, qm, api.RouteConfigFrom(cfg), logger)
	errc := make(chan error, 1)
	go func() {
		errc <- srv.App.Listen(cfg.Server.Addr())
	}()
	logger.Info("listening", zap.String("base_url", cfg.Server.BaseURL))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}
	if err := srv.Shutdown(); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// jobTransport connects to JetStream when enabled and falls back to an
// in-process queue otherwise.
func jobTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (queue.Transport, func(), error) {
	if !cfg.NATS.Enabled {
		logger.Info("job queue in memory")
		return queue.NewMemoryTransport(256), func() {}, nil
	}

	client, err := nats.Connect(nats.DefaultOptions(cfg.NATS.URL), logger)
	if err != nil {
		return nil, nil, err
	}
	closeClient := func() {
		if err := client.Close(); err != nil {
			logger.Warn("closing nats", zap.Error(err))
		}
	}
	js, err := client.JetStream()
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	t, err := queue.NewJetStreamTransport(ctx, js, queue.JetStreamConfig{
		Stream:   cfg.NATS.Stream,
		Subject:  cfg.NATS.Subject,
		Consumer: cfg.NATS.Consumer,
		AckWait:  cfg.Jobs.MaxTimeout + time.Minute,
		MaxAge:   cfg.Jobs.ResultTTL,
	})
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	return t, closeClient, nil
}
