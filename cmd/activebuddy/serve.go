package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/buildinfo"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/connwatch"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/dispatch"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/events"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/mqtt"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/telegram"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/web"
)

const (
	shutdownTimeout = 15 * time.Second
	// queuePerWorker sizes the dispatcher backlog relative to the pool.
	queuePerWorker = 16
)

func serveCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook and OAuth callback server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), stdout, stderr, flags.configPath)
		},
	}
}

// runServe starts the HTTP server, the dispatcher and the optional MQTT
// forwarder, registers the Telegram webhook and blocks until ctx is
// cancelled or a signal arrives.
func runServe(ctx context.Context, stdout io.Writer, _ io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	logger, err := newLogger(stdout, cfg)
	if err != nil {
		return err
	}
	logger.Info("starting ActiveBuddy", "build", buildinfo.String(), "config", cfgPath)

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancel it and every component shuts down.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.New()

	a, err := newApp(ctx, cfg, logger, bus)
	if err != nil {
		return err
	}
	defer a.Close()

	bot := telegram.NewClient(telegram.ClientConfig{
		Token:  cfg.Telegram.Token,
		APIURL: cfg.Telegram.APIURL,
		Logger: logger,
	})

	dispatcher := dispatch.New(cfg.Agent.Workers, cfg.Agent.Workers*queuePerWorker, logger)

	bridge := telegram.NewBridge(telegram.BridgeConfig{
		Sender:     bot,
		Runner:     a.loop,
		Profiles:   a.store,
		Tools:      a.registry,
		Authorizer: a.tokens,
		Dispatcher: dispatcher,
		Bus:        bus,
		Logger:     logger,
		InviteCode: cfg.Access.Code(),
		RateLimit:  cfg.Telegram.RateLimit,
	})

	watch := connwatch.NewManager(bus, logger)

	server := web.NewServer(web.Config{
		Address:       cfg.Listen.Address,
		Port:          cfg.Listen.Port,
		Updates:       bridge,
		Exchange:      a.tokens,
		Notifier:      bot,
		Health:        watch,
		Bus:           bus,
		Logger:        logger,
		WebhookSecret: cfg.Telegram.WebhookSecret,
	})

	var forwarder *mqtt.Forwarder
	if cfg.Events.MQTT.Configured() {
		forwarder = mqtt.New(cfg.Events.MQTT, bus, logger)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	if forwarder != nil {
		g.Go(func() error { return forwarder.Start(gctx) })
	}

	// The webhook is (re)registered each time the Bot API becomes
	// reachable, so a Telegram outage at startup is not fatal.
	hook := cfg.BaseURL + "/telegram"
	watch.Watch(gctx, connwatch.Config{
		Name: "telegram",
		Probe: func(ctx context.Context) error {
			_, err := bot.GetMe(ctx)
			return err
		},
		OnReady: func(ctx context.Context) {
			if err := bot.SetWebhook(ctx, hook, cfg.Telegram.WebhookSecret); err != nil {
				logger.Error("telegram webhook registration failed", "url", hook, "error", err)
				return
			}
			logger.Info("telegram webhook registered", "url", hook)
		},
	})
	watch.Watch(gctx, connwatch.Config{
		Name:  "store",
		Probe: a.store.DB().PingContext,
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()

	if forwarder != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := forwarder.Stop(stopCtx); err != nil {
			logger.Warn("mqtt disconnect failed", "error", err)
		}
		cancel()
	}

	logger.Info("ActiveBuddy stopped", "uptime", buildinfo.Uptime())
	return err
}
