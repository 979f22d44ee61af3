package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openhub/reverify/internal/api"
	"github.com/openhub/reverify/internal/config"
	"github.com/openhub/reverify/internal/dispatch"
	"github.com/openhub/reverify/internal/email"
	"github.com/openhub/reverify/internal/janitor"
	"github.com/openhub/reverify/internal/logging"
	"github.com/openhub/reverify/internal/notify"
	"github.com/openhub/reverify/internal/store"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the reverification service",
	Long: "Start the notification pollers, the campaign driver, the janitor and " +
		"the operational HTTP API",
	RunE: runServer,
}

func init() {
	serverCmd.Flags().Bool("driver", false, "enable the campaign driver regardless of config")
	serverCmd.Flags().String("listen", "", "API listen address (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if driverEnabled, _ := cmd.Flags().GetBool("driver"); driverEnabled {
		cfg.Driver.Enabled = true
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.API.Listen = listen
	}

	logging.Initialize(cfg.Logging)
	defer logging.Close()
	logger := slog.Default().With("component", "server")

	st, err := store.Factory(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := st.Connect(); err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer st.Close()
	logger.Info("Store connected", "type", st.Type(), "name", st.Name())

	var client email.Client
	if cfg.Email.Mock {
		logger.Warn("Using the mock email client, no messages will be delivered")
		client = email.NewMockClient()
	} else {
		client = email.NewHTTPClient(cfg.Email.HTTPClientConfig)
	}
	gateway := email.NewGateway(client)
	gate := email.NewGate(gateway, cfg.Gate.BounceRateThreshold)
	dispatcher := dispatch.NewDispatcher(gate, client, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErrors := make(chan error, 2)

	// Notification pollers, one per stream.
	streams := map[string]string{
		notify.StreamDelivery:  cfg.Queues.Delivery,
		notify.StreamBounce:    cfg.Queues.Bounce,
		notify.StreamComplaint: cfg.Queues.Complaint,
	}
	pollers := make([]*notify.Poller, 0, len(streams))
	for stream, queueName := range streams {
		q, err := notify.Open(cfg.Queues.QueueConfig, queueName)
		if err != nil {
			return fmt.Errorf("failed to open %s queue: %w", stream, err)
		}
		defer q.Close()
		pollers = append(pollers, notify.NewPoller(stream, q, st, cfg.Queues.Poller))
	}

	group := notify.NewPollerGroup(pollers...)
	go func() {
		logger.Info("Notification pollers starting",
			"backend", cfg.Queues.Backend, "streams", len(pollers))
		if err := group.Run(ctx); err != nil {
			serverErrors <- fmt.Errorf("notification pollers failed: %w", err)
		}
	}()

	// Campaign driver.
	if cfg.Driver.Enabled {
		driver := dispatch.NewDriver(cfg.Driver, dispatcher, gateway, st)
		go func() {
			logger.Info("Campaign driver starting", "interval_seconds", cfg.Driver.IntervalSeconds)
			driver.Run(ctx)
		}()
	}

	// Janitor.
	jan := janitor.New(st, cfg.Janitor.Policy, time.Duration(cfg.Janitor.IntervalSeconds)*time.Second)
	go jan.Run(ctx)

	// Operational HTTP API.
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(api.Config{Enabled: true, Listen: cfg.API.Listen}, st, gateway)
		apiServer.SetPollers(pollers)
		go func() {
			if err := apiServer.Start(); err != nil {
				serverErrors <- err
			}
		}()
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Reverify server started")

	select {
	case sig := <-signalChan:
		logger.Info("Received signal, shutting down gracefully", "signal", sig.String())
	case err := <-serverErrors:
		logger.Error("Server error", "error", err)
		cancel()
		return err
	}

	cancel()

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping API server", "error", err)
		}
	}

	logger.Info("Shutdown complete")
	return nil
}
