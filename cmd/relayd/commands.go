package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/storewire/relay/internal/auth"
	"github.com/storewire/relay/internal/broadcast"
	"github.com/storewire/relay/internal/cluster"
	"github.com/storewire/relay/internal/config"
	"github.com/storewire/relay/internal/gate"
	"github.com/storewire/relay/internal/observability"
	"github.com/storewire/relay/internal/offline"
	"github.com/storewire/relay/internal/presence"
	"github.com/storewire/relay/internal/ratelimit"
	"github.com/storewire/relay/internal/registry"
	"github.com/storewire/relay/internal/server"
	"github.com/storewire/relay/internal/storage"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the relay server: the WebSocket client transport, the event
intake and query API, the broadcaster drain loop, and the background
sweeps. Graceful shutdown on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)
	logger.Info("starting relay",
		"version", version, "instance_id", cfg.InstanceID, "config", configPath)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promRegistry)

	authSvc := auth.NewService(cfg.Auth.JWTSecret, store, logger)

	tracker := presence.NewTracker(cfg.Presence.AwayThreshold, cfg.Presence.OfflineThreshold, logger,
		presence.WithStore(store), presence.WithMetrics(metrics))
	if err := tracker.Restore(ctx); err != nil {
		logger.Warn("presence restore failed", "error", err)
	}
	tracker.StartSweep(ctx, cfg.Presence.SweepInterval)

	reg := registry.New(logger,
		registry.WithUnlinker(tracker.Disconnect),
		registry.WithMetrics(metrics))

	limiter := ratelimit.New(ratelimit.NewRuleTable(cfg.RateLimit.Rules), nil, logger,
		ratelimit.WithMetrics(metrics))
	limiter.StartSweep(ctx, time.Minute)

	reputation := gate.NewReputation(cfg.Gate.SuspicionThreshold, cfg.Gate.SuspicionWindow,
		cfg.Gate.BlockTTL, store, logger)
	admissionGate := gate.New(cfg.Gate, authSvc, reputation, limiter, logger, metrics)

	offlineQueue := offline.NewQueue(cfg.Offline.MaxPerUser, logger,
		offline.WithStore(store), offline.WithMetrics(metrics))
	offlineQueue.StartSweep(ctx, cfg.Offline.SweepInterval)

	var adapter cluster.Adapter = cluster.Noop{}
	if cfg.Cluster.Enabled {
		natsAdapter, err := cluster.NewNATSAdapter(cfg.Cluster.URL, cfg.Cluster.SubjectPrefix,
			cfg.InstanceID, logger)
		if err != nil {
			return fmt.Errorf("cluster adapter: %w", err)
		}
		adapter = natsAdapter
		defer adapter.Close()
	}

	stats := broadcast.NewStatsBook(cfg.Broadcast.StatsRetention)
	broadcaster := broadcast.New(reg, offlineQueue, tracker, adapter,
		cfg.Broadcast.DrainInterval, cfg.Broadcast.DrainBatch, cfg.Broadcast.QueueLimit,
		logger,
		broadcast.WithMetrics(metrics), broadcast.WithStats(stats))
	go broadcaster.Run(ctx)
	go sweepLoop(ctx, cfg.Broadcast.StatsRetention, stats.Sweep, reputation.Sweep)

	srv := server.New(server.Deps{
		Config:      cfg,
		Registry:    reg,
		Gate:        admissionGate,
		Tracker:     tracker,
		Limiter:     limiter,
		Offline:     offlineQueue,
		Broadcaster: broadcaster,
		Adapter:     adapter,
		Metrics:     metrics,
		Gatherer:    promRegistry,
		Logger:      logger,
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "", "sqlite":
		return storage.NewSQLiteStore(cfg.Storage.Path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// sweepLoop runs periodic maintenance callbacks on one shared ticker.
func sweepLoop(ctx context.Context, interval time.Duration, sweeps ...func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sweep := range sweeps {
				sweep()
			}
		}
	}
}
