package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leaderboard-sync/internal/cache"
	"github.com/leaderboard-sync/internal/config"
	"github.com/leaderboard-sync/internal/discovery"
	"github.com/leaderboard-sync/internal/handler"
	"github.com/leaderboard-sync/internal/kafka"
	"github.com/leaderboard-sync/internal/notify"
	"github.com/leaderboard-sync/internal/postgres"
	"github.com/leaderboard-sync/internal/reconcile"
	"github.com/leaderboard-sync/internal/scan"
	"github.com/leaderboard-sync/internal/service"
	"github.com/leaderboard-sync/internal/supervisor"
	"github.com/leaderboard-sync/internal/upstream"
	"github.com/leaderboard-sync/internal/websocket"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	loadErr := err
	if err != nil {
		cfg = config.DefaultConfig()
	}

	// Setup structured logging
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if loadErr != nil {
		logger.Warn("failed to load config file, using defaults", "error", loadErr)
	}

	// Cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	repo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := repo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Read-side cache; an unreachable Redis degrades to direct queries
	var readCache *cache.Cache
	if cfg.Cache.Enabled {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		readCache = cache.New(&cfg.Redis, &cfg.Cache, logger)
		defer readCache.Close()
	}

	// Upstream API
	httpClient := &http.Client{Timeout: cfg.Upstream.RequestTimeout}
	tokens := upstream.NewTokenGateway(&cfg.Upstream, httpClient, logger)
	client := upstream.NewClient(&cfg.Upstream, httpClient, tokens, logger)

	// Change broadcasting: websocket, optional event stream, optional webhook
	wsHub := websocket.NewHub(logger)
	events := notify.NewFanout(logger, wsHub)

	var producer *kafka.EventProducer
	if cfg.Kafka.Enabled {
		producer, err = kafka.NewEventProducer(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka producer, continuing without event stream", "error", err)
		} else {
			defer producer.Close()
			events.Add(producer)
		}
	}
	webhook := notify.NewWebhook(&cfg.Webhook, logger)
	if webhook != nil {
		events.Add(webhook)
	}

	// Read paths
	leaderboardService := service.NewLeaderboardService(repo, readCache, &cfg.Cache, logger)

	// Reconciliation
	reconciler := reconcile.NewReconciler(client, repo, reconcile.CountryMembership(cfg.Tracking.CountryCode), logger)

	// Discovery
	engine := discovery.NewEngine(client, repo, &cfg.Discovery, cfg.Tracking.CountryCode, logger)
	engine.SetReconciler(reconciler)
	engine.SetPublisher(events)
	engine.OnRegister(leaderboardService.OnRegister)

	reconciler.SetRegistrar(engine)
	reconciler.AddHook(leaderboardService.InvalidationHook())
	reconciler.AddHook(reconcile.EventHook(events))

	// Scanning
	coordinator := scan.NewCoordinator(client, reconciler, repo, &cfg.Scan, logger)
	coordinator.SetPublisher(events)
	if err := coordinator.LoadProgress(ctx); err != nil {
		logger.Warn("failed to load scan progress", "error", err)
	}

	// HTTP control surface
	deps := handler.Dependencies{
		Reader:    leaderboardService,
		Scanner:   coordinator,
		Discovery: engine,
		Upstream:  client,
		Hub:       wsHub,
		Database:  repo,
	}
	if readCache != nil {
		deps.Cache = readCache
	}
	httpHandler := handler.NewHandler(ctx, deps, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Supervision tree
	tree := supervisor.NewTree(logger, supervisor.TreeConfig{ShutdownTimeout: 30 * time.Second})
	tree.AddMessagingService(wsHub)
	if webhook != nil {
		tree.AddMessagingService(webhook)
	}
	if cfg.Scan.Enabled {
		tree.AddSyncService(coordinator)
	}
	if cfg.Discovery.Enabled {
		tree.AddSyncService(engine)
		tree.AddSyncService(engine.DeepFetchWorker())
	}
	if cfg.Kafka.Enabled {
		consumer, err := kafka.NewConsumer(&cfg.Kafka, engine, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without candidate feed", "error", err)
		} else {
			defer consumer.Close()
			tree.AddSyncService(consumer)
		}
	}
	tree.AddAPIService(supervisor.NewHTTPService(server, 30*time.Second))

	logger.Info("starting HTTP server", "port", cfg.Server.Port)
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("supervisor stopped unexpectedly", "error", err)
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logger.Warn("services did not stop in time", "count", len(report))
	}
	logger.Info("server stopped")
}
