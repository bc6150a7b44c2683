package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/accessdesk/accessdesk/internal/api"
	"github.com/accessdesk/accessdesk/internal/applier"
	"github.com/accessdesk/accessdesk/internal/approval"
	"github.com/accessdesk/accessdesk/internal/arn"
	"github.com/accessdesk/accessdesk/internal/auth"
	awscloud "github.com/accessdesk/accessdesk/internal/cloud/aws"
	"github.com/accessdesk/accessdesk/internal/config"
	"github.com/accessdesk/accessdesk/internal/generator"
	"github.com/accessdesk/accessdesk/internal/notifications"
	"github.com/accessdesk/accessdesk/internal/obs"
	"github.com/accessdesk/accessdesk/internal/orchestrator"
	"github.com/accessdesk/accessdesk/internal/reaper"
	"github.com/accessdesk/accessdesk/internal/refresh"
	"github.com/accessdesk/accessdesk/internal/request"
	"github.com/accessdesk/accessdesk/internal/store"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := obs.NewLogger(os.Getenv("LOG_LEVEL"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	db, err := store.Open(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	provider, err := awscloud.NewClient(ctx, awscloud.Config{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		AssumeRoleARN:   cfg.AWS.AssumeRoleARN,
		ExternalID:      cfg.AWS.ExternalID,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to create cloud client: %v", err)
	}
	account, err := provider.HomeAccount(ctx)
	if err != nil {
		log.Fatalf("Failed to verify AWS credentials: %v", err)
	}
	logger.Info("aws credentials verified", "account", account)

	resolver := &arn.StaticResolver{BucketAccounts: cfg.Resolver.BucketAccounts}

	authService := auth.NewService(cfg.Auth)
	notifier := notifications.NewService(cfg.Notifications, logger)
	refresher := refresh.NewTrigger(cfg.Redis, logger)
	defer refresher.Close()

	registry := prometheus.NewRegistry()
	metrics := obs.NewMetrics(registry)

	service := orchestrator.NewService(
		db,
		request.NewBuilder(provider, resolver, logger),
		generator.NewGenerator(provider, resolver, logger),
		approval.NewEvaluator(cfg.Approval, authService, resolver, logger),
		applier.NewApplier(provider, resolver, logger),
		authService,
		notifier,
		refresher,
		metrics,
		logger,
	)

	if *cfg.Reaper.Enabled {
		sweeper := reaper.New(db, provider, resolver, refresher, notifier, metrics, logger)
		if err := sweeper.Start(ctx, cfg.Reaper.Schedule); err != nil {
			log.Fatalf("Failed to start reaper: %v", err)
		}
		defer sweeper.Stop()
	}

	server := api.NewServer(cfg.Server, service, authService, db, registry, api.WithLogger(logger))

	logger.Info("starting accessdesk", "host", cfg.Server.Host, "port", cfg.Server.Port)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
