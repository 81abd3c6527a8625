package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/cardscan/internal/config"
	"github.com/dunamismax/cardscan/internal/logging"
	"github.com/dunamismax/cardscan/internal/storage"
	"github.com/dunamismax/cardscan/internal/store"
	"github.com/dunamismax/cardscan/internal/telemetry"
	"github.com/dunamismax/cardscan/internal/webhook"
	"github.com/dunamismax/cardscan/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := logging.New(config.LoggingConfig{}, "worker")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.Logging, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, "worker", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("setup tracing")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create storage client")
	}
	if err := storageClient.EnsureBucket(ctx); err != nil {
		logger.Fatal().Err(err).Str("bucket", storageClient.Bucket()).Msg("ensure bucket")
	}

	archiveStore, err := store.NewPostgresArchiveStore(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect archive store")
	}
	defer func() {
		if err := archiveStore.Close(); err != nil {
			logger.Warn().Err(err).Msg("archive store close failed")
		}
	}()

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret: cfg.Webhook.SigningSecret,
		Timeout:       cfg.Webhook.Timeout,
		MaxAttempts:   cfg.Webhook.MaxAttempts,
	})

	srv, err := worker.NewServer(
		logger,
		cfg.Queue,
		cfg.Worker,
		cfg.Storage.LinkExpiry,
		storageClient,
		webhookClient,
		archiveStore,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("create worker")
	}

	metricsServer := newMetricsServer(cfg.Worker, srv.MetricsHandler())
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Int("max_active_renders", cfg.Worker.MaxActiveRenders).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Str("metrics_addr", cfg.Worker.MetricsAddr).
		Msg("starting worker")

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("worker failed")
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	srv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}

// newMetricsServer serves metrics on its own listener, next to the queue consumer.
func newMetricsServer(cfg config.WorkerConfig, metrics http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
