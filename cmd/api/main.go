package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/cardscan/internal/api"
	"github.com/dunamismax/cardscan/internal/batch"
	"github.com/dunamismax/cardscan/internal/config"
	"github.com/dunamismax/cardscan/internal/gate"
	"github.com/dunamismax/cardscan/internal/logging"
	"github.com/dunamismax/cardscan/internal/preprocess"
	"github.com/dunamismax/cardscan/internal/provider"
	"github.com/dunamismax/cardscan/internal/queue"
	"github.com/dunamismax/cardscan/internal/ratelimit"
	"github.com/dunamismax/cardscan/internal/recognize"
	"github.com/dunamismax/cardscan/internal/store"
	"github.com/dunamismax/cardscan/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := logging.New(config.LoggingConfig{}, "api")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.Logging, "api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, "api", logger)
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

	if err := preprocess.Startup(); err != nil {
		logger.Fatal().Err(err).Msg("start image preprocessing")
	}
	defer preprocess.Shutdown()

	app, controller, closeApp, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build api")
	}
	defer closeApp()

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Provider.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.API.Addr).Int("batch_limit", controller.Limit()).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if controller.Busy() {
		logger.Warn().Msg("a batch was still running at shutdown")
	}
}

// newApp wires the gateway and workspace from configuration. The returned
// func releases the queue and Redis clients.
func newApp(cfg *config.Config, logger zerolog.Logger) (*api.Server, *batch.Controller, func(), error) {
	policy, err := batch.ParseRerunPolicy(cfg.Batch.Policy)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid batch policy: %w", err)
	}

	providerClient := provider.NewClient(provider.Config{
		APIKey:  cfg.Provider.APIKey,
		BaseURL: cfg.Provider.BaseURL,
		Model:   cfg.Provider.Model,
		Timeout: cfg.Provider.Timeout,
	}, logger)
	if !providerClient.Configured() {
		logger.Warn().Msg("DOUBAO_API_KEY is not set; recognition requests will fail")
	}

	accessGate := gate.New(cfg.Gate.Password)
	if !accessGate.Configured() {
		logger.Warn().Msg("PAGE_ACCESS_PASSWORD is not set; workspace routes are closed")
	}

	preparer := preprocess.New(preprocess.Config{
		MaxWidth: cfg.Preprocess.MaxWidth,
		Quality:  cfg.Preprocess.Quality,
	}, logger)

	promRegistry := prometheus.NewRegistry()
	registry := store.NewRegistry()
	controller := batch.NewController(
		logger,
		registry,
		recognize.NewDirect(providerClient, recognize.WithPreparer(preparer), recognize.WithTimeout(cfg.Provider.Timeout)),
		batch.Config{
			Limit:      cfg.Batch.Limit,
			Policy:     policy,
			JobTimeout: cfg.Batch.JobTimeout,
		},
		batch.WithMetrics(batch.NewMetrics(promRegistry)),
		batch.WithTracer(otel.Tracer("cardscan/batch")),
	)

	opts := api.Options{
		Provider:       providerClient,
		Preparer:       preparer,
		Gate:           accessGate,
		Registry:       registry,
		Controller:     controller,
		WebhookURL:     cfg.Webhook.URL,
		Metrics:        promRegistry,
		Tracer:         otel.Tracer("cardscan/api"),
		MaxUploadBytes: cfg.API.MaxUploadBytes,
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Queue.Enabled {
		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
		closers = append(closers, func() {
			if err := queueClient.Close(); err != nil {
				logger.Warn().Err(err).Msg("queue client close failed")
			}
		})
		opts.Archiver = queueClient
		logger.Info().Str("queue", cfg.Queue.Name).Str("redis", cfg.Queue.RedisAddr).Msg("batch archiving enabled")
	}

	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		closers = append(closers, func() { _ = redisClient.Close() })

		limiter, err := ratelimit.NewFixedWindow(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window, "cardscan:ratelimit")
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("configure rate limiter: %w", err)
		}
		opts.RateLimiter = limiter
		logger.Info().
			Int("requests", cfg.RateLimit.Requests).
			Dur("window", cfg.RateLimit.Window).
			Msg("recognition rate limit enabled")
	}

	return api.NewServer(logger, opts), controller, closeAll, nil
}
