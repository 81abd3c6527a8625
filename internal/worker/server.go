// Package worker consumes batch archive tasks: it renders the results
// workbook, stores it, records the batch and notifies a webhook.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/cardscan/internal/config"
	"github.com/dunamismax/cardscan/internal/domain"
	"github.com/dunamismax/cardscan/internal/export"
	"github.com/dunamismax/cardscan/internal/id"
	"github.com/dunamismax/cardscan/internal/queue"
	"github.com/dunamismax/cardscan/internal/storage"
	"github.com/dunamismax/cardscan/internal/store"
	"github.com/dunamismax/cardscan/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type objectStore interface {
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint string, event webhook.Event) error
}

type Server struct {
	logger        zerolog.Logger
	server        *asynq.Server
	sem           chan struct{}
	storage       objectStore
	archives      store.ArchiveStore
	webhookClient webhookSender
	linkExpiry    time.Duration
	metrics       *metrics
	tracer        trace.Tracer
	now           func() time.Time
}

func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	linkExpiry time.Duration,
	storageClient objectStore,
	webhookClient webhookSender,
	archives store.ArchiveStore,
) (*Server, error) {
	if storageClient == nil {
		return nil, fmt.Errorf("storage client is required")
	}

	s := newServer(logger, workerCfg, linkExpiry, storageClient, webhookClient, archives)
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error().
					Err(err).
					Str("type", task.Type()).
					Int("retry", retried).
					Int("max_retry", maxRetry).
					Msg("task failed")
			}),
		},
	)
	return s, nil
}

func newServer(logger zerolog.Logger, workerCfg config.WorkerConfig, linkExpiry time.Duration, storageClient objectStore, webhookClient webhookSender, archives store.ArchiveStore) *Server {
	if linkExpiry <= 0 {
		linkExpiry = 24 * time.Hour
	}
	return &Server{
		logger:        logger,
		sem:           make(chan struct{}, max(1, workerCfg.MaxActiveRenders)),
		storage:       storageClient,
		archives:      archives,
		webhookClient: webhookClient,
		linkExpiry:    linkExpiry,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("cardscan/worker"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Start begins consuming tasks in the background. Stop it with Shutdown.
func (s *Server) Start() error {
	return s.server.Start(s.mux())
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeArchiveBatch, s.handleArchiveBatch)
	return mux
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleArchiveBatch(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := "failed"

	payload, err := queue.ParseArchivePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.archive_batch", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("batch.id", payload.BatchID),
		attribute.Int("batch.rows", len(payload.Rows)),
	)
	defer span.End()
	defer func() {
		s.metrics.archiveDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.archivesTotal.WithLabelValues(outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeArchives.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeArchives.Dec()
	}()

	s.logger.Info().
		Str("batch_id", payload.BatchID).
		Int("rows", len(payload.Rows)).
		Int("succeeded", payload.Succeeded).
		Int("failed", payload.Failed).
		Msg("archiving batch")

	objectKey, err := s.storeReport(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store report failed")
		return err
	}

	if err := s.recordArchive(ctx, payload, objectKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record archive failed")
		return err
	}

	if err := s.dispatchWebhook(ctx, payload, objectKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = "archived"
	span.SetStatus(codes.Ok, outcome)
	s.logger.Info().Str("batch_id", payload.BatchID).Str("object_key", objectKey).Msg("batch archived")
	return nil
}

// storeReport uploads the workbook unless an earlier attempt already did.
func (s *Server) storeReport(ctx context.Context, payload queue.ArchivePayload) (string, error) {
	objectKey := storage.ArchiveKey(payload.BatchID)

	exists, err := s.storage.ObjectExists(ctx, objectKey)
	if err != nil {
		return "", fmt.Errorf("check report object: %w", err)
	}
	if exists {
		s.logger.Debug().Str("object_key", objectKey).Msg("report already stored")
		return objectKey, nil
	}

	report, err := export.XLSX(export.RowsFromArchive(payload.Rows))
	if err != nil {
		return "", fmt.Errorf("render report: %v: %w", err, asynq.SkipRetry)
	}
	if err := s.storage.WriteObject(ctx, objectKey, report, xlsxContentType); err != nil {
		return "", fmt.Errorf("store report: %w", err)
	}

	s.metrics.rowsArchivedTotal.Add(float64(len(payload.Rows)))
	s.metrics.reportBytesTotal.Add(float64(len(report)))
	return objectKey, nil
}

// recordArchive writes the batch once. A retry after a failed webhook finds
// the earlier row and leaves it alone.
func (s *Server) recordArchive(ctx context.Context, payload queue.ArchivePayload, objectKey string) error {
	if s.archives == nil {
		return nil
	}

	existing, err := s.archives.GetArchive(ctx, payload.BatchID)
	switch {
	case err == nil:
		s.logger.Debug().Str("batch_id", existing.BatchID).Msg("archive already recorded")
		return nil
	case !errors.Is(err, store.ErrArchiveNotFound):
		return fmt.Errorf("look up archive: %w", err)
	}

	archive := domain.Archive{
		BatchID:     payload.BatchID,
		ObjectKey:   objectKey,
		Succeeded:   payload.Succeeded,
		Failed:      payload.Failed,
		CompletedAt: payload.CompletedAt,
		CreatedAt:   s.now(),
		Rows:        payload.Rows,
	}
	if err := s.archives.CreateArchive(ctx, archive); err != nil {
		return fmt.Errorf("record archive: %w", err)
	}
	return nil
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.ArchivePayload, objectKey string) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	downloadURL, err := s.storage.PresignedGetURL(ctx, objectKey, s.linkExpiry)
	if err != nil {
		s.logger.Warn().Err(err).Str("batch_id", payload.BatchID).Msg("presign report failed")
	}

	event := webhook.Event{
		ID:        id.New(),
		Type:      webhook.EventBatchArchived,
		CreatedAt: s.now(),
		Data: map[string]any{
			"batch_id":     payload.BatchID,
			"object_key":   objectKey,
			"download_url": downloadURL,
			"succeeded":    payload.Succeeded,
			"failed":       payload.Failed,
			"started_at":   payload.StartedAt,
			"completed_at": payload.CompletedAt,
		},
	}
	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event); err != nil {
		s.logger.Warn().Err(err).Str("batch_id", payload.BatchID).Msg("webhook delivery failed")
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}
