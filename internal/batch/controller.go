// Package batch orchestrates recognition of the jobs held in a registry.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dunamismax/cardscan/internal/domain"
	"github.com/dunamismax/cardscan/internal/id"
	"github.com/dunamismax/cardscan/internal/pool"
	"github.com/dunamismax/cardscan/internal/recognize"
	"github.com/dunamismax/cardscan/internal/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultLimit = 5

var ErrBatchBusy = errors.New("a batch is already running")

// RerunPolicy decides which jobs a recognize-all pass picks up.
type RerunPolicy string

const (
	// SkipResolved runs only pending jobs. Any job with a recorded outcome
	// is left alone.
	SkipResolved RerunPolicy = "skip-resolved"
	// RerunFailed also picks up failed jobs.
	RerunFailed RerunPolicy = "rerun-failed"
)

func ParseRerunPolicy(raw string) (RerunPolicy, error) {
	switch RerunPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SkipResolved:
		return SkipResolved, nil
	case RerunFailed:
		return RerunFailed, nil
	default:
		return "", fmt.Errorf("unknown rerun policy %q", raw)
	}
}

func (p RerunPolicy) eligible(state domain.JobState) bool {
	switch state {
	case domain.JobStatePending:
		return true
	case domain.JobStateFailed:
		return p == RerunFailed
	default:
		return false
	}
}

type Config struct {
	Limit      int
	Policy     RerunPolicy
	JobTimeout time.Duration
}

// Summary describes one finished recognize-all pass.
type Summary struct {
	BatchID    string       `json:"batch_id"`
	Epoch      uint64       `json:"epoch"`
	Attempted  int          `json:"attempted"`
	Succeeded  int          `json:"succeeded"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	Stale      int          `json:"stale"`
	Jobs       []domain.Job `json:"jobs"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

type Controller struct {
	logger     zerolog.Logger
	registry   store.JobRegistry
	recognizer recognize.Recognizer
	cfg        Config
	metrics    *Metrics
	tracer     trace.Tracer
	busy       atomic.Bool
	now        func() time.Time
}

type Option func(*Controller)

func WithMetrics(m *Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Controller) {
		c.tracer = tracer
	}
}

func NewController(logger zerolog.Logger, registry store.JobRegistry, recognizer recognize.Recognizer, cfg Config, opts ...Option) *Controller {
	if cfg.Limit < 1 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Policy == "" {
		cfg.Policy = SkipResolved
	}

	c := &Controller{
		logger:     logger,
		registry:   registry,
		recognizer: recognizer,
		cfg:        cfg,
		tracer:     otel.Tracer("cardscan/batch"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Busy reports whether a recognize-all pass is in flight.
func (c *Controller) Busy() bool {
	return c.busy.Load()
}

func (c *Controller) Limit() int {
	return c.cfg.Limit
}

// RecognizeAll runs every eligible job and blocks until all of them settle.
func (c *Controller) RecognizeAll(ctx context.Context) (Summary, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return Summary{}, ErrBatchBusy
	}
	defer c.busy.Store(false)

	return c.run(ctx), nil
}

// RecognizeAllAsync claims the busy flag and runs the pass in the
// background. done is called with the summary once every job settled.
func (c *Controller) RecognizeAllAsync(ctx context.Context, done func(Summary)) error {
	if !c.busy.CompareAndSwap(false, true) {
		return ErrBatchBusy
	}

	go func() {
		defer c.busy.Store(false)
		summary := c.run(ctx)
		if done != nil {
			done(summary)
		}
	}()
	return nil
}

// RecognizeOne runs a single pending or failed job. Only that job's entry
// is touched, so it is safe while a batch is in flight. A failed
// recognition is reported through the returned job's state, not the error.
func (c *Controller) RecognizeOne(ctx context.Context, jobID string) (domain.Job, error) {
	job, ok := c.registry.Get(jobID)
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
	}

	ctx, span := c.tracer.Start(ctx, "batch.recognize_one")
	defer span.End()

	resolved, _, err := c.runJob(ctx, job.ID, job.Epoch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job not run")
		return domain.Job{}, err
	}
	return resolved, nil
}

func (c *Controller) run(ctx context.Context) Summary {
	summary := Summary{
		BatchID:   id.NewBatch(),
		Epoch:     c.registry.Epoch(),
		StartedAt: c.now(),
	}

	var selected []domain.Job
	for _, job := range c.registry.List() {
		if job.Epoch == summary.Epoch && c.cfg.Policy.eligible(job.State) {
			selected = append(selected, job)
			continue
		}
		summary.Skipped++
	}

	ctx, span := c.tracer.Start(ctx, "batch.recognize_all", trace.WithAttributes(
		attribute.String("batch.id", summary.BatchID),
		attribute.Int("batch.jobs", len(selected)),
		attribute.Int("batch.limit", c.cfg.Limit),
		attribute.String("batch.policy", string(c.cfg.Policy)),
	))
	defer span.End()

	c.logger.Info().
		Str("batch_id", summary.BatchID).
		Int("jobs", len(selected)).
		Int("skipped", summary.Skipped).
		Int("limit", c.cfg.Limit).
		Msg("batch started")

	tasks := make([]pool.Task[domain.Job], len(selected))
	for i, job := range selected {
		tasks[i] = func(ctx context.Context) (domain.Job, error) {
			resolved, recErr, err := c.runJob(ctx, job.ID, job.Epoch)
			if err != nil {
				return domain.Job{}, err
			}
			if recErr != nil {
				return resolved, recErr
			}
			return resolved, nil
		}
	}

	outcomes := pool.Run(ctx, c.cfg.Limit, tasks, pool.WithObserver(c.metrics))

	for i, out := range outcomes {
		var recErr *recognize.Error
		switch {
		case out.OK:
			summary.Attempted++
			summary.Succeeded++
		case errors.As(out.Err, &recErr):
			summary.Attempted++
			summary.Failed++
		case errors.Is(out.Err, store.ErrStaleEpoch):
			summary.Stale++
		default:
			summary.Skipped++
			c.logger.Debug().Err(out.Err).Str("job_id", selected[i].ID).Msg("job not run")
		}
		if current, ok := c.registry.Get(selected[i].ID); ok {
			summary.Jobs = append(summary.Jobs, current)
		}
	}
	summary.FinishedAt = c.now()

	result := "completed"
	if summary.Stale > 0 {
		result = "cleared"
	}
	c.metrics.observeBatch(result)
	span.SetAttributes(
		attribute.Int("batch.succeeded", summary.Succeeded),
		attribute.Int("batch.failed", summary.Failed),
		attribute.Int("batch.stale", summary.Stale),
	)
	span.SetStatus(codes.Ok, result)

	c.logger.Info().
		Str("batch_id", summary.BatchID).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("stale", summary.Stale).
		Dur("elapsed", summary.FinishedAt.Sub(summary.StartedAt)).
		Msg("batch finished")
	return summary
}

// runJob moves one job through running to a terminal state. err is a
// registry error and means the job was not (fully) run; recErr is the
// classified recognition failure stored on the job.
func (c *Controller) runJob(ctx context.Context, jobID string, epoch uint64) (domain.Job, *recognize.Error, error) {
	started := time.Now()

	running, err := c.registry.MarkRunning(jobID, epoch)
	if err != nil {
		return domain.Job{}, nil, err
	}

	ctx, span := c.tracer.Start(ctx, "batch.job", trace.WithAttributes(
		attribute.String("job.id", running.ID),
		attribute.String("job.name", running.Name),
		attribute.Int("job.attempt", running.Attempts),
	))
	defer span.End()

	if c.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.JobTimeout)
		defer cancel()
	}

	record, recognizeErr := c.safeRecognize(ctx, running.Payload, running.MediaType)

	var (
		res    store.Resolution
		recErr *recognize.Error
	)
	if recognizeErr != nil {
		recErr = recognize.Classify(recognizeErr)
		res = store.Resolution{Err: recErr.Error(), Kind: string(recErr.Kind)}
	} else {
		res = store.Resolution{Record: &record}
	}

	resolved, err := c.registry.Resolve(jobID, epoch, res)
	if err != nil {
		c.metrics.observeJob("stale", time.Since(started).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolution discarded")
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("job completion discarded")
		return domain.Job{}, nil, err
	}

	outcome := string(resolved.State)
	c.metrics.observeJob(outcome, time.Since(started).Seconds())
	if recErr != nil {
		span.RecordError(recErr)
		span.SetStatus(codes.Error, string(recErr.Kind))
		c.logger.Warn().
			Str("job_id", jobID).
			Str("name", resolved.Name).
			Str("kind", string(recErr.Kind)).
			Int("status", recErr.Status).
			AnErr("cause", recErr.Err).
			Msg("job failed")
	} else {
		span.SetStatus(codes.Ok, outcome)
		c.logger.Debug().Str("job_id", jobID).Str("name", resolved.Name).Msg("job succeeded")
	}
	return resolved, recErr, nil
}

func (c *Controller) safeRecognize(ctx context.Context, payload []byte, mediaType string) (record domain.CardRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recognizer panicked: %v", r)
		}
	}()
	return c.recognizer.Recognize(ctx, payload, mediaType)
}
