package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/dunamismax/cardscan/internal/batch"
	"github.com/dunamismax/cardscan/internal/domain"
	"github.com/dunamismax/cardscan/internal/export"
	"github.com/dunamismax/cardscan/internal/gate"
	"github.com/dunamismax/cardscan/internal/provider"
	"github.com/dunamismax/cardscan/internal/queue"
	"github.com/dunamismax/cardscan/internal/recognize"
	"github.com/dunamismax/cardscan/internal/store"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

const (
	AccessPasswordHeader  = "X-Access-Password"
	defaultMaxUploadBytes = 20 << 20
	multipartMemoryBytes  = 8 << 20

	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Messages returned by the gateway routes. Clients match on them.
const (
	msgNotConfigured   = "Doubao API key is not configured."
	msgNoFile          = "No file uploaded."
	msgUpstream        = "Doubao API Error"
	msgRecognizeFailed = "Failed to recognize image."
	msgInvalidPassword = "Invalid password."
	msgPasswordNotSet  = "Password not configured on server."
	msgBatchBusy       = "a batch is already running"
	msgJobNotFound     = "job not found"
)

type completer interface {
	recognize.Completer
	Configured() bool
}

type archiveEnqueuer interface {
	EnqueueArchive(ctx context.Context, payload queue.ArchivePayload) (*asynq.TaskInfo, error)
}

type Options struct {
	Provider   completer
	Preparer   recognize.Preparer
	Gate       *gate.Gate
	Registry   store.JobRegistry
	Controller *batch.Controller
	// Archiver is optional. Without it finished batches are not archived.
	Archiver       archiveEnqueuer
	WebhookURL     string
	RateLimiter    RateLimiter
	Metrics        *prometheus.Registry
	Tracer         trace.Tracer
	MaxUploadBytes int64
}

type Server struct {
	logger         zerolog.Logger
	provider       completer
	preparer       recognize.Preparer
	gate           *gate.Gate
	registry       store.JobRegistry
	controller     *batch.Controller
	archiver       archiveEnqueuer
	webhookURL     string
	rateLimiter    RateLimiter
	metrics        *metrics
	tracer         trace.Tracer
	maxUploadBytes int64
	mux            *http.ServeMux
}

func NewServer(logger zerolog.Logger, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}

	s := &Server{
		logger:         logger,
		provider:       opts.Provider,
		preparer:       opts.Preparer,
		gate:           opts.Gate,
		registry:       opts.Registry,
		controller:     opts.Controller,
		archiver:       opts.Archiver,
		webhookURL:     opts.WebhookURL,
		rateLimiter:    opts.RateLimiter,
		metrics:        newMetrics(opts.Metrics),
		tracer:         opts.Tracer,
		maxUploadBytes: opts.MaxUploadBytes,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())

	s.mux.HandleFunc("POST /api/recognize", s.handleRecognize)
	s.mux.HandleFunc("POST /api/verify-password", s.handleVerifyPassword)

	s.mux.Handle("POST /v1/jobs", s.requireAccess(s.handleSubmitJobs))
	s.mux.Handle("GET /v1/jobs", s.requireAccess(s.handleListJobs))
	s.mux.Handle("DELETE /v1/jobs", s.requireAccess(s.handleClearJobs))
	s.mux.Handle("GET /v1/jobs/{id}", s.requireAccess(s.handleGetJob))
	s.mux.Handle("POST /v1/jobs/recognize", s.requireAccess(s.handleRecognizeAll))
	s.mux.Handle("POST /v1/jobs/{id}/recognize", s.requireAccess(s.handleRecognizeOne))
	s.mux.Handle("GET /v1/jobs/export.xlsx", s.requireAccess(s.handleExportXLSX))
	s.mux.Handle("GET /v1/jobs/export.csv", s.requireAccess(s.handleExportCSV))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRecognize forwards one image to the provider and returns the
// completion envelope untouched.
func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil || !s.provider.Configured() {
		writeError(w, http.StatusInternalServerError, msgNotConfigured, recognize.KindConfig)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, msgNoFile, recognize.KindInput)
		return
	}
	data, err := readPart(file)
	if err != nil || len(data) == 0 {
		writeError(w, http.StatusBadRequest, msgNoFile, recognize.KindInput)
		return
	}

	declared := header.Header.Get("Content-Type")
	mediaType := domain.MediaTypeFor(header.Filename, declared)
	if mediaType == "" {
		mediaType = declared
	}
	if s.preparer != nil {
		data, mediaType = s.preparer.Prepare(r.Context(), data, mediaType)
	}

	raw, err := s.provider.Complete(r.Context(), data, mediaType)
	if err != nil {
		recErr := recognize.Classify(err)
		var upErr *provider.UpstreamError
		if errors.As(err, &upErr) {
			s.logger.Warn().Int("status", upErr.Status).Msg("provider rejected recognition")
			writeJSON(w, upErr.Status, map[string]any{
				"error":    msgUpstream,
				"apiError": recErr.Upstream,
				"kind":     recErr.Kind,
			})
			return
		}
		s.logger.Error().Err(err).Str("kind", string(recErr.Kind)).Msg("recognition failed")
		writeError(w, http.StatusInternalServerError, msgRecognizeFailed, recErr.Kind)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

type verifyPasswordRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleVerifyPassword(w http.ResponseWriter, r *http.Request) {
	var req verifyPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if !s.checkAccess(w, req.Password) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) requireAccess(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.checkAccess(w, r.Header.Get(AccessPasswordHeader)) {
			return
		}
		next(w, r)
	})
}

func (s *Server) checkAccess(w http.ResponseWriter, password string) bool {
	switch err := s.gate.Verify(password); {
	case err == nil:
		return true
	case errors.Is(err, gate.ErrNotConfigured):
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": msgPasswordNotSet})
	default:
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": msgInvalidPassword})
	}
	return false
}

func (s *Server) handleSubmitJobs(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msgNoFile})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msgNoFile})
		return
	}

	uploads := make([]domain.Upload, 0, len(files))
	for _, fh := range files {
		upload, err := uploadFromHeader(fh)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		uploads = append(uploads, upload)
	}

	jobs := s.registry.Submit(uploads...)
	s.logger.Info().Int("jobs", len(jobs)).Msg("jobs submitted")
	writeJSON(w, http.StatusCreated, map[string]any{"jobs": jobs})
}

func uploadFromHeader(fh *multipart.FileHeader) (domain.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return domain.Upload{}, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	data, err := readPart(f)
	if err != nil {
		return domain.Upload{}, fmt.Errorf("read %s: %w", fh.Filename, err)
	}

	upload := domain.Upload{
		Name:      fh.Filename,
		MediaType: fh.Header.Get("Content-Type"),
		Data:      data,
	}
	if err := upload.Validate(); err != nil {
		return domain.Upload{}, err
	}
	upload.MediaType = domain.MediaTypeFor(upload.Name, upload.MediaType)
	return upload, nil
}

func readPart(f multipart.File) ([]byte, error) {
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   s.registry.List(),
		"counts": s.registry.Counts(),
		"busy":   s.controller.Busy(),
		"epoch":  s.registry.Epoch(),
		"limit":  s.controller.Limit(),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": msgJobNotFound})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleClearJobs(w http.ResponseWriter, _ *http.Request) {
	cleared := s.registry.Clear()
	s.logger.Info().Int("jobs", len(cleared)).Msg("jobs cleared")
	writeJSON(w, http.StatusOK, map[string]any{
		"cleared": len(cleared),
		"epoch":   s.registry.Epoch(),
	})
}

// handleRecognizeAll starts a batch that outlives the request.
func (s *Server) handleRecognizeAll(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	if err := s.controller.RecognizeAllAsync(ctx, s.archiveBatch); err != nil {
		if errors.Is(err, batch.ErrBatchBusy) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": msgBatchBusy})
			return
		}
		s.logger.Error().Err(err).Msg("start batch failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to start batch"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "started",
		"epoch":  s.registry.Epoch(),
		"counts": s.registry.Counts(),
	})
}

func (s *Server) handleRecognizeOne(w http.ResponseWriter, r *http.Request) {
	job, err := s.controller.RecognizeOne(context.WithoutCancel(r.Context()), r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, job)
	case errors.Is(err, store.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": msgJobNotFound})
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrStaleEpoch):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Str("job_id", r.PathValue("id")).Msg("recognize job failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to recognize job"})
	}
}

func (s *Server) handleExportXLSX(w http.ResponseWriter, _ *http.Request) {
	body, err := export.XLSX(export.RowsFromJobs(s.registry.List()))
	if err != nil {
		s.logger.Error().Err(err).Msg("render xlsx failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to render export"})
		return
	}
	writeAttachment(w, xlsxContentType, "cardscan-results.xlsx", body)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, _ *http.Request) {
	body, err := export.CSVBytes(export.RowsFromJobs(s.registry.List()))
	if err != nil {
		s.logger.Error().Err(err).Msg("render csv failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to render export"})
		return
	}
	writeAttachment(w, "text/csv; charset=utf-8", "cardscan-results.csv", body)
}

// archiveBatch runs after a background batch settles.
func (s *Server) archiveBatch(summary batch.Summary) {
	if s.archiver == nil || summary.Attempted == 0 {
		return
	}

	payload := queue.ArchivePayload{
		BatchID:     summary.BatchID,
		Epoch:       summary.Epoch,
		Succeeded:   summary.Succeeded,
		Failed:      summary.Failed,
		Rows:        domain.ArchiveRowsFromJobs(summary.Jobs),
		WebhookURL:  s.webhookURL,
		StartedAt:   summary.StartedAt,
		CompletedAt: summary.FinishedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := s.archiver.EnqueueArchive(ctx, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("batch_id", summary.BatchID).Msg("enqueue batch archive failed")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(info.Queue).Inc()
	s.logger.Info().
		Str("batch_id", summary.BatchID).
		Str("task_id", info.ID).
		Str("queue", info.Queue).
		Msg("batch archive enqueued")
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, kind recognize.Kind) {
	writeJSON(w, status, map[string]any{"error": message, "kind": kind})
}

func writeAttachment(w http.ResponseWriter, contentType, fileName string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, fileName))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
