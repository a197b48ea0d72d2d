package optimizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	json "github.com/goccy/go-json"

	"tradefleet/internal/auditlog"
	"tradefleet/internal/metrics"
	"tradefleet/internal/params"
	"tradefleet/internal/stream"
	"tradefleet/internal/web"
	"tradefleet/pkg/types"
)

// Group is this worker's consumer group on opt.requests.
const Group = "optimizer"

// Service is the optimizer worker.
type Service struct {
	source  params.Source
	store   JobStore
	bus     *stream.Bus
	rec     auditlog.Recorder
	logger  *slog.Logger
	m       *metrics.Registry
	started time.Time
}

func NewService(source params.Source, store JobStore, bus *stream.Bus, rec auditlog.Recorder, logger *slog.Logger, m *metrics.Registry) *Service {
	return &Service{
		source:  source,
		store:   store,
		bus:     bus,
		rec:     rec,
		logger:  logger.With("component", "optimizer"),
		m:       m,
		started: time.Now(),
	}
}

// Process turns one request into a pending proposal and publishes it.
func (s *Service) Process(ctx context.Context, req types.OptRequest) (types.OptJob, error) {
	active, err := s.source.Load(ctx)
	if err != nil {
		return types.OptJob{}, fmt.Errorf("optimizer: load active parameters: %w", err)
	}

	proposed, backtest := Propose(req, active)
	now := time.Now().UTC()
	job := types.OptJob{
		JobID:     "job-" + req.RequestID,
		Status:    types.OptPendingApproval,
		Proposed:  proposed,
		Backtest:  backtest,
		Trigger:   req.Trigger,
		TraceID:   req.TraceID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, job); err != nil {
		return types.OptJob{}, err
	}
	if _, err := s.bus.Append(ctx, stream.OptResults, job); err != nil {
		return types.OptJob{}, err
	}
	if err := s.rec.RecordOptJob(ctx, job); err != nil {
		s.logger.Warn("audit record failed", "job_id", job.JobID, "error", err)
	}

	s.logger.Info("proposal created",
		"job_id", job.JobID, "trigger", job.Trigger,
		"min_confidence", proposed.MinConfidence, "sharpe", backtest.Sharpe)
	s.notify(ctx, types.Event{
		Type:     types.EventOptimizerProposal,
		Severity: types.SeverityWarning,
		Message:  fmt.Sprintf("proposal %s awaits approval (minConfidence %.2f)", job.JobID, proposed.MinConfidence),
		Context: map[string]any{
			"jobId":    job.JobID,
			"trigger":  job.Trigger,
			"backtest": backtest,
		},
		RequestID: req.RequestID,
		TraceID:   req.TraceID,
		TS:        now,
	})
	return job, nil
}

// Approve applies a pending proposal and announces the new active set.
func (s *Service) Approve(ctx context.Context, jobID string) (types.OptJob, error) {
	job, err := s.store.Approve(ctx, jobID)
	if err != nil {
		return types.OptJob{}, err
	}

	s.m.ActiveMinConfidence.Set(job.Proposed.MinConfidence)
	if err := s.rec.RecordOptJob(ctx, job); err != nil {
		s.logger.Warn("audit record failed", "job_id", job.JobID, "error", err)
	}
	s.logger.Info("proposal approved", "job_id", job.JobID, "min_confidence", job.Proposed.MinConfidence)
	s.notify(ctx, types.Event{
		Type:     types.EventOptimizerApproved,
		Severity: types.SeverityInfo,
		Message:  fmt.Sprintf("risk parameters updated by %s (minConfidence %.2f)", job.JobID, job.Proposed.MinConfidence),
		Context:  map[string]any{"jobId": job.JobID},
		TraceID:  job.TraceID,
		TS:       time.Now().UTC(),
	})
	return job, nil
}

func (s *Service) notify(ctx context.Context, ev types.Event) {
	if _, err := s.bus.Append(ctx, stream.NotifyEvents, ev); err != nil {
		s.logger.Warn("notify failed", "type", ev.Type, "error", err)
	}
}

// Run consumes opt.requests until ctx is canceled.
func (s *Service) Run(ctx context.Context, idempTTL time.Duration, maxFailures int) error {
	return s.bus.Consume(ctx, stream.ConsumerConfig{
		Stream:           stream.OptRequests,
		Group:            Group,
		Consumer:         "optimizer-" + uuid.NewString()[:8],
		IdempotencyKeyFn: stream.FieldKey("requestId"),
		IdempotencyTTL:   idempTTL,
		MaxFailures:      maxFailures,
		Handler:          s.handleRequest,
	})
}

func (s *Service) handleRequest(ctx context.Context, e stream.Entry) error {
	var req types.OptRequest
	if err := json.Unmarshal(e.Data, &req); err != nil {
		return fmt.Errorf("decode opt request: %w", err)
	}
	_, err := s.Process(ctx, req)
	return err
}

// Routes registers the worker's endpoints on mux.
func (s *Service) Routes(mux *http.ServeMux, adminToken string) {
	mux.HandleFunc("GET /health", web.Health())
	mux.HandleFunc("GET /status", web.Status(s.snapshot))
	mux.Handle("GET /metrics", s.m.Handler())
	mux.HandleFunc("POST /optimize/run", s.handleRun)
	mux.HandleFunc("GET /optimize/params", s.handleParams)
	mux.Handle("POST /admin/optimize/approve",
		web.RequireAdmin(adminToken)(http.HandlerFunc(s.handleApprove)))
}

type runRequest struct {
	Symbol string `json:"symbol"`
}

// handleRun enqueues a manual optimization request; the consumer loop picks
// it up like any loss-triggered one.
func (s *Service) handleRun(w http.ResponseWriter, r *http.Request) {
	// The body is optional: an empty POST runs with the default symbol.
	var in runRequest
	if err := web.Decode(r, &in); err != nil && !errors.Is(err, io.EOF) {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "invalid request body")
		return
	}

	requestID := web.RequestIDFrom(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req := types.OptRequest{
		RequestID: requestID,
		Trigger:   "manual",
		Symbol:    in.Symbol,
		TraceID:   web.TraceIDFrom(r.Context()),
		TS:        time.Now().UTC(),
	}
	if _, err := s.bus.Append(r.Context(), stream.OptRequests, req); err != nil {
		s.logger.Error("opt request append failed", "error", err)
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "request not accepted")
		return
	}
	web.JSON(w, http.StatusAccepted, map[string]string{"requestId": req.RequestID})
}

func (s *Service) handleParams(w http.ResponseWriter, r *http.Request) {
	p, err := s.source.Load(r.Context())
	if err != nil {
		s.logger.Error("params read failed", "error", err)
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "parameters unavailable")
		return
	}
	web.JSON(w, http.StatusOK, p)
}

type approveRequest struct {
	JobID string `json:"jobId"`
}

func (s *Service) handleApprove(w http.ResponseWriter, r *http.Request) {
	var in approveRequest
	if err := web.Decode(r, &in); err != nil {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "invalid request body")
		return
	}
	if in.JobID == "" {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "jobId is required")
		return
	}

	job, err := s.Approve(r.Context(), in.JobID)
	switch {
	case errors.Is(err, ErrJobNotFound):
		web.Error(w, http.StatusNotFound, web.CodeNotFound, "unknown job")
		return
	case errors.Is(err, ErrJobNotPending):
		web.Error(w, http.StatusConflict, web.CodeConflict, "job is not pending approval")
		return
	case err != nil:
		s.logger.Error("approve failed", "job_id", in.JobID, "error", err)
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "approval failed")
		return
	}
	web.JSON(w, http.StatusOK, job)
}

func (s *Service) snapshot() any {
	return map[string]any{
		"service":        "optimizer",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"group":          Group,
	}
}
