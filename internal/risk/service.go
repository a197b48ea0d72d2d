package risk

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	json "github.com/goccy/go-json"

	"tradefleet/internal/metrics"
	"tradefleet/internal/params"
	"tradefleet/internal/stream"
	"tradefleet/internal/web"
	"tradefleet/pkg/types"
)

// Group is this worker's consumer group on risk.requests.
const Group = "risk"

// Service is the risk worker: one HTTP evaluation endpoint plus the stream
// consumer. Parameters are re-read from the shared store on every call, so
// an approved proposal takes effect on the next evaluation.
type Service struct {
	source  params.Source
	bus     *stream.Bus
	logger  *slog.Logger
	m       *metrics.Registry
	started time.Time
}

func NewService(source params.Source, bus *stream.Bus, logger *slog.Logger, m *metrics.Registry) *Service {
	return &Service{
		source:  source,
		bus:     bus,
		logger:  logger.With("component", "risk"),
		m:       m,
		started: time.Now(),
	}
}

// Evaluate loads the current parameters, applies the rules, and emits the
// rejection notification when the request is declined.
func (s *Service) Evaluate(ctx context.Context, req types.RiskRequest) (types.RiskDecision, error) {
	p, err := s.source.Load(ctx)
	if err != nil {
		return types.RiskDecision{}, fmt.Errorf("risk: load parameters: %w", err)
	}

	d := Evaluate(p, req, time.Now())
	s.count(d)
	s.logger.Info("signal evaluated",
		"request_id", req.RequestID, "symbol", req.Symbol, "side", req.Side,
		"confidence", req.Confidence, "ok", d.OK, "reason", d.Reason)

	if !d.OK {
		s.notifyRejection(ctx, req, d)
	}
	return d, nil
}

// Run consumes risk.requests and publishes decisions on risk.responses
// until ctx is canceled.
func (s *Service) Run(ctx context.Context, idempTTL time.Duration, maxFailures int) error {
	return s.bus.Consume(ctx, stream.ConsumerConfig{
		Stream:           stream.RiskRequests,
		Group:            Group,
		Consumer:         "risk-" + uuid.NewString()[:8],
		IdempotencyKeyFn: stream.FieldKey("requestId"),
		IdempotencyTTL:   idempTTL,
		MaxFailures:      maxFailures,
		Handler:          s.handleRequest,
	})
}

func (s *Service) handleRequest(ctx context.Context, e stream.Entry) error {
	var req types.RiskRequest
	if err := json.Unmarshal(e.Data, &req); err != nil {
		return fmt.Errorf("decode risk request: %w", err)
	}
	d, err := s.Evaluate(ctx, req)
	if err != nil {
		return err
	}
	if _, err := s.bus.Append(ctx, stream.RiskResponses, d); err != nil {
		return err
	}
	return nil
}

func (s *Service) count(d types.RiskDecision) {
	result := "approved"
	if !d.OK {
		result = string(d.Reason)
	}
	s.m.Decisions.WithLabelValues(result).Inc()
}

// notifyRejection is best-effort; a notification failure never turns an
// evaluated decision into a handler error.
func (s *Service) notifyRejection(ctx context.Context, req types.RiskRequest, d types.RiskDecision) {
	ev := types.Event{
		Type:     types.EventRiskRejected,
		Severity: types.SeverityInfo,
		Message:  fmt.Sprintf("signal for %s rejected: %s", req.Symbol, d.Reason),
		Context: map[string]any{
			"symbol":     req.Symbol,
			"side":       req.Side,
			"confidence": req.Confidence,
			"reason":     d.Reason,
		},
		RequestID: req.RequestID,
		TraceID:   req.TraceID,
		TS:        time.Now().UTC(),
	}
	if _, err := s.bus.Append(ctx, stream.NotifyEvents, ev); err != nil {
		s.logger.Warn("rejection notify failed", "request_id", req.RequestID, "error", err)
	}
}

type evaluateRequest struct {
	RequestID  string     `json:"requestId"`
	Symbol     string     `json:"symbol"`
	Side       types.Side `json:"side"`
	Confidence float64    `json:"confidence"`
}

// Routes registers the worker's endpoints on mux.
func (s *Service) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", web.Health())
	mux.HandleFunc("GET /status", web.Status(s.snapshot))
	mux.Handle("GET /metrics", s.m.Handler())
	mux.HandleFunc("POST /risk/evaluate", s.handleEvaluate)
}

func (s *Service) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var in evaluateRequest
	if err := web.Decode(r, &in); err != nil {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "invalid request body")
		return
	}
	if in.Symbol == "" || !in.Side.Valid() {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "symbol and a valid side are required")
		return
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "confidence must be in [0,1]")
		return
	}

	req := types.RiskRequest{
		RequestID:  in.RequestID,
		Symbol:     in.Symbol,
		Side:       in.Side,
		Confidence: in.Confidence,
		TraceID:    web.TraceIDFrom(r.Context()),
		TS:         time.Now().UTC(),
	}
	if req.RequestID == "" {
		req.RequestID = web.RequestIDFrom(r.Context())
	}

	d, err := s.Evaluate(r.Context(), req)
	if err != nil {
		s.logger.Error("evaluation failed", "request_id", req.RequestID, "error", err)
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "evaluation failed")
		return
	}
	web.JSON(w, http.StatusOK, d)
}

func (s *Service) snapshot() any {
	return map[string]any{
		"service":        "risk",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"group":          Group,
	}
}
