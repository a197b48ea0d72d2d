package analyst

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	json "github.com/goccy/go-json"

	"tradefleet/internal/metrics"
	"tradefleet/internal/stream"
	"tradefleet/internal/web"
	"tradefleet/pkg/types"
)

// Group is this worker's consumer group on orchestrator.commands.
const Group = "analyst"

// Service is the analyst worker: the /analysis/analyze endpoint plus the
// command-stream consumer that turns run commands into signals.
type Service struct {
	source  PriceSource
	bus     *stream.Bus
	logger  *slog.Logger
	m       *metrics.Registry
	started time.Time
}

func NewService(source PriceSource, bus *stream.Bus, logger *slog.Logger, m *metrics.Registry) *Service {
	return &Service{
		source:  source,
		bus:     bus,
		logger:  logger.With("component", "analyst"),
		m:       m,
		started: time.Now(),
	}
}

// Analyze produces the signal for one request. An operator override on the
// command (explicit side plus confidence) passes through unchanged;
// otherwise side and confidence come from the price source.
func (s *Service) Analyze(ctx context.Context, cmd types.Command) (types.Signal, error) {
	sig := types.Signal{
		RequestID: cmd.RequestID,
		Symbol:    cmd.Symbol,
		TraceID:   cmd.TraceID,
		TS:        time.Now().UTC(),
	}

	if cmd.Side.Valid() && cmd.Confidence != nil {
		sig.Side = cmd.Side
		sig.Confidence = clamp01(*cmd.Confidence)
	} else {
		prices, err := s.source.Recent(ctx, cmd.Symbol, seriesLen)
		if err != nil {
			return types.Signal{}, fmt.Errorf("analyst: %w", err)
		}
		sig.Side, sig.Confidence = Derive(prices)
	}

	if err := sig.Validate(); err != nil {
		return types.Signal{}, err
	}
	s.logger.Info("signal produced",
		"request_id", sig.RequestID, "symbol", sig.Symbol,
		"side", sig.Side, "confidence", sig.Confidence)
	return sig, nil
}

// Run consumes orchestrator.commands until ctx is canceled. Only run
// commands produce signals; halt, unhalt and stop are acked untouched, they
// live on the stream for visibility.
func (s *Service) Run(ctx context.Context, idempTTL time.Duration, maxFailures int) error {
	return s.bus.Consume(ctx, stream.ConsumerConfig{
		Stream:           stream.Commands,
		Group:            Group,
		Consumer:         "analyst-" + uuid.NewString()[:8],
		IdempotencyKeyFn: stream.FieldKey("requestId"),
		IdempotencyTTL:   idempTTL,
		MaxFailures:      maxFailures,
		Handler:          s.handleCommand,
	})
}

func (s *Service) handleCommand(ctx context.Context, e stream.Entry) error {
	var cmd types.Command
	if err := json.Unmarshal(e.Data, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	if cmd.Type != types.CommandRun {
		return nil
	}
	sig, err := s.Analyze(ctx, cmd)
	if err != nil {
		return err
	}
	if _, err := s.bus.Append(ctx, stream.Signals, sig); err != nil {
		return err
	}
	return nil
}

// Routes registers the worker's endpoints on mux.
func (s *Service) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", web.Health())
	mux.HandleFunc("GET /status", web.Status(s.snapshot))
	mux.Handle("GET /metrics", s.m.Handler())
	mux.HandleFunc("POST /analysis/analyze", s.handleAnalyze)
}

type analyzeRequest struct {
	RequestID  string     `json:"requestId"`
	Symbol     string     `json:"symbol"`
	Side       types.Side `json:"side,omitempty"`
	Confidence *float64   `json:"confidence,omitempty"`
}

func (s *Service) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var in analyzeRequest
	if err := web.Decode(r, &in); err != nil {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "invalid request body")
		return
	}
	if in.Symbol == "" {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "symbol is required")
		return
	}

	cmd := types.Command{
		Type:       types.CommandRun,
		RequestID:  in.RequestID,
		Symbol:     in.Symbol,
		Side:       in.Side,
		Confidence: in.Confidence,
		TraceID:    web.TraceIDFrom(r.Context()),
	}
	if cmd.RequestID == "" {
		cmd.RequestID = web.RequestIDFrom(r.Context())
	}

	sig, err := s.Analyze(r.Context(), cmd)
	if err != nil {
		s.logger.Error("analysis failed", "request_id", cmd.RequestID, "error", err)
		web.Error(w, http.StatusBadGateway, web.CodeDownstream, "analysis failed")
		return
	}
	web.JSON(w, http.StatusOK, sig)
}

func (s *Service) snapshot() any {
	return map[string]any{
		"service":        "analyst",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"group":          Group,
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
