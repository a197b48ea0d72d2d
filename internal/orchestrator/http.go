package orchestrator

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	json "github.com/goccy/go-json"

	"tradefleet/internal/auditlog"
	"tradefleet/internal/pnl"
	"tradefleet/internal/stream"
	"tradefleet/internal/web"
	"tradefleet/pkg/types"
)

// Routes registers the orchestrator's endpoints on mux.
func (s *Service) Routes(mux *http.ServeMux, adminToken string) {
	mux.HandleFunc("GET /health", web.Health())
	mux.HandleFunc("GET /status", web.Status(s.snapshot))
	mux.Handle("GET /metrics", s.m.Handler())

	mux.HandleFunc("POST /orchestrate/run", s.handleRun)
	mux.HandleFunc("POST /orchestrate/stop", s.handleStop)
	mux.HandleFunc("GET /pnl/status", s.handlePnLStatus)

	admin := web.RequireAdmin(adminToken)
	mux.Handle("POST /admin/pnl/reset", admin(http.HandlerFunc(s.handlePnLReset)))
	mux.Handle("POST /admin/orchestrate/halt", admin(http.HandlerFunc(s.handleHalt)))
	mux.Handle("POST /admin/orchestrate/unhalt", admin(http.HandlerFunc(s.handleUnhalt)))
	mux.Handle("GET /admin/streams/pending", admin(http.HandlerFunc(s.handleStreamsPending)))
	mux.Handle("GET /admin/streams/dlq", admin(http.HandlerFunc(s.handleDLQList)))
	mux.Handle("POST /admin/streams/dlq/requeue", admin(http.HandlerFunc(s.handleDLQRequeue)))
	mux.Handle("GET /admin/audit/runs", admin(http.HandlerFunc(s.handleAuditRuns)))
	// Chat checks the token itself: read-only intents are open, mutating
	// ones demand it.
	mux.HandleFunc("POST /chat", s.chatHandler(adminToken))
}

type runRequest struct {
	Symbol     string         `json:"symbol"`
	Mode       types.CommMode `json:"mode,omitempty"`
	Side       types.Side     `json:"side,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
}

// runChain is the synchronous-mode response body.
type runChain struct {
	RequestID string              `json:"requestId"`
	Signal    *types.Signal       `json:"signal,omitempty"`
	Decision  *types.RiskDecision `json:"decision,omitempty"`
	Execution *types.ExecStatus   `json:"execution,omitempty"`
	Reason    string              `json:"reason,omitempty"`
}

func (s *Service) handleRun(w http.ResponseWriter, r *http.Request) {
	var in runRequest
	if err := web.Decode(r, &in); err != nil {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "invalid request body")
		return
	}
	s.startRun(w, r, in)
}

func (s *Service) startRun(w http.ResponseWriter, r *http.Request, in runRequest) {
	if in.Symbol == "" {
		in.Symbol = defaultSymbol
	}
	mode := in.Mode
	if mode == "" {
		mode = s.cfg.Service.Mode()
	}
	if !mode.Valid() {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, fmt.Sprintf("unknown mode %q", mode))
		return
	}
	if in.Confidence != nil && (*in.Confidence < 0 || *in.Confidence > 1) {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "confidence outside [0,1]")
		return
	}

	ctx := r.Context()
	if _, err := s.ledger.InitDay(ctx, s.day()); err != nil {
		s.logger.Error("day init failed", "error", err)
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "ledger unavailable")
		return
	}
	halted, day, err := s.halted(ctx)
	if err != nil {
		s.logger.Error("halt check failed", "error", err)
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "ledger unavailable")
		return
	}
	if halted {
		web.JSON(w, http.StatusConflict, map[string]any{
			"error": "trading halted",
			"code":  web.CodeConflict,
			"pnl":   day,
		})
		return
	}

	requestID := uuid.NewString()
	traceID := uuid.NewString()
	ctx = web.WithIDs(ctx, requestID, traceID)

	if err := s.rec.RecordRun(ctx, auditlog.RunRecord{
		RequestID:  requestID,
		TraceID:    traceID,
		Symbol:     in.Symbol,
		Mode:       string(mode),
		AcceptedAt: s.now().UTC(),
	}); err != nil {
		s.logger.Warn("audit record failed", "request_id", requestID, "error", err)
	}
	s.m.RunsAccepted.WithLabelValues(string(mode)).Inc()
	s.tracker.Accept(Run{
		RequestID: requestID,
		Symbol:    in.Symbol,
		Mode:      mode,
		TraceID:   traceID,
	})
	s.logger.Info("run accepted",
		"request_id", requestID, "trace_id", traceID, "symbol", in.Symbol, "mode", mode)

	switch mode {
	case types.ModeHTTP:
		s.runSync(w, r.WithContext(ctx), requestID, traceID, in, true)
	case types.ModeHybrid:
		s.runSync(w, r.WithContext(ctx), requestID, traceID, in, false)
	default:
		s.runAsync(w, r.WithContext(ctx), requestID, traceID, in)
	}
}

// runAsync appends a run command and returns immediately; the consumer
// fleet does the rest.
func (s *Service) runAsync(w http.ResponseWriter, r *http.Request, requestID, traceID string, in runRequest) {
	_, err := s.bus.Append(r.Context(), stream.Commands, types.Command{
		Type:       types.CommandRun,
		RequestID:  requestID,
		Symbol:     in.Symbol,
		Mode:       types.ModePubSub,
		Side:       in.Side,
		Confidence: in.Confidence,
		TraceID:    traceID,
		TS:         s.now().UTC(),
	})
	if err != nil {
		s.logger.Error("run command append failed", "request_id", requestID, "error", err)
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "run not accepted")
		return
	}
	web.JSON(w, http.StatusAccepted, map[string]string{"requestId": requestID, "mode": string(types.ModePubSub)})
}

// runSync walks analyst and risk over HTTP. With syncExec the executor is
// called in-band too; otherwise the approved order goes out on the stream
// and the executor answers asynchronously.
func (s *Service) runSync(w http.ResponseWriter, r *http.Request, requestID, traceID string, in runRequest, syncExec bool) {
	ctx := r.Context()
	chain := runChain{RequestID: requestID}

	var sig types.Signal
	resp, err := s.analyst.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"requestId":  requestID,
			"symbol":     in.Symbol,
			"side":       in.Side,
			"confidence": in.Confidence,
		}).
		SetResult(&sig).
		Post("/analysis/analyze")
	if err != nil || resp.IsError() {
		s.pipelineFailed(w, r, requestID, traceID, "analyst", err, resp)
		return
	}
	s.tracker.Observe(requestID, sig.Side, sig.Confidence)
	s.tracker.Advance(requestID, PhaseAnalyzing)
	s.tracker.Advance(requestID, PhaseEvaluating)
	chain.Signal = &sig

	var decision types.RiskDecision
	resp, err = s.risk.R().
		SetContext(ctx).
		SetBody(types.RiskRequest{
			RequestID:  requestID,
			Symbol:     sig.Symbol,
			Side:       sig.Side,
			Confidence: sig.Confidence,
			TraceID:    traceID,
			TS:         s.now().UTC(),
		}).
		SetResult(&decision).
		Post("/risk/evaluate")
	if err != nil || resp.IsError() {
		s.pipelineFailed(w, r, requestID, traceID, "risk", err, resp)
		return
	}
	chain.Decision = &decision

	if !decision.OK {
		s.tracker.Advance(requestID, PhaseRejected)
		s.m.Decisions.WithLabelValues("rejected").Inc()
		chain.Reason = string(decision.Reason)
		web.JSON(w, http.StatusAccepted, chain)
		return
	}
	s.m.Decisions.WithLabelValues("approved").Inc()

	halted, _, err := s.halted(ctx)
	if err != nil {
		s.logger.Error("halt re-check failed", "request_id", requestID, "error", err)
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "ledger unavailable")
		return
	}
	if halted {
		s.tracker.Advance(requestID, PhaseRejected)
		chain.Reason = "halted"
		web.JSON(w, http.StatusConflict, chain)
		return
	}
	s.tracker.Advance(requestID, PhaseApproved)
	s.tracker.Advance(requestID, PhaseSubmitting)

	order := types.Order{
		OrderID: requestID,
		Symbol:  sig.Symbol,
		Side:    sig.Side,
		Qty:     defaultQty,
		TraceID: traceID,
		TS:      s.now().UTC(),
	}

	if !syncExec {
		if _, err := s.bus.Append(ctx, stream.ExecOrders, order); err != nil {
			s.logger.Error("order append failed", "request_id", requestID, "error", err)
			web.Error(w, http.StatusInternalServerError, web.CodeInternal, "order not accepted")
			return
		}
		web.JSON(w, http.StatusAccepted, chain)
		return
	}

	var st types.ExecStatus
	resp, err = s.executor.R().
		SetContext(ctx).
		SetBody(order).
		SetResult(&st).
		Post("/trade/submit")
	if err != nil || resp.IsError() {
		s.pipelineFailed(w, r, requestID, traceID, "executor", err, resp)
		return
	}
	chain.Execution = &st
	web.JSON(w, http.StatusAccepted, chain)
}

// pipelineFailed reports a broken synchronous chain: 502 to the caller and
// a pipeline_failed event for visibility.
func (s *Service) pipelineFailed(w http.ResponseWriter, r *http.Request, requestID, traceID, stage string, err error, resp *resty.Response) {
	detail := "transport error"
	if err == nil && resp != nil {
		detail = fmt.Sprintf("status %d", resp.StatusCode())
	}
	s.tracker.Advance(requestID, PhaseFailed)
	s.logger.Error("pipeline stage failed",
		"request_id", requestID, "stage", stage, "detail", detail, "error", err)
	s.notify(r.Context(), types.Event{
		Type:      types.EventPipelineFailed,
		Severity:  types.SeverityWarning,
		Message:   fmt.Sprintf("%s stage failed: %s", stage, detail),
		RequestID: requestID,
		TraceID:   traceID,
	})
	web.Error(w, http.StatusBadGateway, web.CodeDownstream, fmt.Sprintf("%s unavailable", stage))
}

func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	if _, err := s.bus.Append(r.Context(), stream.Commands, types.Command{
		Type:      types.CommandStop,
		RequestID: requestID,
		TraceID:   web.TraceIDFrom(r.Context()),
		TS:        s.now().UTC(),
	}); err != nil {
		s.logger.Error("stop command append failed", "error", err)
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "stop not accepted")
		return
	}
	web.JSON(w, http.StatusAccepted, map[string]string{"requestId": requestID})
}

func (s *Service) handlePnLStatus(w http.ResponseWriter, r *http.Request) {
	_, day, err := s.halted(r.Context())
	if err != nil {
		s.logger.Error("pnl read failed", "error", err)
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "ledger unavailable")
		return
	}
	web.JSON(w, http.StatusOK, day)
}

func (s *Service) handlePnLReset(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.ResetDay(r.Context(), s.day()); err != nil {
		s.logger.Error("pnl reset failed", "error", err)
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "reset failed")
		return
	}
	_, day, _ := s.halted(r.Context())
	web.JSON(w, http.StatusOK, day)
}

type haltRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Service) handleHalt(w http.ResponseWriter, r *http.Request) {
	var in haltRequest
	_ = web.Decode(r, &in)
	if in.Reason == "" {
		in.Reason = pnl.ReasonManual
	}
	if err := s.setHalted(r, true, in.Reason); err != nil {
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "halt failed")
		return
	}
	_, day, _ := s.halted(r.Context())
	web.JSON(w, http.StatusOK, day)
}

func (s *Service) handleUnhalt(w http.ResponseWriter, r *http.Request) {
	if err := s.setHalted(r, false, ""); err != nil {
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "unhalt failed")
		return
	}
	_, day, _ := s.halted(r.Context())
	web.JSON(w, http.StatusOK, day)
}

// setHalted flips the flag and mirrors the operator action onto the command
// stream and the notifier for the rest of the fleet.
func (s *Service) setHalted(r *http.Request, halted bool, reason string) error {
	ctx := r.Context()
	if err := s.ledger.SetHalted(ctx, s.day(), halted, reason); err != nil {
		s.logger.Error("set halted failed", "halted", halted, "error", err)
		return err
	}

	cmdType := types.CommandUnhalt
	evType := types.EventManualUnhalt
	sev := types.SeverityInfo
	msg := "trading resumed by operator"
	if halted {
		cmdType = types.CommandHalt
		evType = types.EventManualHalt
		sev = types.SeverityWarning
		msg = fmt.Sprintf("trading halted by operator: %s", reason)
	}
	if _, err := s.bus.Append(ctx, stream.Commands, types.Command{
		Type:      cmdType,
		RequestID: uuid.NewString(),
		Reason:    reason,
		TraceID:   web.TraceIDFrom(ctx),
		TS:        s.now().UTC(),
	}); err != nil {
		s.logger.Warn("halt command append failed", "error", err)
	}
	s.notify(ctx, types.Event{
		Type:     evType,
		Severity: sev,
		Message:  msg,
		TraceID:  web.TraceIDFrom(ctx),
	})
	return nil
}

// knownStreams guards admin stream endpoints against arbitrary key reads.
var knownStreams = map[string]bool{
	stream.Commands:      true,
	stream.Signals:       true,
	stream.RiskRequests:  true,
	stream.RiskResponses: true,
	stream.ExecOrders:    true,
	stream.ExecStatus:    true,
	stream.NotifyEvents:  true,
	stream.OptRequests:   true,
	stream.OptResults:    true,
}

// consumerGroups lists every stream/group pair the fleet runs, for the
// pending report.
var consumerGroups = []stream.GroupRef{
	{Stream: stream.Commands, Group: "analyst"},
	{Stream: stream.Signals, Group: Group},
	{Stream: stream.RiskRequests, Group: "risk"},
	{Stream: stream.RiskResponses, Group: Group},
	{Stream: stream.ExecOrders, Group: "executor"},
	{Stream: stream.ExecStatus, Group: Group},
	{Stream: stream.NotifyEvents, Group: "notifier"},
	{Stream: stream.NotifyEvents, Group: "integrations"},
	{Stream: stream.OptRequests, Group: "optimizer"},
}

type pendingEntry struct {
	Stream   string `json:"stream"`
	Group    string `json:"group"`
	Pending  int64  `json:"pending"`
	DLQDepth int64  `json:"dlqDepth"`
}

func (s *Service) handleStreamsPending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	wantStream, wantGroup := q.Get("stream"), q.Get("group")

	out := make([]pendingEntry, 0, len(consumerGroups))
	for _, g := range consumerGroups {
		if wantStream != "" && g.Stream != wantStream {
			continue
		}
		if wantGroup != "" && g.Group != wantGroup {
			continue
		}
		entry := pendingEntry{Stream: g.Stream, Group: g.Group}
		if n, err := s.bus.PendingCount(ctx, g.Stream, g.Group); err == nil {
			entry.Pending = n
		}
		if n, err := s.bus.Len(ctx, stream.DLQName(g.Stream)); err == nil {
			entry.DLQDepth = n
		}
		out = append(out, entry)
	}
	web.JSON(w, http.StatusOK, out)
}

func (s *Service) handleDLQList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("stream")
	if !knownStreams[name] {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "unknown stream")
		return
	}
	from := q.Get("start")
	if from == "" {
		from = "-"
	}
	to := q.Get("end")
	if to == "" {
		to = "+"
	}
	count := int64(50)
	if raw := q.Get("count"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 || n > 1000 {
			web.Error(w, http.StatusBadRequest, web.CodeValidation, "count must be in [1,1000]")
			return
		}
		count = n
	}

	entries, err := s.bus.RangeDLQ(r.Context(), stream.DLQName(name), from, to, count)
	if err != nil {
		s.logger.Error("dlq range failed", "stream", name, "error", err)
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "dlq read failed")
		return
	}

	type dlqItem struct {
		ID       string             `json:"id"`
		Envelope stream.DLQEnvelope `json:"envelope"`
	}
	out := make([]dlqItem, 0, len(entries))
	for _, e := range entries {
		var env stream.DLQEnvelope
		if err := json.Unmarshal(e.Data, &env); err != nil {
			s.logger.Warn("malformed dlq envelope", "stream", name, "id", e.ID)
			continue
		}
		out = append(out, dlqItem{ID: e.ID, Envelope: env})
	}
	web.JSON(w, http.StatusOK, out)
}

// baseStream strips the ".dlq" suffix, rejecting names that lack it.
func baseStream(dlq string) (string, bool) {
	base := strings.TrimSuffix(dlq, ".dlq")
	return base, base != dlq && base != ""
}

type requeueRequest struct {
	DLQStream string `json:"dlqStream"`
	ID        string `json:"id"`
}

func (s *Service) handleDLQRequeue(w http.ResponseWriter, r *http.Request) {
	var in requeueRequest
	if err := web.Decode(r, &in); err != nil {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "invalid request body")
		return
	}
	base, ok := baseStream(in.DLQStream)
	if !ok || !knownStreams[base] {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "unknown dlq stream")
		return
	}
	if in.ID == "" {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "id is required")
		return
	}

	newID, err := s.bus.Requeue(r.Context(), in.DLQStream, in.ID)
	if errors.Is(err, stream.ErrNotFound) {
		web.Error(w, http.StatusNotFound, web.CodeNotFound, "dlq entry not found")
		return
	}
	if err != nil {
		s.logger.Error("requeue failed", "stream", in.DLQStream, "id", in.ID, "error", err)
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "requeue failed")
		return
	}
	s.logger.Info("dlq entry requeued", "stream", in.DLQStream, "id", in.ID, "new_id", newID)
	web.JSON(w, http.StatusOK, map[string]string{"requeuedAs": newID})
}

func (s *Service) handleAuditRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			web.Error(w, http.StatusBadRequest, web.CodeValidation, "limit must be in [1,500]")
			return
		}
		limit = n
	}
	runs, err := s.rec.RecentRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("audit read failed", "error", err)
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "audit log unavailable")
		return
	}
	if runs == nil {
		runs = []auditlog.RunRecord{}
	}
	web.JSON(w, http.StatusOK, runs)
}

func (s *Service) snapshot() any {
	return map[string]any{
		"service":        "orchestrator",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"group":          Group,
		"active_runs":    s.tracker.Active(),
		"mode":           s.cfg.Service.CommMode,
	}
}
