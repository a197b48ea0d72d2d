package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	json "github.com/goccy/go-json"

	"tradefleet/internal/config"
	"tradefleet/internal/metrics"
	"tradefleet/internal/stream"
	"tradefleet/internal/web"
	"tradefleet/pkg/types"
)

// Group is this worker's consumer group on notify.events.
const Group = "notifier"

// Service is the notifier worker.
type Service struct {
	cfg     config.NotifyConfig
	store   EventStore
	hub     *Hub
	bus     *stream.Bus
	client  *resty.Client
	logger  *slog.Logger
	m       *metrics.Registry
	started time.Time
}

func NewService(cfg config.NotifyConfig, store EventStore, hub *Hub, bus *stream.Bus, logger *slog.Logger, m *metrics.Registry) *Service {
	return &Service{
		cfg:     cfg,
		store:   store,
		hub:     hub,
		bus:     bus,
		client:  web.NewClient(""),
		logger:  logger.With("component", "notifier"),
		m:       m,
		started: time.Now(),
	}
}

// sinkFor maps severity to the configured webhook URL; empty means no sink.
func (s *Service) sinkFor(severity types.Severity) string {
	switch severity {
	case types.SeverityWarning:
		return s.cfg.SinkWarningURL
	case types.SeverityCritical:
		return s.cfg.SinkCriticalURL
	default:
		return s.cfg.SinkInfoURL
	}
}

// sinkPayload is the JSON shape posted to webhook sinks.
type sinkPayload struct {
	Text      string         `json:"text"`
	Type      string         `json:"type"`
	Severity  types.Severity `json:"severity"`
	Context   map[string]any `json:"context,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	TraceID   string         `json:"traceId,omitempty"`
	TS        time.Time      `json:"ts"`
}

// formatPayload renders an event for a webhook sink.
func formatPayload(ev types.Event) sinkPayload {
	text := ev.Message
	if text == "" {
		text = ev.Type
	}
	return sinkPayload{
		Text:      fmt.Sprintf("[%s] %s", ev.Severity, text),
		Type:      ev.Type,
		Severity:  ev.Severity,
		Context:   ev.Context,
		RequestID: ev.RequestID,
		TraceID:   ev.TraceID,
		TS:        ev.TS,
	}
}

// Deliver persists the event, feeds the live stream, and posts it to the
// severity-selected sink. A sink failure is returned so the stream runtime
// retries delivery; on a retry the store dedupes the persisted copy and the
// broadcast is skipped, so only the webhook post repeats.
func (s *Service) Deliver(ctx context.Context, ev types.Event) error {
	if !ev.Severity.Valid() {
		ev.Severity = types.SeverityInfo
	}

	added, err := s.store.Add(ctx, ev)
	if err != nil {
		return err
	}
	if added {
		s.hub.Broadcast(ev)
	}

	url := s.sinkFor(ev.Severity)
	if url == "" {
		return nil
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(formatPayload(ev)).
		Post(url)
	if err != nil {
		s.m.WebhookDeliveries.WithLabelValues(string(ev.Severity), "error").Inc()
		return fmt.Errorf("notifier: post %s sink: %w", ev.Severity, err)
	}
	if resp.IsError() {
		s.m.WebhookDeliveries.WithLabelValues(string(ev.Severity), "fail").Inc()
		return fmt.Errorf("notifier: %s sink answered %d", ev.Severity, resp.StatusCode())
	}

	s.m.WebhookDeliveries.WithLabelValues(string(ev.Severity), "ok").Inc()
	s.logger.Info("event delivered", "type", ev.Type, "severity", ev.Severity, "trace_id", ev.TraceID)
	return nil
}

// Run consumes notify.events until ctx is canceled. Failed webhook posts
// ride the runtime's retry budget and then land in notify.events.dlq.
func (s *Service) Run(ctx context.Context, idempTTL time.Duration, maxFailures int) error {
	return s.bus.Consume(ctx, stream.ConsumerConfig{
		Stream:         stream.NotifyEvents,
		Group:          Group,
		Consumer:       "notifier-" + uuid.NewString()[:8],
		IdempotencyTTL: idempTTL,
		MaxFailures:    maxFailures,
		Handler:        s.handleEvent,
	})
}

func (s *Service) handleEvent(ctx context.Context, e stream.Entry) error {
	var ev types.Event
	if err := json.Unmarshal(e.Data, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return s.Deliver(ctx, ev)
}

// Routes registers the worker's endpoints on mux; admin carries the token
// middleware.
func (s *Service) Routes(mux *http.ServeMux, adminToken string) {
	mux.HandleFunc("GET /health", web.Health())
	mux.HandleFunc("GET /status", web.Status(s.snapshot))
	mux.Handle("GET /metrics", s.m.Handler())
	mux.HandleFunc("POST /notify", s.handleNotify)
	mux.HandleFunc("GET /notify/recent", s.handleRecent)
	mux.HandleFunc("GET /notify/stream", s.hub.HandleWS)
	mux.Handle("POST /admin/notify/ack",
		web.RequireAdmin(adminToken)(http.HandlerFunc(s.handleAck)))
}

func (s *Service) handleNotify(w http.ResponseWriter, r *http.Request) {
	var ev types.Event
	if err := web.Decode(r, &ev); err != nil {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "invalid request body")
		return
	}
	if ev.Type == "" {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "type is required")
		return
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if ev.TraceID == "" {
		ev.TraceID = web.TraceIDFrom(r.Context())
	}

	if _, err := s.bus.Append(r.Context(), stream.NotifyEvents, ev); err != nil {
		s.logger.Error("notify append failed", "error", err)
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "event not accepted")
		return
	}
	web.JSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Service) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := RecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			web.Error(w, http.StatusBadRequest, web.CodeValidation, "limit must be a positive integer")
			return
		}
		limit = v
	}
	events, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("recent read failed", "error", err)
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "recent events unavailable")
		return
	}
	web.JSON(w, http.StatusOK, map[string]any{"events": events})
}

type ackRequest struct {
	TraceID   string `json:"traceId"`
	RequestID string `json:"requestId"`
}

func (s *Service) handleAck(w http.ResponseWriter, r *http.Request) {
	var in ackRequest
	if err := web.Decode(r, &in); err != nil {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "invalid request body")
		return
	}
	id := in.TraceID
	if id == "" {
		id = in.RequestID
	}
	if id == "" {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "traceId or requestId is required")
		return
	}

	ok, err := s.store.Ack(r.Context(), id)
	if err != nil {
		s.logger.Error("ack failed", "id", id, "error", err)
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "ack failed")
		return
	}
	if !ok {
		web.Error(w, http.StatusNotFound, web.CodeNotFound, "no event recorded for that id")
		return
	}
	web.JSON(w, http.StatusOK, map[string]any{"acked": id})
}

func (s *Service) snapshot() any {
	return map[string]any{
		"service":        "notifier",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"group":          Group,
		"sinks": map[string]bool{
			"info":     s.cfg.SinkInfoURL != "",
			"warning":  s.cfg.SinkWarningURL != "",
			"critical": s.cfg.SinkCriticalURL != "",
		},
	}
}
