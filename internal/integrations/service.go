package integrations

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
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
const Group = "integrations"

// Service is the integrations broker worker.
type Service struct {
	deps    Deps
	bus     *stream.Bus
	logger  *slog.Logger
	m       *metrics.Registry
	started time.Time
}

func NewService(deps Deps, bus *stream.Bus, logger *slog.Logger, m *metrics.Registry) *Service {
	return &Service{
		deps:    deps,
		bus:     bus,
		logger:  logger.With("component", "integrations"),
		m:       m,
		started: time.Now(),
	}
}

// WebhookDeps builds the outbound targets from config. Unset URLs leave the
// corresponding target nil so the broker skips it.
func WebhookDeps(cfg config.IntegrationsConfig) Deps {
	client := web.NewClient("")
	var deps Deps
	if cfg.TicketWebhookURL != "" {
		deps.CreateTicket = postAction(client, cfg.TicketWebhookURL, func(ev types.Event) any {
			return formatTicket(ev)
		})
	}
	if cfg.KBWebhookURL != "" {
		deps.WriteKB = postAction(client, cfg.KBWebhookURL, func(ev types.Event) any {
			return formatKB(ev)
		})
	}
	return deps
}

func postAction(client *resty.Client, url string, body func(types.Event) any) Action {
	return func(ctx context.Context, ev types.Event) error {
		resp, err := client.R().
			SetContext(ctx).
			SetBody(body(ev)).
			Post(url)
		if err != nil {
			return fmt.Errorf("integrations: post %s: %w", url, err)
		}
		if resp.IsError() {
			return &RemoteError{Status: resp.StatusCode()}
		}
		return nil
	}
}

// Handle runs the broker for one event and records per-target metrics.
// Target failures are logged, not returned: a flaky ticketing endpoint must
// not park every critical event in the DLQ while the other target already
// succeeded.
func (s *Service) Handle(ctx context.Context, ev types.Event) Outcome {
	out := HandleEvent(ctx, ev, s.deps)
	if !out.Acted {
		return out
	}
	for _, target := range out.Targets {
		s.m.IntegrationActions.WithLabelValues(target.Target, target.Result).Inc()
		if target.Err != nil {
			s.logger.Error("integration target failed",
				"target", target.Target, "result", target.Result,
				"event_type", ev.Type, "trace_id", ev.TraceID, "error", target.Err)
			continue
		}
		s.logger.Info("integration action done",
			"target", target.Target, "event_type", ev.Type, "trace_id", ev.TraceID)
	}
	return out
}

// Run consumes notify.events until ctx is canceled. Like the notifier, no
// idempotency key: events carry no unique id of their own.
func (s *Service) Run(ctx context.Context, idempTTL time.Duration, maxFailures int) error {
	return s.bus.Consume(ctx, stream.ConsumerConfig{
		Stream:         stream.NotifyEvents,
		Group:          Group,
		Consumer:       "integrations-" + uuid.NewString()[:8],
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
	s.Handle(ctx, ev)
	return nil
}

// Routes registers the worker's endpoints on mux.
func (s *Service) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", web.Health())
	mux.HandleFunc("GET /status", web.Status(s.snapshot))
	mux.Handle("GET /metrics", s.m.Handler())
}

func (s *Service) snapshot() any {
	return map[string]any{
		"service":        "integrations",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"group":          Group,
		"targets": map[string]bool{
			TargetTicket: s.deps.CreateTicket != nil,
			TargetKB:     s.deps.WriteKB != nil,
		},
	}
}
