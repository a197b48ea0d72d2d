package executor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	json "github.com/goccy/go-json"

	"tradefleet/internal/exchange"
	"tradefleet/internal/metrics"
	"tradefleet/internal/stream"
	"tradefleet/internal/web"
	"tradefleet/pkg/types"
)

// Group is this worker's consumer group on exec.orders.
const Group = "executor"

// Reasons carried on non-filled statuses.
const (
	ReasonInvalidOrder     = "invalid_order"
	ReasonVenueRejected    = "venue_rejected"
	ReasonVenueUnavailable = "venue_unavailable"
)

// Service is the executor worker.
type Service struct {
	adapter exchange.Adapter
	store   OrderStore
	bus     *stream.Bus
	logger  *slog.Logger
	m       *metrics.Registry
	started time.Time
}

func NewService(adapter exchange.Adapter, store OrderStore, bus *stream.Bus, logger *slog.Logger, m *metrics.Registry) *Service {
	return &Service{
		adapter: adapter,
		store:   store,
		bus:     bus,
		logger:  logger.With("component", "executor"),
		m:       m,
		started: time.Now(),
	}
}

// Submit drives one order to a terminal status and emits it on exec.status.
// A repeated orderId whose state is already terminal returns that state
// without touching the venue, so at most one terminal emission happens per
// order. The returned error marks infrastructure trouble (KV, bus) that the
// caller should retry; venue outcomes always come back as a status.
func (s *Service) Submit(ctx context.Context, o types.Order) (types.ExecStatus, error) {
	if err := o.Validate(); err != nil {
		s.logger.Warn("order rejected", "order_id", o.OrderID, "error", err)
		return s.settle(ctx, o, types.ExecStatus{
			Status: types.StatusRejected,
			Reason: ReasonInvalidOrder,
		})
	}

	prev, found, err := s.store.Get(ctx, o.OrderID)
	if err != nil {
		return types.ExecStatus{}, err
	}
	if found && prev.Status.Terminal() {
		s.logger.Info("order_duplicate_skip", "order_id", o.OrderID, "status", prev.Status)
		return prev, nil
	}

	res, err := s.adapter.PlaceOrder(ctx, exchange.PlaceRequest{
		OrderID: o.OrderID,
		Symbol:  o.Symbol,
		Side:    o.Side,
		Qty:     o.Qty,
	})
	if err != nil {
		// The venue could not be reached. This is still a terminal
		// outcome for the order; a retry needs a fresh requestId.
		s.logger.Error("venue call failed", "order_id", o.OrderID, "venue", s.adapter.Name(), "error", err)
		return s.settle(ctx, o, types.ExecStatus{
			Status: types.StatusFailed,
			Reason: ReasonVenueUnavailable,
		})
	}
	if !res.Filled {
		return s.settle(ctx, o, types.ExecStatus{
			Status: types.StatusRejected,
			Reason: ReasonVenueRejected,
		})
	}

	return s.settle(ctx, o, types.ExecStatus{
		Status: types.StatusFilled,
		Price:  &res.Price,
		Fee:    &res.Fee,
		Profit: &res.Profit,
	})
}

// settle completes the order's identity fields, persists the state, and
// publishes it. Persist-then-publish: a crash between the two leaves a
// terminal record that suppresses re-submission on redelivery.
func (s *Service) settle(ctx context.Context, o types.Order, st types.ExecStatus) (types.ExecStatus, error) {
	st.OrderID = o.OrderID
	st.Symbol = o.Symbol
	st.Side = o.Side
	st.Qty = o.Qty
	st.TraceID = o.TraceID
	st.TS = time.Now().UTC()

	if st.OrderID != "" {
		if err := s.store.Save(ctx, st); err != nil {
			return types.ExecStatus{}, err
		}
	}
	if _, err := s.bus.Append(ctx, stream.ExecStatus, st); err != nil {
		return types.ExecStatus{}, err
	}

	s.m.Orders.WithLabelValues(string(st.Status)).Inc()
	s.logger.Info("order settled",
		"order_id", st.OrderID, "symbol", st.Symbol, "side", st.Side,
		"status", st.Status, "reason", st.Reason, "venue", s.adapter.Name())
	s.notify(ctx, st)
	return st, nil
}

// notify publishes the human-visible outcome; failures only log.
func (s *Service) notify(ctx context.Context, st types.ExecStatus) {
	ev := types.Event{
		Severity:  types.SeverityInfo,
		RequestID: st.OrderID,
		TraceID:   st.TraceID,
		TS:        st.TS,
		Context: map[string]any{
			"symbol": st.Symbol,
			"side":   st.Side,
			"status": st.Status,
		},
	}
	switch st.Status {
	case types.StatusFilled:
		ev.Type = types.EventOrderFilled
		if st.Profit != nil {
			ev.Message = fmt.Sprintf("%s %s filled, profit %.2f", st.Symbol, st.Side, *st.Profit)
			ev.Context["profit"] = *st.Profit
		}
	case types.StatusFailed:
		ev.Type = types.EventOrderFailed
		ev.Severity = types.SeverityWarning
		ev.Message = fmt.Sprintf("%s %s failed: %s", st.Symbol, st.Side, st.Reason)
	default:
		return
	}
	if _, err := s.bus.Append(ctx, stream.NotifyEvents, ev); err != nil {
		s.logger.Warn("order notify failed", "order_id", st.OrderID, "error", err)
	}
}

// Run consumes exec.orders until ctx is canceled.
func (s *Service) Run(ctx context.Context, idempTTL time.Duration, maxFailures int) error {
	return s.bus.Consume(ctx, stream.ConsumerConfig{
		Stream:           stream.ExecOrders,
		Group:            Group,
		Consumer:         "executor-" + uuid.NewString()[:8],
		IdempotencyKeyFn: stream.FieldKey("orderId"),
		IdempotencyTTL:   idempTTL,
		MaxFailures:      maxFailures,
		Handler:          s.handleOrder,
	})
}

func (s *Service) handleOrder(ctx context.Context, e stream.Entry) error {
	var o types.Order
	if err := json.Unmarshal(e.Data, &o); err != nil {
		return fmt.Errorf("decode order: %w", err)
	}
	_, err := s.Submit(ctx, o)
	return err
}

// Routes registers the worker's endpoints on mux.
func (s *Service) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", web.Health())
	mux.HandleFunc("GET /status", web.Status(s.snapshot))
	mux.Handle("GET /metrics", s.m.Handler())
	mux.HandleFunc("POST /trade/submit", s.handleSubmit)
}

type submitRequest struct {
	OrderID string     `json:"orderId"`
	Symbol  string     `json:"symbol"`
	Side    types.Side `json:"side"`
	Qty     float64    `json:"qty"`
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in submitRequest
	if err := web.Decode(r, &in); err != nil {
		web.Error(w, http.StatusBadRequest, web.CodeValidation, "invalid request body")
		return
	}

	o := types.Order{
		OrderID: in.OrderID,
		Symbol:  in.Symbol,
		Side:    in.Side,
		Qty:     in.Qty,
		TraceID: web.TraceIDFrom(r.Context()),
		TS:      time.Now().UTC(),
	}
	if o.OrderID == "" {
		o.OrderID = web.RequestIDFrom(r.Context())
	}

	st, err := s.Submit(r.Context(), o)
	if err != nil {
		s.logger.Error("submit failed", "order_id", o.OrderID, "error", err)
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "order submission failed")
		return
	}
	web.JSON(w, http.StatusOK, st)
}

func (s *Service) snapshot() any {
	return map[string]any{
		"service":        "executor",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"venue":          s.adapter.Name(),
		"group":          Group,
	}
}
