// Package orchestrator drives the trading pipeline: it accepts runs, routes
// them through analyst, risk, and executor by the configured communication
// mode, settles realized profit into the daily ledger, latches the halt on
// target, and feeds losses back into the optimizer.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"tradefleet/internal/auditlog"
	"tradefleet/internal/config"
	"tradefleet/internal/metrics"
	"tradefleet/internal/pnl"
	"tradefleet/internal/stream"
	"tradefleet/internal/web"
	"tradefleet/pkg/types"
)

// Group is the orchestrator's consumer group on every stream it reads.
const Group = "orchestrator"

// Order size per run. Sizing is not part of the pipeline contract yet;
// every order trades one unit and profit comes from the venue fill.
const defaultQty = 1.0

const defaultSymbol = "BTC-USD"

// Ledger is the slice of the PnL API the orchestrator drives.
type Ledger interface {
	InitDay(ctx context.Context, day string) (bool, error)
	Apply(ctx context.Context, day string, profitUsd float64) (pnl.ApplyResult, error)
	Get(ctx context.Context, day string) (types.PnLDay, error)
	Default(day string) types.PnLDay
	SetHalted(ctx context.Context, day string, halted bool, reason string) error
	ResetDay(ctx context.Context, day string) error
}

// Cooldown gates loss-triggered optimization requests.
type Cooldown interface {
	// TryAcquire reports whether the caller won the cooldown slot.
	TryAcquire(ctx context.Context) (bool, error)
}

const cooldownKey = "opt:cooldown:loss"

// RedisCooldown is the production Cooldown: SET NX EX on a shared key, so
// exactly one orchestrator instance triggers per window.
type RedisCooldown struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCooldown(rdb *redis.Client, ttl time.Duration) *RedisCooldown {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisCooldown{rdb: rdb, ttl: ttl}
}

func (c *RedisCooldown) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, cooldownKey, time.Now().UTC().Format(time.RFC3339), c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("orchestrator: cooldown setnx: %w", err)
	}
	return ok, nil
}

// Service is the orchestrator.
type Service struct {
	cfg      *config.Config
	bus      *stream.Bus
	ledger   Ledger
	cooldown Cooldown
	tracker  *Tracker
	rec      auditlog.Recorder

	analyst  *resty.Client
	risk     *resty.Client
	executor *resty.Client

	logger  *slog.Logger
	m       *metrics.Registry
	started time.Time

	now func() time.Time
}

func NewService(cfg *config.Config, bus *stream.Bus, ledger Ledger, cooldown Cooldown, rec auditlog.Recorder, logger *slog.Logger, m *metrics.Registry) *Service {
	return &Service{
		cfg:      cfg,
		bus:      bus,
		ledger:   ledger,
		cooldown: cooldown,
		tracker:  NewTracker(15*time.Minute, 10_000),
		rec:      rec,
		analyst:  web.NewClient(cfg.Siblings.AnalystURL),
		risk:     web.NewClient(cfg.Siblings.RiskURL),
		executor: web.NewClient(cfg.Siblings.ExecutorURL),
		logger:   logger.With("component", "orchestrator"),
		m:        m,
		started:  time.Now(),
		now:      time.Now,
	}
}

func (s *Service) day() string {
	return pnl.DayID(s.now())
}

// halted reports whether trading is currently halted, with the day record
// for the caller's response. An uninitialized day is not halted.
func (s *Service) halted(ctx context.Context) (bool, types.PnLDay, error) {
	day, err := s.ledger.Get(ctx, s.day())
	if err != nil {
		if err == pnl.ErrDayNotFound {
			return false, s.ledger.Default(s.day()), nil
		}
		return false, types.PnLDay{}, err
	}
	return day.Halted, day, nil
}

func (s *Service) notify(ctx context.Context, ev types.Event) {
	if ev.TS.IsZero() {
		ev.TS = s.now().UTC()
	}
	if _, err := s.bus.Append(ctx, stream.NotifyEvents, ev); err != nil {
		s.logger.Warn("notify failed", "type", ev.Type, "error", err)
	}
}

// Run starts the orchestrator's three consumer loops and blocks until ctx
// is canceled. Loops are independent; one failing to start does not stop
// the others, the first error after cancellation wins.
func (s *Service) Run(ctx context.Context, idempTTL time.Duration, maxFailures int) error {
	suffix := uuid.NewString()[:8]
	errs := make(chan error, 3)

	loops := []stream.ConsumerConfig{
		{
			Stream:           stream.Signals,
			Group:            Group,
			Consumer:         "orchestrator-" + suffix,
			IdempotencyKeyFn: stream.FieldKey("requestId"),
			IdempotencyTTL:   idempTTL,
			MaxFailures:      maxFailures,
			Handler:          s.handleSignal,
		},
		{
			Stream:           stream.RiskResponses,
			Group:            Group,
			Consumer:         "orchestrator-" + suffix,
			IdempotencyKeyFn: stream.FieldKey("requestId"),
			IdempotencyTTL:   idempTTL,
			MaxFailures:      maxFailures,
			Handler:          s.handleDecision,
		},
		{
			Stream:           stream.ExecStatus,
			Group:            Group,
			Consumer:         "orchestrator-" + suffix,
			IdempotencyKeyFn: stream.FieldKey("orderId"),
			IdempotencyTTL:   idempTTL,
			MaxFailures:      maxFailures,
			Handler:          s.handleExecStatus,
		},
	}

	for _, cfg := range loops {
		cfg := cfg
		go func() {
			errs <- s.bus.Consume(ctx, cfg)
		}()
	}

	var first error
	for range loops {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// handleSignal remembers the analyst's proposal and forwards it to risk.
func (s *Service) handleSignal(ctx context.Context, e stream.Entry) error {
	var sig types.Signal
	if err := json.Unmarshal(e.Data, &sig); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}
	if err := sig.Validate(); err != nil {
		s.logger.Warn("invalid signal dropped", "error", err)
		return nil
	}

	s.tracker.Observe(sig.RequestID, sig.Side, sig.Confidence)
	if !s.tracker.Advance(sig.RequestID, PhaseAnalyzing) {
		s.logger.Warn("signal for unknown or out-of-order run", "request_id", sig.RequestID)
	}
	s.tracker.Advance(sig.RequestID, PhaseEvaluating)

	_, err := s.bus.Append(ctx, stream.RiskRequests, types.RiskRequest{
		RequestID:  sig.RequestID,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Confidence: sig.Confidence,
		TraceID:    sig.TraceID,
		TS:         s.now().UTC(),
	})
	return err
}

// handleDecision turns an approved decision into an order, re-checking the
// halt flag first; a fill racing the halt latch would otherwise slip
// through after the day closed.
func (s *Service) handleDecision(ctx context.Context, e stream.Entry) error {
	var d types.RiskDecision
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return fmt.Errorf("decode decision: %w", err)
	}

	if !d.OK {
		s.tracker.Advance(d.RequestID, PhaseRejected)
		s.m.Decisions.WithLabelValues("rejected").Inc()
		return nil
	}
	s.m.Decisions.WithLabelValues("approved").Inc()

	halted, _, err := s.halted(ctx)
	if err != nil {
		return err
	}
	if halted {
		s.tracker.Advance(d.RequestID, PhaseRejected)
		s.logger.Info("approved run dropped, trading halted", "request_id", d.RequestID)
		return nil
	}

	run, ok := s.tracker.Get(d.RequestID)
	if !ok {
		s.logger.Warn("decision for unknown run, no order context", "request_id", d.RequestID)
		return nil
	}
	s.tracker.Advance(d.RequestID, PhaseApproved)
	s.tracker.Advance(d.RequestID, PhaseSubmitting)

	_, err = s.bus.Append(ctx, stream.ExecOrders, types.Order{
		OrderID: d.RequestID,
		Symbol:  run.Symbol,
		Side:    run.Side,
		Qty:     defaultQty,
		TraceID: d.TraceID,
		TS:      s.now().UTC(),
	})
	return err
}

// handleExecStatus settles terminal statuses into the ledger. Fills move
// PnL and may latch the halt; losses may trigger the optimizer.
func (s *Service) handleExecStatus(ctx context.Context, e stream.Entry) error {
	var st types.ExecStatus
	if err := json.Unmarshal(e.Data, &st); err != nil {
		return fmt.Errorf("decode exec status: %w", err)
	}
	if !st.Status.Terminal() {
		return nil
	}

	switch st.Status {
	case types.StatusFilled:
		s.tracker.Advance(st.OrderID, PhaseFilled)
	case types.StatusRejected, types.StatusCanceled:
		s.tracker.Advance(st.OrderID, PhaseRejected)
	default:
		s.tracker.Advance(st.OrderID, PhaseFailed)
	}

	if err := s.rec.RecordExec(ctx, st); err != nil {
		s.logger.Warn("audit record failed", "order_id", st.OrderID, "error", err)
	}

	if st.Status != types.StatusFilled || st.Profit == nil {
		return nil
	}
	return s.settleFill(ctx, st, *st.Profit)
}

func (s *Service) settleFill(ctx context.Context, st types.ExecStatus, profit float64) error {
	res, err := s.ledger.Apply(ctx, s.day(), profit)
	if err != nil {
		return err
	}
	s.logger.Info("pnl settled",
		"order_id", st.OrderID, "profit", profit,
		"pnl_usd", res.PnLUsd, "pnl_pct", res.PnLPct)

	// The ledger latches the halt against its stored target inside the same
	// increment, so exactly one fill carries NewlyHalted back here.
	if res.NewlyHalted {
		s.announceHalt(ctx, st.TraceID, res)
	}

	if profit < 0 {
		s.maybeTriggerOptimizer(ctx, st, profit)
	}
	return nil
}

// announceHalt runs once per latch: the halt command for the fleet's durable
// log and a critical event for humans and integrations.
func (s *Service) announceHalt(ctx context.Context, traceID string, res pnl.ApplyResult) {
	if _, err := s.bus.Append(ctx, stream.Commands, types.Command{
		Type:      types.CommandHalt,
		RequestID: uuid.NewString(),
		Reason:    pnl.ReasonDailyTarget,
		TraceID:   traceID,
		TS:        s.now().UTC(),
	}); err != nil {
		s.logger.Error("halt command append failed", "error", err)
	}
	s.notify(ctx, types.Event{
		Type:     types.EventDailyTargetReached,
		Severity: types.SeverityCritical,
		Message:  fmt.Sprintf("daily target reached: pnl %.2f USD (%.2f%%)", res.PnLUsd, res.PnLPct),
		Context:  map[string]any{"pnlUsd": res.PnLUsd, "pnlPct": res.PnLPct, "reason": pnl.ReasonDailyTarget},
		TraceID:  traceID,
	})
}

// maybeTriggerOptimizer fires at most one loss-triggered optimization per
// cooldown window, and only for losses at or past the configured floor.
func (s *Service) maybeTriggerOptimizer(ctx context.Context, st types.ExecStatus, profit float64) {
	if !s.cfg.Optimizer.EnableOnLoss || -profit < s.cfg.Optimizer.MinLoss {
		return
	}
	won, err := s.cooldown.TryAcquire(ctx)
	if err != nil {
		s.logger.Warn("optimizer cooldown check failed", "error", err)
		return
	}
	if !won {
		return
	}

	req := types.OptRequest{
		RequestID: uuid.NewString(),
		Trigger:   "loss",
		Symbol:    st.Symbol,
		Profit:    &profit,
		TraceID:   st.TraceID,
		TS:        s.now().UTC(),
	}
	if _, err := s.bus.Append(ctx, stream.OptRequests, req); err != nil {
		s.logger.Error("opt request append failed", "error", err)
		return
	}
	s.logger.Info("loss-triggered optimization requested",
		"request_id", req.RequestID, "symbol", st.Symbol, "profit", profit)
}
