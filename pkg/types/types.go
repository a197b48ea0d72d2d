// Package types defines shared data structures used across all services.
//
// This package is the common vocabulary for the fleet: pipeline entities
// (commands, signals, decisions, orders, statuses), the PnL ledger record,
// risk parameters, optimizer jobs, and notification events. Everything here
// crosses a process boundary as JSON, so field names are part of the wire
// contract. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// CommMode selects how the orchestrator drives the pipeline.
type CommMode string

const (
	ModeHTTP   CommMode = "http"   // synchronous, blocking through analyst -> risk -> exec
	ModePubSub CommMode = "pubsub" // fully asynchronous via streams
	ModeHybrid CommMode = "hybrid" // synchronous analyst+risk, async exec
)

// Valid reports whether m is a known communication mode.
func (m CommMode) Valid() bool {
	return m == ModeHTTP || m == ModePubSub || m == ModeHybrid
}

// OrderStatus is the lifecycle state of an order as reported by the executor.
type OrderStatus string

const (
	StatusPending  OrderStatus = "pending"
	StatusFilled   OrderStatus = "filled"
	StatusRejected OrderStatus = "rejected"
	StatusFailed   OrderStatus = "failed"
	StatusCanceled OrderStatus = "canceled"
)

// Terminal reports whether the status is final. Every status except pending
// is terminal; the executor emits at most one terminal status per orderId.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusFailed || s == StatusCanceled
}

// Severity classifies notification events for sink routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether v is a known severity.
func (v Severity) Valid() bool {
	return v == SeverityInfo || v == SeverityWarning || v == SeverityCritical
}

// RejectReason enumerates why the risk worker declined a signal.
type RejectReason string

const (
	ReasonLowConfidence  RejectReason = "low_confidence"
	ReasonBlockedSide    RejectReason = "blocked_side"
	ReasonOutsideWindow  RejectReason = "outside_window"
	ReasonPositionLimit  RejectReason = "position_limit"
	ReasonDailyLossLimit RejectReason = "daily_loss_limit"
)

// CommandType enumerates orchestrator command verbs on the command stream.
type CommandType string

const (
	CommandRun    CommandType = "run"
	CommandHalt   CommandType = "halt"
	CommandUnhalt CommandType = "unhalt"
	CommandStop   CommandType = "stop"
)

// ————————————————————————————————————————————————————————————————————————
// Pipeline entities
// ————————————————————————————————————————————————————————————————————————

// Command is appended to orchestrator.commands. The analyst acts on run
// commands and acks everything else; halt/unhalt/stop exist for visibility
// and audit on the same durable log.
type Command struct {
	Type       CommandType `json:"type"`
	RequestID  string      `json:"requestId"`
	Symbol     string      `json:"symbol,omitempty"`
	Mode       CommMode    `json:"mode,omitempty"`
	Side       Side        `json:"side,omitempty"`       // operator override, optional
	Confidence *float64    `json:"confidence,omitempty"` // operator override, optional
	Reason     string      `json:"reason,omitempty"`
	TraceID    string      `json:"traceId"`
	TS         time.Time   `json:"ts"`
}

// Signal is an analyst-produced trade proposal. At most one signal is
// produced per requestId; confidence is always in [0,1].
type Signal struct {
	RequestID  string    `json:"requestId"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Confidence float64   `json:"confidence"`
	TraceID    string    `json:"traceId"`
	TS         time.Time `json:"ts"`
}

// Validate checks a signal at the trust boundary.
func (s Signal) Validate() error {
	if s.RequestID == "" {
		return fmt.Errorf("signal: missing requestId")
	}
	if s.Symbol == "" {
		return fmt.Errorf("signal: missing symbol")
	}
	if !s.Side.Valid() {
		return fmt.Errorf("signal: invalid side %q", s.Side)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal: confidence %v outside [0,1]", s.Confidence)
	}
	return nil
}

// RiskRequest mirrors Signal on the risk.requests stream.
type RiskRequest struct {
	RequestID  string    `json:"requestId"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Confidence float64   `json:"confidence"`
	TraceID    string    `json:"traceId"`
	TS         time.Time `json:"ts"`
}

// RiskDecision is the risk worker's verdict for one request.
type RiskDecision struct {
	RequestID string       `json:"requestId"`
	OK        bool         `json:"ok"`
	Reason    RejectReason `json:"reason,omitempty"`
	TraceID   string       `json:"traceId"`
	TS        time.Time    `json:"ts"`
}

// Order is submitted to the executor. OrderID reuses the pipeline requestId,
// which is what makes executor-side idempotency possible.
type Order struct {
	OrderID string    `json:"orderId"`
	Symbol  string    `json:"symbol"`
	Side    Side      `json:"side"`
	Qty     float64   `json:"qty"`
	TraceID string    `json:"traceId"`
	TS      time.Time `json:"ts"`
}

// Validate checks an order at the trust boundary.
func (o Order) Validate() error {
	if o.OrderID == "" {
		return fmt.Errorf("order: missing orderId")
	}
	if o.Symbol == "" {
		return fmt.Errorf("order: missing symbol")
	}
	if !o.Side.Valid() {
		return fmt.Errorf("order: invalid side %q", o.Side)
	}
	if o.Qty <= 0 {
		return fmt.Errorf("order: qty must be positive, got %v", o.Qty)
	}
	return nil
}

// ExecStatus reports the outcome of an order. Price, fee and profit are
// present on fills (paper fills compute them, live fills carry venue values)
// and absent on rejections.
type ExecStatus struct {
	OrderID string      `json:"orderId"`
	Symbol  string      `json:"symbol"`
	Side    Side        `json:"side"`
	Qty     float64     `json:"qty"`
	Status  OrderStatus `json:"status"`
	Reason  string      `json:"reason,omitempty"`
	Price   *float64    `json:"price,omitempty"`
	Fee     *float64    `json:"fee,omitempty"`
	Profit  *float64    `json:"profit,omitempty"`
	TraceID string      `json:"traceId"`
	TS      time.Time   `json:"ts"`
}

// ————————————————————————————————————————————————————————————————————————
// Ledger and risk parameters
// ————————————————————————————————————————————————————————————————————————

// PnLDay is the per-UTC-day equity record. pnlPct is always
// pnlUsd*100/startEquity; once pnlPct reaches dailyTargetPct the halted flag
// latches until next-day reset or manual unhalt.
type PnLDay struct {
	Date           string    `json:"date"` // YYYYMMDD, UTC
	StartEquity    float64   `json:"startEquity"`
	PnLUsd         float64   `json:"pnlUsd"`
	PnLPct         float64   `json:"pnlPct"`
	DailyTargetPct float64   `json:"dailyTargetPct"`
	Halted         bool      `json:"halted"`
	HaltReason     string    `json:"haltReason,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// RiskParameters is the hot-reloadable rule set the risk worker evaluates
// against. Stored as a single hash in shared KV; the optimizer replaces it
// atomically on approval.
type RiskParameters struct {
	MinConfidence    float64  `json:"minConfidence"`
	BlockSides       []Side   `json:"blockSides,omitempty"`
	TradingStartHour *int     `json:"tradingStartHour,omitempty"` // UTC hour, inclusive
	TradingEndHour   *int     `json:"tradingEndHour,omitempty"`   // UTC hour, exclusive
	RiskLimit        *float64 `json:"riskLimit,omitempty"`
	Symbol           string   `json:"symbol,omitempty"`
}

// Blocks reports whether the given side is in the block list.
func (p RiskParameters) Blocks(side Side) bool {
	for _, s := range p.BlockSides {
		if s == side {
			return true
		}
	}
	return false
}

// WindowConfigured reports whether a trading window applies.
func (p RiskParameters) WindowConfigured() bool {
	return p.TradingStartHour != nil && p.TradingEndHour != nil
}

// BacktestSummary condenses an optimizer evaluation run.
type BacktestSummary struct {
	WinRate float64 `json:"winRate"`
	Sharpe  float64 `json:"sharpe"`
	MaxDD   float64 `json:"maxDD"`
}

// OptJobStatus is the approval state of an optimizer proposal.
type OptJobStatus string

const (
	OptPendingApproval OptJobStatus = "pending_approval"
	OptApproved        OptJobStatus = "approved"
	OptRejected        OptJobStatus = "rejected"
)

// OptRequest asks the optimizer for a proposal. Loss-triggered requests
// carry the triggering fill's profit; manual requests come from
// /optimize/run or the chat surface.
type OptRequest struct {
	RequestID string    `json:"requestId"`
	Trigger   string    `json:"trigger"` // "loss" or "manual"
	Symbol    string    `json:"symbol,omitempty"`
	Profit    *float64  `json:"profit,omitempty"`
	TraceID   string    `json:"traceId"`
	TS        time.Time `json:"ts"`
}

// OptJob is an optimizer proposal awaiting operator approval. Jobs are
// retained for audit after the terminal transition.
type OptJob struct {
	JobID     string          `json:"jobId"`
	Status    OptJobStatus    `json:"status"`
	Proposed  RiskParameters  `json:"proposed"`
	Backtest  BacktestSummary `json:"backtest"`
	Trigger   string          `json:"trigger,omitempty"` // "loss" or "manual"
	TraceID   string          `json:"traceId"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————

// Event is a human-visible outcome published on notify.events. Context is
// free-form; unknown fields are tolerated on read and never emitted blind.
type Event struct {
	Type      string         `json:"type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	TraceID   string         `json:"traceId,omitempty"`
	TS        time.Time      `json:"ts"`
}

// Event types emitted by more than one service. Single-emitter types stay
// local to their package.
const (
	EventRiskRejected       = "risk_rejected"
	EventDailyTargetReached = "daily_target_reached"
	EventManualHalt         = "manual_halt"
	EventManualUnhalt       = "manual_unhalt"
	EventPipelineFailed     = "pipeline_failed"
	EventOptimizerProposal  = "optimizer_proposal"
	EventOptimizerApproved  = "optimizer_approved"
	EventOrderFilled        = "order_filled"
	EventOrderFailed        = "order_failed"
)
