// Package risk evaluates trade signals against the hot-reloaded parameter
// set. Evaluation is pure; the Service wraps it with the HTTP endpoint and
// the risk.requests consumer.
package risk

import (
	"time"

	"tradefleet/pkg/types"
)

// Evaluate applies the rule chain to one request. Rules run in a fixed
// order so the reported reason is deterministic when several would match:
// blocked side, trading window, then confidence floor.
func Evaluate(p types.RiskParameters, req types.RiskRequest, now time.Time) types.RiskDecision {
	d := types.RiskDecision{
		RequestID: req.RequestID,
		TraceID:   req.TraceID,
		TS:        now.UTC(),
	}

	if p.Blocks(req.Side) {
		d.Reason = types.ReasonBlockedSide
		return d
	}
	if p.WindowConfigured() && !inWindow(now.UTC().Hour(), *p.TradingStartHour, *p.TradingEndHour) {
		d.Reason = types.ReasonOutsideWindow
		return d
	}
	if req.Confidence < p.MinConfidence {
		d.Reason = types.ReasonLowConfidence
		return d
	}

	d.OK = true
	return d
}

// inWindow reports whether hour h falls in [start,end). A start after the
// end wraps around midnight, so 22..4 means [22,24) plus [0,4).
func inWindow(h, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}
