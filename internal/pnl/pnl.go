// Package pnl owns the per-UTC-day equity ledger in shared KV. Mutations go
// through Lua scripts so concurrent writers agree on the numbers and the
// daily-target halt flag latches exactly once.
package pnl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tradefleet/internal/config"
	"tradefleet/internal/metrics"
	"tradefleet/pkg/types"
)

const keyPrefix = "pnl:day:"

// Old day records age out instead of accumulating forever.
const dayTTL = 60 * 24 * time.Hour

// ErrDayNotFound is returned by Get for a day that was never initialized.
var ErrDayNotFound = errors.New("pnl: day not found")

// DayID formats a moment as the ledger's UTC day id, e.g. "20260824".
func DayID(t time.Time) string {
	return t.UTC().Format("20060102")
}

func dayKey(day string) string {
	return keyPrefix + day
}

var initScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'date', ARGV[1],
  'startEquity', ARGV[2],
  'dailyTargetPct', ARGV[3],
  'pnlUsd', '0',
  'pnlPct', '0',
  'halted', '0',
  'haltReason', '',
  'updatedAt', ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return 1
`)

// applyScript adds a fill's profit, recomputes the percentage, and latches
// the halt flag in the same invocation when the stored target is crossed.
// With concurrent fills crossing the target, exactly one caller gets
// newlyHalted back, so the halt command and notification go out once, and a
// redelivered fill that already counted can never latch a second halt.
var applyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('pnl day not initialized')
end
local pnl = redis.call('HINCRBYFLOAT', KEYS[1], 'pnlUsd', ARGV[1])
local start = tonumber(redis.call('HGET', KEYS[1], 'startEquity'))
local pct = 0
if start ~= 0 then
  pct = tonumber(pnl) / start * 100
end
redis.call('HSET', KEYS[1], 'pnlPct', tostring(pct), 'updatedAt', ARGV[3])
local halted = redis.call('HGET', KEYS[1], 'halted')
local target = tonumber(redis.call('HGET', KEYS[1], 'dailyTargetPct')) or 0
local newly = 0
if halted ~= '1' and target > 0 and pct >= target then
  redis.call('HSET', KEYS[1], 'halted', '1', 'haltReason', ARGV[2])
  halted = '1'
  newly = 1
end
return {pnl, tostring(pct), halted, newly}
`)

// Halt reasons written to the ledger.
const (
	ReasonDailyTarget = "daily_target_reached"
	ReasonManual      = "manual"
)

// ApplyResult is the ledger state right after an increment. NewlyHalted
// reports that this increment is the one that latched the halt flag.
type ApplyResult struct {
	PnLUsd      float64
	PnLPct      float64
	Halted      bool
	NewlyHalted bool
}

// Ledger reads and mutates day records.
type Ledger struct {
	rdb    *redis.Client
	cfg    config.PnLConfig
	logger *slog.Logger
	m      *metrics.Registry
}

// NewLedger returns a Ledger over the shared KV client. The metrics
// registry may be nil.
func NewLedger(rdb *redis.Client, cfg config.PnLConfig, logger *slog.Logger, m *metrics.Registry) *Ledger {
	return &Ledger{rdb: rdb, cfg: cfg, logger: logger.With("component", "pnl"), m: m}
}

// InitDay seeds the day record if it does not exist yet and reports whether
// this call created it.
func (l *Ledger) InitDay(ctx context.Context, day string) (bool, error) {
	created, err := initScript.Run(ctx, l.rdb, []string{dayKey(day)},
		day,
		formatFloat(l.cfg.StartEquity),
		formatFloat(l.cfg.DailyTargetPct),
		time.Now().UTC().Format(time.RFC3339),
		int64(dayTTL/time.Second),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("pnl: init day %s: %w", day, err)
	}
	if created == 1 {
		l.logger.Info("pnl day initialized",
			"day", day, "start_equity", l.cfg.StartEquity, "daily_target_pct", l.cfg.DailyTargetPct)
	}
	return created == 1, nil
}

// Apply adds profitUsd to the day and returns the updated state, including
// whether this increment latched the daily-target halt. The day is seeded
// first so the first fill after midnight cannot race initialization.
func (l *Ledger) Apply(ctx context.Context, day string, profitUsd float64) (ApplyResult, error) {
	if _, err := l.InitDay(ctx, day); err != nil {
		return ApplyResult{}, err
	}
	raw, err := applyScript.Run(ctx, l.rdb, []string{dayKey(day)},
		formatFloat(profitUsd),
		ReasonDailyTarget,
		time.Now().UTC().Format(time.RFC3339),
	).Slice()
	if err != nil {
		return ApplyResult{}, fmt.Errorf("pnl: apply %s to day %s: %w", formatFloat(profitUsd), day, err)
	}
	res, err := parseApplyReply(raw)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("pnl: day %s: %w", day, err)
	}
	if res.NewlyHalted {
		l.logger.Warn("daily target reached, trading halted", "day", day, "pnl_pct", res.PnLPct)
	}
	if l.m != nil {
		l.m.PnLUsd.Set(res.PnLUsd)
		l.m.PnLPct.Set(res.PnLPct)
	}
	return res, nil
}

// Get returns the day record or ErrDayNotFound.
func (l *Ledger) Get(ctx context.Context, day string) (types.PnLDay, error) {
	m, err := l.rdb.HGetAll(ctx, dayKey(day)).Result()
	if err != nil {
		return types.PnLDay{}, fmt.Errorf("pnl: get day %s: %w", day, err)
	}
	if len(m) == 0 {
		return types.PnLDay{}, ErrDayNotFound
	}
	d, err := parseDay(m)
	if err != nil {
		return types.PnLDay{}, fmt.Errorf("pnl: day %s: %w", day, err)
	}
	return d, nil
}

// Default returns the record a fresh, untraded day would hold. The admin
// read path uses it so a query for an uninitialized day does not write.
func (l *Ledger) Default(day string) types.PnLDay {
	return types.PnLDay{
		Date:           day,
		StartEquity:    l.cfg.StartEquity,
		DailyTargetPct: l.cfg.DailyTargetPct,
	}
}

// SetHalted flips the halt flag by operator decision. Unhalting clears the
// reason; if the day's percentage still sits above target, the next applied
// fill latches it again.
func (l *Ledger) SetHalted(ctx context.Context, day string, halted bool, reason string) error {
	if _, err := l.InitDay(ctx, day); err != nil {
		return err
	}
	flag := "0"
	if !halted {
		reason = ""
	} else {
		flag = "1"
	}
	err := l.rdb.HSet(ctx, dayKey(day),
		"halted", flag,
		"haltReason", reason,
		"updatedAt", time.Now().UTC().Format(time.RFC3339),
	).Err()
	if err != nil {
		return fmt.Errorf("pnl: set halted on day %s: %w", day, err)
	}
	l.logger.Info("halt flag changed", "day", day, "halted", halted, "reason", reason)
	return nil
}

// ResetDay wipes the day record and re-seeds it from config. Admin only.
func (l *Ledger) ResetDay(ctx context.Context, day string) error {
	if err := l.rdb.Del(ctx, dayKey(day)).Err(); err != nil {
		return fmt.Errorf("pnl: reset day %s: %w", day, err)
	}
	if _, err := l.InitDay(ctx, day); err != nil {
		return err
	}
	l.logger.Info("pnl day reset", "day", day)
	return nil
}

func parseApplyReply(raw []any) (ApplyResult, error) {
	if len(raw) != 4 {
		return ApplyResult{}, fmt.Errorf("apply reply has %d fields, want 4", len(raw))
	}
	pnl, err := replyFloat(raw[0])
	if err != nil {
		return ApplyResult{}, fmt.Errorf("pnlUsd: %w", err)
	}
	pct, err := replyFloat(raw[1])
	if err != nil {
		return ApplyResult{}, fmt.Errorf("pnlPct: %w", err)
	}
	halted, _ := raw[2].(string)
	newly, _ := raw[3].(int64)
	return ApplyResult{
		PnLUsd:      pnl,
		PnLPct:      pct,
		Halted:      halted == "1",
		NewlyHalted: newly == 1,
	}, nil
}

func parseDay(m map[string]string) (types.PnLDay, error) {
	start, err := strconv.ParseFloat(m["startEquity"], 64)
	if err != nil {
		return types.PnLDay{}, fmt.Errorf("startEquity %q: %w", m["startEquity"], err)
	}
	pnlUsd, err := strconv.ParseFloat(m["pnlUsd"], 64)
	if err != nil {
		return types.PnLDay{}, fmt.Errorf("pnlUsd %q: %w", m["pnlUsd"], err)
	}
	pnlPct, err := strconv.ParseFloat(m["pnlPct"], 64)
	if err != nil {
		return types.PnLDay{}, fmt.Errorf("pnlPct %q: %w", m["pnlPct"], err)
	}
	target, err := strconv.ParseFloat(m["dailyTargetPct"], 64)
	if err != nil {
		return types.PnLDay{}, fmt.Errorf("dailyTargetPct %q: %w", m["dailyTargetPct"], err)
	}
	updated, _ := time.Parse(time.RFC3339, m["updatedAt"])
	return types.PnLDay{
		Date:           m["date"],
		StartEquity:    start,
		PnLUsd:         pnlUsd,
		PnLPct:         pnlPct,
		DailyTargetPct: target,
		Halted:         m["halted"] == "1",
		HaltReason:     m["haltReason"],
		UpdatedAt:      updated,
	}, nil
}

func replyFloat(v any) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected reply type %T", v)
	}
	return strconv.ParseFloat(s, 64)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
