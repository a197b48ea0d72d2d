// Package params owns the active risk-parameter set in shared KV. The risk
// worker re-reads it on every evaluation; the optimizer replaces it
// atomically on approval. Both sides go through the hash codec here so the
// field layout stays in one place.
package params

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"tradefleet/pkg/types"
)

// Key is the Redis hash holding the active set. The optimizer's approve
// script rewrites it in one invocation, so readers see a complete old or
// complete new set, never a mix.
const Key = "optimizer:active_params"

// Defaults is the parameter set in force before any proposal is approved.
var Defaults = types.RiskParameters{
	MinConfidence: 0.5,
}

// Source yields the current parameter set. The redis-backed Store is the
// production implementation; tests inject a static one.
type Source interface {
	Load(ctx context.Context) (types.RiskParameters, error)
}

// Static is a fixed Source for tests and bootstrap paths.
type Static types.RiskParameters

func (s Static) Load(context.Context) (types.RiskParameters, error) {
	return types.RiskParameters(s), nil
}

// Store reads and writes the active set in Redis.
type Store struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewStore(rdb *redis.Client, logger *slog.Logger) *Store {
	return &Store{rdb: rdb, logger: logger.With("component", "params")}
}

// Load returns the active parameters, falling back to Defaults when no set
// has been written yet.
func (s *Store) Load(ctx context.Context) (types.RiskParameters, error) {
	m, err := s.rdb.HGetAll(ctx, Key).Result()
	if err != nil {
		return types.RiskParameters{}, fmt.Errorf("params: load: %w", err)
	}
	if len(m) == 0 {
		return Defaults, nil
	}
	p, err := FromHash(m)
	if err != nil {
		return types.RiskParameters{}, fmt.Errorf("params: load: %w", err)
	}
	return p, nil
}

// Save replaces the active set outside the approval flow (bootstrap,
// operator override). The approve path in the optimizer uses its own script
// so the job transition rides the same invocation.
func (s *Store) Save(ctx context.Context, p types.RiskParameters) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, Key)
	pipe.HSet(ctx, Key, ToHash(p))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("params: save: %w", err)
	}
	s.logger.Info("risk parameters replaced", "min_confidence", p.MinConfidence)
	return nil
}

// ToHash flattens a parameter set into Redis hash fields. Optional fields
// are written only when present, so FromHash round-trips nil pointers.
func ToHash(p types.RiskParameters) map[string]string {
	m := map[string]string{
		"minConfidence": strconv.FormatFloat(p.MinConfidence, 'f', -1, 64),
	}
	if len(p.BlockSides) > 0 {
		sides := make([]string, len(p.BlockSides))
		for i, s := range p.BlockSides {
			sides[i] = string(s)
		}
		m["blockSides"] = strings.Join(sides, ",")
	}
	if p.TradingStartHour != nil {
		m["tradingStartHour"] = strconv.Itoa(*p.TradingStartHour)
	}
	if p.TradingEndHour != nil {
		m["tradingEndHour"] = strconv.Itoa(*p.TradingEndHour)
	}
	if p.RiskLimit != nil {
		m["riskLimit"] = strconv.FormatFloat(*p.RiskLimit, 'f', -1, 64)
	}
	if p.Symbol != "" {
		m["symbol"] = p.Symbol
	}
	return m
}

// FromHash parses hash fields back into a parameter set.
func FromHash(m map[string]string) (types.RiskParameters, error) {
	var p types.RiskParameters

	if raw, ok := m["minConfidence"]; ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return p, fmt.Errorf("minConfidence %q: %w", raw, err)
		}
		p.MinConfidence = v
	}
	if raw, ok := m["blockSides"]; ok && raw != "" {
		for _, s := range strings.Split(raw, ",") {
			side := types.Side(s)
			if !side.Valid() {
				return p, fmt.Errorf("blockSides: invalid side %q", s)
			}
			p.BlockSides = append(p.BlockSides, side)
		}
	}
	if raw, ok := m["tradingStartHour"]; ok {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return p, fmt.Errorf("tradingStartHour %q: %w", raw, err)
		}
		p.TradingStartHour = &v
	}
	if raw, ok := m["tradingEndHour"]; ok {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return p, fmt.Errorf("tradingEndHour %q: %w", raw, err)
		}
		p.TradingEndHour = &v
	}
	if raw, ok := m["riskLimit"]; ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return p, fmt.Errorf("riskLimit %q: %w", raw, err)
		}
		p.RiskLimit = &v
	}
	p.Symbol = m["symbol"]
	return p, nil
}
