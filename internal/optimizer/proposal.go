// Package optimizer turns optimization requests into proposed risk
// parameter sets with a backtest summary, holds them for operator approval,
// and applies approved sets atomically to the store the risk worker reads.
package optimizer

import (
	"hash/fnv"
	"math"

	"tradefleet/pkg/types"
)

// Candidate confidence floors, coarse on purpose. The optimizer tunes one
// knob; everything else in the active set is carried over.
var confidenceGrid = []float64{0.3, 0.4, 0.5, 0.6, 0.7, 0.8}

const backtestTrades = 200

// Propose evaluates the grid against a synthetic trade population seeded by
// the request id and returns the best floor with its backtest. Deterministic
// given the request, so a redelivered opt request proposes the same set.
func Propose(req types.OptRequest, active types.RiskParameters) (types.RiskParameters, types.BacktestSummary) {
	trades := syntheticTrades(req.RequestID)

	best := active.MinConfidence
	var bestSummary types.BacktestSummary
	bestScore := math.Inf(-1)

	for _, floor := range confidenceGrid {
		summary := evaluate(trades, floor)
		// Rank by sharpe, break ties toward the higher win rate.
		score := summary.Sharpe + summary.WinRate/100
		if score > bestScore {
			bestScore = score
			best = floor
			bestSummary = summary
		}
	}

	proposed := active
	proposed.MinConfidence = best
	return proposed, bestSummary
}

// trade is one synthetic observation: the signal confidence and the return
// realized had it been taken.
type trade struct {
	confidence float64
	ret        float64
}

// syntheticTrades builds a reproducible population where higher-confidence
// signals carry a better edge, so the grid has real structure to find.
func syntheticTrades(seed string) []trade {
	h := fnv.New64a()
	h.Write([]byte(seed))
	state := h.Sum64()

	trades := make([]trade, backtestTrades)
	for i := range trades {
		state = splitmix(state)
		confidence := float64(state%1000) / 1000
		state = splitmix(state)
		noise := float64(state%2000)/1000 - 1 // [-1, 1)
		// Edge grows with confidence; noise dominates weak signals.
		trades[i] = trade{
			confidence: confidence,
			ret:        (confidence-0.45)*0.8 + noise,
		}
	}
	return trades
}

func splitmix(s uint64) uint64 {
	s += 0x9e3779b97f4a7c15
	z := s
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// evaluate runs the population through a confidence floor and summarizes
// the surviving trades.
func evaluate(trades []trade, floor float64) types.BacktestSummary {
	var rets []float64
	for _, tr := range trades {
		if tr.confidence >= floor {
			rets = append(rets, tr.ret)
		}
	}
	if len(rets) == 0 {
		return types.BacktestSummary{}
	}

	var sum, wins float64
	for _, r := range rets {
		sum += r
		if r > 0 {
			wins++
		}
	}
	mean := sum / float64(len(rets))

	var variance float64
	for _, r := range rets {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(rets))
	sharpe := 0.0
	if variance > 0 {
		sharpe = mean / math.Sqrt(variance)
	}

	// Max drawdown over the cumulative return path.
	var equity, peak, maxDD float64
	for _, r := range rets {
		equity += r
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > maxDD {
			maxDD = dd
		}
	}

	return types.BacktestSummary{
		WinRate: wins / float64(len(rets)) * 100,
		Sharpe:  round4(sharpe),
		MaxDD:   round4(maxDD),
	}
}

func round4(v float64) float64 {
	return math.Round(v*10_000) / 10_000
}
