package analyst

import (
	"math"

	"tradefleet/pkg/types"
)

const (
	seriesLen       = 30 // prices fetched per evaluation
	shortLen        = 5  // fast average window
	confidenceScale = 400
)

// Derive turns a price series into a side and confidence. The side follows
// the sign of short-over-long momentum; confidence is the normalized
// magnitude clamped into [0,1]. Flat or too-short series default to a
// zero-confidence buy, which the risk floor then rejects.
func Derive(prices []float64) (types.Side, float64) {
	if len(prices) < shortLen+1 {
		return types.Buy, 0
	}

	long := mean(prices)
	short := mean(prices[len(prices)-shortLen:])
	if long == 0 {
		return types.Buy, 0
	}

	momentum := (short - long) / long
	side := types.Buy
	if momentum < 0 {
		side = types.Sell
	}

	confidence := math.Min(math.Abs(momentum)*confidenceScale, 1)
	return side, confidence
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
