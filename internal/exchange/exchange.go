// Package exchange adapts order placement to a trading venue. The paper
// adapter fills deterministically from config; binance and coinbase sign
// real HTTP requests. The executor only sees the Adapter interface, so the
// venue is a deployment decision, not a code path.
package exchange

import (
	"context"
	"fmt"
	"log/slog"

	json "github.com/goccy/go-json"

	"tradefleet/internal/config"
	"tradefleet/pkg/types"
)

// PlaceRequest is the narrow order shape a venue needs.
type PlaceRequest struct {
	OrderID string
	Symbol  string
	Side    types.Side
	Qty     float64
}

// Result is the venue's answer. Price, Fee and Profit are set on fills;
// Raw preserves the venue response body for audit.
type Result struct {
	Filled bool
	Price  float64
	Fee    float64
	Profit float64
	Raw    json.RawMessage
}

// Adapter places orders on one venue. PlaceOrder returns an error only for
// transport-level failures; a venue rejection comes back as Filled=false.
type Adapter interface {
	Name() string
	PlaceOrder(ctx context.Context, req PlaceRequest) (Result, error)
}

// New builds the adapter selected by EXCHANGE.
func New(cfg config.ExchangeConfig, logger *slog.Logger) (Adapter, error) {
	switch cfg.Venue {
	case "paper":
		return NewPaper(cfg, logger), nil
	case "binance":
		return NewBinance(cfg.Binance, logger), nil
	case "coinbase":
		return NewCoinbase(cfg.Coinbase, logger), nil
	default:
		return nil, fmt.Errorf("exchange: unknown venue %q", cfg.Venue)
	}
}
