package exchange

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"tradefleet/internal/config"
)

// Paper is the deterministic simulation venue. Every valid order fills at
// the configured price; profit is the configured per-trade amount minus fee
// and slippage on the notional. All money math runs in decimal and rounds
// once at the boundary, so repeated runs produce identical numbers.
type Paper struct {
	price   decimal.Decimal
	profit  decimal.Decimal
	feeBps  decimal.Decimal
	slipBps decimal.Decimal
	logger  *slog.Logger
}

const bpsDivisor = 10_000

func NewPaper(cfg config.ExchangeConfig, logger *slog.Logger) *Paper {
	return &Paper{
		price:   decimal.NewFromFloat(cfg.PaperPriceDefault),
		profit:  decimal.NewFromFloat(cfg.ProfitPerTrade),
		feeBps:  decimal.NewFromFloat(cfg.FeeBps),
		slipBps: decimal.NewFromFloat(cfg.SlippageBps),
		logger:  logger.With("component", "exchange", "venue", "paper"),
	}
}

func (p *Paper) Name() string { return "paper" }

// PlaceOrder fills unconditionally. Validation happened upstream in the
// executor; the paper venue never rejects.
func (p *Paper) PlaceOrder(_ context.Context, req PlaceRequest) (Result, error) {
	qty := decimal.NewFromFloat(req.Qty)
	notional := p.price.Mul(qty)
	divisor := decimal.NewFromInt(bpsDivisor)

	fee := notional.Mul(p.feeBps).Div(divisor)
	slippage := notional.Mul(p.slipBps).Div(divisor)
	profit := p.profit.Sub(fee).Sub(slippage)

	p.logger.Debug("paper fill",
		"order_id", req.OrderID, "symbol", req.Symbol, "side", req.Side,
		"qty", req.Qty, "price", p.price, "fee", fee, "profit", profit)

	return Result{
		Filled: true,
		Price:  p.price.InexactFloat64(),
		Fee:    fee.Round(8).InexactFloat64(),
		Profit: profit.Round(8).InexactFloat64(),
	}, nil
}
