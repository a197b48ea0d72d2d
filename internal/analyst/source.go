// Package analyst produces trade signals for a symbol. The strategy itself
// is deliberately simple (short-over-long momentum on a recent price
// series); the contract it honors is strict: one signal per requestId,
// confidence in [0,1], deterministic given inputs.
package analyst

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
)

// PriceSource yields the most recent n prices for a symbol, oldest first.
type PriceSource interface {
	Recent(ctx context.Context, symbol string, n int) ([]float64, error)
}

// PaperSource generates a synthetic random-walk series. The walk is seeded
// by symbol and the current time bucket, so two calls within the same
// bucket see identical prices and repeated test runs are reproducible.
type PaperSource struct {
	Base   float64       // starting price for every walk
	Bucket time.Duration // series changes once per bucket
	now    func() time.Time
}

func NewPaperSource(base float64) *PaperSource {
	if base <= 0 {
		base = 100
	}
	return &PaperSource{Base: base, Bucket: time.Minute, now: time.Now}
}

func (s *PaperSource) Recent(_ context.Context, symbol string, n int) ([]float64, error) {
	bucket := s.now().UTC().Truncate(s.Bucket).Unix()
	seed := seedFor(symbol, bucket)

	prices := make([]float64, n)
	price := s.Base
	for i := range prices {
		seed = nextSeed(seed)
		// Map the state onto a step in [-0.5%, +0.5%].
		step := (float64(seed%10_000)/10_000 - 0.5) / 100
		price *= 1 + step
		prices[i] = price
	}
	return prices, nil
}

func seedFor(symbol string, bucket int64) uint64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	h.Write([]byte(strconv.FormatInt(bucket, 10)))
	return h.Sum64()
}

// nextSeed advances a splitmix64 state; cheap and stable across platforms.
func nextSeed(s uint64) uint64 {
	s += 0x9e3779b97f4a7c15
	z := s
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// BinanceSource reads recent closes from the public klines endpoint. No
// credentials needed; the shared token bucket keeps the poller polite.
type BinanceSource struct {
	client *resty.Client
}

func NewBinanceSource(baseURL string) *BinanceSource {
	return &BinanceSource{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(5 * time.Second).
			SetRetryCount(2),
	}
}

func (s *BinanceSource) Recent(ctx context.Context, symbol string, n int) ([]float64, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   binanceSymbol(symbol),
			"interval": "1m",
			"limit":    strconv.Itoa(n),
		}).
		Get("/api/v3/klines")
	if err != nil {
		return nil, fmt.Errorf("analyst: fetch klines for %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("analyst: fetch klines for %s: status %d", symbol, resp.StatusCode())
	}

	// Each kline is an array; index 4 is the close price as a string.
	var rows [][]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("analyst: decode klines for %s: %w", symbol, err)
	}
	prices := make([]float64, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		var close string
		if err := json.Unmarshal(row[4], &close); err != nil {
			continue
		}
		v, err := strconv.ParseFloat(close, 64)
		if err != nil {
			continue
		}
		prices = append(prices, v)
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("analyst: no usable klines for %s", symbol)
	}
	return prices, nil
}

func binanceSymbol(symbol string) string {
	out := make([]byte, 0, len(symbol))
	for i := 0; i < len(symbol); i++ {
		if symbol[i] != '-' {
			out = append(out, symbol[i])
		}
	}
	return string(out)
}
