package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"

	"tradefleet/internal/config"
)

// Coinbase places market orders through the Exchange API. Requests carry
// the CB-ACCESS header quartet; the signature is HMAC-SHA256 over
// timestamp+method+path+body with the base64-decoded secret.
type Coinbase struct {
	client     *resty.Client
	apiKey     string
	secret     string
	passphrase string
	limit      *TokenBucket
	logger     *slog.Logger
}

func NewCoinbase(creds config.VenueCredentials, logger *slog.Logger) *Coinbase {
	client := resty.New().
		SetBaseURL(creds.BaseURL).
		SetTimeout(5 * time.Second)
	return &Coinbase{
		client:     client,
		apiKey:     creds.APIKey,
		secret:     creds.APISecret,
		passphrase: creds.Passphrase,
		limit:      NewTokenBucket(10, 5),
		logger:     logger.With("component", "exchange", "venue", "coinbase"),
	}
}

func (c *Coinbase) Name() string { return "coinbase" }

type coinbaseOrderRequest struct {
	ClientOID string `json:"client_oid"`
	ProductID string `json:"product_id"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	Type      string `json:"type"`
}

type coinbaseOrderResponse struct {
	Status        string `json:"status"`
	Settled       bool   `json:"settled"`
	ExecutedValue string `json:"executed_value"`
	FilledSize    string `json:"filled_size"`
	FillFees      string `json:"fill_fees"`
}

// PlaceOrder submits a market order. The same rejection/transient split as
// binance applies: 4xx is a venue rejection, 5xx and transport failures are
// retriable errors.
func (c *Coinbase) PlaceOrder(ctx context.Context, req PlaceRequest) (Result, error) {
	if err := c.limit.Wait(ctx); err != nil {
		return Result{}, err
	}

	body, err := json.Marshal(coinbaseOrderRequest{
		ClientOID: req.OrderID,
		ProductID: req.Symbol,
		Side:      string(req.Side),
		Size:      strconv.FormatFloat(req.Qty, 'f', -1, 64),
		Type:      "market",
	})
	if err != nil {
		return Result{}, fmt.Errorf("coinbase: encode order: %w", err)
	}

	const path = "/orders"
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := signBase64(c.secret, timestamp+"POST"+path+string(body))
	if err != nil {
		return Result{}, fmt.Errorf("coinbase: sign order: %w", err)
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("CB-ACCESS-KEY", c.apiKey).
		SetHeader("CB-ACCESS-SIGN", sig).
		SetHeader("CB-ACCESS-TIMESTAMP", timestamp).
		SetHeader("CB-ACCESS-PASSPHRASE", c.passphrase).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(path)
	if err != nil {
		return Result{}, fmt.Errorf("coinbase: place order: %w", err)
	}
	if resp.StatusCode() >= 500 {
		return Result{}, fmt.Errorf("coinbase: place order: status %d", resp.StatusCode())
	}
	if resp.IsError() {
		c.logger.Warn("order rejected", "order_id", req.OrderID, "status", resp.StatusCode())
		return Result{Filled: false, Raw: resp.Body()}, nil
	}

	var out coinbaseOrderResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return Result{}, fmt.Errorf("coinbase: decode order response: %w", err)
	}
	if strings.EqualFold(out.Status, "rejected") {
		return Result{Filled: false, Raw: resp.Body()}, nil
	}

	res := Result{Filled: true, Raw: resp.Body()}
	res.Fee, _ = strconv.ParseFloat(out.FillFees, 64)
	if value, err := strconv.ParseFloat(out.ExecutedValue, 64); err == nil {
		if size, err := strconv.ParseFloat(out.FilledSize, 64); err == nil && size > 0 {
			res.Price = value / size
		}
	}
	return res, nil
}
