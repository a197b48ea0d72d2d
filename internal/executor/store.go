// Package executor places orders on the configured venue and reports their
// terminal status. Idempotency is double-bound: the stream runtime gates on
// orderId, and the order store refuses to re-submit anything that already
// reached a terminal state.
package executor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tradefleet/pkg/types"
)

const (
	orderKeyPrefix = "exec:orders:"

	// Settled orders age out of the KV; the audit log keeps the durable
	// record.
	orderTTL = 30 * 24 * time.Hour
)

// OrderStore persists the last-known state per orderId.
type OrderStore interface {
	Get(ctx context.Context, orderID string) (types.ExecStatus, bool, error)
	Save(ctx context.Context, st types.ExecStatus) error
}

// RedisStore keeps order state in per-order hashes.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func orderKey(orderID string) string {
	return orderKeyPrefix + orderID
}

func (s *RedisStore) Get(ctx context.Context, orderID string) (types.ExecStatus, bool, error) {
	m, err := s.rdb.HGetAll(ctx, orderKey(orderID)).Result()
	if err != nil {
		return types.ExecStatus{}, false, fmt.Errorf("executor: get order %s: %w", orderID, err)
	}
	if len(m) == 0 {
		return types.ExecStatus{}, false, nil
	}
	st, err := fromHash(m)
	if err != nil {
		return types.ExecStatus{}, false, fmt.Errorf("executor: order %s: %w", orderID, err)
	}
	return st, true, nil
}

func (s *RedisStore) Save(ctx context.Context, st types.ExecStatus) error {
	key := orderKey(st.OrderID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, toHash(st))
	pipe.Expire(ctx, key, orderTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("executor: save order %s: %w", st.OrderID, err)
	}
	return nil
}

func toHash(st types.ExecStatus) map[string]string {
	m := map[string]string{
		"orderId":   st.OrderID,
		"symbol":    st.Symbol,
		"side":      string(st.Side),
		"qty":       strconv.FormatFloat(st.Qty, 'f', -1, 64),
		"status":    string(st.Status),
		"traceId":   st.TraceID,
		"updatedAt": st.TS.UTC().Format(time.RFC3339),
	}
	if st.Reason != "" {
		m["reason"] = st.Reason
	}
	if st.Price != nil {
		m["price"] = strconv.FormatFloat(*st.Price, 'f', -1, 64)
	}
	if st.Fee != nil {
		m["fee"] = strconv.FormatFloat(*st.Fee, 'f', -1, 64)
	}
	if st.Profit != nil {
		m["profit"] = strconv.FormatFloat(*st.Profit, 'f', -1, 64)
	}
	return m
}

func fromHash(m map[string]string) (types.ExecStatus, error) {
	qty, err := strconv.ParseFloat(m["qty"], 64)
	if err != nil {
		return types.ExecStatus{}, fmt.Errorf("qty %q: %w", m["qty"], err)
	}
	ts, _ := time.Parse(time.RFC3339, m["updatedAt"])
	st := types.ExecStatus{
		OrderID: m["orderId"],
		Symbol:  m["symbol"],
		Side:    types.Side(m["side"]),
		Qty:     qty,
		Status:  types.OrderStatus(m["status"]),
		Reason:  m["reason"],
		TraceID: m["traceId"],
		TS:      ts,
	}
	for field, dst := range map[string]**float64{
		"price":  &st.Price,
		"fee":    &st.Fee,
		"profit": &st.Profit,
	} {
		raw, ok := m[field]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return types.ExecStatus{}, fmt.Errorf("%s %q: %w", field, raw, err)
		}
		*dst = &v
	}
	return st, nil
}
