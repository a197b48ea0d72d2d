// Package notifier fans notify.events out to webhook sinks by severity,
// keeps the recent-events window with ack state, and feeds the live
// WebSocket stream.
package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"tradefleet/pkg/types"
)

// RecentLimit caps the recent-events window.
const RecentLimit = 200

const (
	recentKey      = "notify:recent"
	ackKeyPrefix   = "notify:ack:"
	seenKeyPrefix  = "notify:seen:"
	dedupKeyPrefix = "notify:dedup:"

	// Ack, index, and dedup markers follow the recent window out of the KV.
	markerTTL = 7 * 24 * time.Hour
)

// EventStore persists the recent window and ack flags.
type EventStore interface {
	// Add records the event and reports whether this is its first
	// recording; a redelivered duplicate returns false.
	Add(ctx context.Context, ev types.Event) (bool, error)
	Recent(ctx context.Context, limit int) ([]types.Event, error)
	// Ack marks the event reachable by the given trace or request id.
	// It reports false when no such event was ever recorded.
	Ack(ctx context.Context, id string) (bool, error)
	Acked(ctx context.Context, id string) (bool, error)
}

// RedisStore is the production EventStore.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// addScript writes the recent entry, the window trim, and the seen markers
// behind a content-fingerprint gate, all in one invocation. A redelivered
// event hits the gate and returns 0 without touching the window.
var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], '1', 'EX', ARGV[1])
redis.call('LPUSH', KEYS[2], ARGV[2])
redis.call('LTRIM', KEYS[2], 0, ARGV[3])
for i = 3, #KEYS do
  redis.call('SET', KEYS[i], '1', 'EX', ARGV[1])
end
return 1
`)

func (s *RedisStore) Add(ctx context.Context, ev types.Event) (bool, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("notifier: encode event: %w", err)
	}
	keys := []string{fingerprintKey(data), recentKey}
	for _, id := range eventIDs(ev) {
		keys = append(keys, seenKeyPrefix+id)
	}
	added, err := addScript.Run(ctx, s.rdb, keys,
		int64(markerTTL/time.Second),
		data,
		RecentLimit-1,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("notifier: persist event: %w", err)
	}
	return added == 1, nil
}

// fingerprintKey identifies an event by its encoded content; the encoder
// orders map keys, so a redelivered payload maps to the same key.
func fingerprintKey(data []byte) string {
	h := fnv.New64a()
	h.Write(data)
	return dedupKeyPrefix + strconv.FormatUint(h.Sum64(), 16)
}

func (s *RedisStore) Recent(ctx context.Context, limit int) ([]types.Event, error) {
	if limit <= 0 || limit > RecentLimit {
		limit = RecentLimit
	}
	rows, err := s.rdb.LRange(ctx, recentKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("notifier: read recent: %w", err)
	}
	out := make([]types.Event, 0, len(rows))
	for _, row := range rows {
		var ev types.Event
		if err := json.Unmarshal([]byte(row), &ev); err != nil {
			continue // a corrupt row never blocks the window
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisStore) Ack(ctx context.Context, id string) (bool, error) {
	seen, err := s.rdb.Exists(ctx, seenKeyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("notifier: ack %s: %w", id, err)
	}
	if seen == 0 {
		return false, nil
	}
	if err := s.rdb.Set(ctx, ackKeyPrefix+id, "1", markerTTL).Err(); err != nil {
		return false, fmt.Errorf("notifier: ack %s: %w", id, err)
	}
	return true, nil
}

func (s *RedisStore) Acked(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, ackKeyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("notifier: ack lookup %s: %w", id, err)
	}
	return n > 0, nil
}

func eventIDs(ev types.Event) []string {
	var ids []string
	if ev.TraceID != "" {
		ids = append(ids, ev.TraceID)
	}
	if ev.RequestID != "" && ev.RequestID != ev.TraceID {
		ids = append(ids, ev.RequestID)
	}
	return ids
}
