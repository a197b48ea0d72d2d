package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tradefleet/internal/metrics"
)

const (
	// Streams are trimmed approximately so a quiet consumer never lets
	// Redis grow without bound.
	maxStreamLen = 100_000

	// Failure counters for entries that never resolve (for example a
	// group that was deleted mid-retry) expire eventually.
	failuresTTL = 7 * 24 * time.Hour
)

// NewRedis returns a Bus backed by Redis Streams. The metrics registry may
// be nil.
func NewRedis(client *redis.Client, logger *slog.Logger, m *metrics.Registry) *Bus {
	return &Bus{
		d:      &redisDriver{c: client},
		logger: logger.With("component", "stream"),
		m:      m,
	}
}

type redisDriver struct {
	c *redis.Client
}

func failuresKey(stream, group string) string {
	return "stream:failures:" + stream + ":" + group
}

func idempKey(stream, group, key string) string {
	return "idemp:" + stream + ":" + group + ":" + key
}

func (d *redisDriver) append(ctx context.Context, stream string, data []byte) (string, error) {
	return d.c.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{"data": string(data)},
	}).Result()
}

func (d *redisDriver) ensureGroup(ctx context.Context, stream, group string) error {
	err := d.c.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (d *redisDriver) readNew(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := d.c.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return flatten(res), nil
}

func (d *redisDriver) readBacklog(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error) {
	res, err := d.c.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, "0"},
		Count:    count,
		Block:    -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return flatten(res), nil
}

func (d *redisDriver) claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := d.c.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return toEntries(msgs), nil
}

func (d *redisDriver) ack(ctx context.Context, stream, group, id string) error {
	return d.c.XAck(ctx, stream, group, id).Err()
}

func (d *redisDriver) pendingCount(ctx context.Context, stream, group string) (int64, error) {
	p, err := d.c.XPending(ctx, stream, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return p.Count, nil
}

func (d *redisDriver) rangeEntries(ctx context.Context, stream, from, to string, limit int64) ([]Entry, error) {
	msgs, err := d.c.XRangeN(ctx, stream, from, to, limit).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return toEntries(msgs), nil
}

// deadLetter stores the envelope for DLQ inspection plus the origin stream
// and the raw payload as separate fields, so requeue can move the payload
// back byte-for-byte without re-encoding it.
func (d *redisDriver) deadLetter(ctx context.Context, dlqStream, origin string, envelope, payload []byte) (string, error) {
	return d.c.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{
			"data":    string(envelope),
			"origin":  origin,
			"payload": string(payload),
		},
	}).Result()
}

// requeueScript moves the dead-lettered payload back onto its origin stream
// and deletes the DLQ entry in one invocation. A crash can no longer leave
// the payload on both streams, and a second requeue of the same id finds
// nothing.
var requeueScript = redis.NewScript(`
local msgs = redis.call('XRANGE', KEYS[1], ARGV[1], ARGV[1], 'COUNT', 1)
if #msgs == 0 then
  return false
end
local fields = msgs[1][2]
local origin, payload
for i = 1, #fields, 2 do
  if fields[i] == 'origin' then
    origin = fields[i+1]
  elseif fields[i] == 'payload' then
    payload = fields[i+1]
  end
end
if not origin or not payload then
  return redis.error_reply('dlq entry missing origin or payload')
end
local newid = redis.call('XADD', origin, 'MAXLEN', '~', ARGV[2], '*', 'data', payload)
redis.call('XDEL', KEYS[1], ARGV[1])
return newid
`)

func (d *redisDriver) requeue(ctx context.Context, dlqStream, id string) (string, error) {
	newID, err := requeueScript.Run(ctx, d.c, []string{dlqStream}, id, maxStreamLen).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("stream: requeue %s from %s: %w", id, dlqStream, err)
	}
	return newID, nil
}

func (d *redisDriver) streamLen(ctx context.Context, stream string) (int64, error) {
	return d.c.XLen(ctx, stream).Result()
}

func (d *redisDriver) bumpFailures(ctx context.Context, stream, group, id string) (int, error) {
	key := failuresKey(stream, group)
	n, err := d.c.HIncrBy(ctx, key, id, 1).Result()
	if err != nil {
		return 0, err
	}
	d.c.Expire(ctx, key, failuresTTL)
	return int(n), nil
}

func (d *redisDriver) clearFailures(ctx context.Context, stream, group, id string) error {
	return d.c.HDel(ctx, failuresKey(stream, group), id).Err()
}

func (d *redisDriver) idempSeen(ctx context.Context, stream, group, key string) (bool, error) {
	n, err := d.c.Exists(ctx, idempKey(stream, group, key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *redisDriver) idempSet(ctx context.Context, stream, group, key string, ttl time.Duration) error {
	return d.c.Set(ctx, idempKey(stream, group, key), "1", ttl).Err()
}

func flatten(streams []redis.XStream) []Entry {
	var out []Entry
	for _, s := range streams {
		out = append(out, toEntries(s.Messages)...)
	}
	return out
}

func toEntries(msgs []redis.XMessage) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		data, _ := m.Values["data"].(string)
		out = append(out, Entry{ID: m.ID, Data: []byte(data)})
	}
	return out
}
