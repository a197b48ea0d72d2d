// Package stream implements the durable messaging substrate on Redis
// Streams: append, consumer-group delivery, per-message idempotency,
// bounded retry with dead-lettering, and requeue from the DLQ.
//
// The delivery contract every consumer gets:
//
//  1. Entries are delivered in append order within a group; redeliveries
//     (the unacked backlog) are served before new entries.
//  2. If the entry's idempotency key was already recorded, the entry is
//     acked and skipped; the skip counts as success.
//  3. On handler success the idempotency record is written with a TTL and
//     the entry is acked. On failure the entry's failure counter is
//     incremented and the entry stays pending for redelivery, until the
//     counter reaches MaxFailures and the entry moves to the DLQ (then it
//     is acked on the original stream, so a poison pill can never stall
//     the group).
//
// Bus methods are safe for concurrent use; the same Bus backs appenders
// and any number of Consume loops.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"tradefleet/internal/metrics"
)

// Stream names are the fleet's wire contract.
const (
	Commands      = "orchestrator.commands"
	Signals       = "analysis.signals"
	RiskRequests  = "risk.requests"
	RiskResponses = "risk.responses"
	ExecOrders    = "exec.orders"
	ExecStatus    = "exec.status"
	NotifyEvents  = "notify.events"
	OptRequests   = "opt.requests"
	OptResults    = "opt.results"
)

// DLQName returns the dead-letter sibling for a stream.
func DLQName(stream string) string {
	return stream + ".dlq"
}

// ErrNotFound is returned by Requeue when the DLQ entry does not exist,
// which is also the signal that a requeue already happened.
var ErrNotFound = errors.New("stream: entry not found")

// Entry is one delivered stream record. Data holds the JSON entity that was
// appended (the wire envelope's single "data" field).
type Entry struct {
	ID   string
	Data []byte
}

// Handler processes one entry. A nil return acks the entry; an error leaves
// it pending for redelivery until the retry budget is spent.
type Handler func(ctx context.Context, e Entry) error

// KeyFn derives an idempotency key from a payload. An empty key disables
// the idempotency gate for that entry.
type KeyFn func(data []byte) string

// FieldKey returns a KeyFn extracting a top-level string field, e.g.
// FieldKey("requestId") or FieldKey("orderId").
func FieldKey(field string) KeyFn {
	return func(data []byte) string {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return ""
		}
		raw, ok := m[field]
		if !ok {
			return ""
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
}

// DLQEnvelope wraps a dead-lettered payload with its provenance.
type DLQEnvelope struct {
	OriginalStream string          `json:"originalStream"`
	Payload        json.RawMessage `json:"payload"`
	Failures       int             `json:"failures"`
	LastError      string          `json:"lastError"`
	TS             time.Time       `json:"ts"`
}

// ConsumerConfig parameterizes one Consume loop.
type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string
	Handler  Handler

	BatchSize        int           // max entries per read (default 16)
	Block            time.Duration // poll timeout for new entries (default 5s)
	IdempotencyKeyFn KeyFn         // nil disables the idempotency gate
	IdempotencyTTL   time.Duration // default 24h
	MaxFailures      int           // default 5
	DLQStream        string        // default Stream + ".dlq"
	ClaimMinIdle     time.Duration // reclaim abandoned entries older than this (default 1m)
	ClaimInterval    time.Duration // how often to run the reclaim pass (default 30s)
}

func (c *ConsumerConfig) applyDefaults() error {
	if c.Stream == "" || c.Group == "" || c.Consumer == "" {
		return fmt.Errorf("stream: consumer config needs stream, group and consumer names")
	}
	if c.Handler == nil {
		return fmt.Errorf("stream: consumer config needs a handler")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.DLQStream == "" {
		c.DLQStream = DLQName(c.Stream)
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = time.Minute
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 30 * time.Second
	}
	return nil
}

// driver is the backend contract. redisDriver is the production
// implementation; memoryDriver backs tests.
type driver interface {
	append(ctx context.Context, stream string, data []byte) (string, error)
	ensureGroup(ctx context.Context, stream, group string) error
	readNew(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)
	readBacklog(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error)
	claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)
	ack(ctx context.Context, stream, group, id string) error
	pendingCount(ctx context.Context, stream, group string) (int64, error)
	rangeEntries(ctx context.Context, stream, from, to string, limit int64) ([]Entry, error)
	deadLetter(ctx context.Context, dlqStream, origin string, envelope, payload []byte) (string, error)
	requeue(ctx context.Context, dlqStream, id string) (string, error)
	streamLen(ctx context.Context, stream string) (int64, error)
	bumpFailures(ctx context.Context, stream, group, id string) (int, error)
	clearFailures(ctx context.Context, stream, group, id string) error
	idempSeen(ctx context.Context, stream, group, key string) (bool, error)
	idempSet(ctx context.Context, stream, group, key string, ttl time.Duration) error
}

// Bus is the stream runtime handed to every worker.
type Bus struct {
	d      driver
	logger *slog.Logger
	m      *metrics.Registry
}

// Append marshals v and appends it as the entry's data field, returning the
// assigned entry id.
func (b *Bus) Append(ctx context.Context, stream string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("stream: marshal payload for %s: %w", stream, err)
	}
	id, err := b.d.append(ctx, stream, data)
	if err != nil {
		return "", fmt.Errorf("stream: append to %s: %w", stream, err)
	}
	return id, nil
}

// PendingCount reports delivered-but-unacked entries for a group.
func (b *Bus) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	return b.d.pendingCount(ctx, stream, group)
}

// Len reports the number of entries in a stream (used for DLQ depth).
func (b *Bus) Len(ctx context.Context, stream string) (int64, error) {
	return b.d.streamLen(ctx, stream)
}

// RangeDLQ lists entries of a DLQ stream between two ids ("-" and "+" for
// the full range).
func (b *Bus) RangeDLQ(ctx context.Context, dlqStream, from, to string, limit int64) ([]Entry, error) {
	if from == "" {
		from = "-"
	}
	if to == "" {
		to = "+"
	}
	return b.d.rangeEntries(ctx, dlqStream, from, to, limit)
}

// Requeue re-appends a dead-lettered payload onto its original stream with
// a fresh id and removes the DLQ entry, atomically. Requeueing the same id
// again returns ErrNotFound.
func (b *Bus) Requeue(ctx context.Context, dlqStream, id string) (string, error) {
	newID, err := b.d.requeue(ctx, dlqStream, id)
	if err != nil {
		return "", err
	}
	b.logger.Info("dlq entry requeued", "dlq", dlqStream, "id", id, "new_id", newID)
	return newID, nil
}

// Consume runs the delivery loop until ctx is canceled. The returned error
// is ctx.Err() on graceful shutdown or the group-creation failure.
func (b *Bus) Consume(ctx context.Context, cfg ConsumerConfig) error {
	if err := cfg.applyDefaults(); err != nil {
		return err
	}
	if err := b.d.ensureGroup(ctx, cfg.Stream, cfg.Group); err != nil {
		return fmt.Errorf("stream: create group %s on %s: %w", cfg.Group, cfg.Stream, err)
	}

	logger := b.logger.With("stream", cfg.Stream, "group", cfg.Group)
	logger.Info("consumer started", "consumer", cfg.Consumer)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	lastClaim := time.Now()

	for {
		if ctx.Err() != nil {
			logger.Info("consumer stopped")
			return ctx.Err()
		}

		// Reclaim entries abandoned by dead consumers so a crashed
		// instance never strands work.
		if time.Since(lastClaim) >= cfg.ClaimInterval {
			lastClaim = time.Now()
			if claimed, err := b.d.claim(ctx, cfg.Stream, cfg.Group, cfg.Consumer, cfg.ClaimMinIdle, int64(cfg.BatchSize)); err != nil {
				logger.Warn("claim pass failed", "error", err)
			} else {
				_ = b.handleBatch(ctx, &cfg, logger, claimed)
			}
		}

		// Backlog first: our own unacked entries, oldest first.
		entries, err := b.d.readBacklog(ctx, cfg.Stream, cfg.Group, cfg.Consumer, int64(cfg.BatchSize))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Warn("backlog read failed", "error", err)
			sleepCtx(ctx, bo.NextBackOff())
			continue
		}
		if len(entries) == 0 {
			entries, err = b.d.readNew(ctx, cfg.Stream, cfg.Group, cfg.Consumer, int64(cfg.BatchSize), cfg.Block)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				logger.Warn("read failed", "error", err)
				sleepCtx(ctx, bo.NextBackOff())
				continue
			}
		}

		// A failed entry sits at the head of the backlog; pace the
		// retries so a downstream outage does not burn the whole
		// retry budget in milliseconds.
		if failed := b.handleBatch(ctx, &cfg, logger, entries); failed {
			sleepCtx(ctx, bo.NextBackOff())
		} else {
			bo.Reset()
		}
	}
}

// handleBatch processes entries in order and reports whether any handler
// failed.
func (b *Bus) handleBatch(ctx context.Context, cfg *ConsumerConfig, logger *slog.Logger, entries []Entry) bool {
	failed := false
	for _, e := range entries {
		if ctx.Err() != nil {
			return failed
		}
		if !b.handleEntry(ctx, cfg, logger, e) {
			failed = true
		}
	}
	return failed
}

// handleEntry applies the delivery contract to one entry. It reports false
// when the handler failed and the entry stayed pending or was dead-lettered.
func (b *Bus) handleEntry(ctx context.Context, cfg *ConsumerConfig, logger *slog.Logger, e Entry) bool {
	var key string
	if cfg.IdempotencyKeyFn != nil {
		key = cfg.IdempotencyKeyFn(e.Data)
	}

	if key != "" {
		seen, err := b.d.idempSeen(ctx, cfg.Stream, cfg.Group, key)
		if err != nil {
			logger.Warn("idempotency check failed, leaving entry pending", "id", e.ID, "error", err)
			return false
		}
		if seen {
			if b.m != nil {
				b.m.IdempSkips.WithLabelValues(cfg.Stream, cfg.Group).Inc()
			}
			b.ackEntry(ctx, cfg, logger, e.ID)
			return true
		}
	}

	err := b.invoke(ctx, cfg.Handler, e)
	if err == nil {
		if key != "" {
			if serr := b.d.idempSet(ctx, cfg.Stream, cfg.Group, key, cfg.IdempotencyTTL); serr != nil {
				logger.Warn("idempotency record write failed", "id", e.ID, "error", serr)
			}
		}
		_ = b.d.clearFailures(ctx, cfg.Stream, cfg.Group, e.ID)
		b.ackEntry(ctx, cfg, logger, e.ID)
		return true
	}

	if b.m != nil {
		b.m.HandlerFailures.WithLabelValues(cfg.Stream, cfg.Group).Inc()
	}

	failures, cerr := b.d.bumpFailures(ctx, cfg.Stream, cfg.Group, e.ID)
	if cerr != nil {
		logger.Warn("failure counter unavailable, leaving entry pending", "id", e.ID, "error", cerr)
		return false
	}

	if failures < cfg.MaxFailures {
		logger.Warn("handler failed, entry stays pending",
			"id", e.ID, "failures", failures, "max_failures", cfg.MaxFailures, "error", err)
		return false
	}

	// Retry budget spent: preserve the payload in the DLQ, then ack the
	// original so the group can make progress.
	env := DLQEnvelope{
		OriginalStream: cfg.Stream,
		Payload:        json.RawMessage(e.Data),
		Failures:       failures,
		LastError:      err.Error(),
		TS:             time.Now().UTC(),
	}
	data, merr := json.Marshal(env)
	if merr != nil {
		logger.Error("dlq envelope marshal failed, leaving entry pending", "id", e.ID, "error", merr)
		return false
	}
	dlqID, derr := b.d.deadLetter(ctx, cfg.DLQStream, cfg.Stream, data, e.Data)
	if derr != nil {
		logger.Error("dlq append failed, leaving entry pending", "id", e.ID, "error", derr)
		return false
	}

	if b.m != nil {
		b.m.DeadLettered.WithLabelValues(cfg.Stream, cfg.Group).Inc()
	}
	_ = b.d.clearFailures(ctx, cfg.Stream, cfg.Group, e.ID)
	b.ackEntry(ctx, cfg, logger, e.ID)
	logger.Warn("entry dead-lettered", "id", e.ID, "dlq_id", dlqID, "failures", failures, "error", err)
	return false
}

// invoke runs the handler with panic recovery. A handler bug must never
// take the process down.
func (b *Bus) invoke(ctx context.Context, h Handler, e Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}

func (b *Bus) ackEntry(ctx context.Context, cfg *ConsumerConfig, logger *slog.Logger, id string) {
	if err := b.d.ack(ctx, cfg.Stream, cfg.Group, id); err != nil {
		logger.Warn("ack failed", "id", id, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
