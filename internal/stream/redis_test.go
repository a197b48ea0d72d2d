package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"tradefleet/internal/logging"
)

func newRedisTestBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, logging.Discard(), nil)
}

func TestRedisRequeueMovesPayloadOnce(t *testing.T) {
	t.Parallel()
	bus := newRedisTestBus(t)
	ctx := context.Background()

	payload, err := json.Marshal(testPayload{RequestID: "r1", N: 7})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := DLQEnvelope{
		OriginalStream: "t.exec",
		Payload:        payload,
		Failures:       5,
		LastError:      "downstream unavailable",
		TS:             time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	dlqID, err := bus.d.deadLetter(ctx, "t.exec.dlq", "t.exec", data, payload)
	if err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	// The envelope stays readable for DLQ inspection.
	entries, err := bus.RangeDLQ(ctx, "t.exec.dlq", "", "", 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("range dlq: entries=%d err=%v", len(entries), err)
	}
	var got DLQEnvelope
	if err := json.Unmarshal(entries[0].Data, &got); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if got.OriginalStream != "t.exec" || got.Failures != 5 {
		t.Errorf("envelope = %+v", got)
	}

	newID, err := bus.Requeue(ctx, "t.exec.dlq", dlqID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if newID == "" {
		t.Fatal("requeue returned empty id")
	}

	restored, err := bus.d.rangeEntries(ctx, "t.exec", "-", "+", 10)
	if err != nil || len(restored) != 1 {
		t.Fatalf("origin stream: entries=%d err=%v", len(restored), err)
	}
	if string(restored[0].Data) != string(payload) {
		t.Errorf("restored payload = %s, want %s", restored[0].Data, payload)
	}

	if n, err := bus.Len(ctx, "t.exec.dlq"); err != nil || n != 0 {
		t.Fatalf("dlq len = %d (err %v), want 0", n, err)
	}
	if _, err := bus.Requeue(ctx, "t.exec.dlq", dlqID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second requeue error = %v, want ErrNotFound", err)
	}
}

func TestRedisRequeueUnknownEntry(t *testing.T) {
	t.Parallel()
	bus := newRedisTestBus(t)
	if _, err := bus.Requeue(context.Background(), "ghost.dlq", "1-0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}
