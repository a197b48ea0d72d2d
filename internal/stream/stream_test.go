package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"tradefleet/internal/logging"
)

type testPayload struct {
	RequestID string `json:"requestId"`
	N         int    `json:"n"`
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	return NewMemory(logging.Discard())
}

func startConsumer(t *testing.T, bus *Bus, cfg ConsumerConfig) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Consume(ctx, cfg)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestConsumeDeliversInOrder(t *testing.T) {
	t.Parallel()
	bus := newTestBus(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []int
	startConsumer(t, bus, ConsumerConfig{
		Stream:   "t.orders",
		Group:    "workers",
		Consumer: "w1",
		Block:    20 * time.Millisecond,
		Handler: func(_ context.Context, e Entry) error {
			var p testPayload
			if err := json.Unmarshal(e.Data, &p); err != nil {
				return err
			}
			mu.Lock()
			got = append(got, p.N)
			mu.Unlock()
			return nil
		},
	})

	for i := 1; i <= 5; i++ {
		if _, err := bus.Append(ctx, "t.orders", testPayload{RequestID: fmt.Sprintf("r%d", i), N: i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, "all entries handled")

	mu.Lock()
	for i, n := range got {
		if n != i+1 {
			t.Fatalf("delivery order = %v, want 1..5", got)
		}
	}
	mu.Unlock()

	waitFor(t, 2*time.Second, func() bool {
		n, err := bus.PendingCount(ctx, "t.orders", "workers")
		return err == nil && n == 0
	}, "pending drained")
}

func TestConsumeSkipsDuplicateKeys(t *testing.T) {
	t.Parallel()
	bus := newTestBus(t)
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	startConsumer(t, bus, ConsumerConfig{
		Stream:           "t.cmds",
		Group:            "workers",
		Consumer:         "w1",
		Block:            20 * time.Millisecond,
		IdempotencyKeyFn: FieldKey("requestId"),
		Handler: func(_ context.Context, _ Entry) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		},
	})

	payloads := []testPayload{
		{RequestID: "dup", N: 1},
		{RequestID: "dup", N: 2},
		{RequestID: "other", N: 3},
	}
	for _, p := range payloads {
		if _, err := bus.Append(ctx, "t.cmds", p); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		n, err := bus.PendingCount(ctx, "t.cmds", "workers")
		return err == nil && n == 0
	}, "pending drained")

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2 (duplicate skipped)", calls)
	}
}

func TestConsumeDeadLettersAfterMaxFailures(t *testing.T) {
	t.Parallel()
	bus := newTestBus(t)
	ctx := context.Background()

	startConsumer(t, bus, ConsumerConfig{
		Stream:      "t.fail",
		Group:       "workers",
		Consumer:    "w1",
		Block:       20 * time.Millisecond,
		MaxFailures: 3,
		Handler: func(_ context.Context, _ Entry) error {
			return errors.New("boom")
		},
	})

	want := testPayload{RequestID: "r1", N: 42}
	if _, err := bus.Append(ctx, "t.fail", want); err != nil {
		t.Fatalf("append: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		n, err := bus.Len(ctx, "t.fail.dlq")
		return err == nil && n == 1
	}, "entry dead-lettered")

	entries, err := bus.RangeDLQ(ctx, "t.fail.dlq", "", "", 10)
	if err != nil {
		t.Fatalf("range dlq: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d, want 1", len(entries))
	}

	var env DLQEnvelope
	if err := json.Unmarshal(entries[0].Data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.OriginalStream != "t.fail" {
		t.Errorf("originalStream = %q, want t.fail", env.OriginalStream)
	}
	if env.Failures != 3 {
		t.Errorf("failures = %d, want 3", env.Failures)
	}
	if env.LastError != "boom" {
		t.Errorf("lastError = %q, want boom", env.LastError)
	}
	var p testPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p != want {
		t.Errorf("payload = %+v, want %+v", p, want)
	}

	waitFor(t, 2*time.Second, func() bool {
		n, err := bus.PendingCount(ctx, "t.fail", "workers")
		return err == nil && n == 0
	}, "poison entry acked")
}

func TestRequeueRestoresPayload(t *testing.T) {
	t.Parallel()
	bus := newTestBus(t)
	ctx := context.Background()

	var mu sync.Mutex
	healthy := false
	handled := 0
	startConsumer(t, bus, ConsumerConfig{
		Stream:           "t.exec",
		Group:            "workers",
		Consumer:         "w1",
		Block:            20 * time.Millisecond,
		MaxFailures:      2,
		IdempotencyKeyFn: FieldKey("requestId"),
		Handler: func(_ context.Context, _ Entry) error {
			mu.Lock()
			defer mu.Unlock()
			if !healthy {
				return errors.New("downstream unavailable")
			}
			handled++
			return nil
		},
	})

	if _, err := bus.Append(ctx, "t.exec", testPayload{RequestID: "r1", N: 7}); err != nil {
		t.Fatalf("append: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		n, err := bus.Len(ctx, "t.exec.dlq")
		return err == nil && n == 1
	}, "entry dead-lettered")

	entries, err := bus.RangeDLQ(ctx, "t.exec.dlq", "", "", 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("range dlq: entries=%d err=%v", len(entries), err)
	}
	dlqID := entries[0].ID

	mu.Lock()
	healthy = true
	mu.Unlock()

	if _, err := bus.Requeue(ctx, "t.exec.dlq", dlqID); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 1
	}, "requeued entry handled")

	if n, err := bus.Len(ctx, "t.exec.dlq"); err != nil || n != 0 {
		t.Fatalf("dlq len = %d (err %v), want 0", n, err)
	}
	if _, err := bus.Requeue(ctx, "t.exec.dlq", dlqID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second requeue error = %v, want ErrNotFound", err)
	}
}

func TestConsumeRecoversFromPanic(t *testing.T) {
	t.Parallel()
	bus := newTestBus(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []int
	startConsumer(t, bus, ConsumerConfig{
		Stream:      "t.panic",
		Group:       "workers",
		Consumer:    "w1",
		Block:       20 * time.Millisecond,
		MaxFailures: 2,
		Handler: func(_ context.Context, e Entry) error {
			var p testPayload
			if err := json.Unmarshal(e.Data, &p); err != nil {
				return err
			}
			if p.N == 1 {
				panic("bad entry")
			}
			mu.Lock()
			got = append(got, p.N)
			mu.Unlock()
			return nil
		},
	})

	for i := 1; i <= 2; i++ {
		if _, err := bus.Append(ctx, "t.panic", testPayload{RequestID: fmt.Sprintf("r%d", i), N: i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		n, err := bus.Len(ctx, "t.panic.dlq")
		if err != nil || n != 1 {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == 2
	}, "panicking entry dead-lettered, next entry handled")

	entries, err := bus.RangeDLQ(ctx, "t.panic.dlq", "", "", 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("range dlq: entries=%d err=%v", len(entries), err)
	}
	var env DLQEnvelope
	if err := json.Unmarshal(entries[0].Data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.LastError == "" {
		t.Error("lastError empty, want panic message")
	}
}

func TestRequeueUnknownEntry(t *testing.T) {
	t.Parallel()
	bus := newTestBus(t)
	if _, err := bus.Requeue(context.Background(), "ghost.dlq", "1-0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestFieldKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		field string
		data  string
		want  string
	}{
		{"present", "requestId", `{"requestId":"abc","n":1}`, "abc"},
		{"missing", "requestId", `{"n":1}`, ""},
		{"wrong type", "requestId", `{"requestId":7}`, ""},
		{"invalid json", "requestId", `{`, ""},
		{"nested ignored", "orderId", `{"order":{"orderId":"x"}}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := FieldKey(tt.field)([]byte(tt.data)); got != tt.want {
				t.Errorf("FieldKey(%q)(%s) = %q, want %q", tt.field, tt.data, got, tt.want)
			}
		})
	}
}
