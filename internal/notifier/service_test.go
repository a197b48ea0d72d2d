package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"tradefleet/internal/config"
	"tradefleet/internal/logging"
	"tradefleet/internal/metrics"
	"tradefleet/internal/stream"
	"tradefleet/pkg/types"
)

// memEventStore is an in-memory EventStore.
type memEventStore struct {
	mu     sync.Mutex
	events []types.Event
	dedup  map[string]bool
	seen   map[string]bool
	acked  map[string]bool
}

func newMemEventStore() *memEventStore {
	return &memEventStore{
		dedup: make(map[string]bool),
		seen:  make(map[string]bool),
		acked: make(map[string]bool),
	}
}

func (s *memEventStore) Add(_ context.Context, ev types.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := json.Marshal(ev)
	if err != nil {
		return false, err
	}
	if s.dedup[string(key)] {
		return false, nil
	}
	s.dedup[string(key)] = true
	s.events = append([]types.Event{ev}, s.events...)
	if len(s.events) > RecentLimit {
		s.events = s.events[:RecentLimit]
	}
	for _, id := range eventIDs(ev) {
		s.seen[id] = true
	}
	return true, nil
}

func (s *memEventStore) Recent(_ context.Context, limit int) ([]types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]types.Event, limit)
	copy(out, s.events[:limit])
	return out, nil
}

func (s *memEventStore) Ack(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seen[id] {
		return false, nil
	}
	s.acked[id] = true
	return true, nil
}

func (s *memEventStore) Acked(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked[id], nil
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

func newTestService(t *testing.T, cfg config.NotifyConfig) (*Service, *stream.Bus, *memEventStore) {
	t.Helper()
	bus := stream.NewMemory(logging.Discard())
	store := newMemEventStore()
	svc := NewService(cfg, store, newTestHub(t), bus, logging.Discard(), metrics.New("notifier-test"))
	return svc, bus, store
}

func event(severity types.Severity) types.Event {
	return types.Event{
		Type:      "manual_halt",
		Severity:  severity,
		Message:   "operator halted trading",
		RequestID: "r1",
		TraceID:   "t1",
		TS:        time.Now().UTC(),
	}
}

func TestSinkFor(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, config.NotifyConfig{
		SinkInfoURL:     "http://info",
		SinkWarningURL:  "http://warning",
		SinkCriticalURL: "http://critical",
	})

	tests := []struct {
		severity types.Severity
		want     string
	}{
		{types.SeverityInfo, "http://info"},
		{types.SeverityWarning, "http://warning"},
		{types.SeverityCritical, "http://critical"},
	}
	for _, tt := range tests {
		if got := svc.sinkFor(tt.severity); got != tt.want {
			t.Errorf("sinkFor(%s) = %q, want %q", tt.severity, got, tt.want)
		}
	}
}

func TestFormatPayload(t *testing.T) {
	t.Parallel()

	p := formatPayload(event(types.SeverityCritical))
	if !strings.Contains(p.Text, "critical") || !strings.Contains(p.Text, "operator halted trading") {
		t.Errorf("Text = %q, want severity and message", p.Text)
	}
	if p.TraceID != "t1" || p.RequestID != "r1" {
		t.Errorf("ids not carried: %+v", p)
	}

	// Without a message the type stands in.
	p = formatPayload(types.Event{Type: "daily_target_reached", Severity: types.SeverityInfo})
	if !strings.Contains(p.Text, "daily_target_reached") {
		t.Errorf("Text = %q, want type fallback", p.Text)
	}
}

func TestDeliverPostsToSink(t *testing.T) {
	t.Parallel()

	var got atomic.Int64
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p sinkPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("sink payload decode: %v", err)
		}
		got.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(sink.Close)

	svc, _, store := newTestService(t, config.NotifyConfig{SinkWarningURL: sink.URL})
	if err := svc.Deliver(context.Background(), event(types.SeverityWarning)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.Load() != 1 {
		t.Errorf("sink posts = %d, want 1", got.Load())
	}
	if events, _ := store.Recent(context.Background(), 10); len(events) != 1 {
		t.Errorf("recent = %d events, want 1", len(events))
	}
}

func TestDeliverNoSinkConfigured(t *testing.T) {
	t.Parallel()
	svc, _, store := newTestService(t, config.NotifyConfig{})

	if err := svc.Deliver(context.Background(), event(types.SeverityInfo)); err != nil {
		t.Fatalf("Deliver without sink: %v", err)
	}
	if events, _ := store.Recent(context.Background(), 10); len(events) != 1 {
		t.Error("event not persisted when sink missing")
	}
}

func TestDeliverSinkFailureReturnsError(t *testing.T) {
	t.Parallel()

	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(sink.Close)

	svc, _, _ := newTestService(t, config.NotifyConfig{SinkCriticalURL: sink.URL})
	if err := svc.Deliver(context.Background(), event(types.SeverityCritical)); err == nil {
		t.Error("expected error for failing sink")
	}
}

// A sink failure makes the runtime redeliver the event; the recent window
// and the live broadcast must not duplicate across those attempts.
func TestRedeliveryDoesNotDuplicate(t *testing.T) {
	t.Parallel()

	var posts atomic.Int64
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(sink.Close)

	bus := stream.NewMemory(logging.Discard())
	store := newMemEventStore()
	hub := NewHub(logging.Discard()) // not running, so broadcasts stay queued
	svc := NewService(config.NotifyConfig{SinkInfoURL: sink.URL},
		store, hub, bus, logging.Discard(), metrics.New("notifier-test"))

	ev := event(types.SeverityInfo)
	for i := 0; i < 3; i++ {
		if err := svc.Deliver(context.Background(), ev); err == nil {
			t.Fatal("expected sink error")
		}
	}

	if posts.Load() != 3 {
		t.Errorf("sink posts = %d, want 3", posts.Load())
	}
	if events, _ := store.Recent(context.Background(), 10); len(events) != 1 {
		t.Errorf("recent = %d events, want 1 across redeliveries", len(events))
	}
	if got := len(hub.broadcast); got != 1 {
		t.Errorf("broadcasts = %d, want 1", got)
	}
}

func TestFailedDeliveryDeadLetters(t *testing.T) {
	t.Parallel()

	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(sink.Close)

	svc, bus, _ := newTestService(t, config.NotifyConfig{SinkInfoURL: sink.URL})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx, time.Hour, 3)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if _, err := bus.Append(context.Background(), stream.NotifyEvents, event(types.SeverityInfo)); err != nil {
		t.Fatalf("append: %v", err)
	}

	dlq := stream.DLQName(stream.NotifyEvents)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := bus.RangeDLQ(context.Background(), dlq, "-", "+", 10)
		if err != nil {
			t.Fatalf("range dlq: %v", err)
		}
		if len(entries) == 1 {
			var env stream.DLQEnvelope
			if err := json.Unmarshal(entries[0].Data, &env); err != nil {
				t.Fatalf("decode envelope: %v", err)
			}
			if env.OriginalStream != stream.NotifyEvents || env.Failures != 3 {
				t.Errorf("envelope = %+v, want notify.events after 3 failures", env)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for dead-lettered event")
}

func TestAck(t *testing.T) {
	t.Parallel()
	svc, _, store := newTestService(t, config.NotifyConfig{})

	if err := svc.Deliver(context.Background(), event(types.SeverityInfo)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	ok, err := store.Ack(context.Background(), "t1")
	if err != nil || !ok {
		t.Fatalf("Ack(t1) = %v, %v; want true", ok, err)
	}
	if acked, _ := store.Acked(context.Background(), "t1"); !acked {
		t.Error("t1 not marked acked")
	}
	if ok, _ := store.Ack(context.Background(), "unknown"); ok {
		t.Error("Ack of unknown id reported success")
	}
}
