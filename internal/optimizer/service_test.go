package optimizer

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"tradefleet/internal/auditlog"
	"tradefleet/internal/logging"
	"tradefleet/internal/metrics"
	"tradefleet/internal/params"
	"tradefleet/internal/stream"
	"tradefleet/pkg/types"
)

// memJobStore mirrors the redis store's pending-only approval rule.
type memJobStore struct {
	mu       sync.Mutex
	jobs     map[string]types.OptJob
	approved types.RiskParameters
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]types.OptJob)}
}

func (s *memJobStore) Create(_ context.Context, job types.OptJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = job
	return nil
}

func (s *memJobStore) Get(_ context.Context, jobID string) (types.OptJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return types.OptJob{}, ErrJobNotFound
	}
	return job, nil
}

func (s *memJobStore) Approve(_ context.Context, jobID string) (types.OptJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return types.OptJob{}, ErrJobNotFound
	}
	if job.Status != types.OptPendingApproval {
		return types.OptJob{}, ErrJobNotPending
	}
	job.Status = types.OptApproved
	job.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = job
	s.approved = job.Proposed
	return job, nil
}

func newTestService(t *testing.T) (*Service, *memJobStore, *stream.Bus) {
	t.Helper()
	bus := stream.NewMemory(logging.Discard())
	store := newMemJobStore()
	svc := NewService(
		params.Static(types.RiskParameters{MinConfidence: 0.5, Symbol: "BTC-USD"}),
		store, bus, auditlog.Noop{}, logging.Discard(), metrics.New("optimizer-test"),
	)
	return svc, store, bus
}

func collect(t *testing.T, bus *stream.Bus, streamName string, want int) []stream.Entry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := bus.RangeDLQ(context.Background(), streamName, "-", "+", 100)
		if err != nil {
			t.Fatalf("range %s: %v", streamName, err)
		}
		if len(entries) >= want {
			return entries
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d entries on %s", want, streamName)
	return nil
}

func TestProcessCreatesPendingJob(t *testing.T) {
	t.Parallel()
	svc, store, bus := newTestService(t)

	req := types.OptRequest{RequestID: "r1", Trigger: "loss", TraceID: "t1", TS: time.Now().UTC()}
	job, err := svc.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if job.JobID != "job-r1" || job.Status != types.OptPendingApproval || job.Trigger != "loss" {
		t.Errorf("job = %+v, want pending job-r1 with loss trigger", job)
	}

	stored, err := store.Get(context.Background(), "job-r1")
	if err != nil {
		t.Fatalf("get stored job: %v", err)
	}
	if stored.Proposed.MinConfidence != job.Proposed.MinConfidence {
		t.Errorf("stored proposal %v != returned %v", stored.Proposed.MinConfidence, job.Proposed.MinConfidence)
	}
	// The active set is untouched until approval.
	if store.approved.MinConfidence != 0 {
		t.Errorf("approval applied without operator action")
	}

	results := collect(t, bus, stream.OptResults, 1)
	var published types.OptJob
	if err := json.Unmarshal(results[0].Data, &published); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if published.JobID != "job-r1" {
		t.Errorf("published jobId = %q, want job-r1", published.JobID)
	}

	events := collect(t, bus, stream.NotifyEvents, 1)
	var ev types.Event
	if err := json.Unmarshal(events[0].Data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != types.EventOptimizerProposal || ev.Severity != types.SeverityWarning {
		t.Errorf("event = %+v, want warning optimizer_proposal", ev)
	}
}

func TestApproveAppliesOnce(t *testing.T) {
	t.Parallel()
	svc, store, _ := newTestService(t)

	req := types.OptRequest{RequestID: "r2", Trigger: "manual", TS: time.Now().UTC()}
	created, err := svc.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	job, err := svc.Approve(context.Background(), created.JobID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if job.Status != types.OptApproved {
		t.Errorf("status = %q, want approved", job.Status)
	}
	if store.approved.MinConfidence != created.Proposed.MinConfidence {
		t.Errorf("active set %v, want proposed %v", store.approved.MinConfidence, created.Proposed.MinConfidence)
	}

	if _, err := svc.Approve(context.Background(), created.JobID); err != ErrJobNotPending {
		t.Errorf("second approve err = %v, want ErrJobNotPending", err)
	}
}

func TestApproveUnknownJob(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	if _, err := svc.Approve(context.Background(), "job-missing"); err != ErrJobNotFound {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestRunConsumesRequests(t *testing.T) {
	t.Parallel()
	svc, store, bus := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx, time.Hour, 5)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	req := types.OptRequest{RequestID: "r3", Trigger: "loss", TraceID: "t3", TS: time.Now().UTC()}
	if _, err := bus.Append(context.Background(), stream.OptRequests, req); err != nil {
		t.Fatalf("append: %v", err)
	}

	collect(t, bus, stream.OptResults, 1)
	if _, err := store.Get(context.Background(), "job-r3"); err != nil {
		t.Errorf("job not stored after consume: %v", err)
	}
}

func TestJobHashRoundTrip(t *testing.T) {
	t.Parallel()
	start, end := 8, 20
	now := time.Now().UTC().Truncate(time.Second)
	job := types.OptJob{
		JobID:  "job-x",
		Status: types.OptPendingApproval,
		Proposed: types.RiskParameters{
			MinConfidence:    0.6,
			BlockSides:       []types.Side{types.Sell},
			TradingStartHour: &start,
			TradingEndHour:   &end,
			Symbol:           "ETH-USD",
		},
		Backtest:  types.BacktestSummary{WinRate: 55, Sharpe: 1.2, MaxDD: 3.4},
		Trigger:   "manual",
		TraceID:   "t-x",
		CreatedAt: now,
		UpdatedAt: now,
	}

	fields, err := jobToHash(job)
	if err != nil {
		t.Fatalf("to hash: %v", err)
	}
	got, err := jobFromHash(fields)
	if err != nil {
		t.Fatalf("from hash: %v", err)
	}
	if got.JobID != job.JobID || got.Status != job.Status || got.Trigger != job.Trigger {
		t.Errorf("identity fields = %+v", got)
	}
	if got.Proposed.MinConfidence != 0.6 || got.Proposed.Symbol != "ETH-USD" {
		t.Errorf("proposed = %+v", got.Proposed)
	}
	if got.Proposed.TradingStartHour == nil || *got.Proposed.TradingStartHour != 8 {
		t.Errorf("start hour = %v", got.Proposed.TradingStartHour)
	}
	if got.Backtest != job.Backtest {
		t.Errorf("backtest = %+v, want %+v", got.Backtest, job.Backtest)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("createdAt = %v, want %v", got.CreatedAt, now)
	}
}
