package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"tradefleet/internal/auditlog"
	"tradefleet/internal/config"
	"tradefleet/internal/logging"
	"tradefleet/internal/metrics"
	"tradefleet/internal/pnl"
	"tradefleet/internal/stream"
	"tradefleet/internal/web"
	"tradefleet/pkg/types"
)

type fakeLedger struct {
	mu          sync.Mutex
	day         types.PnLDay
	initialized bool
}

func newFakeLedger(startEquity, targetPct float64) *fakeLedger {
	return &fakeLedger{day: types.PnLDay{
		Date:           pnl.DayID(time.Now()),
		StartEquity:    startEquity,
		DailyTargetPct: targetPct,
	}}
}

func (l *fakeLedger) InitDay(context.Context, string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	created := !l.initialized
	l.initialized = true
	return created, nil
}

// Apply mirrors the ledger script: the increment and the halt latch happen
// in the same call, against the fake's stored target.
func (l *fakeLedger) Apply(_ context.Context, _ string, profit float64) (pnl.ApplyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initialized = true
	l.day.PnLUsd += profit
	if l.day.StartEquity != 0 {
		l.day.PnLPct = l.day.PnLUsd / l.day.StartEquity * 100
	}
	res := pnl.ApplyResult{PnLUsd: l.day.PnLUsd, PnLPct: l.day.PnLPct}
	if !l.day.Halted && l.day.DailyTargetPct > 0 && l.day.PnLPct >= l.day.DailyTargetPct {
		l.day.Halted = true
		l.day.HaltReason = pnl.ReasonDailyTarget
		res.NewlyHalted = true
	}
	res.Halted = l.day.Halted
	return res, nil
}

func (l *fakeLedger) Get(context.Context, string) (types.PnLDay, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return types.PnLDay{}, pnl.ErrDayNotFound
	}
	return l.day, nil
}

func (l *fakeLedger) Default(day string) types.PnLDay {
	return types.PnLDay{Date: day, StartEquity: l.day.StartEquity, DailyTargetPct: l.day.DailyTargetPct}
}

func (l *fakeLedger) SetHalted(_ context.Context, _ string, halted bool, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initialized = true
	l.day.Halted = halted
	l.day.HaltReason = reason
	return nil
}

func (l *fakeLedger) ResetDay(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.day.PnLUsd, l.day.PnLPct, l.day.Halted, l.day.HaltReason = 0, 0, false, ""
	return nil
}

type fakeCooldown struct {
	mu    sync.Mutex
	wins  int
	calls int
}

func (c *fakeCooldown) TryAcquire(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.wins > 0 {
		c.wins--
		return true, nil
	}
	return false, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{CommMode: string(types.ModePubSub)},
		PnL:     config.PnLConfig{StartEquity: 1000, DailyTargetPct: 1.0},
		Optimizer: config.OptimizerConfig{
			EnableOnLoss:    true,
			MinLoss:         5,
			CooldownSeconds: 1800,
		},
	}
}

func newTestService(t *testing.T, cfg *config.Config, ledger Ledger, cooldown Cooldown) (*Service, *stream.Bus) {
	t.Helper()
	bus := stream.NewMemory(logging.Discard())
	svc := NewService(cfg, bus, ledger, cooldown, auditlog.Noop{}, logging.Discard(), metrics.New("orchestrator-test"))
	return svc, bus
}

func entryFor(t *testing.T, v any) stream.Entry {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return stream.Entry{ID: "1-0", Data: data}
}

func readAll(t *testing.T, bus *stream.Bus, streamName string) []stream.Entry {
	t.Helper()
	entries, err := bus.RangeDLQ(context.Background(), streamName, "-", "+", 100)
	if err != nil {
		t.Fatalf("range %s: %v", streamName, err)
	}
	return entries
}

func TestHandleSignalForwardsToRisk(t *testing.T) {
	t.Parallel()
	svc, bus := newTestService(t, testConfig(), newFakeLedger(1000, 1), &fakeCooldown{})
	svc.tracker.Accept(Run{RequestID: "r1", Symbol: "BTC-USD", TraceID: "t1"})

	sig := types.Signal{RequestID: "r1", Symbol: "BTC-USD", Side: types.Buy, Confidence: 0.8, TraceID: "t1", TS: time.Now().UTC()}
	if err := svc.handleSignal(context.Background(), entryFor(t, sig)); err != nil {
		t.Fatalf("handle signal: %v", err)
	}

	entries := readAll(t, bus, stream.RiskRequests)
	if len(entries) != 1 {
		t.Fatalf("risk requests = %d, want 1", len(entries))
	}
	var req types.RiskRequest
	if err := json.Unmarshal(entries[0].Data, &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.RequestID != "r1" || req.Side != types.Buy || req.Confidence != 0.8 {
		t.Errorf("request = %+v", req)
	}

	run, _ := svc.tracker.Get("r1")
	if run.Phase != PhaseEvaluating || run.Side != types.Buy {
		t.Errorf("run = %+v, want evaluating/buy", run)
	}
}

func TestHandleSignalInvalidDropped(t *testing.T) {
	t.Parallel()
	svc, bus := newTestService(t, testConfig(), newFakeLedger(1000, 1), &fakeCooldown{})

	sig := types.Signal{RequestID: "r1", Symbol: "", Side: types.Buy, Confidence: 0.8}
	if err := svc.handleSignal(context.Background(), entryFor(t, sig)); err != nil {
		t.Fatalf("invalid signal returned error: %v", err)
	}
	if entries := readAll(t, bus, stream.RiskRequests); len(entries) != 0 {
		t.Errorf("invalid signal forwarded")
	}
}

func TestHandleDecisionApprovedEmitsOrder(t *testing.T) {
	t.Parallel()
	svc, bus := newTestService(t, testConfig(), newFakeLedger(1000, 1), &fakeCooldown{})
	svc.tracker.Accept(Run{RequestID: "r1", Symbol: "BTC-USD", TraceID: "t1"})
	svc.tracker.Observe("r1", types.Buy, 0.8)
	svc.tracker.Advance("r1", PhaseAnalyzing)
	svc.tracker.Advance("r1", PhaseEvaluating)

	d := types.RiskDecision{RequestID: "r1", OK: true, TraceID: "t1", TS: time.Now().UTC()}
	if err := svc.handleDecision(context.Background(), entryFor(t, d)); err != nil {
		t.Fatalf("handle decision: %v", err)
	}

	entries := readAll(t, bus, stream.ExecOrders)
	if len(entries) != 1 {
		t.Fatalf("orders = %d, want 1", len(entries))
	}
	var o types.Order
	if err := json.Unmarshal(entries[0].Data, &o); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if o.OrderID != "r1" || o.Symbol != "BTC-USD" || o.Side != types.Buy || o.Qty != defaultQty {
		t.Errorf("order = %+v", o)
	}
	if run, _ := svc.tracker.Get("r1"); run.Phase != PhaseSubmitting {
		t.Errorf("phase = %s, want submitting", run.Phase)
	}
}

func TestHandleDecisionRejected(t *testing.T) {
	t.Parallel()
	svc, bus := newTestService(t, testConfig(), newFakeLedger(1000, 1), &fakeCooldown{})
	svc.tracker.Accept(Run{RequestID: "r1", Symbol: "BTC-USD"})
	svc.tracker.Advance("r1", PhaseAnalyzing)
	svc.tracker.Advance("r1", PhaseEvaluating)

	d := types.RiskDecision{RequestID: "r1", OK: false, Reason: types.ReasonLowConfidence}
	if err := svc.handleDecision(context.Background(), entryFor(t, d)); err != nil {
		t.Fatalf("handle decision: %v", err)
	}
	if entries := readAll(t, bus, stream.ExecOrders); len(entries) != 0 {
		t.Errorf("rejected decision emitted an order")
	}
	if run, _ := svc.tracker.Get("r1"); run.Phase != PhaseRejected {
		t.Errorf("phase = %s, want rejected", run.Phase)
	}
}

func TestHandleDecisionHaltedDropsOrder(t *testing.T) {
	t.Parallel()
	ledger := newFakeLedger(1000, 1)
	ledger.initialized = true
	ledger.day.Halted = true
	svc, bus := newTestService(t, testConfig(), ledger, &fakeCooldown{})
	svc.tracker.Accept(Run{RequestID: "r1", Symbol: "BTC-USD"})
	svc.tracker.Advance("r1", PhaseAnalyzing)
	svc.tracker.Advance("r1", PhaseEvaluating)

	d := types.RiskDecision{RequestID: "r1", OK: true}
	if err := svc.handleDecision(context.Background(), entryFor(t, d)); err != nil {
		t.Fatalf("handle decision: %v", err)
	}
	if entries := readAll(t, bus, stream.ExecOrders); len(entries) != 0 {
		t.Errorf("order emitted while halted")
	}
}

func filledStatus(orderID string, profit float64) types.ExecStatus {
	price, fee := 100.0, 0.1
	return types.ExecStatus{
		OrderID: orderID,
		Symbol:  "BTC-USD",
		Side:    types.Buy,
		Qty:     1,
		Status:  types.StatusFilled,
		Price:   &price,
		Fee:     &fee,
		Profit:  &profit,
		TraceID: "t1",
		TS:      time.Now().UTC(),
	}
}

func TestHandleExecStatusSettlesAndLatchesOnce(t *testing.T) {
	t.Parallel()
	ledger := newFakeLedger(1000, 1) // target is 1% of 1000 = 10 USD
	svc, bus := newTestService(t, testConfig(), ledger, &fakeCooldown{})

	if err := svc.handleExecStatus(context.Background(), entryFor(t, filledStatus("r1", 6))); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if len(readAll(t, bus, stream.Commands)) != 0 {
		t.Fatal("halt announced below target")
	}

	// Crossing the target latches exactly once.
	if err := svc.handleExecStatus(context.Background(), entryFor(t, filledStatus("r2", 6))); err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if err := svc.handleExecStatus(context.Background(), entryFor(t, filledStatus("r3", 6))); err != nil {
		t.Fatalf("third fill: %v", err)
	}

	cmds := readAll(t, bus, stream.Commands)
	if len(cmds) != 1 {
		t.Fatalf("halt commands = %d, want 1", len(cmds))
	}
	var cmd types.Command
	if err := json.Unmarshal(cmds[0].Data, &cmd); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.Type != types.CommandHalt || cmd.Reason != pnl.ReasonDailyTarget {
		t.Errorf("command = %+v", cmd)
	}

	var critical int
	for _, e := range readAll(t, bus, stream.NotifyEvents) {
		var ev types.Event
		if err := json.Unmarshal(e.Data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Type == types.EventDailyTargetReached && ev.Severity == types.SeverityCritical {
			critical++
		}
	}
	if critical != 1 {
		t.Errorf("daily_target_reached events = %d, want 1", critical)
	}
}

// The day record's stored target decides the halt, not the process config;
// the two can diverge after a config change mid-day.
func TestSettleHonorsLedgerTargetOverConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.PnL.DailyTargetPct = 50
	ledger := newFakeLedger(100, 1)
	svc, bus := newTestService(t, cfg, ledger, &fakeCooldown{})

	if err := svc.handleExecStatus(context.Background(), entryFor(t, filledStatus("r1", 5))); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if cmds := readAll(t, bus, stream.Commands); len(cmds) != 1 {
		t.Fatalf("halt commands = %d, want 1", len(cmds))
	}
	if day, _ := ledger.Get(context.Background(), ""); !day.Halted {
		t.Error("ledger not halted at 5% with a 1% stored target")
	}
}

func TestLossTriggersOptimizerOncePerCooldown(t *testing.T) {
	t.Parallel()
	cooldown := &fakeCooldown{wins: 1}
	svc, bus := newTestService(t, testConfig(), newFakeLedger(1000, 50), cooldown)

	// Below the loss floor: no request, cooldown untouched.
	if err := svc.handleExecStatus(context.Background(), entryFor(t, filledStatus("r1", -2))); err != nil {
		t.Fatalf("small loss: %v", err)
	}
	if cooldown.calls != 0 {
		t.Error("cooldown consulted below loss floor")
	}

	if err := svc.handleExecStatus(context.Background(), entryFor(t, filledStatus("r2", -8))); err != nil {
		t.Fatalf("big loss: %v", err)
	}
	if err := svc.handleExecStatus(context.Background(), entryFor(t, filledStatus("r3", -9))); err != nil {
		t.Fatalf("second big loss: %v", err)
	}

	reqs := readAll(t, bus, stream.OptRequests)
	if len(reqs) != 1 {
		t.Fatalf("opt requests = %d, want 1 (cooldown)", len(reqs))
	}
	var req types.OptRequest
	if err := json.Unmarshal(reqs[0].Data, &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Trigger != "loss" || req.Profit == nil || *req.Profit != -8 {
		t.Errorf("request = %+v", req)
	}
}

func TestRunEndpointPubSub(t *testing.T) {
	t.Parallel()
	svc, bus := newTestService(t, testConfig(), newFakeLedger(1000, 1), &fakeCooldown{})
	mux := http.NewServeMux()
	svc.Routes(mux, "secret")

	req := httptest.NewRequest(http.MethodPost, "/orchestrate/run", strings.NewReader(`{"symbol":"BTC-USD"}`))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rr.Code, rr.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["requestId"] == "" {
		t.Error("no requestId in response")
	}

	cmds := readAll(t, bus, stream.Commands)
	if len(cmds) != 1 {
		t.Fatalf("commands = %d, want 1", len(cmds))
	}
	var cmd types.Command
	if err := json.Unmarshal(cmds[0].Data, &cmd); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.Type != types.CommandRun || cmd.Symbol != "BTC-USD" || cmd.RequestID != body["requestId"] {
		t.Errorf("command = %+v", cmd)
	}
}

func TestRunEndpointHalted(t *testing.T) {
	t.Parallel()
	ledger := newFakeLedger(1000, 1)
	ledger.initialized = true
	ledger.day.Halted = true
	ledger.day.HaltReason = pnl.ReasonDailyTarget
	svc, _ := newTestService(t, testConfig(), ledger, &fakeCooldown{})
	mux := http.NewServeMux()
	svc.Routes(mux, "secret")

	req := httptest.NewRequest(http.MethodPost, "/orchestrate/run", strings.NewReader(`{"symbol":"BTC-USD"}`))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), pnl.ReasonDailyTarget) {
		t.Errorf("409 body lacks the pnl snapshot: %s", rr.Body.String())
	}
}

func TestRunEndpointSyncHTTP(t *testing.T) {
	t.Parallel()
	analyst := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		web.JSON(w, http.StatusOK, types.Signal{
			RequestID: "ignored", Symbol: "BTC-USD", Side: types.Buy, Confidence: 0.9,
		})
	}))
	defer analyst.Close()
	risk := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		web.JSON(w, http.StatusOK, types.RiskDecision{RequestID: "ignored", OK: true})
	}))
	defer risk.Close()
	executor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		profit := 4.2
		web.JSON(w, http.StatusOK, types.ExecStatus{
			OrderID: "ignored", Status: types.StatusFilled, Profit: &profit,
		})
	}))
	defer executor.Close()

	cfg := testConfig()
	cfg.Siblings = config.SiblingsConfig{AnalystURL: analyst.URL, RiskURL: risk.URL, ExecutorURL: executor.URL}
	svc, _ := newTestService(t, cfg, newFakeLedger(1000, 1), &fakeCooldown{})
	mux := http.NewServeMux()
	svc.Routes(mux, "secret")

	req := httptest.NewRequest(http.MethodPost, "/orchestrate/run", strings.NewReader(`{"symbol":"BTC-USD","mode":"http"}`))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rr.Code, rr.Body.String())
	}
	var chain runChain
	if err := json.Unmarshal(rr.Body.Bytes(), &chain); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if chain.Signal == nil || chain.Decision == nil || chain.Execution == nil {
		t.Fatalf("incomplete chain: %+v", chain)
	}
	if chain.Execution.Status != types.StatusFilled {
		t.Errorf("execution = %+v", chain.Execution)
	}
}

func TestRunEndpointSyncDownstreamFailure(t *testing.T) {
	t.Parallel()
	analyst := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		web.Error(w, http.StatusInternalServerError, web.CodeInternal, "boom")
	}))
	defer analyst.Close()

	cfg := testConfig()
	cfg.Siblings.AnalystURL = analyst.URL
	svc, bus := newTestService(t, cfg, newFakeLedger(1000, 1), &fakeCooldown{})
	mux := http.NewServeMux()
	svc.Routes(mux, "secret")

	req := httptest.NewRequest(http.MethodPost, "/orchestrate/run", strings.NewReader(`{"symbol":"BTC-USD","mode":"http"}`))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}

	var failed int
	for _, e := range readAll(t, bus, stream.NotifyEvents) {
		var ev types.Event
		if err := json.Unmarshal(e.Data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Type == types.EventPipelineFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("pipeline_failed events = %d, want 1", failed)
	}
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, testConfig(), newFakeLedger(1000, 1), &fakeCooldown{})
	mux := http.NewServeMux()
	svc.Routes(mux, "secret")

	req := httptest.NewRequest(http.MethodPost, "/admin/orchestrate/halt", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/orchestrate/halt", strings.NewReader(`{"reason":"maintenance"}`))
	req.Header.Set(web.HeaderAdminToken, "secret")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("with token: status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	var day types.PnLDay
	if err := json.Unmarshal(rr.Body.Bytes(), &day); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !day.Halted || day.HaltReason != "maintenance" {
		t.Errorf("day = %+v, want halted/maintenance", day)
	}
}

func TestChatStatusAndAdminGate(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, testConfig(), newFakeLedger(1000, 1), &fakeCooldown{})
	mux := http.NewServeMux()
	svc.Routes(mux, "secret")

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"text":"status"}`))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status intent: %d, want 200", rr.Code)
	}
	var reply ChatReply
	if err := json.Unmarshal(rr.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Intent != IntentStatus || reply.Text == "" {
		t.Errorf("reply = %+v", reply)
	}

	// Mutating intents need the token even through chat.
	req = httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"intent":"halt"}`))
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("halt without token: %d, want 401", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"intent":"halt"}`))
	req.Header.Set(web.HeaderAdminToken, "secret")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("halt with token: %d, want 200: %s", rr.Code, rr.Body.String())
	}
}
