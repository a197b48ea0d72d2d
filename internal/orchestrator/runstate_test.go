package orchestrator

import (
	"fmt"
	"testing"
	"time"

	"tradefleet/pkg/types"
)

func TestTrackerHappyPath(t *testing.T) {
	t.Parallel()
	tr := NewTracker(time.Minute, 100)
	tr.Accept(Run{RequestID: "r1", Symbol: "BTC-USD", Mode: types.ModePubSub})

	for _, phase := range []Phase{PhaseAnalyzing, PhaseEvaluating, PhaseApproved, PhaseSubmitting, PhaseFilled} {
		if !tr.Advance("r1", phase) {
			t.Fatalf("advance to %s refused", phase)
		}
	}
	run, ok := tr.Get("r1")
	if !ok || run.Phase != PhaseFilled {
		t.Errorf("run = %+v, want filled", run)
	}
}

func TestTrackerRejectsIllegalTransitions(t *testing.T) {
	t.Parallel()
	tr := NewTracker(time.Minute, 100)
	tr.Accept(Run{RequestID: "r1"})

	if tr.Advance("r1", PhaseFilled) {
		t.Error("accepted -> filled allowed")
	}
	if tr.Advance("r1", PhaseSubmitting) {
		t.Error("accepted -> submitting allowed")
	}
	// The run is untouched by refused transitions.
	if run, _ := tr.Get("r1"); run.Phase != PhaseAccepted {
		t.Errorf("phase = %s, want accepted", run.Phase)
	}

	tr.Advance("r1", PhaseAnalyzing)
	tr.Advance("r1", PhaseEvaluating)
	tr.Advance("r1", PhaseRejected)
	if tr.Advance("r1", PhaseApproved) {
		t.Error("transition out of a terminal phase allowed")
	}
}

func TestTrackerUnknownRun(t *testing.T) {
	t.Parallel()
	tr := NewTracker(time.Minute, 100)
	if tr.Advance("ghost", PhaseAnalyzing) {
		t.Error("advance on unknown run reported success")
	}
	if _, ok := tr.Get("ghost"); ok {
		t.Error("unknown run found")
	}
}

func TestTrackerObserve(t *testing.T) {
	t.Parallel()
	tr := NewTracker(time.Minute, 100)
	tr.Accept(Run{RequestID: "r1", Symbol: "ETH-USD"})
	tr.Observe("r1", types.Sell, 0.7)

	run, _ := tr.Get("r1")
	if run.Side != types.Sell || run.Confidence != 0.7 {
		t.Errorf("run = %+v, want sell/0.7", run)
	}
	if run.Phase != PhaseAccepted {
		t.Errorf("observe changed phase to %s", run.Phase)
	}
}

func TestTrackerCapacityEviction(t *testing.T) {
	t.Parallel()
	tr := NewTracker(time.Hour, 10)
	for i := 0; i < 25; i++ {
		tr.Accept(Run{RequestID: fmt.Sprintf("r%d", i)})
	}
	if n := tr.Active(); n > 10 {
		t.Errorf("tracker holds %d runs, cap is 10", n)
	}
	// The newest run survives.
	if _, ok := tr.Get("r24"); !ok {
		t.Error("most recent run evicted")
	}
}

func TestPhaseTerminal(t *testing.T) {
	t.Parallel()
	for _, phase := range []Phase{PhaseRejected, PhaseFilled, PhaseFailed} {
		if !phase.Terminal() {
			t.Errorf("%s not terminal", phase)
		}
	}
	for _, phase := range []Phase{PhaseAccepted, PhaseAnalyzing, PhaseEvaluating, PhaseApproved, PhaseSubmitting} {
		if phase.Terminal() {
			t.Errorf("%s terminal", phase)
		}
	}
}
