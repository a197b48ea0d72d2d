package orchestrator

import (
	"sync"
	"time"

	"tradefleet/pkg/types"
)

// Phase is a run's position in the pipeline.
type Phase string

const (
	PhaseAccepted   Phase = "accepted"
	PhaseAnalyzing  Phase = "analyzing"
	PhaseEvaluating Phase = "evaluating"
	PhaseApproved   Phase = "approved"
	PhaseSubmitting Phase = "submitting"
	PhaseRejected   Phase = "rejected"
	PhaseFilled     Phase = "filled"
	PhaseFailed     Phase = "failed"
)

// Terminal reports whether the phase is final for its run.
func (p Phase) Terminal() bool {
	return p == PhaseRejected || p == PhaseFilled || p == PhaseFailed
}

// validNext enumerates the legal transitions. Anything else is an anomaly:
// logged by the caller, never applied.
var validNext = map[Phase][]Phase{
	PhaseAccepted:   {PhaseAnalyzing, PhaseRejected, PhaseFailed},
	PhaseAnalyzing:  {PhaseEvaluating, PhaseRejected, PhaseFailed},
	PhaseEvaluating: {PhaseApproved, PhaseRejected, PhaseFailed},
	PhaseApproved:   {PhaseSubmitting, PhaseRejected, PhaseFailed},
	PhaseSubmitting: {PhaseFilled, PhaseRejected, PhaseFailed},
}

func allowed(from, to Phase) bool {
	for _, p := range validNext[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Run is the tracked state of one in-flight request.
type Run struct {
	RequestID  string         `json:"requestId"`
	Phase      Phase          `json:"phase"`
	Symbol     string         `json:"symbol"`
	Mode       types.CommMode `json:"mode"`
	Side       types.Side     `json:"side,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	TraceID    string         `json:"traceId"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Tracker holds in-flight runs in a bounded rolling window. Entries age out
// after ttl and the oldest are dropped past capacity, so a stuck pipeline
// cannot grow the map without bound. A terminal status arriving for an
// evicted run is fine: PnL settles from the stream, not from this map.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]*Run
	ttl  time.Duration
	cap  int
}

func NewTracker(ttl time.Duration, capacity int) *Tracker {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if capacity <= 0 {
		capacity = 10_000
	}
	return &Tracker{
		runs: make(map[string]*Run),
		ttl:  ttl,
		cap:  capacity,
	}
}

// Accept registers a new run in the accepted phase.
func (t *Tracker) Accept(run Run) {
	run.Phase = PhaseAccepted
	run.UpdatedAt = time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked()
	t.runs[run.RequestID] = &run
}

// Observe records details learned mid-flight (the analyst's side and
// confidence) without changing the phase.
func (t *Tracker) Observe(requestID string, side types.Side, confidence float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if run, ok := t.runs[requestID]; ok {
		run.Side = side
		run.Confidence = confidence
		run.UpdatedAt = time.Now()
	}
}

// Advance moves a run to the next phase. It returns false when the run is
// unknown (evicted or never accepted) or the transition is not legal from
// the current phase; the run is left untouched in that case.
func (t *Tracker) Advance(requestID string, to Phase) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.runs[requestID]
	if !ok || !allowed(run.Phase, to) {
		return false
	}
	run.Phase = to
	run.UpdatedAt = time.Now()
	return true
}

// Get returns a copy of the tracked run.
func (t *Tracker) Get(requestID string) (Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[requestID]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// Active counts runs not yet in a terminal phase.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, run := range t.runs {
		if !run.Phase.Terminal() {
			n++
		}
	}
	return n
}

// evictLocked drops aged entries, then the oldest beyond capacity.
func (t *Tracker) evictLocked() {
	cutoff := time.Now().Add(-t.ttl)
	for id, run := range t.runs {
		if run.UpdatedAt.Before(cutoff) {
			delete(t.runs, id)
		}
	}
	for len(t.runs) >= t.cap {
		var oldestID string
		var oldest time.Time
		for id, run := range t.runs {
			if oldestID == "" || run.UpdatedAt.Before(oldest) {
				oldestID = id
				oldest = run.UpdatedAt
			}
		}
		delete(t.runs, oldestID)
	}
}
