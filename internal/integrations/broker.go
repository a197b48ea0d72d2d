// Package integrations reacts to critical platform events by opening
// incident tickets and writing knowledge-base entries through outbound
// webhooks. Targets are independent: one failing never blocks the other.
package integrations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"tradefleet/pkg/types"
)

// Target names used in outcomes and metrics labels.
const (
	TargetTicket = "ticket"
	TargetKB     = "kb"
)

// Action results. "fail" is a non-2xx answer from the target, "error" a
// transport-level failure.
const (
	ResultOK    = "ok"
	ResultFail  = "fail"
	ResultError = "error"
)

// Action is one outbound call for a critical event. Implementations return
// nil on success; the broker classifies errors per target.
type Action func(ctx context.Context, ev types.Event) error

// Deps are the injected targets. A nil action disables its target.
type Deps struct {
	CreateTicket Action
	WriteKB      Action
}

// TargetOutcome is the per-target result of handling one event.
type TargetOutcome struct {
	Target string
	Result string
	Err    error
}

// Outcome summarizes a handled event.
type Outcome struct {
	Acted   bool
	Targets []TargetOutcome
}

// RemoteError marks a target that answered with a non-success status. The
// broker counts it as "fail" rather than "error".
type RemoteError struct {
	Status int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("integrations: target answered %d", e.Status)
}

// HandleEvent runs the configured targets for ev. Non-critical events are
// acknowledged without acting. Targets run in parallel and settle
// independently; the outcome carries every result so the caller can count
// and log them.
func HandleEvent(ctx context.Context, ev types.Event, deps Deps) Outcome {
	if ev.Severity != types.SeverityCritical {
		return Outcome{}
	}

	type namedAction struct {
		target string
		run    Action
	}
	actions := make([]namedAction, 0, 2)
	if deps.CreateTicket != nil {
		actions = append(actions, namedAction{TargetTicket, deps.CreateTicket})
	}
	if deps.WriteKB != nil {
		actions = append(actions, namedAction{TargetKB, deps.WriteKB})
	}

	var (
		mu       sync.Mutex
		outcomes = make([]TargetOutcome, 0, len(actions))
	)
	p := pool.New().WithContext(ctx)
	for _, a := range actions {
		a := a
		p.Go(func(ctx context.Context) error {
			out := TargetOutcome{Target: a.target, Result: ResultOK}
			if err := a.run(ctx, ev); err != nil {
				out.Err = err
				out.Result = ResultError
				var remote *RemoteError
				if errors.As(err, &remote) {
					out.Result = ResultFail
				}
			}
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
			return nil
		})
	}
	_ = p.Wait()

	return Outcome{Acted: true, Targets: outcomes}
}

// ticketPayload is the body posted to the ticketing webhook.
type ticketPayload struct {
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Severity  types.Severity `json:"severity"`
	Labels    []string       `json:"labels,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	TraceID   string         `json:"traceId,omitempty"`
	TS        time.Time      `json:"ts"`
}

// kbPayload is the body posted to the knowledge-base webhook.
type kbPayload struct {
	Title   string         `json:"title"`
	Content string         `json:"content"`
	Tags    []string       `json:"tags,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	TS      time.Time      `json:"ts"`
}

func formatTicket(ev types.Event) ticketPayload {
	title := ev.Message
	if title == "" {
		title = ev.Type
	}
	return ticketPayload{
		Title:     fmt.Sprintf("[critical] %s", title),
		Body:      fmt.Sprintf("event %s at %s\n\n%s", ev.Type, ev.TS.Format(time.RFC3339), ev.Message),
		Severity:  ev.Severity,
		Labels:    []string{"automated", ev.Type},
		RequestID: ev.RequestID,
		TraceID:   ev.TraceID,
		TS:        ev.TS,
	}
}

func formatKB(ev types.Event) kbPayload {
	title := ev.Message
	if title == "" {
		title = ev.Type
	}
	return kbPayload{
		Title:   fmt.Sprintf("Incident: %s", title),
		Content: fmt.Sprintf("Critical event %s recorded at %s.", ev.Type, ev.TS.Format(time.RFC3339)),
		Tags:    []string{"incident", ev.Type},
		Context: ev.Context,
		TS:      ev.TS,
	}
}
