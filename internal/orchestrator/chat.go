package orchestrator

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"tradefleet/internal/pnl"
	"tradefleet/internal/stream"
	"tradefleet/internal/web"
	"tradefleet/pkg/types"
)

// Chat intents. The enum is closed: free text that matches nothing answers
// with the list instead of guessing.
const (
	IntentStatus     = "status"
	IntentHalt       = "halt"
	IntentUnhalt     = "unhalt"
	IntentRun        = "run"
	IntentDLQList    = "dlq_list"
	IntentDLQRequeue = "dlq_requeue"
)

// adminIntents mutate state and require the operator token.
var adminIntents = map[string]bool{
	IntentHalt:       true,
	IntentUnhalt:     true,
	IntentDLQRequeue: true,
	IntentDLQList:    true,
}

// ChatRequest is either structured ({intent, args}) or free text.
type ChatRequest struct {
	Intent string            `json:"intent,omitempty"`
	Args   map[string]string `json:"args,omitempty"`
	Text   string            `json:"text,omitempty"`
}

// ChatReply is the assistant-style answer plus any structured payload.
type ChatReply struct {
	Intent string `json:"intent"`
	Text   string `json:"text"`
	Data   any    `json:"data,omitempty"`
}

var errUnknownIntent = errors.New("orchestrator: unknown chat intent")

// ParseChat resolves a request into an intent and its arguments. Structured
// requests win; otherwise a keyword scan over the text decides.
func ParseChat(req ChatRequest) (string, map[string]string, error) {
	if req.Intent != "" {
		switch req.Intent {
		case IntentStatus, IntentHalt, IntentUnhalt, IntentRun, IntentDLQList, IntentDLQRequeue:
			args := req.Args
			if args == nil {
				args = map[string]string{}
			}
			return req.Intent, args, nil
		default:
			return "", nil, errUnknownIntent
		}
	}
	return parseText(req.Text)
}

// parseText maps free text onto the intent enum by keywords. It is
// deliberately small: the chat surface is an operator convenience, not an
// NLU system.
func parseText(text string) (string, map[string]string, error) {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return "", nil, errUnknownIntent
	}
	args := map[string]string{}

	has := func(keys ...string) bool {
		for _, w := range words {
			for _, k := range keys {
				if w == k {
					return true
				}
			}
		}
		return false
	}

	switch {
	case has("requeue", "retry", "redeliver"):
		if s, id, ok := dlqArgs(words); ok {
			args["stream"], args["id"] = s, id
		}
		return IntentDLQRequeue, args, nil
	case has("dlq", "dead-letter", "deadletter"):
		if s, _, ok := dlqArgs(words); ok {
			args["stream"] = s
		}
		return IntentDLQList, args, nil
	case has("unhalt", "resume", "unpause"):
		return IntentUnhalt, args, nil
	case has("halt", "stop", "pause"):
		if i := indexOf(words, "halt"); i >= 0 && i+1 < len(words) {
			args["reason"] = strings.Join(words[i+1:], " ")
		}
		return IntentHalt, args, nil
	case has("run", "trade", "start"):
		for _, w := range words {
			// A pair symbol reads like btc-usd or ethusdt.
			if strings.Contains(w, "-") || strings.HasSuffix(w, "usd") || strings.HasSuffix(w, "usdt") {
				args["symbol"] = strings.ToUpper(w)
			}
		}
		switch {
		case has("http"):
			args["mode"] = string(types.ModeHTTP)
		case has("hybrid"):
			args["mode"] = string(types.ModeHybrid)
		case has("pubsub", "async"):
			args["mode"] = string(types.ModePubSub)
		}
		return IntentRun, args, nil
	case has("status", "pnl", "health", "how"):
		return IntentStatus, args, nil
	default:
		return "", nil, errUnknownIntent
	}
}

// dlqArgs picks a stream name (and optionally an entry id) out of the words.
func dlqArgs(words []string) (streamName, id string, ok bool) {
	for _, w := range words {
		if knownStreams[strings.TrimSuffix(w, ".dlq")] {
			streamName = strings.TrimSuffix(w, ".dlq")
			ok = true
		}
		// Redis stream ids look like 1724630000000-0.
		if strings.Contains(w, "-") && strings.IndexFunc(w, notDigitDash) == -1 {
			id = w
		}
	}
	return streamName, id, ok
}

func notDigitDash(r rune) bool {
	return (r < '0' || r > '9') && r != '-'
}

func indexOf(words []string, w string) int {
	for i, x := range words {
		if x == w {
			return i
		}
	}
	return -1
}

// chatHandler serves POST /chat. Read-only intents are open; mutating ones
// require the admin token header.
func (s *Service) chatHandler(adminToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := web.Decode(r, &req); err != nil {
			web.Error(w, http.StatusBadRequest, web.CodeValidation, "invalid request body")
			return
		}

		intent, args, err := ParseChat(req)
		if err != nil {
			web.JSON(w, http.StatusOK, ChatReply{
				Intent: "unknown",
				Text:   "I can do: status, halt [reason], unhalt, run [symbol] [mode], dlq_list [stream], dlq_requeue [stream] [id].",
			})
			return
		}

		if adminIntents[intent] {
			got := r.Header.Get(web.HeaderAdminToken)
			if adminToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(adminToken)) != 1 {
				web.Error(w, http.StatusUnauthorized, web.CodeUnauthenticated, "admin token required")
				return
			}
		}

		s.dispatchChat(w, r, intent, args)
	}
}

func (s *Service) dispatchChat(w http.ResponseWriter, r *http.Request, intent string, args map[string]string) {
	ctx := r.Context()
	switch intent {
	case IntentStatus:
		_, day, err := s.halted(ctx)
		if err != nil {
			web.Error(w, http.StatusInternalServerError, web.CodeInternal, "ledger unavailable")
			return
		}
		text := fmt.Sprintf("PnL today: %.2f USD (%.2f%% of target %.2f%%), %d active runs.",
			day.PnLUsd, day.PnLPct, day.DailyTargetPct, s.tracker.Active())
		if day.Halted {
			text += fmt.Sprintf(" Trading is HALTED (%s).", day.HaltReason)
		}
		web.JSON(w, http.StatusOK, ChatReply{Intent: intent, Text: text, Data: day})

	case IntentHalt:
		reason := args["reason"]
		if reason == "" {
			reason = pnl.ReasonManual
		}
		if err := s.setHalted(r, true, reason); err != nil {
			web.Error(w, http.StatusInternalServerError, web.CodeInternal, "halt failed")
			return
		}
		web.JSON(w, http.StatusOK, ChatReply{Intent: intent, Text: fmt.Sprintf("Trading halted (%s).", reason)})

	case IntentUnhalt:
		if err := s.setHalted(r, false, ""); err != nil {
			web.Error(w, http.StatusInternalServerError, web.CodeInternal, "unhalt failed")
			return
		}
		web.JSON(w, http.StatusOK, ChatReply{Intent: intent, Text: "Trading resumed."})

	case IntentRun:
		in := runRequest{Symbol: args["symbol"], Mode: types.CommMode(args["mode"])}
		s.startRun(w, r, in)

	case IntentDLQList:
		name := args["stream"]
		if !knownStreams[name] {
			web.JSON(w, http.StatusOK, ChatReply{
				Intent: intent,
				Text:   "Which stream? Name one of the pipeline streams, e.g. exec.orders.",
			})
			return
		}
		entries, err := s.bus.RangeDLQ(ctx, stream.DLQName(name), "-", "+", 20)
		if err != nil {
			web.Error(w, http.StatusInternalServerError, web.CodeInternal, "dlq read failed")
			return
		}
		web.JSON(w, http.StatusOK, ChatReply{
			Intent: intent,
			Text:   fmt.Sprintf("%s has %d dead-lettered entries (showing up to 20).", stream.DLQName(name), len(entries)),
			Data:   entries,
		})

	case IntentDLQRequeue:
		name, id := args["stream"], args["id"]
		if !knownStreams[name] || id == "" {
			web.JSON(w, http.StatusOK, ChatReply{
				Intent: intent,
				Text:   "I need both a stream and an entry id, e.g. dlq_requeue exec.orders 1724630000000-0.",
			})
			return
		}
		newID, err := s.bus.Requeue(ctx, stream.DLQName(name), id)
		if errors.Is(err, stream.ErrNotFound) {
			web.Error(w, http.StatusNotFound, web.CodeNotFound, "dlq entry not found")
			return
		}
		if err != nil {
			web.Error(w, http.StatusInternalServerError, web.CodeInternal, "requeue failed")
			return
		}
		web.JSON(w, http.StatusOK, ChatReply{
			Intent: intent,
			Text:   fmt.Sprintf("Requeued %s back onto %s as %s.", id, name, newID),
		})
	}
}
