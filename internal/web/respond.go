package web

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Stable machine-readable error codes surfaced to callers. These map the
// error taxonomy onto the wire; handlers never leak internals.
const (
	CodeValidation      = "validation"
	CodeUnauthenticated = "unauthenticated"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeInternal        = "internal"
	CodeDownstream      = "downstream"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes the standard error envelope.
func Error(w http.ResponseWriter, status int, code, msg string) {
	JSON(w, status, errorBody{Error: msg, Code: code})
}

// Decode parses a JSON request body into dst. Unknown fields are tolerated
// on read; writers are strict about what they emit.
func Decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
