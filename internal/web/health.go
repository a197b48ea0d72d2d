package web

import "net/http"

// Health answers the liveness probe every service exposes.
func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// Status serves a per-service snapshot built by fn on each request.
func Status(fn func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, fn())
	}
}
