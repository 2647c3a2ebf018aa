package handlers

import (
	"log"
	"net/http"

	"github.com/gluk-w/sshkeyauth/internal/logutil"
	"github.com/gluk-w/sshkeyauth/internal/middleware"
)

// GetRateLimitStatus reports the verify rate limit state for ?client=, or
// for the caller when client is omitted.
func (a *API) GetRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	if a.Limiter == nil {
		writeError(w, http.StatusServiceUnavailable, "Rate limiting not enabled")
		return
	}
	client := r.URL.Query().Get("client")
	if client == "" {
		client = middleware.ClientIP(r)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"client": client,
		"status": a.Limiter.Status(client),
	})
}

// ResetRateLimit clears the verify rate limit state for ?client=.
func (a *API) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	if a.Limiter == nil {
		writeError(w, http.StatusServiceUnavailable, "Rate limiting not enabled")
		return
	}
	client := r.URL.Query().Get("client")
	if client == "" {
		writeError(w, http.StatusBadRequest, "client is required")
		return
	}
	a.Limiter.Reset(client)
	log.Printf("[verify-api] rate limit state reset for %s", logutil.SanitizeForLog(client))
	writeJSON(w, http.StatusOK, map[string]string{"client": client, "status": "reset"})
}
