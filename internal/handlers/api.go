package handlers

import (
	"net"
	"net/http"
	"time"

	"github.com/gluk-w/sshkeyauth/internal/audit"
	"github.com/gluk-w/sshkeyauth/internal/keyauth"
	"github.com/gluk-w/sshkeyauth/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// API serves the verify service. Auditor and Limiter may be nil; an empty
// AllowedIPs allows every client.
type API struct {
	Verifier   *keyauth.Verifier
	Auditor    *audit.Auditor
	Limiter    *middleware.RateLimiter
	AllowedIPs []*net.IPNet
}

// Router returns the HTTP routes.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/health", a.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AllowIPs(a.AllowedIPs))

		r.Group(func(r chi.Router) {
			if a.Limiter != nil {
				r.Use(middleware.RateLimit(a.Limiter))
			}
			r.Post("/verify", a.Verify)
		})
		r.Get("/identities", a.ListIdentities)
		r.Get("/audit", a.GetAuditLogs)
		r.Post("/known-hosts/invalidate", a.InvalidateKnownHosts)
		r.Get("/logs", GetServerLogs)
		r.Get("/rate-limit", a.GetRateLimitStatus)
		r.Delete("/rate-limit", a.ResetRateLimit)
	})
	return r
}
