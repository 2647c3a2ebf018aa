package middleware

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gluk-w/sshkeyauth/internal/logutil"
)

// Rate limiting defaults. Two independent mechanisms protect the verify
// endpoint:
//   - Sliding-window rate limit: max requests per minute per client.
//   - Consecutive failure block: after N failed verifications in a row, the
//     client is temporarily blocked for BlockDuration.
const (
	DefaultMaxRequestsPerMinute = 60
	DefaultMaxConsecFailures    = 10
	DefaultBlockDuration        = 5 * time.Minute
)

// RateLimitConfig holds configuration for the verify rate limiter.
type RateLimitConfig struct {
	MaxRequestsPerMinute int
	MaxConsecFailures    int
	BlockDuration        time.Duration
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequestsPerMinute: DefaultMaxRequestsPerMinute,
		MaxConsecFailures:    DefaultMaxConsecFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

type clientRateState struct {
	requests       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// RateLimiter tracks requests and failed verifications per client.
type RateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	state  map[string]*clientRateState
	nowFn  func() time.Time
}

// NewRateLimiter creates a RateLimiter. Zero fields in config take the
// defaults.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if config.MaxRequestsPerMinute <= 0 {
		config.MaxRequestsPerMinute = def.MaxRequestsPerMinute
	}
	if config.MaxConsecFailures <= 0 {
		config.MaxConsecFailures = def.MaxConsecFailures
	}
	if config.BlockDuration <= 0 {
		config.BlockDuration = def.BlockDuration
	}
	return &RateLimiter{
		config: config,
		state:  make(map[string]*clientRateState),
		nowFn:  time.Now,
	}
}

// SetNowFunc sets the clock function used for testing.
func (rl *RateLimiter) SetNowFunc(fn func() time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.nowFn = fn
}

// Allow records a request from client. Returns nil if allowed, or an error
// describing why the request was denied.
func (rl *RateLimiter) Allow(client string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(client)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		log.Printf("[ratelimit] client %s is blocked for %s (consecutive failures: %d)",
			logutil.SanitizeForLog(client), remaining, s.consecFailures)
		return fmt.Errorf("blocked for %s after %d failed verifications", remaining, s.consecFailures)
	}

	s.requests = pruneBefore(s.requests, now.Add(-time.Minute))
	if len(s.requests) >= rl.config.MaxRequestsPerMinute {
		log.Printf("[ratelimit] client %s exceeded %d requests/min",
			logutil.SanitizeForLog(client), rl.config.MaxRequestsPerMinute)
		return fmt.Errorf("rate limit exceeded: %d requests in the last minute (max %d)",
			len(s.requests), rl.config.MaxRequestsPerMinute)
	}

	s.requests = append(s.requests, now)
	return nil
}

// RecordSuccess resets the consecutive failure counter for client.
func (rl *RateLimiter) RecordSuccess(client string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.getOrCreateState(client)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure counts a failed verification. Reaching the threshold blocks
// the client.
func (rl *RateLimiter) RecordFailure(client string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(client)
	s.consecFailures++

	if s.consecFailures >= rl.config.MaxConsecFailures {
		s.blockedUntil = now.Add(rl.config.BlockDuration)
		log.Printf("[ratelimit] blocking client %s until %s (%d consecutive failures)",
			logutil.SanitizeForLog(client), s.blockedUntil.Format(time.RFC3339), s.consecFailures)
	}
}

// RateLimitStatus is the current rate limit state for a client.
type RateLimitStatus struct {
	RecentRequests    int        `json:"recent_requests"`
	MaxRequestsPerMin int        `json:"max_requests_per_min"`
	ConsecFailures    int        `json:"consec_failures"`
	MaxConsecFailures int        `json:"max_consec_failures"`
	Blocked           bool       `json:"blocked"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
}

// Status returns the rate limit status for client.
func (rl *RateLimiter) Status(client string) RateLimitStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	st := RateLimitStatus{
		MaxRequestsPerMin: rl.config.MaxRequestsPerMinute,
		MaxConsecFailures: rl.config.MaxConsecFailures,
	}
	s, ok := rl.state[client]
	if !ok {
		return st
	}

	now := rl.nowFn()
	st.RecentRequests = len(pruneBefore(append([]time.Time(nil), s.requests...), now.Add(-time.Minute)))
	st.ConsecFailures = s.consecFailures
	if now.Before(s.blockedUntil) {
		bu := s.blockedUntil
		st.Blocked = true
		st.BlockedUntil = &bu
	}
	return st
}

// Reset clears the state for client.
func (rl *RateLimiter) Reset(client string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.state, client)
}

// Prune drops clients with no recent requests, no failures and no active
// block. Returns the number of clients removed.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	cutoff := now.Add(-time.Minute)
	n := 0
	for client, s := range rl.state {
		s.requests = pruneBefore(s.requests, cutoff)
		if len(s.requests) == 0 && s.consecFailures == 0 && !now.Before(s.blockedUntil) {
			delete(rl.state, client)
			n++
		}
	}
	return n
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.state)
}

// Must be called with rl.mu held.
func (rl *RateLimiter) getOrCreateState(client string) *clientRateState {
	s, ok := rl.state[client]
	if !ok {
		s = &clientRateState{}
		rl.state[client] = s
	}
	return s
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// RateLimit rejects requests from clients that rl does not allow.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := rl.Allow(ClientIP(r)); err != nil {
				w.Header().Set("Retry-After", "60")
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"detail": err.Error()})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
