package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/raaihank/result-sentinel/internal/config"
)

// idleTimeout is how long a client may stay silent before its limiter is dropped
const idleTimeout = time.Hour

// RateLimiter implements per-client token bucket rate limiting
type RateLimiter struct {
	config  config.RateLimitConfig
	clients map[string]*clientLimiter
	mu      sync.Mutex
	now     func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMin <= 0 {
		cfg.RequestsPerMin = 600
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &RateLimiter{
		config:  cfg,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

// Allow checks if a request from the given client is allowed
func (r *RateLimiter) Allow(clientID string) bool {
	if !r.config.Enabled {
		return true
	}
	return r.get(clientID).AllowN(r.now(), 1)
}

// Tokens returns the tokens currently available to a client
func (r *RateLimiter) Tokens(clientID string) float64 {
	r.mu.Lock()
	c, ok := r.clients[clientID]
	r.mu.Unlock()
	if !ok {
		return float64(r.config.Burst)
	}
	return c.limiter.TokensAt(r.now())
}

func (r *RateLimiter) get(clientID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if c, ok := r.clients[clientID]; ok {
		c.lastSeen = now
		return c.limiter
	}

	limit := rate.Limit(float64(r.config.RequestsPerMin) / 60.0)
	c := &clientLimiter{limiter: rate.NewLimiter(limit, r.config.Burst), lastSeen: now}
	r.clients[clientID] = c
	return c.limiter
}

// Clients returns the number of tracked clients
func (r *RateLimiter) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// CleanupIdle removes limiters of clients not seen within idleTimeout
func (r *RateLimiter) CleanupIdle() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-idleTimeout)
	removed := 0
	for id, c := range r.clients {
		if c.lastSeen.Before(cutoff) {
			delete(r.clients, id)
			removed++
		}
	}
	return removed
}

// StartCleanupRoutine periodically drops idle limiters until ctx is done
func (r *RateLimiter) StartCleanupRoutine(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CleanupIdle()
			}
		}
	}()
}
