// Package ratelimit paces outbound requests per endpoint host. Each
// host gets its own token bucket; a host that answered 429 or 418 can
// additionally be frozen until the provider's Retry-After deadline.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter provides per-host rate limiting using token buckets.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
	frozen  map[string]time.Time
	rps     float64
	burst   int
}

// New creates a limiter handing out rps tokens per second with the
// given burst capacity to every host it meets.
func New(rps float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		frozen:  make(map[string]time.Time),
		rps:     rps,
		burst:   burst,
	}
}

// bucket returns or creates the token bucket for host.
func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.RLock()
	b, exists := l.buckets[host]
	l.mu.RUnlock()

	if exists {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock.
	if b, exists := l.buckets[host]; exists {
		return b
	}

	b = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.buckets[host] = b
	return b
}

// Allow reports whether a request to host may proceed right now.
func (l *Limiter) Allow(host string) bool {
	if l.FrozenUntil(host).After(time.Now()) {
		return false
	}
	return l.bucket(host).Allow()
}

// Wait blocks until host is unfrozen and a token is available, or the
// context ends.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	if until := l.FrozenUntil(host); until.After(time.Now()) {
		timer := time.NewTimer(time.Until(until))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return l.bucket(host).Wait(ctx)
}

// Freeze blocks host until the given time. Used when the provider
// sends Retry-After: the bucket alone would keep trickling requests.
func (l *Limiter) Freeze(host string, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.frozen[host]) {
		l.frozen[host] = until
	}
}

// FrozenUntil returns the freeze deadline for host, zero if none.
func (l *Limiter) FrozenUntil(host string) time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frozen[host]
}

// SetRate updates the refill rate on every bucket, existing and
// future. Header feedback tightens this when the provider reports the
// weight budget running hot.
func (l *Limiter) SetRate(rps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rps = rps
	for _, b := range l.buckets {
		b.SetLimit(rate.Limit(rps))
	}
}

// Rate returns the current refill rate.
func (l *Limiter) Rate() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rps
}

// HostStats represents the pacing state of a single host.
type HostStats struct {
	Host            string        `json:"host"`
	RPS             float64       `json:"rps"`
	Burst           int           `json:"burst"`
	TokensAvailable float64       `json:"tokens_available"`
	NextAllowedAt   time.Time     `json:"next_allowed_at"`
	Delay           time.Duration `json:"delay"`
	FrozenUntil     time.Time     `json:"frozen_until,omitempty"`
}

// IsThrottled returns true if the host cannot be hit immediately.
func (s *HostStats) IsThrottled() bool {
	return s.Delay > 0 || s.FrozenUntil.After(time.Now())
}

// Stats returns pacing state for every host seen so far.
func (l *Limiter) Stats() map[string]HostStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[string]HostStats, len(l.buckets))
	now := time.Now()

	for host, b := range l.buckets {
		reservation := b.Reserve()
		delay := reservation.Delay()
		reservation.Cancel() // just probing

		stats[host] = HostStats{
			Host:            host,
			RPS:             float64(b.Limit()),
			Burst:           b.Burst(),
			TokensAvailable: b.Tokens(),
			NextAllowedAt:   now.Add(delay),
			Delay:           delay,
			FrozenUntil:     l.frozen[host],
		}
	}

	return stats
}

// Reset clears all buckets and freezes.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buckets = make(map[string]*rate.Limiter)
	l.frozen = make(map[string]time.Time)
}
