// Package ratelimit implements a per-actor token bucket rate limiter for the
// gateways. Tokens are refilled lazily on each call; there is no background
// goroutine.
package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is returned when an actor has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-actor token bucket rate limiter.
// Each actor gets an independent bucket; one actor cannot exhaust another's quota.
type Limiter struct {
	mu     sync.Mutex
	actors map[string]*bucket
	rate   float64 // tokens per second
	burst  float64 // max bucket capacity
	now    func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		actors: make(map[string]*bucket),
		rate:   float64(cfg.RequestsPerMinute) / 60.0,
		burst:  float64(burst),
		now:    time.Now,
	}
}

// Unlimited reports whether the limiter never rejects.
func (l *Limiter) Unlimited() bool {
	return l.rate <= 0
}

// Allow consumes one token from actorID's bucket. Returns ErrRateLimited if
// the bucket is empty.
func (l *Limiter) Allow(actorID string) error {
	if l.Unlimited() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(actorID)
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Remaining returns the whole tokens left for actorID without consuming any.
// Returns -1 for an unlimited limiter.
func (l *Limiter) Remaining(actorID string) int {
	if l.Unlimited() {
		return -1
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return int(math.Floor(l.refill(actorID).tokens))
}

// RetryAfter returns how long actorID must wait for the next token.
func (l *Limiter) RetryAfter(actorID string) time.Duration {
	if l.Unlimited() {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.refill(actorID)
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
}

// refill tops up actorID's bucket for the elapsed time. Caller holds l.mu.
func (l *Limiter) refill(actorID string) *bucket {
	now := l.now()
	b, ok := l.actors[actorID]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.actors[actorID] = b
		return b
	}

	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now
	return b
}
