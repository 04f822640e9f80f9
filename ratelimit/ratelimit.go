// Package ratelimit implements a per-endpoint token bucket policy: blocking
// and non-blocking acquisition, plus a usage query for observability. It is
// process-wide and the one piece of deliberately shared mutable state across
// pair Engines — its own internal locking (golang.org/x/time/rate's limiter)
// is the only synchronization that requires.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is a registry of per-endpoint token buckets.
type Policy struct {
	mu       sync.Mutex
	limiters map[string]*bucket
	// defaults applied when Register has not been called for an endpoint
	defaultRPS   float64
	defaultBurst int
}

type bucket struct {
	limiter *rate.Limiter
	rps     float64
	burst   int
}

// New creates a Policy whose endpoints fall back to defaultRPS/defaultBurst
// until explicitly registered with a tighter budget.
func New(defaultRPS float64, defaultBurst int) *Policy {
	return &Policy{
		limiters:     make(map[string]*bucket),
		defaultRPS:   defaultRPS,
		defaultBurst: defaultBurst,
	}
}

// Register sets an explicit capacity (N requests per window W, expressed
// as requests-per-second and burst) for one endpoint, e.g. "/orders".
func (p *Policy) Register(endpoint string, requestsPerSecond float64, burst int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiters[endpoint] = &bucket{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		rps:     requestsPerSecond,
		burst:   burst,
	}
}

func (p *Policy) bucketFor(endpoint string) *bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.limiters[endpoint]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(p.defaultRPS), p.defaultBurst),
			rps:     p.defaultRPS,
			burst:   p.defaultBurst,
		}
		p.limiters[endpoint] = b
	}
	return b
}

// WaitIfNeeded acquires one token for endpoint, blocking up to maxWait. It
// returns false if the budget could not be acquired within maxWait —
// callers must not proceed to dispatch in that case.
func (p *Policy) WaitIfNeeded(ctx context.Context, endpoint string, maxWait time.Duration) bool {
	b := p.bucketFor(endpoint)

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	if err := b.limiter.Wait(waitCtx); err != nil {
		return false
	}
	return true
}

// TryAcquire is the non-blocking variant: it acquires a token only if one
// is immediately available.
func (p *Policy) TryAcquire(endpoint string) bool {
	b := p.bucketFor(endpoint)
	return b.limiter.Allow()
}

// Usage reports (currentUsage, limit, resetAt) for endpoint. currentUsage
// is the number of tokens presently in use (limit - available); resetAt
// is an estimate of when the bucket returns to full capacity at its
// configured rate.
func (p *Policy) Usage(endpoint string) (currentUsage int, limit int, resetAt time.Time) {
	b := p.bucketFor(endpoint)
	tokens := b.limiter.Tokens()
	available := int(tokens)
	if available > b.burst {
		available = b.burst
	}
	used := b.burst - available
	if used < 0 {
		used = 0
	}
	var eta time.Duration
	if b.rps > 0 {
		eta = time.Duration(float64(used) / b.rps * float64(time.Second))
	}
	return used, b.burst, time.Now().Add(eta)
}
