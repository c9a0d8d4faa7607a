// Package rate implements per-session token-bucket admission control for
// packet categories.
package rate

import (
	"sync"
	"time"
)

// Bucket is a token bucket with continuous refill. Tokens never go
// negative and never exceed capacity. All methods are safe for
// concurrent use.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewBucket creates a full Bucket.
//
// Precondition: capacity and refillPerSecond must be positive.
// Postcondition: Returns a Bucket holding capacity tokens.
func NewBucket(capacity, refillPerSecond float64) *Bucket {
	return newBucketAt(capacity, refillPerSecond, time.Now)
}

// newBucketAt injects a clock for tests.
func newBucketAt(capacity, refillPerSecond float64, now func() time.Time) *Bucket {
	return &Bucket{
		capacity:   capacity,
		refillRate: refillPerSecond,
		tokens:     capacity,
		lastRefill: now(),
		now:        now,
	}
}

// Take consumes cost tokens if available and reports whether the
// request was admitted. A rejected request consumes nothing.
//
// Precondition: cost must be positive.
// Postcondition: Tokens remain in [0, capacity].
func (b *Bucket) Take(cost float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// Tokens returns the current token count after refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// refill credits tokens for the time elapsed since the last refill,
// capped at capacity. Caller must hold b.mu.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	b.tokens += elapsed.Seconds() * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}
