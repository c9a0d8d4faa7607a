package rate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// fakeClock is a manually advanced clock for deterministic refill tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestBucket_StartsFull(t *testing.T) {
	clock := newFakeClock()
	b := newBucketAt(10, 5, clock.Now)
	assert.Equal(t, 10.0, b.Tokens())
}

func TestBucket_ExhaustionThenRefill(t *testing.T) {
	clock := newFakeClock()
	b := newBucketAt(4, 4, clock.Now)

	for i := 0; i < 4; i++ {
		require.True(t, b.Take(1), "take %d", i)
	}
	assert.False(t, b.Take(1), "bucket should be empty")

	// One full refill interval restores capacity, bounded at the max.
	clock.Advance(time.Second)
	assert.Equal(t, 4.0, b.Tokens())
	assert.True(t, b.Take(1))
}

func TestBucket_RefillCappedAtCapacity(t *testing.T) {
	clock := newFakeClock()
	b := newBucketAt(4, 4, clock.Now)
	clock.Advance(time.Hour)
	assert.Equal(t, 4.0, b.Tokens())
}

func TestBucket_PartialRefill(t *testing.T) {
	clock := newFakeClock()
	b := newBucketAt(10, 2, clock.Now)

	require.True(t, b.Take(10))
	clock.Advance(500 * time.Millisecond)
	assert.InDelta(t, 1.0, b.Tokens(), 1e-9)
	assert.True(t, b.Take(1))
	assert.False(t, b.Take(1))
}

func TestBucket_RejectedTakeConsumesNothing(t *testing.T) {
	clock := newFakeClock()
	b := newBucketAt(3, 1, clock.Now)
	require.True(t, b.Take(2))
	assert.False(t, b.Take(2))
	assert.InDelta(t, 1.0, b.Tokens(), 1e-9)
}

func TestBucket_TokensNeverNegativeProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := newFakeClock()
		capacity := rapid.Float64Range(1, 100).Draw(t, "capacity")
		refill := rapid.Float64Range(0.1, 50).Draw(t, "refill")
		b := newBucketAt(capacity, refill, clock.Now)

		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "advance") {
				clock.Advance(time.Duration(rapid.Int64Range(0, int64(time.Second)).Draw(t, "dt")))
			}
			b.Take(rapid.Float64Range(0.1, 10).Draw(t, "cost"))

			tokens := b.Tokens()
			require.GreaterOrEqual(t, tokens, 0.0)
			require.LessOrEqual(t, tokens, capacity+1e-9)
		}
	})
}
