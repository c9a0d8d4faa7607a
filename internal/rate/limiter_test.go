package rate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/relay/internal/config"
	"github.com/driftworks/relay/internal/protocol"
)

func testRateConfig() config.RateConfig {
	return config.RateConfig{
		StateUpdate:        config.RateCategoryConfig{Capacity: 3, RefillPerSecond: 3},
		Chat:               config.RateCategoryConfig{Capacity: 2, RefillPerSecond: 1},
		Control:            config.RateCategoryConfig{Capacity: 5, RefillPerSecond: 5},
		ViolationThreshold: 3,
		ViolationWindow:    10 * time.Second,
	}
}

func TestLimiter_StateUpdateDroppedSilently(t *testing.T) {
	clock := newFakeClock()
	l := newLimiterAt(testRateConfig(), clock.Now)

	for i := 0; i < 3; i++ {
		require.Equal(t, Admit, l.Admit(protocol.TypeStateUpdate, 32), "packet %d", i)
	}
	assert.Equal(t, Drop, l.Admit(protocol.TypeStateUpdate, 32))
	assert.Equal(t, 0, l.ViolationCount(), "state update drops are not violations")
}

func TestLimiter_ChatExhaustionCountsViolations(t *testing.T) {
	clock := newFakeClock()
	l := newLimiterAt(testRateConfig(), clock.Now)

	require.Equal(t, Admit, l.Admit(protocol.TypeChat, 10))
	require.Equal(t, Admit, l.Admit(protocol.TypeChat, 10))

	assert.Equal(t, Violate, l.Admit(protocol.TypeChat, 10))
	assert.Equal(t, 1, l.ViolationCount())
	assert.Equal(t, Violate, l.Admit(protocol.TypeChat, 10))
	assert.Equal(t, Exceeded, l.Admit(protocol.TypeChat, 10))
}

func TestLimiter_ViolationWindowRolls(t *testing.T) {
	clock := newFakeClock()
	l := newLimiterAt(testRateConfig(), clock.Now)

	// Exhaust chat, then accumulate two violations.
	l.Admit(protocol.TypeChat, 10)
	l.Admit(protocol.TypeChat, 10)
	require.Equal(t, Violate, l.Admit(protocol.TypeChat, 10))
	require.Equal(t, Violate, l.Admit(protocol.TypeChat, 10))

	// Outside the window the old violations no longer count. The chat
	// bucket refills fully in the meantime, so exhaust it again first.
	clock.Advance(11 * time.Second)
	assert.Equal(t, 0, l.ViolationCount())
	require.Equal(t, Admit, l.Admit(protocol.TypeChat, 10))
	require.Equal(t, Admit, l.Admit(protocol.TypeChat, 10))
	assert.Equal(t, Violate, l.Admit(protocol.TypeChat, 10))
	assert.Equal(t, 1, l.ViolationCount())
}

func TestLimiter_LargePayloadCostsMore(t *testing.T) {
	clock := newFakeClock()
	l := newLimiterAt(testRateConfig(), clock.Now)

	// A 3072-byte state update costs 3 tokens, draining the bucket in one go.
	require.Equal(t, Admit, l.Admit(protocol.TypeStateUpdate, 3072))
	assert.Equal(t, Drop, l.Admit(protocol.TypeStateUpdate, 32))
}

func TestLimiter_CategoriesIndependent(t *testing.T) {
	clock := newFakeClock()
	l := newLimiterAt(testRateConfig(), clock.Now)

	for i := 0; i < 3; i++ {
		l.Admit(protocol.TypeStateUpdate, 32)
	}
	require.Equal(t, Drop, l.Admit(protocol.TypeStateUpdate, 32))

	// Chat and control buckets are untouched.
	assert.Equal(t, Admit, l.Admit(protocol.TypeChat, 10))
	assert.Equal(t, Admit, l.Admit(protocol.TypeRoomJoin, 10))
}
