package protocol

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestSeqNewer(t *testing.T) {
	assert.True(t, SeqNewer(5, 3))
	assert.False(t, SeqNewer(3, 5))
	assert.False(t, SeqNewer(5, 5))

	// Wraparound: 2 is newer than a sequence just below the wrap point.
	assert.True(t, SeqNewer(2, math.MaxUint32-1))
	assert.False(t, SeqNewer(math.MaxUint32-1, 2))
}

func TestSeqNewer_Asymmetric(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Uint32().Draw(t, "a")
		b := rapid.Uint32().Draw(t, "b")
		if a == b {
			assert.False(t, SeqNewer(a, b))
			assert.False(t, SeqNewer(b, a))
			return
		}
		// For distinct values not exactly half the space apart, exactly
		// one direction is newer.
		if a-b != 1<<31 {
			assert.NotEqual(t, SeqNewer(a, b), SeqNewer(b, a))
		}
	})
}

func TestSeqDistance(t *testing.T) {
	assert.Equal(t, uint32(2), SeqDistance(5, 3))
	assert.Equal(t, uint32(3), SeqDistance(1, math.MaxUint32-1))
}
