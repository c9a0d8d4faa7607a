package trace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/driftworks/relay/internal/config"
	"github.com/driftworks/relay/internal/protocol"
)

func TestRing_SnapshotBeforeFull(t *testing.T) {
	r := newRing(4)
	r.Record(Entry{Seq: 1})
	r.Record(Entry{Seq: 2})

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, uint32(1), snap[0].Seq)
	assert.Equal(t, uint32(2), snap[1].Seq)
}

func TestRing_OverwritesOldestWhenFull(t *testing.T) {
	r := newRing(3)
	for seq := uint32(1); seq <= 5; seq++ {
		r.Record(Entry{Seq: seq})
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, uint32(3), snap[0].Seq)
	assert.Equal(t, uint32(4), snap[1].Seq)
	assert.Equal(t, uint32(5), snap[2].Seq)
}

func TestRing_NilSafe(t *testing.T) {
	var r *Ring
	r.Record(Entry{Seq: 1})
	assert.Nil(t, r.Snapshot())
}

func TestRecorder_DisabledHandsOutNilRings(t *testing.T) {
	rec := NewRecorder(config.TraceConfig{Enabled: false}, zaptest.NewLogger(t))
	assert.False(t, rec.Enabled())
	assert.Nil(t, rec.Attach("conn-1"))
	rec.Detach("conn-1")
	rec.DumpAsync()
}

func TestRecorder_DumpWritesPerConnectionFiles(t *testing.T) {
	dir := t.TempDir()
	rec := NewRecorder(config.TraceConfig{
		Enabled:  true,
		Dir:      dir,
		RingSize: 16,
	}, zaptest.NewLogger(t))

	ring := rec.Attach("conn-a")
	require.NotNil(t, ring)
	ring.Record(Entry{
		At:   time.Now(),
		Dir:  In,
		Type: protocol.TypeChat,
		Seq:  7,
		Size: 21,
	})
	ring.Record(Entry{
		At:   time.Now(),
		Dir:  Out,
		Type: protocol.TypeChatRelay,
		Seq:  8,
		Size: 25,
	})

	rec.DumpAsync()

	var traces []string
	require.Eventually(t, func() bool {
		traces = nil
		matches, err := filepath.Glob(filepath.Join(dir, "*", "conn-a.trace"))
		if err != nil || len(matches) == 0 {
			return false
		}
		traces = matches
		return true
	}, time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(traces[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "seq=7")
	assert.Contains(t, string(data), "seq=8")
	assert.Contains(t, string(data), "in")
	assert.Contains(t, string(data), "out")
}

func TestRecorder_DetachedRingNotDumped(t *testing.T) {
	dir := t.TempDir()
	rec := NewRecorder(config.TraceConfig{
		Enabled:  true,
		Dir:      dir,
		RingSize: 8,
	}, zaptest.NewLogger(t))

	ring := rec.Attach("gone")
	ring.Record(Entry{Seq: 1})
	rec.Detach("gone")

	keep := rec.Attach("kept")
	keep.Record(Entry{Seq: 2})

	rec.DumpAsync()

	require.Eventually(t, func() bool {
		matches, _ := filepath.Glob(filepath.Join(dir, "*", "kept.trace"))
		return len(matches) == 1
	}, time.Second, 10*time.Millisecond)

	matches, err := filepath.Glob(filepath.Join(dir, "*", "gone.trace"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
