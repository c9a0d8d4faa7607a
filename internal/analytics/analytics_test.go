package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/driftworks/relay/internal/config"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]Event
	fail    bool
}

func (s *captureSink) WriteBatch(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	batch := make([]Event, len(events))
	copy(batch, events)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func testAnalyticsConfig() config.AnalyticsConfig {
	return config.AnalyticsConfig{
		Enabled:       true,
		BatchSize:     4,
		FlushInterval: 50 * time.Millisecond,
	}
}

func TestDispatcher_FlushesOnBatchSize(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(testAnalyticsConfig(), sink, zaptest.NewLogger(t))
	defer d.Close()

	for i := 0; i < 4; i++ {
		d.Record(Event{Kind: KindLogin, AccountID: int32(i)})
	}

	require.Eventually(t, func() bool {
		return sink.total() == 4
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcher_FlushesPartialBatchOnInterval(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(testAnalyticsConfig(), sink, zaptest.NewLogger(t))
	defer d.Close()

	d.Record(Event{Kind: KindDisconnect, AccountID: 7})

	require.Eventually(t, func() bool {
		return sink.total() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcher_CloseFlushesPending(t *testing.T) {
	sink := &captureSink{}
	cfg := testAnalyticsConfig()
	cfg.FlushInterval = time.Hour // only Close can flush
	d := NewDispatcher(cfg, sink, zaptest.NewLogger(t))

	d.Record(Event{Kind: KindLogin, AccountID: 1})
	d.Record(Event{Kind: KindLogin, AccountID: 2})
	require.NoError(t, d.Close())

	assert.Equal(t, 2, sink.total())
}

func TestDispatcher_SinkFailureIsSwallowed(t *testing.T) {
	sink := &captureSink{fail: true}
	d := NewDispatcher(testAnalyticsConfig(), sink, zaptest.NewLogger(t))

	for i := 0; i < 8; i++ {
		d.Record(Event{Kind: KindLogin})
	}
	require.NoError(t, d.Close(), "sink failures never propagate")
}

// blockingSink stalls every write until released, simulating a slow
// columnar store.
type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) WriteBatch(context.Context, []Event) error {
	<-s.release
	return nil
}

func (s *blockingSink) Close() error { return nil }

func TestDispatcher_RecordNeverBlocksOnSlowSink(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	cfg := testAnalyticsConfig()
	cfg.FlushInterval = time.Hour
	d := NewDispatcher(cfg, sink, zaptest.NewLogger(t))

	// Far more events than the buffer holds while the sink is stuck;
	// Record must return anyway and shed the excess.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			d.Record(Event{Kind: KindLogin})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
	assert.Positive(t, d.Dropped())

	close(sink.release)
	require.NoError(t, d.Close())
}

func TestDispatcher_StampsMissingTimestamp(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(testAnalyticsConfig(), sink, zaptest.NewLogger(t))

	d.Record(Event{Kind: KindLogin})
	require.NoError(t, d.Close())

	require.Equal(t, 1, sink.total())
	assert.False(t, sink.batches[0][0].At.IsZero())
}
