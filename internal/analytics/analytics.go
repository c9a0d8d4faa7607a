// Package analytics exports session lifecycle events to a columnar
// store, asynchronously and best-effort. A failure here never affects
// relay correctness; events are dropped, not retried into backpressure.
package analytics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftworks/relay/internal/config"
)

// Event kinds.
const (
	KindLogin      = "login"
	KindDisconnect = "disconnect"
)

// Event is one session lifecycle record.
type Event struct {
	At            time.Time
	Kind          string
	SessionID     string
	AccountID     int32
	DisplayName   string
	RemoteAddr    string
	Transport     string
	ClientVersion string
	Platform      string
	CloseReason   string
}

// Recorder accepts events without blocking the caller.
type Recorder interface {
	Record(e Event)
}

// Sink persists event batches.
type Sink interface {
	WriteBatch(ctx context.Context, events []Event) error
	Close() error
}

// NoopSink discards everything. Used when analytics is disabled.
type NoopSink struct{}

func (NoopSink) WriteBatch(context.Context, []Event) error { return nil }
func (NoopSink) Close() error                              { return nil }

// Dispatcher batches events and flushes them to the sink on size or
// interval, whichever comes first. Record never blocks: when the buffer
// is full the event is dropped and counted.
type Dispatcher struct {
	sink   Sink
	logger *zap.Logger

	batchSize     int
	flushInterval time.Duration

	events chan Event
	quit   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	dropped uint64
}

// NewDispatcher creates and starts a Dispatcher.
//
// Postcondition: the flush goroutine is running until Close is called.
func NewDispatcher(cfg config.AnalyticsConfig, sink Sink, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		sink:          sink,
		logger:        logger,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		events:        make(chan Event, cfg.BatchSize*4),
		quit:          make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Record queues one event. Never blocks; drops when the buffer is full.
func (d *Dispatcher) Record(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case d.events <- e:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
	}
}

// Dropped returns the number of events lost to a full buffer.
func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, d.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.sink.WriteBatch(ctx, batch); err != nil {
			// Best-effort: the batch is lost, the relay is unaffected.
			d.logger.Warn("analytics batch dropped",
				zap.Int("events", len(batch)),
				zap.Error(err),
			)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case e := <-d.events:
			batch = append(batch, e)
			if len(batch) >= d.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-d.quit:
			for {
				select {
				case e := <-d.events:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close flushes pending events and closes the sink.
func (d *Dispatcher) Close() error {
	close(d.quit)
	d.wg.Wait()
	return d.sink.Close()
}
