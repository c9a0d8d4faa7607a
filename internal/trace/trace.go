// Package trace keeps opt-in per-connection packet trace rings for
// debugging. Recording is cheap and lock-scoped to one ring; dumping is
// fire-and-forget and never pauses live traffic.
package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftworks/relay/internal/config"
	"github.com/driftworks/relay/internal/protocol"
)

// Direction marks which way a traced frame travelled.
type Direction uint8

const (
	In Direction = iota
	Out
)

func (d Direction) String() string {
	if d == In {
		return "in"
	}
	return "out"
}

// Entry is one traced frame. Payload bytes are not retained; the header
// fields are enough to reconstruct a session timeline.
type Entry struct {
	At   time.Time
	Dir  Direction
	Type protocol.Type
	Seq  uint32
	Size int
}

// Ring is a fixed-size per-connection trace buffer. Oldest entries are
// overwritten once the ring is full. Safe for concurrent use.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func newRing(size int) *Ring {
	return &Ring{entries: make([]Entry, size)}
}

// Record appends one entry, overwriting the oldest when full.
func (r *Ring) Record(e Entry) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot returns the recorded entries in arrival order.
func (r *Ring) Snapshot() []Entry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// Recorder owns the trace rings of all live connections and writes dumps
// on operator request.
type Recorder struct {
	cfg    config.TraceConfig
	logger *zap.Logger

	mu    sync.Mutex
	rings map[string]*Ring
}

// NewRecorder creates a Recorder. A disabled Recorder hands out nil
// rings, which record and snapshot as no-ops.
func NewRecorder(cfg config.TraceConfig, logger *zap.Logger) *Recorder {
	return &Recorder{
		cfg:    cfg,
		logger: logger,
		rings:  make(map[string]*Ring),
	}
}

// Enabled reports whether tracing is active.
func (t *Recorder) Enabled() bool { return t.cfg.Enabled }

// Attach creates and registers a ring for a connection. Returns nil when
// tracing is disabled.
func (t *Recorder) Attach(id string) *Ring {
	if !t.cfg.Enabled {
		return nil
	}
	r := newRing(t.cfg.RingSize)
	t.mu.Lock()
	t.rings[id] = r
	t.mu.Unlock()
	return r
}

// Detach drops a connection's ring.
func (t *Recorder) Detach(id string) {
	if !t.cfg.Enabled {
		return
	}
	t.mu.Lock()
	delete(t.rings, id)
	t.mu.Unlock()
}

// DumpAsync writes every live ring to the dump directory in the
// background. Errors are logged and swallowed.
func (t *Recorder) DumpAsync() {
	if !t.cfg.Enabled {
		t.logger.Info("trace dump requested but tracing is disabled")
		return
	}

	t.mu.Lock()
	snapshot := make(map[string][]Entry, len(t.rings))
	for id, r := range t.rings {
		snapshot[id] = r.Snapshot()
	}
	t.mu.Unlock()

	go func() {
		start := time.Now()
		if err := t.writeDump(snapshot); err != nil {
			t.logger.Error("writing trace dump", zap.Error(err))
			return
		}
		t.logger.Info("trace dump written",
			zap.String("dir", t.cfg.Dir),
			zap.Int("connections", len(snapshot)),
			zap.Duration("duration", time.Since(start)),
		)
	}()
}

func (t *Recorder) writeDump(snapshot map[string][]Entry) error {
	stamp := time.Now().UTC().Format("20060102T150405Z")
	dir := filepath.Join(t.cfg.Dir, stamp)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating dump directory: %w", err)
	}

	for id, entries := range snapshot {
		path := filepath.Join(dir, id+".trace")
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
		for _, e := range entries {
			fmt.Fprintf(f, "%s %-3s %-16s seq=%d size=%d\n",
				e.At.UTC().Format(time.RFC3339Nano), e.Dir, e.Type, e.Seq, e.Size)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("closing %s: %w", path, err)
		}
	}
	return nil
}
