package rate

import (
	"sync"
	"time"

	"github.com/driftworks/relay/internal/config"
	"github.com/driftworks/relay/internal/protocol"
)

// Verdict is the limiter's decision for one packet.
type Verdict uint8

const (
	// Admit lets the packet through.
	Admit Verdict = iota
	// Drop silently discards the packet. Used for loss-tolerant state
	// updates on bucket exhaustion.
	Drop
	// Violate discards the packet and counts a violation. Used for
	// chat/control exhaustion.
	Violate
	// Exceeded means the violation threshold was breached within the
	// rolling window; the session must be torn down.
	Exceeded
)

// largePayloadThreshold is the payload size above which admission cost
// scales with size rather than being a flat single token.
const largePayloadThreshold = 1024

// Limiter guards one session's packet admission with a token bucket per
// category plus a rolling violation window. Safe for concurrent use.
type Limiter struct {
	stateUpdate *Bucket
	chat        *Bucket
	control     *Bucket

	mu         sync.Mutex
	violations []time.Time
	threshold  int
	window     time.Duration
	now        func() time.Time
}

// NewLimiter creates a Limiter from the rate configuration.
//
// Precondition: cfg must have passed config validation.
func NewLimiter(cfg config.RateConfig) *Limiter {
	return newLimiterAt(cfg, time.Now)
}

func newLimiterAt(cfg config.RateConfig, now func() time.Time) *Limiter {
	return &Limiter{
		stateUpdate: newBucketAt(cfg.StateUpdate.Capacity, cfg.StateUpdate.RefillPerSecond, now),
		chat:        newBucketAt(cfg.Chat.Capacity, cfg.Chat.RefillPerSecond, now),
		control:     newBucketAt(cfg.Control.Capacity, cfg.Control.RefillPerSecond, now),
		threshold:   cfg.ViolationThreshold,
		window:      cfg.ViolationWindow,
		now:         now,
	}
}

// Admit decides whether a packet of the given type and payload size may
// proceed. One token per packet; payloads above the large threshold cost
// proportionally more.
//
// Postcondition: Returns Exceeded at most once per threshold breach;
// the caller is expected to tear the session down on Exceeded.
func (l *Limiter) Admit(typ protocol.Type, payloadSize int) Verdict {
	cost := 1.0
	if payloadSize > largePayloadThreshold {
		cost = float64(payloadSize) / largePayloadThreshold
	}

	category := protocol.CategoryOf(typ)
	var bucket *Bucket
	switch category {
	case protocol.CategoryStateUpdate:
		bucket = l.stateUpdate
	case protocol.CategoryChat:
		bucket = l.chat
	default:
		bucket = l.control
	}

	if bucket.Take(cost) {
		return Admit
	}

	// State updates are loss-tolerant: exhaustion is a silent drop, not
	// a violation.
	if category == protocol.CategoryStateUpdate {
		return Drop
	}

	if l.recordViolation() {
		return Exceeded
	}
	return Violate
}

// recordViolation appends a violation and reports whether the count
// within the rolling window breached the threshold.
func (l *Limiter) recordViolation() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.violations[:0]
	for _, v := range l.violations {
		if v.After(cutoff) {
			kept = append(kept, v)
		}
	}
	l.violations = append(kept, now)

	return len(l.violations) >= l.threshold
}

// ViolationCount returns the number of violations inside the current window.
func (l *Limiter) ViolationCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	n := 0
	for _, v := range l.violations {
		if v.After(cutoff) {
			n++
		}
	}
	return n
}
