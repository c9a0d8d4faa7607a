// Package transport accepts inbound traffic on TCP, UDP, and optionally
// QUIC, and normalises each into a uniform connection capability. The
// session layer and everything above it never sees the concrete
// transport.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
)

// Kind identifies the underlying transport of a connection.
type Kind uint8

const (
	KindTCP Kind = iota
	KindUDP
	KindQUIC
)

// String returns the transport mnemonic.
func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindQUIC:
		return "quic"
	}
	return "unknown"
}

// ErrConnClosed is returned by Receive and Send after the connection is
// closed.
var ErrConnClosed = errors.New("connection closed")

// Conn is the uniform connection capability. Send and Receive operate on
// whole wire frames (header plus payload); framing is the transport's
// concern. A Conn is owned by exactly one session.
type Conn interface {
	// Send writes one whole frame. It may block on the underlying
	// transport; callers serialise writes through the session drain loop.
	Send(frame []byte) error
	// Receive blocks until the next whole frame arrives, the context is
	// cancelled, or the connection closes (ErrConnClosed).
	Receive(ctx context.Context) ([]byte, error)
	// Close tears the connection down. Idempotent.
	Close() error
	// Kind reports the underlying transport.
	Kind() Kind
	// RemoteAddr reports the peer address at the time of the call. For
	// UDP it may change after a validated rebind.
	RemoteAddr() net.Addr
}

// Handler receives each accepted connection. Implementations own the
// connection until it closes.
type Handler interface {
	HandleConn(ctx context.Context, conn Conn)
}

// Gate enforces the accept-time cap on concurrent connections shared by
// all listeners. Safe for concurrent use.
type Gate struct {
	mu    sync.Mutex
	count int
	limit int
}

// NewGate creates a Gate admitting at most limit concurrent connections.
//
// Precondition: limit must be >= 1.
func NewGate(limit int) *Gate {
	return &Gate{limit: limit}
}

// TryAcquire reserves a connection slot. Returns false when the server
// is at capacity; the caller must then reject with an explicit signal.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count >= g.limit {
		return false
	}
	g.count++
	return true
}

// Release returns a slot taken by TryAcquire.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count > 0 {
		g.count--
	}
}

// Active returns the number of currently held slots.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}
