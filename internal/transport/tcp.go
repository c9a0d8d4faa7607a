package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftworks/relay/internal/config"
	"github.com/driftworks/relay/internal/protocol"
)

// TCPAcceptor listens on a TCP port and dispatches each connection to a
// Handler as a framed Conn. Frames on the stream are delimited by the
// wire header's length field.
type TCPAcceptor struct {
	cfg     config.TCPConfig
	codec   *protocol.Codec
	gate    *Gate
	handler Handler
	logger  *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewTCPAcceptor creates a TCP acceptor.
//
// Precondition: codec, gate, handler, and logger must be non-nil.
// Postcondition: Returns an acceptor ready to be started with ListenAndServe.
func NewTCPAcceptor(cfg config.TCPConfig, codec *protocol.Codec, gate *Gate, handler Handler, logger *zap.Logger) *TCPAcceptor {
	return &TCPAcceptor{
		cfg:     cfg,
		codec:   codec,
		gate:    gate,
		handler: handler,
		logger:  logger,
		quit:    make(chan struct{}),
	}
}

// ListenAndServe starts the TCP listener and accepts connections until
// Stop is called. This method blocks.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *TCPAcceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	a.mu.Lock()
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("tcp acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	for {
		raw, err := listener.Accept()
		if err != nil {
			select {
			case <-a.quit:
				return nil
			default:
				a.logger.Error("accepting connection", zap.Error(err))
				continue
			}
		}

		if !a.gate.TryAcquire() {
			// Explicit capacity signal, never a silent drop. No session
			// is created for this connection.
			a.rejectFull(raw)
			continue
		}

		a.wg.Add(1)
		go a.handleConn(raw)
	}
}

// rejectFull sends a ServerFull frame and closes the raw connection.
func (a *TCPAcceptor) rejectFull(raw net.Conn) {
	frame := a.codec.Encode(0, protocol.ServerFull{})
	_ = raw.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = raw.Write(frame)
	_ = raw.Close()
	a.logger.Warn("connection rejected at capacity",
		zap.String("remote_addr", raw.RemoteAddr().String()),
	)
}

// handleConn wraps a raw TCP connection and hands it to the handler.
func (a *TCPAcceptor) handleConn(raw net.Conn) {
	defer a.wg.Done()
	defer a.gate.Release()
	start := time.Now()
	addr := raw.RemoteAddr().String()

	a.logger.Debug("client connected",
		zap.String("remote_addr", addr),
		zap.String("transport", "tcp"),
	)

	conn := newTCPConn(raw, a.codec, a.cfg.WriteTimeout)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-a.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	a.handler.HandleConn(ctx, conn)

	a.logger.Debug("connection finished",
		zap.String("remote_addr", addr),
		zap.Duration("duration", time.Since(start)),
	)
}

// Stop gracefully stops the acceptor, closing the listener and waiting
// for all active connections to finish.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *TCPAcceptor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}
	a.running = false

	close(a.quit)
	if a.listener != nil {
		a.listener.Close()
	}
	a.wg.Wait()

	a.logger.Info("tcp acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet
// listening.
func (a *TCPAcceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// tcpConn adapts a stream connection into the framed Conn capability.
// It is shared with the QUIC transport, which exposes the same stream
// semantics.
type tcpConn struct {
	raw          net.Conn
	codec        *protocol.Codec
	writeTimeout time.Duration
	kind         Kind

	readMu  sync.Mutex
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newTCPConn(raw net.Conn, codec *protocol.Codec, writeTimeout time.Duration) *tcpConn {
	return &tcpConn{
		raw:          raw,
		codec:        codec,
		writeTimeout: writeTimeout,
		kind:         KindTCP,
		closed:       make(chan struct{}),
	}
}

// Receive reads one whole frame off the stream: the fixed header first,
// then exactly the declared payload length.
func (c *tcpConn) Receive(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	select {
	case <-c.closed:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(c.raw, header); err != nil {
		return nil, c.mapClosed(err)
	}

	_, _, _, length, err := c.codec.DecodeHeader(header)
	if err != nil {
		// A bad header desynchronises the stream permanently; the codec
		// error propagates so the session tears down with ProtocolError.
		return nil, err
	}

	frame := make([]byte, protocol.HeaderSize+int(length))
	copy(frame, header)
	if _, err := io.ReadFull(c.raw, frame[protocol.HeaderSize:]); err != nil {
		return nil, c.mapClosed(err)
	}
	return frame, nil
}

// Send writes one whole frame with the configured write deadline.
func (c *tcpConn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.raw.Write(frame); err != nil {
		return c.mapClosed(err)
	}
	return nil
}

func (c *tcpConn) mapClosed(err error) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
		return err
	}
}

// Close closes the underlying stream. Idempotent.
func (c *tcpConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.raw.Close()
	})
	return nil
}

func (c *tcpConn) Kind() Kind { return c.kind }

func (c *tcpConn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }
