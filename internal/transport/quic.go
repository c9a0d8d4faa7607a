package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/driftworks/relay/internal/config"
	"github.com/driftworks/relay/internal/protocol"
)

// quicNextProto is the ALPN identifier negotiated with relay clients.
const quicNextProto = "relay/1"

// QUICAcceptor listens for QUIC connections. Each client opens one
// bidirectional stream that carries the same length-delimited framing as
// TCP; connection migration is handled natively by the QUIC stack, so no
// token rebinding is needed.
type QUICAcceptor struct {
	cfg     config.QUICConfig
	codec   *protocol.Codec
	gate    *Gate
	handler Handler
	logger  *zap.Logger

	listener *quic.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewQUICAcceptor creates a QUIC acceptor.
//
// Precondition: codec, gate, handler, and logger must be non-nil.
func NewQUICAcceptor(cfg config.QUICConfig, codec *protocol.Codec, gate *Gate, handler Handler, logger *zap.Logger) *QUICAcceptor {
	return &QUICAcceptor{
		cfg:     cfg,
		codec:   codec,
		gate:    gate,
		handler: handler,
		logger:  logger,
		quit:    make(chan struct{}),
	}
}

// ListenAndServe starts the QUIC listener and accepts connections until
// Stop is called. Certificate material is loaded from the configured
// files. This method blocks.
//
// Postcondition: The listener is closed when this method returns.
func (a *QUICAcceptor) ListenAndServe() error {
	start := time.Now()

	cert, err := tls.LoadX509KeyPair(a.cfg.CertFile, a.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("loading quic certificate: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicNextProto},
	}

	listener, err := quic.ListenAddr(a.cfg.Addr(), tlsConf, &quic.Config{
		MaxIdleTimeout:  2 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	a.mu.Lock()
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("quic acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-a.quit
		cancel()
	}()

	for {
		qc, err := listener.Accept(ctx)
		if err != nil {
			select {
			case <-a.quit:
				return nil
			default:
				a.logger.Error("accepting quic connection", zap.Error(err))
				continue
			}
		}

		if !a.gate.TryAcquire() {
			a.rejectFull(ctx, qc)
			continue
		}

		a.wg.Add(1)
		go a.handleConn(ctx, qc)
	}
}

// rejectFull sends a ServerFull frame on a fresh stream and closes the
// connection with an application error.
func (a *QUICAcceptor) rejectFull(ctx context.Context, qc *quic.Conn) {
	openCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if stream, err := qc.OpenStreamSync(openCtx); err == nil {
		_, _ = stream.Write(a.codec.Encode(0, protocol.ServerFull{}))
		_ = stream.Close()
	}
	_ = qc.CloseWithError(1, "server full")
	a.logger.Warn("quic connection rejected at capacity",
		zap.String("remote_addr", qc.RemoteAddr().String()),
	)
}

// handleConn accepts the client's control stream and hands the framed
// connection to the handler.
func (a *QUICAcceptor) handleConn(ctx context.Context, qc *quic.Conn) {
	defer a.wg.Done()
	defer a.gate.Release()
	start := time.Now()
	addr := qc.RemoteAddr().String()

	a.logger.Debug("client connected",
		zap.String("remote_addr", addr),
		zap.String("transport", "quic"),
	)

	acceptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	stream, err := qc.AcceptStream(acceptCtx)
	cancel()
	if err != nil {
		a.logger.Debug("no control stream from client",
			zap.String("remote_addr", addr),
			zap.Error(err),
		)
		_ = qc.CloseWithError(2, "no control stream")
		return
	}

	conn := newQUICConn(qc, stream, a.codec)
	defer conn.Close()

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()
	go func() {
		select {
		case <-a.quit:
			connCancel()
		case <-connCtx.Done():
		}
	}()

	a.handler.HandleConn(connCtx, conn)

	a.logger.Debug("connection finished",
		zap.String("remote_addr", addr),
		zap.Duration("duration", time.Since(start)),
	)
}

// Stop gracefully stops the acceptor.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *QUICAcceptor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}
	a.running = false

	close(a.quit)
	if a.listener != nil {
		_ = a.listener.Close()
	}
	a.wg.Wait()

	a.logger.Info("quic acceptor stopped")
}

// quicConn adapts a QUIC stream into the framed Conn capability.
type quicConn struct {
	qc     *quic.Conn
	stream *quic.Stream
	codec  *protocol.Codec

	readMu  sync.Mutex
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newQUICConn(qc *quic.Conn, stream *quic.Stream, codec *protocol.Codec) *quicConn {
	return &quicConn{
		qc:     qc,
		stream: stream,
		codec:  codec,
		closed: make(chan struct{}),
	}
}

// Receive reads one whole frame off the control stream.
func (c *quicConn) Receive(ctx context.Context) ([]byte, error) {
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
	if err := readFullStream(c.stream, header); err != nil {
		return nil, c.mapClosed(err)
	}

	_, _, _, length, err := c.codec.DecodeHeader(header)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, protocol.HeaderSize+int(length))
	copy(frame, header)
	if err := readFullStream(c.stream, frame[protocol.HeaderSize:]); err != nil {
		return nil, c.mapClosed(err)
	}
	return frame, nil
}

func readFullStream(stream *quic.Stream, buf []byte) error {
	for read := 0; read < len(buf); {
		n, err := stream.Read(buf[read:])
		read += n
		if err != nil && read < len(buf) {
			return err
		}
	}
	return nil
}

// Send writes one whole frame to the control stream.
func (c *quicConn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	if _, err := c.stream.Write(frame); err != nil {
		return c.mapClosed(err)
	}
	return nil
}

func (c *quicConn) mapClosed(err error) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
		return err
	}
}

// Close closes the stream and the connection. Idempotent.
func (c *quicConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.stream.Close()
		_ = c.qc.CloseWithError(0, "closed")
	})
	return nil
}

func (c *quicConn) Kind() Kind { return KindQUIC }

func (c *quicConn) RemoteAddr() net.Addr { return c.qc.RemoteAddr() }
