package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftworks/relay/internal/config"
	"github.com/driftworks/relay/internal/protocol"
)

// TokenBindable is implemented by connections that support token-based
// source address rebinding. The session layer binds the server-issued
// session token after authentication completes.
type TokenBindable interface {
	BindToken(token uint64)
}

// UDPListener infers connections from datagram traffic. A "connection"
// is keyed by source address; a datagram from an unknown address must be
// a valid Hello packet. A Hello carrying a bound session token migrates
// the existing connection to the new source address, which resists
// spoofed rebinds: an attacker cannot move a session without the token.
type UDPListener struct {
	cfg     config.UDPConfig
	codec   *protocol.Codec
	gate    *Gate
	handler Handler
	logger  *zap.Logger

	pc *net.UDPConn

	mu      sync.Mutex
	byAddr  map[string]*udpConn
	byToken map[uint64]*udpConn
	running bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewUDPListener creates a UDP listener.
//
// Precondition: codec, gate, handler, and logger must be non-nil.
func NewUDPListener(cfg config.UDPConfig, codec *protocol.Codec, gate *Gate, handler Handler, logger *zap.Logger) *UDPListener {
	return &UDPListener{
		cfg:     cfg,
		codec:   codec,
		gate:    gate,
		handler: handler,
		logger:  logger,
		byAddr:  make(map[string]*udpConn),
		byToken: make(map[uint64]*udpConn),
		quit:    make(chan struct{}),
	}
}

// ListenAndServe binds the UDP socket and demultiplexes datagrams until
// Stop is called. This method blocks.
//
// Postcondition: The socket is closed when this method returns.
func (l *UDPListener) ListenAndServe() error {
	start := time.Now()

	addr, err := net.ResolveUDPAddr("udp", l.cfg.Addr())
	if err != nil {
		return fmt.Errorf("resolving %s: %w", l.cfg.Addr(), err)
	}
	pc, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", l.cfg.Addr(), err)
	}
	if l.cfg.ReadBufferSize > 0 {
		_ = pc.SetReadBuffer(l.cfg.ReadBufferSize)
	}

	l.mu.Lock()
	l.pc = pc
	l.running = true
	l.mu.Unlock()

	l.logger.Info("udp listener listening",
		zap.String("addr", pc.LocalAddr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	buf := make([]byte, l.codec.MaxFrameSize())
	for {
		n, raddr, err := pc.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.quit:
				return nil
			default:
				l.logger.Error("reading datagram", zap.Error(err))
				continue
			}
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		l.route(raddr, frame)
	}
}

// route delivers a datagram to its connection, creating or migrating one
// when the source address is unknown.
func (l *UDPListener) route(raddr *net.UDPAddr, frame []byte) {
	key := raddr.String()

	l.mu.Lock()
	conn, ok := l.byAddr[key]
	l.mu.Unlock()

	if ok {
		conn.deliver(frame)
		return
	}

	// Unknown source address: only a valid Hello may open or migrate a
	// connection. Anything else is dropped without a session.
	pkt, err := l.codec.Decode(frame)
	if err != nil || pkt.Type != protocol.TypeHello {
		l.logger.Debug("dropping datagram from unknown address",
			zap.String("remote_addr", key),
		)
		return
	}
	hello, ok := pkt.Body.(protocol.Hello)
	if !ok {
		return
	}

	if hello.Token != 0 {
		if migrated := l.rebind(hello.Token, raddr); migrated != nil {
			migrated.deliver(frame)
			return
		}
		// Stale or forged token: fall through and treat as a new
		// connection attempt so a legitimate client can re-handshake.
	}

	if !l.gate.TryAcquire() {
		reject := l.codec.Encode(0, protocol.ServerFull{})
		_, _ = l.pc.WriteToUDP(reject, raddr)
		l.logger.Warn("datagram connection rejected at capacity",
			zap.String("remote_addr", key),
		)
		return
	}

	conn = newUDPConn(l, raddr)

	l.mu.Lock()
	l.byAddr[key] = conn
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.gate.Release()
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-l.quit:
				cancel()
			case <-ctx.Done():
			}
		}()

		l.handler.HandleConn(ctx, conn)
	}()

	conn.deliver(frame)
}

// rebind migrates the connection bound to token onto a new source
// address. Returns nil when no connection holds the token.
func (l *UDPListener) rebind(token uint64, raddr *net.UDPAddr) *udpConn {
	l.mu.Lock()
	defer l.mu.Unlock()

	conn, ok := l.byToken[token]
	if !ok {
		return nil
	}

	oldKey := conn.addrKey()
	delete(l.byAddr, oldKey)
	conn.setAddr(raddr)
	l.byAddr[raddr.String()] = conn

	l.logger.Info("udp session migrated",
		zap.String("old_addr", oldKey),
		zap.String("new_addr", raddr.String()),
	)
	return conn
}

// bindToken registers a session token for address migration.
func (l *UDPListener) bindToken(token uint64, conn *udpConn) {
	if token == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byToken[token] = conn
}

// drop unregisters a closed connection.
func (l *UDPListener) drop(conn *udpConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := conn.addrKey()
	if l.byAddr[key] == conn {
		delete(l.byAddr, key)
	}
	if tok := conn.boundToken(); tok != 0 && l.byToken[tok] == conn {
		delete(l.byToken, tok)
	}
}

// Stop closes the socket and waits for all connection handlers to exit.
//
// Postcondition: All connections are closed and goroutines have exited.
func (l *UDPListener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.quit)
	pc := l.pc
	conns := make([]*udpConn, 0, len(l.byAddr))
	for _, c := range l.byAddr {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
	l.wg.Wait()

	l.logger.Info("udp listener stopped")
}

// Addr returns the actual listening address, or empty string if not yet
// listening.
func (l *UDPListener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pc != nil {
		return l.pc.LocalAddr().String()
	}
	return ""
}

// udpConn is one inferred datagram connection. Inbound frames are
// buffered; the buffer overflowing drops the oldest-arriving datagram
// semantics by simply discarding the new one, which is acceptable for a
// lossy transport.
type udpConn struct {
	listener *UDPListener
	incoming chan []byte

	mu    sync.Mutex
	addr  *net.UDPAddr
	token uint64

	closeOnce sync.Once
	closed    chan struct{}
}

func newUDPConn(l *UDPListener, addr *net.UDPAddr) *udpConn {
	return &udpConn{
		listener: l,
		incoming: make(chan []byte, 128),
		addr:     addr,
		closed:   make(chan struct{}),
	}
}

func (c *udpConn) deliver(frame []byte) {
	select {
	case c.incoming <- frame:
	case <-c.closed:
	default:
		// Receive backlog full; the datagram is loss-tolerant.
	}
}

func (c *udpConn) addrKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr.String()
}

func (c *udpConn) boundToken() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *udpConn) setAddr(addr *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addr = addr
}

// BindToken registers the session token so datagrams from a changed
// source address can re-validate and migrate this connection.
func (c *udpConn) BindToken(token uint64) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.listener.bindToken(token, c)
}

// Receive blocks for the next datagram frame.
func (c *udpConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.incoming:
		return frame, nil
	case <-c.closed:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes one frame to the connection's current source address.
func (c *udpConn) Send(frame []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	c.mu.Lock()
	addr := c.addr
	c.mu.Unlock()

	if _, err := c.listener.pc.WriteToUDP(frame, addr); err != nil {
		return err
	}
	return nil
}

// Close unregisters the connection. Idempotent.
func (c *udpConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.listener.drop(c)
	})
	return nil
}

func (c *udpConn) Kind() Kind { return KindUDP }

func (c *udpConn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}
