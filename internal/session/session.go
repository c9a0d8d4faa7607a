// Package session owns the per-connection lifecycle: handshake,
// authentication, keepalive, rate admission, and the bounded outbound
// queue with its independent drain loop. Everything above this layer
// sees authenticated sessions, never raw connections.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftworks/relay/internal/accounts"
	"github.com/driftworks/relay/internal/config"
	"github.com/driftworks/relay/internal/protocol"
	"github.com/driftworks/relay/internal/rate"
	"github.com/driftworks/relay/internal/trace"
	"github.com/driftworks/relay/internal/transport"
)

// State is the session lifecycle state.
type State uint8

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

// String returns the state mnemonic.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Client is the view of a session exposed to the routing layer.
// Implemented by *Session; an interface so routing can be exercised
// without live connections.
type Client interface {
	ID() uuid.UUID
	Identity() accounts.Identity
	EnqueueOutbound(body protocol.Body) bool
	Close(code protocol.CloseCode)
	RemoteAddr() string
	TransportKind() transport.Kind
	ClientVersion() string
	Platform() string
}

// Router receives packets from sessions in the Active state and session
// lifecycle notifications. Implementations must not block the calling
// session's read loop for longer than a room-local operation.
type Router interface {
	// Route handles one admitted packet from an active session.
	Route(c Client, pkt protocol.Packet)
	// OnSessionActive fires once when a session finishes authentication.
	OnSessionActive(c Client)
	// OnSessionClosed fires once after teardown completes. The session's
	// room membership must be released here.
	OnSessionClosed(c Client, code protocol.CloseCode)
}

// Session is the logical authenticated context bound to one connection.
type Session struct {
	id       uuid.UUID
	conn     transport.Conn
	codec    *protocol.Codec
	cfg      config.SessionConfig
	verifier accounts.Verifier
	router   Router
	limiter  *rate.Limiter
	logger   *zap.Logger
	ring     *trace.Ring

	out    *outQueue
	outSeq uint32
	seqMu  sync.Mutex

	mu            sync.Mutex
	state         State
	identity      accounts.Identity
	token         uint64
	closeCode     protocol.CloseCode
	clientVersion string
	platform      string

	closeOnce  sync.Once
	closing    chan struct{}
	writerDone chan struct{}
}

func newSession(
	conn transport.Conn,
	codec *protocol.Codec,
	cfg config.SessionConfig,
	rateCfg config.RateConfig,
	verifier accounts.Verifier,
	router Router,
	logger *zap.Logger,
) *Session {
	id := uuid.New()
	return &Session{
		id:       id,
		conn:     conn,
		codec:    codec,
		cfg:      cfg,
		verifier: verifier,
		router:   router,
		limiter:  rate.NewLimiter(rateCfg),
		logger: logger.With(
			zap.String("session_id", id.String()),
			zap.String("transport", conn.Kind().String()),
			zap.String("remote_addr", conn.RemoteAddr().String()),
		),
		out:        newOutQueue(cfg.OutboundQueueSize),
		state:      StateConnecting,
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the authenticated identity. Zero until Active.
func (s *Session) Identity() accounts.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Token returns the server-issued session token. Zero until Active.
func (s *Session) Token() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// ClientVersion returns the version string from the handshake.
func (s *Session) ClientVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientVersion
}

// Platform returns the platform string from the handshake.
func (s *Session) Platform() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.platform
}

// TransportKind reports the underlying transport.
func (s *Session) TransportKind() transport.Kind { return s.conn.Kind() }

// RemoteAddr reports the peer address.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// CloseCode returns the teardown reason. Only meaningful once the
// session is Closing or Closed.
func (s *Session) CloseCode() protocol.CloseCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

// EnqueueOutbound queues one packet for delivery. It never blocks; on a
// full queue the oldest state update is evicted first. Returns false if
// the frame was dropped or the session is past Closing.
func (s *Session) EnqueueOutbound(body protocol.Body) bool {
	s.seqMu.Lock()
	s.outSeq++
	seq := s.outSeq
	s.seqMu.Unlock()

	typ := protocol.TypeOf(body)
	frame := s.codec.Encode(seq, body)
	s.ring.Record(trace.Entry{
		At: time.Now(), Dir: trace.Out,
		Type: typ, Seq: seq, Size: len(frame),
	})
	return s.out.push(frame, protocol.Reliable(typ))
}

// Close requests teardown with the given reason. Idempotent; the first
// reason wins. A Disconnect carrying the reason is flushed to the client
// before the connection drops, bounded by the flush timeout.
func (s *Session) Close(code protocol.CloseCode) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.closeCode = code
		s.mu.Unlock()

		s.EnqueueOutbound(protocol.Disconnect{Code: code, Message: code.String()})
		s.out.close()
		close(s.closing)
	})
}

// run drives the session until teardown completes.
//
// Postcondition: the connection is closed, the outbound queue is
// discarded, and the router has observed OnSessionClosed exactly once.
func (s *Session) run(ctx context.Context) {
	start := time.Now()
	s.logger.Debug("session started")

	go s.writeLoop()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	go func() {
		for {
			frame, err := s.conn.Receive(readCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-s.closing:
				return
			}
		}
	}()

	authTimer := time.NewTimer(s.cfg.AuthTimeout)
	defer authTimer.Stop()
	idleTimer := time.NewTimer(s.cfg.IdleTimeout)
	defer idleTimer.Stop()

loop:
	for {
		select {
		case frame := <-frames:
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(s.cfg.IdleTimeout)
			s.handleFrame(ctx, frame, authTimer)

		case err := <-readErr:
			if errors.Is(err, transport.ErrConnClosed) || errors.Is(err, context.Canceled) {
				s.Close(protocol.CloseNormal)
			} else if isDecodeError(err) {
				s.Close(protocol.CloseProtocolError)
			} else {
				s.logger.Debug("transport read failed", zap.Error(err))
				s.Close(protocol.CloseNormal)
			}
			break loop

		case <-authTimer.C:
			if s.State() != StateActive {
				s.logger.Info("authentication timed out")
				s.Close(protocol.CloseAuthFailed)
				break loop
			}

		case <-idleTimer.C:
			s.logger.Info("session idle timeout")
			s.Close(protocol.CloseIdleTimeout)
			break loop

		case <-ctx.Done():
			s.Close(protocol.CloseServerShutdown)
			break loop

		case <-s.closing:
			break loop
		}
	}

	s.teardown(start)
}

// teardown waits for the writer to flush, then releases everything.
func (s *Session) teardown(start time.Time) {
	s.Close(protocol.CloseNormal) // no-op if a reason is already set

	flush := time.NewTimer(s.cfg.FlushTimeout)
	defer flush.Stop()
	select {
	case <-s.writerDone:
	case <-flush.C:
		s.out.discard()
	}
	_ = s.conn.Close()
	<-s.writerDone

	s.mu.Lock()
	s.state = StateClosed
	code := s.closeCode
	s.mu.Unlock()

	s.router.OnSessionClosed(s, code)

	s.logger.Info("session closed",
		zap.String("reason", code.String()),
		zap.Uint64("frames_dropped", s.out.droppedCount()),
		zap.Duration("duration", time.Since(start)),
	)
}

// writeLoop drains the outbound queue to the connection. It is the only
// writer on the connection, so slow-consumer backpressure is confined to
// this goroutine and the bounded queue behind it.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		frame, ok := s.out.pop()
		if !ok {
			return
		}
		if err := s.conn.Send(frame); err != nil {
			s.out.discard()
			s.Close(protocol.CloseNormal)
			return
		}
	}
}

// handleFrame decodes and dispatches one inbound frame according to the
// current state. Only handshake packets are valid before Active.
func (s *Session) handleFrame(ctx context.Context, frame []byte, authTimer *time.Timer) {
	pkt, err := s.codec.Decode(frame)
	if err != nil {
		s.logger.Debug("discarding undecodable frame", zap.Error(err))
		s.Close(protocol.CloseProtocolError)
		return
	}

	s.ring.Record(trace.Entry{
		At: time.Now(), Dir: trace.In,
		Type: pkt.Type, Seq: pkt.Seq, Size: len(frame),
	})

	if _, ok := pkt.Body.(protocol.Unknown); ok {
		s.logger.Info("unknown packet type", zap.Uint8("type", uint8(pkt.Type)))
		s.Close(protocol.CloseProtocolError)
		return
	}

	switch s.State() {
	case StateConnecting:
		hello, ok := pkt.Body.(protocol.Hello)
		if !ok {
			s.Close(protocol.CloseProtocolError)
			return
		}
		s.handleHello(hello)

	case StateAuthenticating:
		req, ok := pkt.Body.(protocol.AuthRequest)
		if !ok {
			s.Close(protocol.CloseProtocolError)
			return
		}
		s.handleAuth(ctx, req, authTimer)

	case StateActive:
		s.handleActive(pkt, len(frame)-protocol.HeaderSize)

	default:
		// Closing or Closed: late frames are ignored.
	}
}

func (s *Session) handleHello(hello protocol.Hello) {
	if hello.ClientVersion == "" {
		s.Close(protocol.CloseProtocolError)
		return
	}
	s.mu.Lock()
	s.state = StateAuthenticating
	s.clientVersion = hello.ClientVersion
	s.platform = hello.Platform
	s.mu.Unlock()
	s.logger.Debug("handshake complete",
		zap.String("client_version", hello.ClientVersion),
		zap.String("platform", hello.Platform),
	)
}

func (s *Session) handleAuth(ctx context.Context, req protocol.AuthRequest, authTimer *time.Timer) {
	verifyCtx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()

	start := time.Now()
	identity, err := s.verifier.Verify(verifyCtx, req.AccountID, req.Token)
	if err != nil {
		s.logger.Info("authentication rejected",
			zap.Int32("account_id", req.AccountID),
			zap.Error(err),
		)
		s.Close(protocol.CloseAuthFailed)
		return
	}

	token := newSessionToken()
	s.mu.Lock()
	s.identity = identity
	s.token = token
	s.state = StateActive
	s.mu.Unlock()
	authTimer.Stop()

	// UDP connections learn the token so a source address change can be
	// re-validated instead of trusted.
	if bindable, ok := s.conn.(transport.TokenBindable); ok {
		bindable.BindToken(token)
	}

	s.EnqueueOutbound(protocol.AuthResponse{
		AccountID:    identity.AccountID,
		DisplayName:  identity.DisplayName,
		SessionToken: token,
	})
	s.router.OnSessionActive(s)

	s.logger.Info("session authenticated",
		zap.Int32("account_id", identity.AccountID),
		zap.String("display_name", identity.DisplayName),
		zap.Duration("verify_duration", time.Since(start)),
	)
}

// handleActive admits one packet through the rate limiter and routes it.
func (s *Session) handleActive(pkt protocol.Packet, payloadLen int) {
	switch body := pkt.Body.(type) {
	case protocol.Keepalive:
		// Already refreshed the idle timer; nothing else to do.
		return
	case protocol.Disconnect:
		s.Close(protocol.CloseNormal)
		return
	case protocol.Hello:
		// A datagram client re-validates a source address change by
		// resending Hello with its session token; the transport has
		// already rebound the connection, so the frame itself is a
		// keepalive-equivalent no-op. Any other mid-session Hello is a
		// protocol violation.
		if body.Token != 0 && body.Token == s.Token() {
			return
		}
		s.Close(protocol.CloseProtocolError)
		return
	case protocol.AuthRequest:
		// Re-authentication is never valid once active.
		s.Close(protocol.CloseProtocolError)
		return
	}

	switch s.limiter.Admit(pkt.Type, payloadLen) {
	case rate.Drop:
		return
	case rate.Violate:
		s.logger.Debug("rate limit violation",
			zap.String("type", pkt.Type.String()),
			zap.Int("violations", s.limiter.ViolationCount()),
		)
		return
	case rate.Exceeded:
		s.logger.Warn("rate limit exceeded, closing session",
			zap.String("type", pkt.Type.String()),
		)
		s.Close(protocol.CloseRateLimitExceeded)
		return
	}

	s.router.Route(s, pkt)
}

func isDecodeError(err error) bool {
	return errors.Is(err, protocol.ErrMalformed) ||
		errors.Is(err, protocol.ErrUnsupportedVersion) ||
		errors.Is(err, protocol.ErrLengthMismatch) ||
		errors.Is(err, protocol.ErrPacketTooLarge)
}
