package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftworks/relay/internal/accounts"
	"github.com/driftworks/relay/internal/config"
	"github.com/driftworks/relay/internal/protocol"
	"github.com/driftworks/relay/internal/trace"
	"github.com/driftworks/relay/internal/transport"
)

// Manager is the session registry and the transport connection handler.
// One session is created per accepted connection and runs until its
// connection closes or teardown is requested.
type Manager struct {
	cfg      config.SessionConfig
	rateCfg  config.RateConfig
	codec    *protocol.Codec
	verifier accounts.Verifier
	router   Router
	recorder *trace.Recorder
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewManager creates a session Manager.
//
// Precondition: all collaborators must be non-nil.
func NewManager(
	cfg config.SessionConfig,
	rateCfg config.RateConfig,
	codec *protocol.Codec,
	verifier accounts.Verifier,
	router Router,
	recorder *trace.Recorder,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		cfg:      cfg,
		rateCfg:  rateCfg,
		codec:    codec,
		verifier: verifier,
		router:   router,
		recorder: recorder,
		logger:   logger,
		sessions: make(map[uuid.UUID]*Session),
	}
}

// HandleConn runs a session for one accepted connection. Blocks until
// the session reaches Closed. Implements transport.Handler.
func (m *Manager) HandleConn(ctx context.Context, conn transport.Conn) {
	s := newSession(conn, m.codec, m.cfg, m.rateCfg, m.verifier, m.router, m.logger)
	s.ring = m.recorder.Attach(s.id.String())

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	s.run(ctx)

	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	m.recorder.Detach(s.id.String())
}

// Get returns a registered session by id.
func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll requests teardown of every live session. Used on shutdown
// after the listeners stop accepting.
func (m *Manager) CloseAll(code protocol.CloseCode) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Close(code)
	}
}

// newSessionToken draws a random non-zero 64-bit session token. Zero is
// reserved to mean "no token" in the handshake.
func newSessionToken() uint64 {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic(err) // crypto/rand never fails on supported platforms
		}
		if token := binary.BigEndian.Uint64(buf[:]); token != 0 {
			return token
		}
	}
}
