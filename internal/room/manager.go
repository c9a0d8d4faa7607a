package room

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mrand "math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftworks/relay/internal/config"
	"github.com/driftworks/relay/internal/protocol"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomFull        = errors.New("room full")
	ErrAlreadyMember   = errors.New("already a member of this room")
	ErrInvalidPasscode = errors.New("invalid passcode")
	ErrBanned          = errors.New("banned from this room")
	ErrNotInRoom       = errors.New("not in a room")
	ErrInvalidSettings = errors.New("invalid room settings")
)

// Room ids are drawn from this range, matching what clients expect to
// type or share.
const (
	roomIDMin = 100_000
	roomIDMax = 1_000_000
)

// Manager owns the room registry and every membership mutation.
//
// Locking: the registry RWMutex guards only the id maps; every room's
// internals are guarded by that room's own lock. The hot path (state
// updates, fanout snapshots) takes the registry lock in read mode, so
// contention inside one busy room never throttles the others. Lock
// order is always registry before room.
type Manager struct {
	cfg    config.RoomConfig
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	rooms     map[uint32]*Room
	bySession map[uuid.UUID]uint32
	nextGen   uint64
}

// NewManager creates a room Manager.
func NewManager(cfg config.RoomConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		rooms:     make(map[uint32]*Room),
		bySession: make(map[uuid.UUID]uint32),
	}
}

// JoinResult reports the room state handed back to a joining session.
type JoinResult struct {
	Handle  Handle
	OwnerID int32
	Members []protocol.RoomMemberInfo
	// Left is non-nil when the single-active-room invariant forced a
	// departure from a previous room first.
	Left *LeaveResult
}

// LeaveResult reports a departure for peer notification.
type LeaveResult struct {
	Handle    Handle
	AccountID int32
	// Remaining is a stable snapshot of the members left behind.
	Remaining []*Member
	// NewOwnerID is set when ownership rotated because the owner left.
	NewOwnerID int32
	Rotated    bool
}

// Create allocates a room and joins the creator to it.
//
// Postcondition: on success the creator is the room's sole member and
// owner, and is a member of no other room.
func (m *Manager) Create(peer Peer, accountID int32, displayName string, req protocol.RoomCreate) (JoinResult, error) {
	if err := m.validateSettings(req); err != nil {
		return JoinResult{}, err
	}

	m.mu.Lock()
	left := m.leaveLocked(peer.ID())

	id := m.allocateIDLocked()
	m.nextGen++
	r := &Room{
		id:            id,
		gen:           m.nextGen,
		name:          req.Name,
		passcode:      req.Passcode,
		levelID:       req.LevelID,
		settings:      req.Settings,
		createdAt:     m.now(),
		ownerID:       accountID,
		originalOwner: accountID,
		members:       make(map[uuid.UUID]*Member),
		bans:          make(map[int32]struct{}),
		invites:       make(map[uint64]struct{}),
	}
	r.members[peer.ID()] = &Member{
		Peer:        peer,
		AccountID:   accountID,
		DisplayName: displayName,
		JoinedAt:    m.now(),
	}
	m.rooms[id] = r
	m.bySession[peer.ID()] = id
	result := JoinResult{
		Handle:  r.handle(),
		OwnerID: r.ownerID,
		Members: r.memberInfosLocked(),
		Left:    left,
	}
	m.mu.Unlock()

	m.logger.Info("room created",
		zap.Uint32("room_id", id),
		zap.String("name", req.Name),
		zap.Int32("owner_id", accountID),
		zap.Uint16("player_limit", req.Settings.PlayerLimit),
	)
	return result, nil
}

func (m *Manager) validateSettings(req protocol.RoomCreate) error {
	if req.Name == "" || len(req.Name) > m.cfg.MaxNameLength {
		return fmt.Errorf("%w: name length %d", ErrInvalidSettings, len(req.Name))
	}
	limit := int(req.Settings.PlayerLimit)
	if limit < 2 || limit > m.cfg.MaxCapacity {
		return fmt.Errorf("%w: player limit %d", ErrInvalidSettings, limit)
	}
	return nil
}

// allocateIDLocked draws an id no live room holds.
func (m *Manager) allocateIDLocked() uint32 {
	for {
		id := uint32(roomIDMin + mrand.Intn(roomIDMax-roomIDMin))
		if _, taken := m.rooms[id]; !taken {
			return id
		}
	}
}

// Join adds a session to a room by id, enforcing passcode, capacity,
// and ban checks. If the session is in another room it leaves that room
// first; both effects happen under the registry write lock, so no
// observer ever sees the session in two rooms.
func (m *Manager) Join(roomID uint32, passcode uint32, peer Peer, accountID int32, displayName string) (JoinResult, error) {
	return m.join(roomID, peer, accountID, displayName, func(r *Room) error {
		if r.passcode != 0 && r.passcode != passcode {
			return ErrInvalidPasscode
		}
		return nil
	})
}

// JoinByInvite resolves an invite token to its room and joins without a
// passcode check. The token must have been issued by a current member
// and is single-use.
func (m *Manager) JoinByInvite(token uint64, peer Peer, accountID int32, displayName string) (JoinResult, error) {
	roomID := uint32(token >> inviteEntropyBits)
	return m.join(roomID, peer, accountID, displayName, func(r *Room) error {
		if _, ok := r.invites[token]; !ok {
			return ErrRoomNotFound
		}
		delete(r.invites, token)
		return nil
	})
}

func (m *Manager) join(roomID uint32, peer Peer, accountID int32, displayName string, admit func(*Room) error) (JoinResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return JoinResult{}, ErrRoomNotFound
	}
	if current, in := m.bySession[peer.ID()]; in && current == roomID {
		return JoinResult{}, ErrAlreadyMember
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, banned := r.bans[accountID]; banned {
		return JoinResult{}, ErrBanned
	}
	// Capacity is checked before admit so a rejected join can never
	// consume a single-use invite token.
	if len(r.members) >= int(r.settings.PlayerLimit) {
		return JoinResult{}, ErrRoomFull
	}
	if err := admit(r); err != nil {
		return JoinResult{}, err
	}

	left := m.leaveLocked(peer.ID())

	if r.destroyTimer != nil {
		r.destroyTimer.Stop()
		r.destroyTimer = nil
	}
	r.members[peer.ID()] = &Member{
		Peer:        peer,
		AccountID:   accountID,
		DisplayName: displayName,
		JoinedAt:    m.now(),
	}
	r.maybeRestoreOwnerLocked(accountID)
	m.bySession[peer.ID()] = roomID

	m.logger.Debug("session joined room",
		zap.Uint32("room_id", roomID),
		zap.Int32("account_id", accountID),
		zap.Int("members", len(r.members)),
	)
	return JoinResult{
		Handle:  r.handle(),
		OwnerID: r.ownerID,
		Members: r.memberInfosLocked(),
		Left:    left,
	}, nil
}

// Leave removes the session from its current room.
func (m *Manager) Leave(sessionID uuid.UUID) (*LeaveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	left := m.leaveLocked(sessionID)
	if left == nil {
		return nil, ErrNotInRoom
	}
	return left, nil
}

// leaveLocked performs the departure bookkeeping: member removal, owner
// rotation, and deferred destruction of an emptied room. Callers hold
// the registry write lock; the departed room's own lock is taken here
// unless the caller already holds it (join's displacement path passes
// through a different room, so lock order stays registry, new room, old
// room and never reverses).
func (m *Manager) leaveLocked(sessionID uuid.UUID) *LeaveResult {
	roomID, ok := m.bySession[sessionID]
	if !ok {
		return nil
	}
	delete(m.bySession, sessionID)

	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	member, ok := r.members[sessionID]
	if !ok {
		return nil
	}
	delete(r.members, sessionID)

	result := &LeaveResult{
		Handle:    r.handle(),
		AccountID: member.AccountID,
		Remaining: r.snapshotLocked(),
	}

	if member.AccountID == r.ownerID {
		r.rotateOwnerLocked()
		if len(r.members) > 0 {
			result.NewOwnerID = r.ownerID
			result.Rotated = true
		}
	}

	if len(r.members) == 0 {
		m.scheduleDestroyLocked(r)
	}
	return result
}

// scheduleDestroyLocked defers destruction of an empty room by the
// configured grace period, absorbing a rapid rejoin after a transient
// disconnect.
func (m *Manager) scheduleDestroyLocked(r *Room) {
	gen := r.gen
	r.destroyTimer = time.AfterFunc(m.cfg.EmptyGracePeriod, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		live, ok := m.rooms[r.id]
		if !ok || live.gen != gen {
			return
		}
		live.mu.Lock()
		defer live.mu.Unlock()
		if len(live.members) > 0 {
			return
		}
		live.destroyed = true
		delete(m.rooms, r.id)
		m.logger.Info("empty room destroyed",
			zap.Uint32("room_id", r.id),
			zap.Duration("grace", m.cfg.EmptyGracePeriod),
		)
	})
}

// resolve returns the live room for a handle, or nil.
func (m *Manager) resolve(h Handle) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[h.ID]
	if !ok || r.gen != h.Gen {
		return nil
	}
	return r
}

// Snapshot returns a stable copy of a room's membership for fanout.
func (m *Manager) Snapshot(h Handle) ([]*Member, error) {
	r := m.resolve(h)
	if r == nil {
		return nil, ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return nil, ErrRoomNotFound
	}
	return r.snapshotLocked(), nil
}

// UpdateMemberState applies one state update with newest-wins
// semantics. Returns the stable membership snapshot for fanout and
// whether the update was applied; a stale or duplicate sequence is a
// no-op with applied=false. Only the member's own room is locked.
func (m *Manager) UpdateMemberState(sessionID uuid.UUID, seq uint32, state []byte) (snapshot []*Member, roomID uint32, applied bool, err error) {
	m.mu.RLock()
	id, ok := m.bySession[sessionID]
	var r *Room
	if ok {
		r = m.rooms[id]
	}
	m.mu.RUnlock()
	if r == nil {
		return nil, 0, false, ErrNotInRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	member, ok := r.members[sessionID]
	if !ok {
		return nil, 0, false, ErrNotInRoom
	}

	if !protocol.SeqNewer(seq, member.LastSeq) {
		// Duplicate or reordered datagram; newest state wins.
		return nil, id, false, nil
	}
	member.LastSeq = seq
	member.State = state
	member.LastUpdate = m.now()
	return r.snapshotLocked(), id, true, nil
}

// RoomOf reports which room a session currently belongs to.
func (m *Manager) RoomOf(sessionID uuid.UUID) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySession[sessionID]
	if !ok {
		return Handle{}, false
	}
	return m.rooms[id].handle(), true
}

// Invite issues a single-use invite token for the caller's room. Any
// member may invite; with the private-invites flag set, only the owner
// may.
func (m *Manager) Invite(sessionID uuid.UUID) (uint64, error) {
	m.mu.RLock()
	id, ok := m.bySession[sessionID]
	var r *Room
	if ok {
		r = m.rooms[id]
	}
	m.mu.RUnlock()
	if r == nil {
		return 0, ErrNotInRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	member, ok := r.members[sessionID]
	if !ok {
		return 0, ErrNotInRoom
	}
	if r.settings.Flags&protocol.RoomPrivateInvites != 0 && member.AccountID != r.ownerID {
		return 0, ErrNotInRoom
	}

	token := packInviteToken(id)
	r.invites[token] = struct{}{}
	return token, nil
}

// Ban adds an account to a room's ban list and ejects them if present.
// Returns the ejection, if one happened, so the caller can notify.
func (m *Manager) Ban(roomID uint32, accountID int32) (*LeaveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}

	r.mu.Lock()
	r.bans[accountID] = struct{}{}
	var target uuid.UUID
	var found bool
	for sid, member := range r.members {
		if member.AccountID == accountID {
			target, found = sid, true
			break
		}
	}
	r.mu.Unlock()

	if !found {
		return nil, nil
	}
	return m.leaveLocked(target), nil
}

// List returns the public room listing ordered by population
// descending. Hidden rooms are excluded.
func (m *Manager) List() []protocol.RoomListEntry {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	entries := make([]protocol.RoomListEntry, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		if r.settings.Flags&protocol.RoomHidden == 0 && !r.destroyed {
			entries = append(entries, protocol.RoomListEntry{
				RoomID:      r.id,
				Name:        r.name,
				LevelID:     r.levelID,
				PlayerCount: uint16(len(r.members)),
				PlayerLimit: r.settings.PlayerLimit,
				HasPasscode: r.passcode != 0,
			})
		}
		r.mu.Unlock()
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].PlayerCount != entries[j].PlayerCount {
			return entries[i].PlayerCount > entries[j].PlayerCount
		}
		return entries[i].RoomID < entries[j].RoomID
	})
	return entries
}

// Count returns the number of live rooms.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// inviteEntropyBits is the random low portion of an invite token; the
// room id occupies the bits above it.
const inviteEntropyBits = 40

// packInviteToken builds a token carrying the room id in its top bits
// and fresh entropy below, so possession of a token proves an invite
// was issued rather than guessed.
func packInviteToken(roomID uint32) uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	entropy := binary.BigEndian.Uint64(buf[:]) & (1<<inviteEntropyBits - 1)
	return uint64(roomID)<<inviteEntropyBits | entropy
}
