// Package room owns live rooms: creation, membership, ownership, and
// the invariants around them. Membership mutations for one room are
// serialized by a per-room lock; no lock spans more than one room, so
// contention in a busy room never throttles the rest of the server.
package room

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftworks/relay/internal/protocol"
)

// Peer is the outbound side of a room member. Satisfied by
// *session.Session; the room layer stays transport- and
// session-agnostic.
type Peer interface {
	ID() uuid.UUID
	EnqueueOutbound(body protocol.Body) bool
}

// Member tracks one session's per-room ephemeral state.
type Member struct {
	Peer        Peer
	AccountID   int32
	DisplayName string

	// LastSeq is the highest applied state sequence, monotonically
	// non-decreasing modulo wraparound.
	LastSeq    uint32
	State      []byte
	LastUpdate time.Time
	JoinedAt   time.Time
}

// Room is one live shared space. id and gen are immutable; everything
// else is guarded by mu. Callers go through Manager, which takes the
// room lock around every access.
type Room struct {
	id  uint32
	gen uint64
	mu  sync.Mutex

	name      string
	passcode  uint32
	levelID   int32
	settings  protocol.RoomSettings
	createdAt time.Time

	// ownerID rotates to a remaining member when the owner leaves; the
	// original creator reclaims ownership on rejoin.
	ownerID       int32
	originalOwner int32

	members map[uuid.UUID]*Member
	bans    map[int32]struct{}
	invites map[uint64]struct{}

	destroyTimer *time.Timer
	destroyed    bool
}

// ID returns the room's wire id.
func (r *Room) ID() uint32 { return r.id }

// Generation returns the room's registry generation. A handle carrying
// a stale generation never resolves, even if the id was reused.
func (r *Room) Generation() uint64 { return r.gen }

// Handle is a stable reference to a room across its lifetime.
type Handle struct {
	ID  uint32
	Gen uint64
}

func (r *Room) handle() Handle { return Handle{ID: r.id, Gen: r.gen} }

// snapshotLocked returns a stable copy of the membership for fanout.
// Callers hold the room lock; the returned slice is never mutated by
// concurrent join/leave.
func (r *Room) snapshotLocked() []*Member {
	out := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

// memberInfosLocked returns wire-format member summaries sorted by
// account id for a deterministic join response.
func (r *Room) memberInfosLocked() []protocol.RoomMemberInfo {
	infos := make([]protocol.RoomMemberInfo, 0, len(r.members))
	for _, m := range r.members {
		infos = append(infos, protocol.RoomMemberInfo{
			AccountID:   m.AccountID,
			DisplayName: m.DisplayName,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].AccountID < infos[j].AccountID })
	return infos
}

// rotateOwnerLocked hands ownership to an arbitrary remaining member
// after the owner leaves.
func (r *Room) rotateOwnerLocked() {
	for _, m := range r.members {
		r.ownerID = m.AccountID
		return
	}
	r.ownerID = 0
}

// maybeRestoreOwnerLocked returns ownership to the original creator
// when they rejoin.
func (r *Room) maybeRestoreOwnerLocked(accountID int32) {
	if accountID == r.originalOwner {
		r.ownerID = accountID
	}
}
