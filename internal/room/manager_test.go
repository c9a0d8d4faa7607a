package room

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/driftworks/relay/internal/config"
	"github.com/driftworks/relay/internal/protocol"
)

// stubPeer satisfies Peer without a live session.
type stubPeer struct {
	id uuid.UUID
}

func newStubPeer() *stubPeer { return &stubPeer{id: uuid.New()} }

func (p *stubPeer) ID() uuid.UUID { return p.id }

func (p *stubPeer) EnqueueOutbound(protocol.Body) bool { return true }

func testRoomConfig() config.RoomConfig {
	return config.RoomConfig{
		EmptyGracePeriod: 50 * time.Millisecond,
		MaxCapacity:      64,
		MaxNameLength:    32,
	}
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(testRoomConfig(), zaptest.NewLogger(t))
}

func createReq(name string, limit uint16) protocol.RoomCreate {
	return protocol.RoomCreate{
		Name:     name,
		Settings: protocol.RoomSettings{PlayerLimit: limit},
	}
}

func TestManager_CreateJoinsCreatorAsOwner(t *testing.T) {
	m := testManager(t)
	owner := newStubPeer()

	res, err := m.Create(owner, 100, "alice", createReq("lobby", 8))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, res.Handle.ID, uint32(100_000))
	assert.Less(t, res.Handle.ID, uint32(1_000_000))
	assert.Equal(t, int32(100), res.OwnerID)
	require.Len(t, res.Members, 1)
	assert.Equal(t, "alice", res.Members[0].DisplayName)

	h, ok := m.RoomOf(owner.ID())
	require.True(t, ok)
	assert.Equal(t, res.Handle, h)
}

func TestManager_CreateRejectsBadSettings(t *testing.T) {
	m := testManager(t)

	_, err := m.Create(newStubPeer(), 1, "a", createReq("", 8))
	assert.ErrorIs(t, err, ErrInvalidSettings)

	_, err = m.Create(newStubPeer(), 1, "a", createReq("x", 1))
	assert.ErrorIs(t, err, ErrInvalidSettings, "limit below two")

	_, err = m.Create(newStubPeer(), 1, "a", createReq("x", 65))
	assert.ErrorIs(t, err, ErrInvalidSettings, "limit above configured cap")
}

func TestManager_JoinEnforcesCapacity(t *testing.T) {
	m := testManager(t)
	a, b, c := newStubPeer(), newStubPeer(), newStubPeer()

	res, err := m.Create(a, 1, "a", createReq("duo", 2))
	require.NoError(t, err)

	_, err = m.Join(res.Handle.ID, 0, b, 2, "b")
	require.NoError(t, err)

	_, err = m.Join(res.Handle.ID, 0, c, 3, "c")
	assert.ErrorIs(t, err, ErrRoomFull)
}

func TestManager_JoinUnknownRoom(t *testing.T) {
	m := testManager(t)
	_, err := m.Join(123456, 0, newStubPeer(), 1, "a")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestManager_JoinTwiceIsAlreadyMember(t *testing.T) {
	m := testManager(t)
	a, b := newStubPeer(), newStubPeer()

	res, err := m.Create(a, 1, "a", createReq("r", 4))
	require.NoError(t, err)
	_, err = m.Join(res.Handle.ID, 0, b, 2, "b")
	require.NoError(t, err)

	_, err = m.Join(res.Handle.ID, 0, b, 2, "b")
	assert.ErrorIs(t, err, ErrAlreadyMember)
}

func TestManager_PasscodeChecked(t *testing.T) {
	m := testManager(t)
	a, b := newStubPeer(), newStubPeer()

	req := createReq("locked", 4)
	req.Passcode = 4242
	res, err := m.Create(a, 1, "a", req)
	require.NoError(t, err)

	_, err = m.Join(res.Handle.ID, 0, b, 2, "b")
	assert.ErrorIs(t, err, ErrInvalidPasscode)

	_, err = m.Join(res.Handle.ID, 4242, b, 2, "b")
	assert.NoError(t, err)
}

func TestManager_SingleActiveRoom(t *testing.T) {
	m := testManager(t)
	a, b := newStubPeer(), newStubPeer()

	first, err := m.Create(a, 1, "a", createReq("first", 4))
	require.NoError(t, err)
	second, err := m.Create(b, 2, "b", createReq("second", 4))
	require.NoError(t, err)

	// Joining the second room implicitly leaves the first.
	res, err := m.Join(second.Handle.ID, 0, a, 1, "a")
	require.NoError(t, err)
	require.NotNil(t, res.Left)
	assert.Equal(t, first.Handle, res.Left.Handle)

	h, ok := m.RoomOf(a.ID())
	require.True(t, ok)
	assert.Equal(t, second.Handle, h)

	snapshot, err := m.Snapshot(first.Handle)
	require.NoError(t, err)
	assert.Empty(t, snapshot, "session removed from the first room")
}

func TestManager_OwnerRotationAndRestore(t *testing.T) {
	m := testManager(t)
	a, b := newStubPeer(), newStubPeer()

	res, err := m.Create(a, 1, "a", createReq("r", 4))
	require.NoError(t, err)
	_, err = m.Join(res.Handle.ID, 0, b, 2, "b")
	require.NoError(t, err)

	// Owner leaves: ownership rotates to the remaining member.
	left, err := m.Leave(a.ID())
	require.NoError(t, err)
	require.True(t, left.Rotated)
	assert.Equal(t, int32(2), left.NewOwnerID)

	// Original creator rejoins: ownership is restored.
	back, err := m.Join(res.Handle.ID, 0, a, 1, "a")
	require.NoError(t, err)
	assert.Equal(t, int32(1), back.OwnerID)
}

func TestManager_EmptyRoomDestroyedAfterGrace(t *testing.T) {
	m := testManager(t)
	a := newStubPeer()

	res, err := m.Create(a, 1, "a", createReq("r", 4))
	require.NoError(t, err)
	_, err = m.Leave(a.ID())
	require.NoError(t, err)

	// Within the grace period the room is still joinable.
	require.Equal(t, 1, m.Count())

	require.Eventually(t, func() bool {
		return m.Count() == 0
	}, time.Second, 10*time.Millisecond)

	_, err = m.Snapshot(res.Handle)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestManager_RejoinWithinGraceCancelsDestroy(t *testing.T) {
	m := testManager(t)
	a := newStubPeer()

	res, err := m.Create(a, 1, "a", createReq("r", 4))
	require.NoError(t, err)
	_, err = m.Leave(a.ID())
	require.NoError(t, err)

	_, err = m.Join(res.Handle.ID, 0, a, 1, "a")
	require.NoError(t, err)

	// Well past the grace period the room must survive.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, m.Count())
}

func TestManager_BanEjectsAndBlocksRejoin(t *testing.T) {
	m := testManager(t)
	a, b := newStubPeer(), newStubPeer()

	res, err := m.Create(a, 1, "a", createReq("r", 4))
	require.NoError(t, err)
	_, err = m.Join(res.Handle.ID, 0, b, 2, "b")
	require.NoError(t, err)

	ejected, err := m.Ban(res.Handle.ID, 2)
	require.NoError(t, err)
	require.NotNil(t, ejected)
	assert.Equal(t, int32(2), ejected.AccountID)

	_, err = m.Join(res.Handle.ID, 0, b, 2, "b")
	assert.ErrorIs(t, err, ErrBanned)
}

func TestManager_InviteBypassesPasscodeAndIsSingleUse(t *testing.T) {
	m := testManager(t)
	a, b, c := newStubPeer(), newStubPeer(), newStubPeer()

	req := createReq("locked", 4)
	req.Passcode = 9999
	res, err := m.Create(a, 1, "a", req)
	require.NoError(t, err)

	token, err := m.Invite(a.ID())
	require.NoError(t, err)
	assert.Equal(t, res.Handle.ID, uint32(token>>inviteEntropyBits),
		"token carries the room id in its top bits")

	_, err = m.JoinByInvite(token, b, 2, "b")
	require.NoError(t, err)

	_, err = m.JoinByInvite(token, c, 3, "c")
	assert.ErrorIs(t, err, ErrRoomNotFound, "invite tokens are single-use")
}

func TestManager_InviteSurvivesFullRoomRejection(t *testing.T) {
	m := testManager(t)
	a, b, c := newStubPeer(), newStubPeer(), newStubPeer()

	res, err := m.Create(a, 1, "a", createReq("small", 2))
	require.NoError(t, err)
	_, err = m.Join(res.Handle.ID, 0, b, 2, "b")
	require.NoError(t, err)

	token, err := m.Invite(a.ID())
	require.NoError(t, err)

	_, err = m.JoinByInvite(token, c, 3, "c")
	require.ErrorIs(t, err, ErrRoomFull)

	// The rejected join must not consume the token.
	_, err = m.Leave(b.ID())
	require.NoError(t, err)
	_, err = m.JoinByInvite(token, c, 3, "c")
	assert.NoError(t, err, "invite stays valid after a capacity rejection")
}

func TestManager_PrivateInvitesOwnerOnly(t *testing.T) {
	m := testManager(t)
	a, b := newStubPeer(), newStubPeer()

	req := createReq("r", 4)
	req.Settings.Flags = protocol.RoomPrivateInvites
	res, err := m.Create(a, 1, "a", req)
	require.NoError(t, err)
	_, err = m.Join(res.Handle.ID, 0, b, 2, "b")
	require.NoError(t, err)

	_, err = m.Invite(b.ID())
	assert.Error(t, err, "non-owner cannot invite in a private-invites room")

	_, err = m.Invite(a.ID())
	assert.NoError(t, err)
}

func TestManager_ListSortedByPopulationExcludesHidden(t *testing.T) {
	m := testManager(t)

	small, err := m.Create(newStubPeer(), 1, "a", createReq("small", 8))
	require.NoError(t, err)

	big, err := m.Create(newStubPeer(), 2, "b", createReq("big", 8))
	require.NoError(t, err)
	_, err = m.Join(big.Handle.ID, 0, newStubPeer(), 3, "c")
	require.NoError(t, err)

	hiddenReq := createReq("hidden", 8)
	hiddenReq.Settings.Flags = protocol.RoomHidden
	_, err = m.Create(newStubPeer(), 4, "d", hiddenReq)
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, big.Handle.ID, list[0].RoomID)
	assert.Equal(t, uint16(2), list[0].PlayerCount)
	assert.Equal(t, small.Handle.ID, list[1].RoomID)
}

func TestManager_StaleSequenceIsNoOp(t *testing.T) {
	m := testManager(t)
	a := newStubPeer()
	_, err := m.Create(a, 1, "a", createReq("r", 4))
	require.NoError(t, err)

	_, _, applied, err := m.UpdateMemberState(a.ID(), 5, []byte{5})
	require.NoError(t, err)
	require.True(t, applied)

	snapshot, _, applied, err := m.UpdateMemberState(a.ID(), 3, []byte{3})
	require.NoError(t, err)
	assert.False(t, applied, "stale sequence must not apply")
	assert.Nil(t, snapshot)

	_, _, applied, err = m.UpdateMemberState(a.ID(), 5, []byte{5})
	require.NoError(t, err)
	assert.False(t, applied, "duplicate sequence must not apply")
}

func TestManager_SequenceWraparound(t *testing.T) {
	m := testManager(t)
	a := newStubPeer()
	_, err := m.Create(a, 1, "a", createReq("r", 4))
	require.NoError(t, err)

	_, _, applied, err := m.UpdateMemberState(a.ID(), 0xffff_fffe, []byte{1})
	require.NoError(t, err)
	require.True(t, applied)

	// 3 is newer than 0xfffffffe under serial arithmetic.
	_, _, applied, err = m.UpdateMemberState(a.ID(), 3, []byte{2})
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestManager_UpdateOutsideRoomRejected(t *testing.T) {
	m := testManager(t)
	_, _, _, err := m.UpdateMemberState(uuid.New(), 1, nil)
	assert.ErrorIs(t, err, ErrNotInRoom)
}

// Membership equals the net effect of the join/leave call order: no
// duplicate or phantom members, and no session in two rooms at once.
func TestManager_MembershipNetEffect(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager(config.RoomConfig{
			EmptyGracePeriod: time.Hour, // keep rooms alive for the whole run
			MaxCapacity:      64,
			MaxNameLength:    32,
		}, zaptest.NewLogger(t))

		const numPeers = 6
		peers := make([]*stubPeer, numPeers)
		for i := range peers {
			peers[i] = newStubPeer()
		}

		ownerRes, err := m.Create(newStubPeer(), 999, "owner-a", createReq("alpha", 64))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		otherRes, err := m.Create(newStubPeer(), 998, "owner-b", createReq("beta", 64))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		roomIDs := []uint32{ownerRes.Handle.ID, otherRes.Handle.ID}

		// expected[i] is the room the peer should be in, 0 for none.
		expected := make(map[int]uint32)

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			peer := rapid.IntRange(0, numPeers-1).Draw(t, "peer")
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0, 1:
				roomID := roomIDs[rapid.IntRange(0, 1).Draw(t, "room")]
				_, err := m.Join(roomID, 0, peers[peer], int32(peer), "p")
				if err == nil {
					expected[peer] = roomID
				}
			case 2:
				if _, err := m.Leave(peers[peer].ID()); err == nil {
					delete(expected, peer)
				}
			}
		}

		for i, p := range peers {
			h, ok := m.RoomOf(p.ID())
			want, expectedIn := expected[i]
			if expectedIn != ok {
				t.Fatalf("peer %d: in-room=%v, expected %v", i, ok, expectedIn)
			}
			if ok && h.ID != want {
				t.Fatalf("peer %d: in room %d, expected %d", i, h.ID, want)
			}
		}

		// No phantom or duplicate members: the rooms together hold the
		// two creators plus exactly the peers expected to be in a room.
		total := 0
		for _, h := range []Handle{ownerRes.Handle, otherRes.Handle} {
			snapshot, err := m.Snapshot(h)
			if err != nil {
				t.Fatalf("snapshot: %v", err)
			}
			seen := make(map[int32]bool, len(snapshot))
			for _, member := range snapshot {
				if seen[member.AccountID] {
					t.Fatalf("duplicate member %d", member.AccountID)
				}
				seen[member.AccountID] = true
			}
			total += len(snapshot)
		}
		if total != len(expected)+2 {
			t.Fatalf("total members %d, expected %d", total, len(expected)+2)
		}
	})
}
