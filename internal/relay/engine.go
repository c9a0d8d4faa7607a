// Package relay is the broadcast engine: it applies admitted packets
// from active sessions to room state and fans effects out to peers.
// Fanout only enqueues into each recipient's bounded outbound queue; a
// slow consumer never delays anyone else.
package relay

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/driftworks/relay/internal/analytics"
	"github.com/driftworks/relay/internal/levels"
	"github.com/driftworks/relay/internal/moderation"
	"github.com/driftworks/relay/internal/protocol"
	"github.com/driftworks/relay/internal/room"
	"github.com/driftworks/relay/internal/session"
)

// LevelResolver validates level ids at room creation.
type LevelResolver interface {
	Lookup(levelID int32) (levels.Metadata, error)
}

// Engine routes packets from active sessions. Implements
// session.Router.
type Engine struct {
	rooms     *room.Manager
	levels    LevelResolver // nil disables level validation
	filter    moderation.Filter
	analytics analytics.Recorder
	logger    *zap.Logger
}

// NewEngine creates the relay engine.
//
// Precondition: rooms, filter, recorder, and logger must be non-nil;
// resolver may be nil to skip level validation.
func NewEngine(
	rooms *room.Manager,
	resolver LevelResolver,
	filter moderation.Filter,
	recorder analytics.Recorder,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		rooms:     rooms,
		levels:    resolver,
		filter:    filter,
		analytics: recorder,
		logger:    logger,
	}
}

// Route handles one admitted packet from an active session.
func (e *Engine) Route(s session.Client, pkt protocol.Packet) {
	switch body := pkt.Body.(type) {
	case protocol.StateUpdate:
		e.handleStateUpdate(s, pkt.Seq, body)
	case protocol.Chat:
		e.handleChat(s, body)
	case protocol.RoomCreate:
		e.handleRoomCreate(s, body)
	case protocol.RoomJoin:
		e.handleRoomJoin(s, body)
	case protocol.RoomJoinInvite:
		e.handleRoomJoinInvite(s, body)
	case protocol.RoomLeave:
		e.handleRoomLeave(s)
	case protocol.RoomList:
		s.EnqueueOutbound(protocol.RoomListing{Rooms: e.rooms.List()})
	case protocol.RoomInvite:
		e.handleRoomInvite(s)
	default:
		// Server-to-client types arriving from a client are a protocol
		// violation.
		s.Close(protocol.CloseProtocolError)
	}
}

// handleStateUpdate applies newest-wins semantics and fans the update
// out to the sender's room peers.
func (e *Engine) handleStateUpdate(s session.Client, seq uint32, body protocol.StateUpdate) {
	snapshot, roomID, applied, err := e.rooms.UpdateMemberState(s.ID(), seq, body.Data)
	if err != nil {
		// Not in a room; state updates outside a room are meaningless.
		return
	}
	if !applied {
		return
	}

	relay := protocol.StateRelay{
		SenderID: s.Identity().AccountID,
		Seq:      seq,
		Data:     body.Data,
	}
	delivered := 0
	for _, member := range snapshot {
		if member.Peer.ID() == s.ID() {
			continue
		}
		if member.Peer.EnqueueOutbound(relay) {
			delivered++
		}
	}
	if delivered < len(snapshot)-1 {
		e.logger.Debug("state fanout shed frames",
			zap.Uint32("room_id", roomID),
			zap.Int("delivered", delivered),
			zap.Int("peers", len(snapshot)-1),
		)
	}
}

// handleChat screens the message and relays it. A blocked message stays
// between the server and the sender; screening happens on the sender's
// goroutine, so state-update fanout in the same room is unaffected.
func (e *Engine) handleChat(s session.Client, body protocol.Chat) {
	verdict := e.filter.Check(body.Text)
	if !verdict.Allowed {
		s.EnqueueOutbound(protocol.ChatBlocked{Reason: verdict.Reason})
		return
	}

	h, ok := e.rooms.RoomOf(s.ID())
	if !ok {
		return
	}
	snapshot, err := e.rooms.Snapshot(h)
	if err != nil {
		return
	}

	relay := protocol.ChatRelay{SenderID: s.Identity().AccountID, Text: body.Text}
	for _, member := range snapshot {
		if member.Peer.ID() != s.ID() {
			member.Peer.EnqueueOutbound(relay)
		}
	}
}

func (e *Engine) handleRoomCreate(s session.Client, req protocol.RoomCreate) {
	if e.levels != nil && req.LevelID != 0 {
		if _, err := e.levels.Lookup(req.LevelID); err != nil {
			s.EnqueueOutbound(protocol.ErrorPacket{
				Code:    protocol.ErrorCodeProtocol,
				Message: "unknown level",
			})
			return
		}
	}

	identity := s.Identity()
	res, err := e.rooms.Create(s, identity.AccountID, identity.DisplayName, req)
	if err != nil {
		s.EnqueueOutbound(protocol.ErrorPacket{
			Code:    protocol.ErrorCodeProtocol,
			Message: err.Error(),
		})
		return
	}

	e.notifyDeparture(res.Left)
	s.EnqueueOutbound(protocol.RoomCreated{RoomID: res.Handle.ID})
	s.EnqueueOutbound(protocol.RoomJoined{
		RoomID:  res.Handle.ID,
		OwnerID: res.OwnerID,
		Members: res.Members,
	})
}

func (e *Engine) handleRoomJoin(s session.Client, req protocol.RoomJoin) {
	identity := s.Identity()
	res, err := e.rooms.Join(req.RoomID, req.Passcode, s, identity.AccountID, identity.DisplayName)
	e.finishJoin(s, res, err)
}

func (e *Engine) handleRoomJoinInvite(s session.Client, req protocol.RoomJoinInvite) {
	identity := s.Identity()
	res, err := e.rooms.JoinByInvite(req.Token, s, identity.AccountID, identity.DisplayName)
	e.finishJoin(s, res, err)
}

func (e *Engine) finishJoin(s session.Client, res room.JoinResult, err error) {
	if err != nil {
		s.EnqueueOutbound(protocol.RoomJoinFailed{Reason: joinFailReason(err)})
		return
	}

	e.notifyDeparture(res.Left)
	joined := protocol.RoomJoined{
		RoomID:  res.Handle.ID,
		OwnerID: res.OwnerID,
		Members: res.Members,
	}
	s.EnqueueOutbound(joined)

	// Peers receive the refreshed roster.
	snapshot, snapErr := e.rooms.Snapshot(res.Handle)
	if snapErr != nil {
		return
	}
	for _, member := range snapshot {
		if member.Peer.ID() != s.ID() {
			member.Peer.EnqueueOutbound(joined)
		}
	}
}

func (e *Engine) handleRoomLeave(s session.Client) {
	left, err := e.rooms.Leave(s.ID())
	if err != nil {
		if !errors.Is(err, room.ErrNotInRoom) {
			e.logger.Warn("leave failed", zap.Error(err))
		}
		return
	}
	s.EnqueueOutbound(protocol.RoomLeft{AccountID: left.AccountID})
	e.notifyDeparture(left)
}

func (e *Engine) handleRoomInvite(s session.Client) {
	token, err := e.rooms.Invite(s.ID())
	if err != nil {
		s.EnqueueOutbound(protocol.ErrorPacket{
			Code:    protocol.ErrorCodeProtocol,
			Message: err.Error(),
		})
		return
	}
	s.EnqueueOutbound(protocol.RoomInvited{Token: token})
}

// notifyDeparture tells the remaining members someone left, plus the
// new roster when ownership rotated.
func (e *Engine) notifyDeparture(left *room.LeaveResult) {
	if left == nil {
		return
	}
	departure := protocol.RoomLeft{AccountID: left.AccountID}
	for _, member := range left.Remaining {
		member.Peer.EnqueueOutbound(departure)
	}
	if left.Rotated {
		roster := make([]protocol.RoomMemberInfo, 0, len(left.Remaining))
		for _, member := range left.Remaining {
			roster = append(roster, protocol.RoomMemberInfo{
				AccountID:   member.AccountID,
				DisplayName: member.DisplayName,
			})
		}
		joined := protocol.RoomJoined{
			RoomID:  left.Handle.ID,
			OwnerID: left.NewOwnerID,
			Members: roster,
		}
		for _, member := range left.Remaining {
			member.Peer.EnqueueOutbound(joined)
		}
	}
}

func joinFailReason(err error) protocol.JoinFailReason {
	switch {
	case errors.Is(err, room.ErrRoomFull):
		return protocol.JoinRoomFull
	case errors.Is(err, room.ErrAlreadyMember):
		return protocol.JoinAlreadyMember
	case errors.Is(err, room.ErrInvalidPasscode):
		return protocol.JoinInvalidPasscode
	case errors.Is(err, room.ErrBanned):
		return protocol.JoinBanned
	}
	return protocol.JoinRoomNotFound
}

// OnSessionActive records a login event.
func (e *Engine) OnSessionActive(s session.Client) {
	identity := s.Identity()
	e.analytics.Record(analytics.Event{
		At:            time.Now(),
		Kind:          analytics.KindLogin,
		SessionID:     s.ID().String(),
		AccountID:     identity.AccountID,
		DisplayName:   identity.DisplayName,
		RemoteAddr:    s.RemoteAddr(),
		Transport:     s.TransportKind().String(),
		ClientVersion: s.ClientVersion(),
		Platform:      s.Platform(),
	})
}

// OnSessionClosed releases the session's room membership and records a
// disconnect event. Teardown is atomic from the outside: by the time
// peers learn of the departure, the membership is already gone.
func (e *Engine) OnSessionClosed(s session.Client, code protocol.CloseCode) {
	left, err := e.rooms.Leave(s.ID())
	if err == nil {
		e.notifyDeparture(left)
	}

	identity := s.Identity()
	e.analytics.Record(analytics.Event{
		At:          time.Now(),
		Kind:        analytics.KindDisconnect,
		SessionID:   s.ID().String(),
		AccountID:   identity.AccountID,
		DisplayName: identity.DisplayName,
		RemoteAddr:  s.RemoteAddr(),
		Transport:   s.TransportKind().String(),
		CloseReason: code.String(),
	})
}
