// Package protocol implements the relay wire format: a fixed binary
// header followed by a typed payload. The header is byte-exact:
//
//	magic(2B) | version(1B) | type(1B) | sequence(4B) | length(4B) | payload
//
// All multi-byte fields are big-endian. Payload layouts are versioned
// with the header version byte; unknown packet types decode into an
// Unknown body rather than failing, so the caller can reject the peer
// with a protocol error instead of crashing.
package protocol

import "fmt"

// Magic is the two-byte packet preamble ("RV").
const Magic uint16 = 0x5256

// Version1 is the current wire version.
const Version1 uint8 = 1

// HeaderSize is the fixed size of the packet header in bytes.
const HeaderSize = 12

// Type identifies the payload layout of a packet.
type Type uint8

// Packet type tags. Gaps between groups are reserved.
const (
	TypeHello        Type = 0x01
	TypeServerFull   Type = 0x02
	TypeAuthRequest  Type = 0x03
	TypeAuthResponse Type = 0x04
	TypeKeepalive    Type = 0x05
	TypeDisconnect   Type = 0x06

	TypeRoomCreate     Type = 0x10
	TypeRoomCreated    Type = 0x11
	TypeRoomJoin       Type = 0x12
	TypeRoomJoinInvite Type = 0x13
	TypeRoomJoined     Type = 0x14
	TypeRoomJoinFailed Type = 0x15
	TypeRoomLeave      Type = 0x16
	TypeRoomLeft       Type = 0x17
	TypeRoomList       Type = 0x18
	TypeRoomListing    Type = 0x19
	TypeRoomInvite     Type = 0x1a
	TypeRoomInvited    Type = 0x1b

	TypeChat        Type = 0x20
	TypeChatRelay   Type = 0x21
	TypeChatBlocked Type = 0x22

	TypeStateUpdate Type = 0x30
	TypeStateRelay  Type = 0x31

	TypeError Type = 0x7f
)

// String returns the packet type mnemonic for logging.
func (t Type) String() string {
	switch t {
	case TypeHello:
		return "Hello"
	case TypeServerFull:
		return "ServerFull"
	case TypeAuthRequest:
		return "AuthRequest"
	case TypeAuthResponse:
		return "AuthResponse"
	case TypeKeepalive:
		return "Keepalive"
	case TypeDisconnect:
		return "Disconnect"
	case TypeRoomCreate:
		return "RoomCreate"
	case TypeRoomCreated:
		return "RoomCreated"
	case TypeRoomJoin:
		return "RoomJoin"
	case TypeRoomJoinInvite:
		return "RoomJoinInvite"
	case TypeRoomJoined:
		return "RoomJoined"
	case TypeRoomJoinFailed:
		return "RoomJoinFailed"
	case TypeRoomLeave:
		return "RoomLeave"
	case TypeRoomLeft:
		return "RoomLeft"
	case TypeRoomList:
		return "RoomList"
	case TypeRoomListing:
		return "RoomListing"
	case TypeRoomInvite:
		return "RoomInvite"
	case TypeRoomInvited:
		return "RoomInvited"
	case TypeChat:
		return "Chat"
	case TypeChatRelay:
		return "ChatRelay"
	case TypeChatBlocked:
		return "ChatBlocked"
	case TypeStateUpdate:
		return "StateUpdate"
	case TypeStateRelay:
		return "StateRelay"
	case TypeError:
		return "Error"
	}
	return fmt.Sprintf("Type(0x%02x)", uint8(t))
}

// Category is the rate-limit class a packet type belongs to.
type Category uint8

const (
	CategoryControl Category = iota
	CategoryChat
	CategoryStateUpdate
)

// TypeOf returns the wire type a body encodes as.
func TypeOf(b Body) Type {
	return b.packetType()
}

// CategoryOf returns the rate-limit class for a packet type.
func CategoryOf(t Type) Category {
	switch t {
	case TypeStateUpdate, TypeStateRelay:
		return CategoryStateUpdate
	case TypeChat, TypeChatRelay:
		return CategoryChat
	}
	return CategoryControl
}

// Reliable reports whether a packet type must survive outbound queue
// pressure. State updates are loss-tolerant by design; everything else
// is control traffic the client depends on.
func Reliable(t Type) bool {
	return CategoryOf(t) != CategoryStateUpdate
}

// Packet is a decoded wire packet. Seq wraps at the uint32 boundary;
// use SeqNewer for comparisons.
type Packet struct {
	Version uint8
	Type    Type
	Seq     uint32
	Body    Body
}

// Body is a typed packet payload. Marshal appends the payload encoding
// to w; it never fails.
type Body interface {
	packetType() Type
	marshal(w *writer)
}

// Hello is the first packet on a new connection. The UDP transport
// additionally uses Token to tie datagrams from a new source address to
// an existing session.
type Hello struct {
	ClientVersion string
	Platform      string
	Token         uint64
}

func (Hello) packetType() Type { return TypeHello }

func (h Hello) marshal(w *writer) {
	w.shortString(h.ClientVersion)
	w.shortString(h.Platform)
	w.uint64(h.Token)
}

// ServerFull is the explicit capacity signal sent when the concurrent
// connection limit is reached at accept time.
type ServerFull struct{}

func (ServerFull) packetType() Type { return TypeServerFull }
func (ServerFull) marshal(*writer)  {}

// AuthRequest carries the client credential for account verification.
type AuthRequest struct {
	AccountID int32
	Token     string
}

func (AuthRequest) packetType() Type { return TypeAuthRequest }

func (a AuthRequest) marshal(w *writer) {
	w.int32(a.AccountID)
	w.longString(a.Token)
}

// AuthResponse confirms a successful authentication.
type AuthResponse struct {
	AccountID   int32
	DisplayName string
	// SessionToken is the server-issued token the UDP transport uses to
	// re-validate a session after a source address change.
	SessionToken uint64
}

func (AuthResponse) packetType() Type { return TypeAuthResponse }

func (a AuthResponse) marshal(w *writer) {
	w.int32(a.AccountID)
	w.shortString(a.DisplayName)
	w.uint64(a.SessionToken)
}

// Keepalive refreshes the idle timer. No payload.
type Keepalive struct{}

func (Keepalive) packetType() Type { return TypeKeepalive }
func (Keepalive) marshal(*writer)  {}

// CloseCode is the reason carried by a Disconnect packet.
type CloseCode uint8

const (
	CloseNormal CloseCode = iota
	CloseAuthFailed
	CloseIdleTimeout
	CloseProtocolError
	CloseRateLimitExceeded
	CloseServerShutdown
)

// String returns the close code mnemonic.
func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "Normal"
	case CloseAuthFailed:
		return "AuthFailed"
	case CloseIdleTimeout:
		return "IdleTimeout"
	case CloseProtocolError:
		return "ProtocolError"
	case CloseRateLimitExceeded:
		return "RateLimitExceeded"
	case CloseServerShutdown:
		return "ServerShutdown"
	}
	return fmt.Sprintf("CloseCode(%d)", uint8(c))
}

// Disconnect carries a clean-close reason in either direction.
type Disconnect struct {
	Code    CloseCode
	Message string
}

func (Disconnect) packetType() Type { return TypeDisconnect }

func (d Disconnect) marshal(w *writer) {
	w.uint8(uint8(d.Code))
	w.shortString(d.Message)
}

// RoomFlags is the bitfield of boolean room settings.
type RoomFlags uint8

const (
	RoomHidden RoomFlags = 1 << iota
	RoomPrivateInvites
	RoomCollision
	RoomTwoPlayerMode
)

// RoomSettings mirrors the settings block on create and in listings.
type RoomSettings struct {
	PlayerLimit uint16
	Flags       RoomFlags
}

// RoomCreate asks the server to allocate a new room.
type RoomCreate struct {
	Name     string
	Passcode uint32
	LevelID  int32
	Settings RoomSettings
}

func (RoomCreate) packetType() Type { return TypeRoomCreate }

func (r RoomCreate) marshal(w *writer) {
	w.shortString(r.Name)
	w.uint32(r.Passcode)
	w.int32(r.LevelID)
	w.uint16(r.Settings.PlayerLimit)
	w.uint8(uint8(r.Settings.Flags))
}

// RoomCreated confirms allocation and reports the fresh room id.
type RoomCreated struct {
	RoomID uint32
}

func (RoomCreated) packetType() Type { return TypeRoomCreated }

func (r RoomCreated) marshal(w *writer) {
	w.uint32(r.RoomID)
}

// RoomJoin asks to join an existing room by id.
type RoomJoin struct {
	RoomID   uint32
	Passcode uint32
}

func (RoomJoin) packetType() Type { return TypeRoomJoin }

func (r RoomJoin) marshal(w *writer) {
	w.uint32(r.RoomID)
	w.uint32(r.Passcode)
}

// RoomJoinInvite joins via an invite token, bypassing the passcode.
type RoomJoinInvite struct {
	Token uint64
}

func (RoomJoinInvite) packetType() Type { return TypeRoomJoinInvite }

func (r RoomJoinInvite) marshal(w *writer) {
	w.uint64(r.Token)
}

// RoomMemberInfo is one member entry in a RoomJoined packet.
type RoomMemberInfo struct {
	AccountID   int32
	DisplayName string
}

// RoomJoined confirms membership and carries the current member roster.
type RoomJoined struct {
	RoomID  uint32
	OwnerID int32
	Members []RoomMemberInfo
}

func (RoomJoined) packetType() Type { return TypeRoomJoined }

func (r RoomJoined) marshal(w *writer) {
	w.uint32(r.RoomID)
	w.int32(r.OwnerID)
	w.uint16(uint16(len(r.Members)))
	for _, m := range r.Members {
		w.int32(m.AccountID)
		w.shortString(m.DisplayName)
	}
}

// JoinFailReason enumerates why a join was refused.
type JoinFailReason uint8

const (
	JoinRoomNotFound JoinFailReason = iota
	JoinRoomFull
	JoinAlreadyMember
	JoinInvalidPasscode
	JoinBanned
)

// String returns the join failure mnemonic.
func (r JoinFailReason) String() string {
	switch r {
	case JoinRoomNotFound:
		return "RoomNotFound"
	case JoinRoomFull:
		return "RoomFull"
	case JoinAlreadyMember:
		return "AlreadyMember"
	case JoinInvalidPasscode:
		return "InvalidPasscode"
	case JoinBanned:
		return "Banned"
	}
	return fmt.Sprintf("JoinFailReason(%d)", uint8(r))
}

// RoomJoinFailed reports a refused join.
type RoomJoinFailed struct {
	Reason JoinFailReason
}

func (RoomJoinFailed) packetType() Type { return TypeRoomJoinFailed }

func (r RoomJoinFailed) marshal(w *writer) {
	w.uint8(uint8(r.Reason))
}

// RoomLeave asks to leave the current room. No payload.
type RoomLeave struct{}

func (RoomLeave) packetType() Type { return TypeRoomLeave }
func (RoomLeave) marshal(*writer)  {}

// RoomLeft confirms the leave (or notifies peers of a departure).
type RoomLeft struct {
	AccountID int32
}

func (RoomLeft) packetType() Type { return TypeRoomLeft }

func (r RoomLeft) marshal(w *writer) {
	w.int32(r.AccountID)
}

// RoomList requests the public room listing. No payload.
type RoomList struct{}

func (RoomList) packetType() Type { return TypeRoomList }
func (RoomList) marshal(*writer)  {}

// RoomListEntry is one row of the public room listing.
type RoomListEntry struct {
	RoomID      uint32
	Name        string
	LevelID     int32
	PlayerCount uint16
	PlayerLimit uint16
	HasPasscode bool
}

// RoomListing is the public room browser response, ordered by
// population descending.
type RoomListing struct {
	Rooms []RoomListEntry
}

func (RoomListing) packetType() Type { return TypeRoomListing }

func (r RoomListing) marshal(w *writer) {
	w.uint16(uint16(len(r.Rooms)))
	for _, e := range r.Rooms {
		w.uint32(e.RoomID)
		w.shortString(e.Name)
		w.int32(e.LevelID)
		w.uint16(e.PlayerCount)
		w.uint16(e.PlayerLimit)
		w.bool(e.HasPasscode)
	}
}

// RoomInvite requests a fresh invite token for the caller's room. No payload.
type RoomInvite struct{}

func (RoomInvite) packetType() Type { return TypeRoomInvite }
func (RoomInvite) marshal(*writer)  {}

// RoomInvited carries a generated invite token.
type RoomInvited struct {
	Token uint64
}

func (RoomInvited) packetType() Type { return TypeRoomInvited }

func (r RoomInvited) marshal(w *writer) {
	w.uint64(r.Token)
}

// Chat carries a chat message from a client.
type Chat struct {
	Text string
}

func (Chat) packetType() Type { return TypeChat }

func (c Chat) marshal(w *writer) {
	w.longString(c.Text)
}

// ChatRelay fans a chat message out to room peers.
type ChatRelay struct {
	SenderID int32
	Text     string
}

func (ChatRelay) packetType() Type { return TypeChatRelay }

func (c ChatRelay) marshal(w *writer) {
	w.int32(c.SenderID)
	w.longString(c.Text)
}

// ChatBlocked tells the sender their message was refused by moderation.
type ChatBlocked struct {
	Reason string
}

func (ChatBlocked) packetType() Type { return TypeChatBlocked }

func (c ChatBlocked) marshal(w *writer) {
	w.shortString(c.Reason)
}

// StateUpdate carries an opaque client state vector. The relay never
// interprets Data beyond its length; layout is owned by the client.
type StateUpdate struct {
	Data []byte
}

func (StateUpdate) packetType() Type { return TypeStateUpdate }

func (s StateUpdate) marshal(w *writer) {
	w.bytes(s.Data)
}

// StateRelay fans one member's state update out to room peers.
type StateRelay struct {
	SenderID int32
	Seq      uint32
	Data     []byte
}

func (StateRelay) packetType() Type { return TypeStateRelay }

func (s StateRelay) marshal(w *writer) {
	w.int32(s.SenderID)
	w.uint32(s.Seq)
	w.bytes(s.Data)
}

// ErrorCode enumerates server-reported error classes.
type ErrorCode uint8

const (
	ErrorCodeProtocol ErrorCode = iota
	ErrorCodeAuth
	ErrorCodeRateLimit
	ErrorCodeInternal
)

// ErrorPacket reports a non-fatal error to the client.
type ErrorPacket struct {
	Code    ErrorCode
	Message string
}

func (ErrorPacket) packetType() Type { return TypeError }

func (e ErrorPacket) marshal(w *writer) {
	w.uint8(uint8(e.Code))
	w.shortString(e.Message)
}

// Unknown is the decoded form of a packet whose type tag this server
// does not recognise. It is a valid value; the session layer rejects it
// with a protocol error rather than crashing.
type Unknown struct {
	RawType Type
	Data    []byte
}

func (u Unknown) packetType() Type { return u.RawType }

func (u Unknown) marshal(w *writer) {
	w.bytes(u.Data)
}
