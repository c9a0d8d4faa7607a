package protocol

import (
	"errors"
	"fmt"
)

// Decode failure taxonomy. Every decode error wraps exactly one of these.
var (
	ErrMalformed          = errors.New("malformed packet")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrLengthMismatch     = errors.New("packet length mismatch")
	ErrPacketTooLarge     = errors.New("packet too large")
)

// Codec encodes and decodes wire packets against a configured size limit.
// A Codec is stateless and safe for concurrent use.
type Codec struct {
	maxPacketSize uint32
}

// NewCodec creates a Codec that rejects payloads longer than maxPacketSize.
//
// Precondition: maxPacketSize must be positive.
func NewCodec(maxPacketSize uint32) *Codec {
	return &Codec{maxPacketSize: maxPacketSize}
}

// MaxPacketSize returns the configured payload limit.
func (c *Codec) MaxPacketSize() uint32 { return c.maxPacketSize }

// MaxFrameSize returns the largest whole frame Decode will accept.
func (c *Codec) MaxFrameSize() int { return HeaderSize + int(c.maxPacketSize) }

// Encode serialises a packet into a fresh buffer. Encoding is
// deterministic for identical logical content aside from seq.
//
// Precondition: body must be non-nil.
// Postcondition: Returns a frame whose length header matches the payload.
func (c *Codec) Encode(seq uint32, body Body) []byte {
	var pw writer
	body.marshal(&pw)

	w := writer{buf: make([]byte, 0, HeaderSize+len(pw.buf))}
	w.uint16(Magic)
	w.uint8(Version1)
	w.uint8(uint8(body.packetType()))
	w.uint32(seq)
	w.uint32(uint32(len(pw.buf)))
	w.bytes(pw.buf)
	return w.buf
}

// DecodeHeader parses and validates only the fixed header of a frame.
// The transport layer uses it to size reads on stream transports.
//
// Postcondition: Returns (version, type, seq, payload length) or an error
// wrapping one of the decode taxonomy sentinels.
func (c *Codec) DecodeHeader(buf []byte) (uint8, Type, uint32, uint32, error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, 0, fmt.Errorf("%w: header truncated at %d bytes", ErrMalformed, len(buf))
	}
	r := newReader(buf[:HeaderSize])
	magic := r.uint16()
	version := r.uint8()
	typ := Type(r.uint8())
	seq := r.uint32()
	length := r.uint32()

	if magic != Magic {
		return 0, 0, 0, 0, fmt.Errorf("%w: bad magic 0x%04x", ErrMalformed, magic)
	}
	if version != Version1 {
		return 0, 0, 0, 0, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, version)
	}
	if length > c.maxPacketSize {
		return 0, 0, 0, 0, fmt.Errorf("%w: declared length %d exceeds limit %d", ErrPacketTooLarge, length, c.maxPacketSize)
	}
	return version, typ, seq, length, nil
}

// Decode parses a complete frame into a typed Packet. It never panics on
// hostile input; every failure wraps one of the decode sentinels.
//
// Postcondition: On success the returned Packet.Body is non-nil. An
// unrecognised type tag yields an Unknown body, not an error.
func (c *Codec) Decode(buf []byte) (Packet, error) {
	version, typ, seq, length, err := c.DecodeHeader(buf)
	if err != nil {
		return Packet{}, err
	}
	if len(buf) != HeaderSize+int(length) {
		return Packet{}, fmt.Errorf("%w: declared %d, have %d payload bytes", ErrLengthMismatch, length, len(buf)-HeaderSize)
	}

	body, err := decodeBody(typ, buf[HeaderSize:])
	if err != nil {
		return Packet{}, err
	}

	return Packet{
		Version: version,
		Type:    typ,
		Seq:     seq,
		Body:    body,
	}, nil
}

// decodeBody dispatches on the type tag. The switch is exhaustive over
// known tags; anything else becomes an Unknown value.
func decodeBody(typ Type, payload []byte) (Body, error) {
	r := newReader(payload)

	var body Body
	switch typ {
	case TypeHello:
		body = Hello{
			ClientVersion: r.shortString(),
			Platform:      r.shortString(),
			Token:         r.uint64(),
		}
	case TypeServerFull:
		body = ServerFull{}
	case TypeAuthRequest:
		body = AuthRequest{
			AccountID: r.int32(),
			Token:     r.longString(),
		}
	case TypeAuthResponse:
		body = AuthResponse{
			AccountID:    r.int32(),
			DisplayName:  r.shortString(),
			SessionToken: r.uint64(),
		}
	case TypeKeepalive:
		body = Keepalive{}
	case TypeDisconnect:
		body = Disconnect{
			Code:    CloseCode(r.uint8()),
			Message: r.shortString(),
		}
	case TypeRoomCreate:
		body = RoomCreate{
			Name:     r.shortString(),
			Passcode: r.uint32(),
			LevelID:  r.int32(),
			Settings: RoomSettings{
				PlayerLimit: r.uint16(),
				Flags:       RoomFlags(r.uint8()),
			},
		}
	case TypeRoomCreated:
		body = RoomCreated{RoomID: r.uint32()}
	case TypeRoomJoin:
		body = RoomJoin{
			RoomID:   r.uint32(),
			Passcode: r.uint32(),
		}
	case TypeRoomJoinInvite:
		body = RoomJoinInvite{Token: r.uint64()}
	case TypeRoomJoined:
		j := RoomJoined{
			RoomID:  r.uint32(),
			OwnerID: r.int32(),
		}
		n := int(r.uint16())
		for i := 0; i < n && r.err == nil; i++ {
			j.Members = append(j.Members, RoomMemberInfo{
				AccountID:   r.int32(),
				DisplayName: r.shortString(),
			})
		}
		body = j
	case TypeRoomJoinFailed:
		body = RoomJoinFailed{Reason: JoinFailReason(r.uint8())}
	case TypeRoomLeave:
		body = RoomLeave{}
	case TypeRoomLeft:
		body = RoomLeft{AccountID: r.int32()}
	case TypeRoomList:
		body = RoomList{}
	case TypeRoomListing:
		l := RoomListing{}
		n := int(r.uint16())
		for i := 0; i < n && r.err == nil; i++ {
			l.Rooms = append(l.Rooms, RoomListEntry{
				RoomID:      r.uint32(),
				Name:        r.shortString(),
				LevelID:     r.int32(),
				PlayerCount: r.uint16(),
				PlayerLimit: r.uint16(),
				HasPasscode: r.bool(),
			})
		}
		body = l
	case TypeRoomInvite:
		body = RoomInvite{}
	case TypeRoomInvited:
		body = RoomInvited{Token: r.uint64()}
	case TypeChat:
		body = Chat{Text: r.longString()}
	case TypeChatRelay:
		body = ChatRelay{
			SenderID: r.int32(),
			Text:     r.longString(),
		}
	case TypeChatBlocked:
		body = ChatBlocked{Reason: r.shortString()}
	case TypeStateUpdate:
		body = StateUpdate{Data: r.rest()}
	case TypeStateRelay:
		body = StateRelay{
			SenderID: r.int32(),
			Seq:      r.uint32(),
			Data:     r.rest(),
		}
	case TypeError:
		body = ErrorPacket{
			Code:    ErrorCode(r.uint8()),
			Message: r.shortString(),
		}
	default:
		// Forward compatibility: decode succeeds as a value. The session
		// layer rejects it with a protocol error.
		return Unknown{RawType: typ, Data: r.rest()}, nil
	}

	if r.err != nil {
		return nil, fmt.Errorf("%w: %s payload truncated", ErrMalformed, typ)
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %s payload", ErrMalformed, r.remaining(), typ)
	}
	return body, nil
}
