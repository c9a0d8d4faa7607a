package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testCodec() *Codec {
	return NewCodec(65536)
}

func TestCodec_RoundTripAllVariants(t *testing.T) {
	bodies := []Body{
		Hello{ClientVersion: "1.2.0", Platform: "win", Token: 0xdeadbeefcafe},
		ServerFull{},
		AuthRequest{AccountID: 71, Token: "secret-token"},
		AuthResponse{AccountID: 71, DisplayName: "robtop", SessionToken: 42},
		Keepalive{},
		Disconnect{Code: CloseIdleTimeout, Message: "idle"},
		RoomCreate{
			Name:     "speedrun lobby",
			Passcode: 1234,
			LevelID:  128,
			Settings: RoomSettings{PlayerLimit: 16, Flags: RoomHidden | RoomCollision},
		},
		RoomCreated{RoomID: 123456},
		RoomJoin{RoomID: 123456, Passcode: 1234},
		RoomJoinInvite{Token: 0x0000ab1122334455},
		RoomJoined{
			RoomID:  123456,
			OwnerID: 71,
			Members: []RoomMemberInfo{
				{AccountID: 71, DisplayName: "robtop"},
				{AccountID: 99, DisplayName: "viper"},
			},
		},
		RoomJoinFailed{Reason: JoinRoomFull},
		RoomLeave{},
		RoomLeft{AccountID: 99},
		RoomList{},
		RoomListing{
			Rooms: []RoomListEntry{
				{RoomID: 1, Name: "a", LevelID: 5, PlayerCount: 3, PlayerLimit: 10, HasPasscode: true},
				{RoomID: 2, Name: "b", LevelID: 6, PlayerCount: 1, PlayerLimit: 0, HasPasscode: false},
			},
		},
		RoomInvite{},
		RoomInvited{Token: 77},
		Chat{Text: "hello room"},
		ChatRelay{SenderID: 71, Text: "hello room"},
		ChatBlocked{Reason: "filtered"},
		StateUpdate{Data: []byte{1, 2, 3, 4}},
		StateRelay{SenderID: 71, Seq: 900, Data: []byte{9, 8, 7}},
		ErrorPacket{Code: ErrorCodeRateLimit, Message: "slow down"},
	}

	c := testCodec()
	for _, body := range bodies {
		frame := c.Encode(42, body)
		pkt, err := c.Decode(frame)
		require.NoError(t, err, "%T", body)
		assert.Equal(t, uint32(42), pkt.Seq, "%T", body)
		assert.Equal(t, body.packetType(), pkt.Type, "%T", body)
		assert.Equal(t, body, pkt.Body, "%T", body)
	}
}

func TestCodec_EncodeDeterministic(t *testing.T) {
	c := testCodec()
	a := c.Encode(7, Chat{Text: "same"})
	b := c.Encode(7, Chat{Text: "same"})
	assert.Equal(t, a, b)
}

func TestCodec_DecodeBadMagic(t *testing.T) {
	c := testCodec()
	frame := c.Encode(1, Keepalive{})
	frame[0] = 0x00
	_, err := c.Decode(frame)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCodec_DecodeUnsupportedVersion(t *testing.T) {
	c := testCodec()
	frame := c.Encode(1, Keepalive{})
	frame[2] = 99
	_, err := c.Decode(frame)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestCodec_DecodeTruncatedHeader(t *testing.T) {
	c := testCodec()
	frame := c.Encode(1, Chat{Text: "hi"})
	for n := 0; n < HeaderSize; n++ {
		_, err := c.Decode(frame[:n])
		assert.ErrorIs(t, err, ErrMalformed, "prefix length %d", n)
	}
}

func TestCodec_DecodeLengthMismatch(t *testing.T) {
	c := testCodec()
	frame := c.Encode(1, Chat{Text: "hello"})

	_, err := c.Decode(frame[:len(frame)-1])
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, err = c.Decode(append(frame, 0xff))
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestCodec_DecodeTooLarge(t *testing.T) {
	c := NewCodec(16)
	var w writer
	w.uint16(Magic)
	w.uint8(Version1)
	w.uint8(uint8(TypeStateUpdate))
	w.uint32(1)
	w.uint32(17) // over the limit; payload itself intentionally absent
	_, err := c.Decode(w.buf)
	assert.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestCodec_DecodeTruncatedPayload(t *testing.T) {
	c := testCodec()
	// Chat declares a 5-byte string but the frame is sized for 3 bytes of
	// payload total.
	var w writer
	w.uint16(Magic)
	w.uint8(Version1)
	w.uint8(uint8(TypeChat))
	w.uint32(1)
	w.uint32(3)
	w.uint16(5)
	w.uint8('x')
	_, err := c.Decode(w.buf)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCodec_DecodeTrailingBytes(t *testing.T) {
	c := testCodec()
	var w writer
	w.uint16(Magic)
	w.uint8(Version1)
	w.uint8(uint8(TypeKeepalive))
	w.uint32(1)
	w.uint32(2)
	w.uint16(0xffff)
	_, err := c.Decode(w.buf)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCodec_UnknownTypeDecodesAsValue(t *testing.T) {
	c := testCodec()
	var w writer
	w.uint16(Magic)
	w.uint8(Version1)
	w.uint8(0x6e)
	w.uint32(5)
	w.uint32(3)
	w.bytes([]byte{1, 2, 3})

	pkt, err := c.Decode(w.buf)
	require.NoError(t, err)
	unk, ok := pkt.Body.(Unknown)
	require.True(t, ok, "expected Unknown body, got %T", pkt.Body)
	assert.Equal(t, Type(0x6e), unk.RawType)
	assert.Equal(t, []byte{1, 2, 3}, unk.Data)
}

func TestCodec_DecodeArbitraryBytesNeverPanics(t *testing.T) {
	c := testCodec()
	rapid.Check(t, func(t *rapid.T) {
		buf := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "buf")
		pkt, err := c.Decode(buf)
		if err == nil {
			require.NotNil(t, pkt.Body)
		}
	})
}

func TestCodec_RoundTripProperty(t *testing.T) {
	c := testCodec()
	rapid.Check(t, func(t *rapid.T) {
		seq := rapid.Uint32().Draw(t, "seq")
		body := Body(nil)
		switch rapid.IntRange(0, 3).Draw(t, "variant") {
		case 0:
			body = Chat{Text: rapid.StringN(0, 50, 256).Draw(t, "text")}
		case 1:
			body = StateUpdate{Data: rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "data")}
		case 2:
			body = RoomJoin{
				RoomID:   rapid.Uint32().Draw(t, "room"),
				Passcode: rapid.Uint32().Draw(t, "pass"),
			}
		case 3:
			body = Disconnect{
				Code:    CloseCode(rapid.Uint8Range(0, 5).Draw(t, "code")),
				Message: rapid.StringN(0, 60, 255).Draw(t, "msg"),
			}
		}

		pkt, err := c.Decode(c.Encode(seq, body))
		require.NoError(t, err)
		assert.Equal(t, seq, pkt.Seq)

		// StateUpdate decodes a nil-safe copy; normalise empty slices.
		if su, ok := body.(StateUpdate); ok && len(su.Data) == 0 {
			body = StateUpdate{Data: []byte{}}
		}
		assert.Equal(t, body, pkt.Body)
	})
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, CategoryStateUpdate, CategoryOf(TypeStateUpdate))
	assert.Equal(t, CategoryChat, CategoryOf(TypeChat))
	assert.Equal(t, CategoryControl, CategoryOf(TypeRoomJoin))
	assert.Equal(t, CategoryControl, CategoryOf(TypeKeepalive))
}

func TestReliable(t *testing.T) {
	assert.False(t, Reliable(TypeStateUpdate))
	assert.False(t, Reliable(TypeStateRelay))
	assert.True(t, Reliable(TypeChat))
	assert.True(t, Reliable(TypeDisconnect))
}
