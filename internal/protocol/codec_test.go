package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		h    Header
	}{
		{"zero", Header{}},
		{"challenge request", Header{Type: TypeChallengeReq, SourceConnID: DefaultSourceConnID, SeqThis: 1, PacketsInMsg: 1}},
		{"data", Header{
			PayloadSize: 0x4DC, Type: TypeData, Flags: 0x04,
			SourceConnID: 0x200, DestConnID: 0x42,
			SeqThis: 7, SeqAck: 9, PacketsInMsg: 1, MsgStartSeq: 7, MsgSize: 0x4DC,
		}},
		{"all ones", Header{
			PayloadSize: 0xFFFF, Type: 0xFF, Flags: 0xFF,
			SourceConnID: ^uint32(0), DestConnID: ^uint32(0),
			SeqThis: ^uint32(0), SeqAck: ^uint32(0), PacketsInMsg: ^uint32(0),
			MsgStartSeq: ^uint32(0), MsgSize: ^uint32(0),
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf := EncodeHeader(tc.h)
			require.Len(t, buf, HeaderSize)

			got, err := DecodeHeader(buf)
			require.NoError(t, err)
			assert.Equal(t, tc.h, got)
		})
	}
}

func TestHeaderIsLittleEndian(t *testing.T) {
	buf := EncodeHeader(Header{PayloadSize: 0x0102, Type: TypeAccept, SourceConnID: 0x11223344})

	assert.Equal(t, []byte{0x56, 0x53, 0x30, 0x31}, buf[0:4], "magic")
	assert.Equal(t, []byte{0x02, 0x01}, buf[4:6])
	assert.Equal(t, byte(TypeAccept), buf[6])
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, buf[8:12])
}

func TestDecodeHeaderMalformed(t *testing.T) {
	good := EncodeHeader(Header{Type: TypeData, SeqThis: 3})

	badMagic := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badMagic[0:4], 0x31305357)

	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"one byte short", good[:HeaderSize-1]},
		{"magic only", good[:4]},
		{"bad magic", badMagic},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := DecodeHeader(tc.data)
			assert.ErrorIs(t, err, ErrMalformedFrame)
			assert.Equal(t, Header{}, h)
		})
	}
}

func TestPacketEncodeDecode(t *testing.T) {
	payload := []byte("hello cm")
	pkt := NewPacket(TypeData, payload)
	pkt.DestConnID = 0x42
	pkt.SeqThis = 2
	pkt.SeqAck = 1
	pkt.MsgStartSeq = 2

	data := Encode(pkt)
	require.Len(t, data, HeaderSize+len(payload))

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, pkt.Header, got.Header)
	assert.Equal(t, payload, got.Payload)
	assert.Equal(t, uint16(len(payload)), got.PayloadSize)
}

func TestPacketEmptyPayload(t *testing.T) {
	got, err := Decode(Encode(NewPacket(TypeChallengeReq, nil)))
	require.NoError(t, err)
	assert.Empty(t, got.Payload)
	assert.Equal(t, DefaultSourceConnID, got.SourceConnID)
}

func TestDecodePayloadSizeMismatch(t *testing.T) {
	data := Encode(NewPacket(TypeData, []byte{1, 2, 3}))

	_, err := Decode(data[:len(data)-1])
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Decode(append(data, 0))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "Accept", TypeAccept.String())
	assert.Equal(t, "PacketType(9)", PacketType(9).String())
	assert.True(t, TypeDatagram.Valid())
	assert.False(t, TypeInvalid.Valid())
	assert.False(t, PacketType(8).Valid())
}
