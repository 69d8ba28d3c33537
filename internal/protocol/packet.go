// Package protocol defines the UDP CM transport header, the application
// message headers and the handshake payloads exchanged with a CM server.
package protocol

import "fmt"

// PacketType tags the purpose of a datagram.
type PacketType uint8

// Packet type constants.
const (
	TypeInvalid      PacketType = 0
	TypeChallengeReq PacketType = 1 // Client asks a server for a challenge
	TypeChallenge    PacketType = 2 // Server challenge value and load
	TypeConnect      PacketType = 3 // Client answers the masked challenge
	TypeAccept       PacketType = 4 // Server assigns its connection id
	TypeDisconnect   PacketType = 5 // Either side tears down the connection
	TypeData         PacketType = 6 // Sequenced application message
	TypeDatagram     PacketType = 7 // Unsequenced, used for bare acks
)

func (t PacketType) String() string {
	switch t {
	case TypeInvalid:
		return "Invalid"
	case TypeChallengeReq:
		return "ChallengeReq"
	case TypeChallenge:
		return "Challenge"
	case TypeConnect:
		return "Connect"
	case TypeAccept:
		return "Accept"
	case TypeDisconnect:
		return "Disconnect"
	case TypeData:
		return "Data"
	case TypeDatagram:
		return "Datagram"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the known packet types other than Invalid.
func (t PacketType) Valid() bool {
	return t >= TypeChallengeReq && t <= TypeDatagram
}

const (
	// Magic opens every transport header ("VS01" little-endian).
	Magic uint32 = 0x31305356

	// HeaderSize is the fixed transport header size.
	HeaderSize = 36

	// MaxPayload is the largest payload a single datagram carries.
	MaxPayload = 0x4DC

	// DefaultSourceConnID is the connection id a client announces for itself.
	DefaultSourceConnID uint32 = 0x200
)

// Header is the fixed 36-byte transport header.
type Header struct {
	PayloadSize  uint16
	Type         PacketType
	Flags        uint8
	SourceConnID uint32
	DestConnID   uint32
	SeqThis      uint32
	SeqAck       uint32
	PacketsInMsg uint32
	MsgStartSeq  uint32
	MsgSize      uint32
}

// Packet is a transport header plus its payload. Packets are built fresh for
// every send and dropped after one receive dispatch.
type Packet struct {
	Header
	Payload []byte
}

// NewPacket returns a packet of type t carrying payload, with the size fields
// filled for a single-packet message.
func NewPacket(t PacketType, payload []byte) *Packet {
	return &Packet{
		Header: Header{
			Type:         t,
			SourceConnID: DefaultSourceConnID,
			PayloadSize:  uint16(len(payload)),
			PacketsInMsg: 1,
			MsgSize:      uint32(len(payload)),
		},
		Payload: payload,
	}
}
