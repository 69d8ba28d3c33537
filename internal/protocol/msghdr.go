package protocol

import (
	"encoding/binary"
	"fmt"
)

// HeaderKind selects the application header variant of a Message.
type HeaderKind uint8

const (
	HeaderShort    HeaderKind = iota // 20 bytes: type and job ids
	HeaderExtended                   // 36 bytes: adds SteamID and session id
	HeaderProto                      // length-prefixed protobuf block
)

func (k HeaderKind) String() string {
	switch k {
	case HeaderShort:
		return "short"
	case HeaderExtended:
		return "extended"
	case HeaderProto:
		return "proto"
	default:
		return fmt.Sprintf("HeaderKind(%d)", uint8(k))
	}
}

const (
	ShortHeaderSize    = 20
	ExtendedHeaderSize = 36

	extendedHeaderVersion = 2
	extendedHeaderCanary  = 239

	// NoJob fills job id slots that correlate nothing.
	NoJob uint64 = ^uint64(0)
)

// MsgHeader is the union of the three application header variants. Kind
// decides which fields travel on the wire: SteamID and SessionID exist for
// HeaderExtended and HeaderProto, the remaining fields only for HeaderProto.
type MsgHeader struct {
	Kind        HeaderKind
	EMsg        EMsg
	TargetJobID uint64
	SourceJobID uint64
	SteamID     SteamID
	SessionID   int32

	SourceAppID   uint32
	TargetJobName string
	EResult       EResult
	ErrorMessage  string
}

// Message is an application header plus its opaque body.
type Message struct {
	Header MsgHeader
	Body   []byte
}

// NewMessage builds a legacy message, using the short header for the
// channel-encrypt and multi types and the session-bearing header otherwise.
func NewMessage(emsg EMsg, body []byte) *Message {
	kind := HeaderExtended
	if emsg.usesShortHeader() {
		kind = HeaderShort
	}
	return &Message{
		Header: MsgHeader{Kind: kind, EMsg: emsg, TargetJobID: NoJob, SourceJobID: NoJob},
		Body:   body,
	}
}

// NewProtoMessage builds a message with a protobuf-backed header.
func NewProtoMessage(emsg EMsg, body []byte) *Message {
	return &Message{
		Header: MsgHeader{Kind: HeaderProto, EMsg: emsg, TargetJobID: NoJob, SourceJobID: NoJob},
		Body:   body,
	}
}

// IsProto reports whether m travels with a protobuf-backed header.
func (m *Message) IsProto() bool { return m.Header.Kind == HeaderProto }

// Encode serializes the header followed by the body.
func (m *Message) Encode() []byte {
	h := &m.Header

	switch h.Kind {
	case HeaderShort:
		buf := make([]byte, ShortHeaderSize, ShortHeaderSize+len(m.Body))
		binary.LittleEndian.PutUint32(buf[0:4], uint32(h.EMsg))
		binary.LittleEndian.PutUint64(buf[4:12], h.TargetJobID)
		binary.LittleEndian.PutUint64(buf[12:20], h.SourceJobID)
		return append(buf, m.Body...)

	case HeaderExtended:
		buf := make([]byte, ExtendedHeaderSize, ExtendedHeaderSize+len(m.Body))
		binary.LittleEndian.PutUint32(buf[0:4], uint32(h.EMsg))
		buf[4] = ExtendedHeaderSize
		binary.LittleEndian.PutUint16(buf[5:7], extendedHeaderVersion)
		binary.LittleEndian.PutUint64(buf[7:15], h.TargetJobID)
		binary.LittleEndian.PutUint64(buf[15:23], h.SourceJobID)
		buf[23] = extendedHeaderCanary
		binary.LittleEndian.PutUint64(buf[24:32], uint64(h.SteamID))
		binary.LittleEndian.PutUint32(buf[32:36], uint32(h.SessionID))
		return append(buf, m.Body...)

	default:
		block := marshalProtoHeader(h)
		buf := make([]byte, 8, 8+len(block)+len(m.Body))
		binary.LittleEndian.PutUint32(buf[0:4], uint32(h.EMsg)|ProtoMask)
		binary.LittleEndian.PutUint32(buf[4:8], uint32(len(block)))
		buf = append(buf, block...)
		return append(buf, m.Body...)
	}
}

// PeekType reads only the leading type code of a serialized message,
// masking off the protobuf marker.
func PeekType(data []byte) (emsg EMsg, proto bool, err error) {
	if len(data) < 4 {
		return EMsgInvalid, false, fmt.Errorf("%w: %d bytes, no type code", ErrMalformedMessage, len(data))
	}
	raw := binary.LittleEndian.Uint32(data[0:4])
	return EMsg(raw &^ ProtoMask), raw&ProtoMask != 0, nil
}

// DecodeMessage parses a serialized message. The header variant follows from
// the protobuf marker and the type code.
func DecodeMessage(data []byte) (*Message, error) {
	emsg, proto, err := PeekType(data)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: MsgHeader{EMsg: emsg, TargetJobID: NoJob, SourceJobID: NoJob}}
	h := &m.Header
	var rest []byte

	switch {
	case proto:
		h.Kind = HeaderProto
		if len(data) < 8 {
			return nil, fmt.Errorf("%w: %s: proto header length missing", ErrMalformedMessage, emsg)
		}
		n := int32(binary.LittleEndian.Uint32(data[4:8]))
		if n < 0 || int(n) > len(data)-8 {
			return nil, fmt.Errorf("%w: %s: proto header length %d exceeds %d bytes", ErrMalformedMessage, emsg, n, len(data)-8)
		}
		if err := unmarshalProtoHeader(data[8:8+n], h); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, emsg, err)
		}
		rest = data[8+n:]

	case emsg.usesShortHeader():
		h.Kind = HeaderShort
		if len(data) < ShortHeaderSize {
			return nil, fmt.Errorf("%w: %s: short header needs %d bytes, have %d", ErrMalformedMessage, emsg, ShortHeaderSize, len(data))
		}
		h.TargetJobID = binary.LittleEndian.Uint64(data[4:12])
		h.SourceJobID = binary.LittleEndian.Uint64(data[12:20])
		rest = data[ShortHeaderSize:]

	default:
		h.Kind = HeaderExtended
		if len(data) < ExtendedHeaderSize {
			return nil, fmt.Errorf("%w: %s: extended header needs %d bytes, have %d", ErrMalformedMessage, emsg, ExtendedHeaderSize, len(data))
		}
		if data[4] != ExtendedHeaderSize || binary.LittleEndian.Uint16(data[5:7]) != extendedHeaderVersion || data[23] != extendedHeaderCanary {
			return nil, fmt.Errorf("%w: %s: bad extended header (size %d, version %d, canary %d)",
				ErrMalformedMessage, emsg, data[4], binary.LittleEndian.Uint16(data[5:7]), data[23])
		}
		h.TargetJobID = binary.LittleEndian.Uint64(data[7:15])
		h.SourceJobID = binary.LittleEndian.Uint64(data[15:23])
		h.SteamID = SteamID(binary.LittleEndian.Uint64(data[24:32]))
		h.SessionID = int32(binary.LittleEndian.Uint32(data[32:36]))
		rest = data[ExtendedHeaderSize:]
	}

	m.Body = make([]byte, len(rest))
	copy(m.Body, rest)
	return m, nil
}
