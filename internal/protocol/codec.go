package protocol

import (
	"encoding/binary"
	"fmt"
)

// EncodeHeader serializes h into its 36-byte wire form.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, h)
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.PayloadSize)
	buf[6] = byte(h.Type)
	buf[7] = h.Flags
	binary.LittleEndian.PutUint32(buf[8:12], h.SourceConnID)
	binary.LittleEndian.PutUint32(buf[12:16], h.DestConnID)
	binary.LittleEndian.PutUint32(buf[16:20], h.SeqThis)
	binary.LittleEndian.PutUint32(buf[20:24], h.SeqAck)
	binary.LittleEndian.PutUint32(buf[24:28], h.PacketsInMsg)
	binary.LittleEndian.PutUint32(buf[28:32], h.MsgStartSeq)
	binary.LittleEndian.PutUint32(buf[32:36], h.MsgSize)
}

// DecodeHeader parses the leading transport header of data. It checks the
// buffer length and magic only; see Decode for the payload length check.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header too short: %d bytes (need %d)", ErrMalformedFrame, len(data), HeaderSize)
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != Magic {
		return Header{}, fmt.Errorf("%w: bad magic %08x", ErrMalformedFrame, magic)
	}
	return Header{
		PayloadSize:  binary.LittleEndian.Uint16(data[4:6]),
		Type:         PacketType(data[6]),
		Flags:        data[7],
		SourceConnID: binary.LittleEndian.Uint32(data[8:12]),
		DestConnID:   binary.LittleEndian.Uint32(data[12:16]),
		SeqThis:      binary.LittleEndian.Uint32(data[16:20]),
		SeqAck:       binary.LittleEndian.Uint32(data[20:24]),
		PacketsInMsg: binary.LittleEndian.Uint32(data[24:28]),
		MsgStartSeq:  binary.LittleEndian.Uint32(data[28:32]),
		MsgSize:      binary.LittleEndian.Uint32(data[32:36]),
	}, nil
}

// Encode serializes a Packet into one datagram. PayloadSize is taken from the
// payload, not from the header field.
func Encode(pkt *Packet) []byte {
	h := pkt.Header
	h.PayloadSize = uint16(len(pkt.Payload))

	buf := make([]byte, HeaderSize+len(pkt.Payload))
	putHeader(buf, h)
	copy(buf[HeaderSize:], pkt.Payload)
	return buf
}

// Decode parses one datagram into a Packet. The declared payload size must
// match the bytes that follow the header.
func Decode(data []byte) (*Packet, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if rest := len(data) - HeaderSize; int(h.PayloadSize) != rest {
		return nil, fmt.Errorf("%w: payload size %d, %d bytes remaining", ErrMalformedFrame, h.PayloadSize, rest)
	}

	pkt := &Packet{Header: h}
	if h.PayloadSize > 0 {
		pkt.Payload = make([]byte, h.PayloadSize)
		copy(pkt.Payload, data[HeaderSize:])
	}
	return pkt, nil
}
