package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// ChallengeMask is XORed into the challenge value echoed by a Connect packet.
const ChallengeMask uint32 = 0xA426DF2B

// MaskChallenge applies ChallengeMask. Applying it twice yields v.
func MaskChallenge(v uint32) uint32 { return v ^ ChallengeMask }

// Challenge is the payload of a Challenge packet. Lower Load is preferred.
type Challenge struct {
	Value uint32
	Load  uint32
}

func (c Challenge) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], c.Value)
	binary.LittleEndian.PutUint32(buf[4:8], c.Load)
	return buf
}

func DecodeChallenge(p []byte) (Challenge, error) {
	if len(p) < 8 {
		return Challenge{}, fmt.Errorf("%w: challenge payload is %d bytes", ErrMalformedFrame, len(p))
	}
	return Challenge{
		Value: binary.LittleEndian.Uint32(p[0:4]),
		Load:  binary.LittleEndian.Uint32(p[4:8]),
	}, nil
}

// EncodeConnect builds the Connect payload for a received challenge value.
func EncodeConnect(challenge uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, MaskChallenge(challenge))
	return buf
}

// DecodeConnect recovers the unmasked challenge value from a Connect payload.
func DecodeConnect(p []byte) (uint32, error) {
	if len(p) < 4 {
		return 0, fmt.Errorf("%w: connect payload is %d bytes", ErrMalformedFrame, len(p))
	}
	return MaskChallenge(binary.LittleEndian.Uint32(p)), nil
}

// ---------------------------------------------------------------------------
// Channel encryption bodies
// ---------------------------------------------------------------------------

const (
	// ChannelProtocolVersion is the only channel-encrypt protocol version.
	ChannelProtocolVersion uint32 = 1

	// SessionKeySize is the symmetric session key length in bytes.
	SessionKeySize = 32
)

// EncryptRequest is the body of a ChannelEncryptRequest message.
type EncryptRequest struct {
	ProtocolVersion uint32
	Universe        Universe
}

func (r EncryptRequest) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], r.ProtocolVersion)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Universe))
	return buf
}

func DecodeEncryptRequest(body []byte) (EncryptRequest, error) {
	if len(body) < 8 {
		return EncryptRequest{}, fmt.Errorf("%w: encrypt request body is %d bytes", ErrMalformedMessage, len(body))
	}
	return EncryptRequest{
		ProtocolVersion: binary.LittleEndian.Uint32(body[0:4]),
		Universe:        Universe(binary.LittleEndian.Uint32(body[4:8])),
	}, nil
}

// EncryptResponse is the body of a ChannelEncryptResponse message. On the
// wire the key blob is followed by its CRC-32 and a reserved zero word.
type EncryptResponse struct {
	ProtocolVersion uint32
	KeySize         uint32
	EncryptedKey    []byte
}

func (r EncryptResponse) Encode() []byte {
	buf := make([]byte, 8, 8+len(r.EncryptedKey)+8)
	binary.LittleEndian.PutUint32(buf[0:4], r.ProtocolVersion)
	binary.LittleEndian.PutUint32(buf[4:8], r.KeySize)
	buf = append(buf, r.EncryptedKey...)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(r.EncryptedKey))
	return binary.LittleEndian.AppendUint32(buf, 0)
}

// DecodeEncryptResponse parses a response body whose key blob is KeySize
// bytes long and verifies its checksum.
func DecodeEncryptResponse(body []byte) (EncryptResponse, error) {
	if len(body) < 8 {
		return EncryptResponse{}, fmt.Errorf("%w: encrypt response body is %d bytes", ErrMalformedMessage, len(body))
	}
	r := EncryptResponse{
		ProtocolVersion: binary.LittleEndian.Uint32(body[0:4]),
		KeySize:         binary.LittleEndian.Uint32(body[4:8]),
	}
	n := int(r.KeySize)
	if len(body) < 8+n+8 {
		return EncryptResponse{}, fmt.Errorf("%w: encrypt response declares %d key bytes, body is %d", ErrMalformedMessage, n, len(body))
	}
	r.EncryptedKey = append([]byte(nil), body[8:8+n]...)
	if sum := binary.LittleEndian.Uint32(body[8+n:]); sum != crc32.ChecksumIEEE(r.EncryptedKey) {
		return EncryptResponse{}, fmt.Errorf("%w: encrypt response checksum %08x mismatch", ErrMalformedMessage, sum)
	}
	return r, nil
}

// EncryptResult is the body of a ChannelEncryptResult message.
type EncryptResult struct {
	Result EResult
}

func (r EncryptResult) Encode() []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(r.Result))
}

func DecodeEncryptResult(body []byte) (EncryptResult, error) {
	if len(body) < 4 {
		return EncryptResult{}, fmt.Errorf("%w: encrypt result body is %d bytes", ErrMalformedMessage, len(body))
	}
	return EncryptResult{Result: EResult(binary.LittleEndian.Uint32(body[0:4]))}, nil
}
