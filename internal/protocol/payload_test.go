package protocol

import (
	"encoding/binary"
	"hash/crc32"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskChallengeInvolution(t *testing.T) {
	edges := []uint32{0, 1, ChallengeMask, ^ChallengeMask, 0x7FFFFFFF, 0x80000000, ^uint32(0)}
	for _, x := range edges {
		assert.Equal(t, x, MaskChallenge(MaskChallenge(x)), "x=%08x", x)
	}

	r := rand.New(rand.NewPCG(1, 2))
	for range 10000 {
		x := r.Uint32()
		require.Equal(t, x, MaskChallenge(MaskChallenge(x)), "x=%08x", x)
	}
}

func TestConnectPayload(t *testing.T) {
	p := EncodeConnect(0x12345678)
	require.Len(t, p, 4)
	assert.Equal(t, uint32(0x12345678^0xA426DF2B), binary.LittleEndian.Uint32(p))

	v, err := DecodeConnect(p)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), v)
}

func TestChallengeRoundTrip(t *testing.T) {
	c := Challenge{Value: 0xCAFEBABE, Load: 5}
	got, err := DecodeChallenge(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = DecodeChallenge([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestEncryptRequestRoundTrip(t *testing.T) {
	req := EncryptRequest{ProtocolVersion: ChannelProtocolVersion, Universe: UniversePublic}
	got, err := DecodeEncryptRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, got)

	_, err = DecodeEncryptRequest([]byte{1})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestEncryptResponseLayout(t *testing.T) {
	blob := make([]byte, 128)
	for i := range blob {
		blob[i] = byte(i)
	}
	resp := EncryptResponse{ProtocolVersion: 1, KeySize: uint32(len(blob)), EncryptedKey: blob}
	body := resp.Encode()

	require.Len(t, body, 8+128+8)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(body[0:4]))
	assert.Equal(t, uint32(128), binary.LittleEndian.Uint32(body[4:8]))
	assert.Equal(t, blob, body[8:136])
	assert.Equal(t, crc32.ChecksumIEEE(blob), binary.LittleEndian.Uint32(body[136:140]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(body[140:144]))

	got, err := DecodeEncryptResponse(body)
	require.NoError(t, err)
	assert.Equal(t, resp, got)

	body[136] ^= 0xFF
	_, err = DecodeEncryptResponse(body)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestEncryptResultRoundTrip(t *testing.T) {
	for _, r := range []EResult{EResultOK, EResultFail, EResultInvalidProtocolVer} {
		got, err := DecodeEncryptResult(EncryptResult{Result: r}.Encode())
		require.NoError(t, err)
		assert.Equal(t, r, got.Result)
	}

	_, err := DecodeEncryptResult(nil)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
