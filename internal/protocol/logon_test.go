package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestLogonRequestRoundTrip(t *testing.T) {
	req := LogonRequest{ProtocolVersion: LogonProtocolVersion, CellID: 4}

	var got LogonRequest
	require.NoError(t, got.Unmarshal(req.Marshal()))
	assert.Equal(t, req, got)
}

func TestLogonResponseRoundTrip(t *testing.T) {
	resp := LogonResponse{
		Result:                 EResultOK,
		HeartbeatSeconds:       9,
		InGameHeartbeatSeconds: 9,
		ServerTime:             1700000000,
		CellID:                 66,
	}

	var got LogonResponse
	require.NoError(t, got.Unmarshal(resp.Marshal()))
	assert.Equal(t, resp, got)
}

func TestLogonResponseSkipsUnknownFields(t *testing.T) {
	b := LogonResponse{Result: EResultOK, HeartbeatSeconds: 30}.Marshal()
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "vanity")

	var got LogonResponse
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, EResultOK, got.Result)
	assert.Equal(t, int32(30), got.HeartbeatSeconds)
}

func TestLogonResponseMalformed(t *testing.T) {
	var got LogonResponse
	err := got.Unmarshal([]byte{0x08})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestLoggedOffRoundTrip(t *testing.T) {
	var got LoggedOff
	require.NoError(t, got.Unmarshal(LoggedOff{Result: EResultLoggedInElsewhere}.Marshal()))
	assert.Equal(t, EResultLoggedInElsewhere, got.Result)
}

func TestCMListEndpoints(t *testing.T) {
	list := CMList{
		Addresses: []uint32{0x448E40A4, 0xD06F8554},
		Ports:     []uint32{27017, 27018},
	}

	var got CMList
	require.NoError(t, got.Unmarshal(list.Marshal()))
	assert.Equal(t, list, got)
	assert.Equal(t, []string{"68.142.64.164:27017", "208.111.133.84:27018"}, got.Endpoints())
}

func TestCMListPacked(t *testing.T) {
	var packed []byte
	packed = protowire.AppendVarint(packed, 0x7F000001)
	packed = protowire.AppendVarint(packed, 0x7F000002)

	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, 27017)

	var got CMList
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, []uint32{0x7F000001, 0x7F000002}, got.Addresses)
	assert.Equal(t, []string{"127.0.0.1:27017"}, got.Endpoints())
}
