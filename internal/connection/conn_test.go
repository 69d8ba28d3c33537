package connection

import (
	"crypto/rand"
	"crypto/rsa"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/steamcm/internal/crypto"
	"github.com/1ureka/steamcm/internal/protocol"
)

var serverAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 27017}

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type mockConn struct {
	mu     sync.Mutex
	sent   []*protocol.Packet
	to     []net.Addr
	fn     func(*protocol.Packet, net.Addr, error)
	closed bool
}

func (m *mockConn) Send(pkt *protocol.Packet, addr net.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.sent = append(m.sent, pkt)
	m.to = append(m.to, addr)
	return nil
}

func (m *mockConn) OnPacket(fn func(*protocol.Packet, net.Addr, error)) { m.fn = fn }

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) deliver(pkt *protocol.Packet) { m.fn(pkt, serverAddr, nil) }

// take returns and forgets everything sent so far.
func (m *mockConn) take() []*protocol.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sent
	m.sent, m.to = nil, nil
	return out
}

type recorder struct {
	challenges   []protocol.Challenge
	negotiated   []error
	messages     []*protocol.Message
	disconnected int
	drops        []error
}

func (r *recorder) HandleChallenge(_ net.Addr, ch protocol.Challenge) {
	r.challenges = append(r.challenges, ch)
}

func (r *recorder) HandleNegotiated(_ protocol.Universe, err error) {
	r.negotiated = append(r.negotiated, err)
}

func (r *recorder) HandleMessage(msg *protocol.Message) { r.messages = append(r.messages, msg) }
func (r *recorder) HandleDisconnect()                   { r.disconnected++ }

func serverPacket(t protocol.PacketType, seq uint32, payload []byte) *protocol.Packet {
	pkt := protocol.NewPacket(t, payload)
	pkt.SourceConnID = 0x42
	pkt.DestConnID = protocol.DefaultSourceConnID
	pkt.SeqThis = seq
	pkt.MsgStartSeq = seq
	return pkt
}

type harness struct {
	conn *Conn
	pc   *mockConn
	rec  *recorder
	priv *rsa.PrivateKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	ring := crypto.NewKeyRing()
	ring.Set(protocol.UniversePublic, &priv.PublicKey)

	h := &harness{pc: &mockConn{}, rec: &recorder{}, priv: priv}
	h.conn = New(h.pc, h.rec, WithKeyRing(ring), WithDropHook(func(err error) {
		h.rec.drops = append(h.rec.drops, err)
	}))
	return h
}

// establish runs the handshake up to an encrypted channel and returns the
// session key the server recovered.
func (h *harness) establish(t *testing.T) []byte {
	t.Helper()

	require.NoError(t, h.conn.Connect(0x1234, serverAddr))
	h.pc.deliver(serverPacket(protocol.TypeAccept, 1, nil))

	req := protocol.NewMessage(protocol.EMsgChannelEncryptRequest,
		protocol.EncryptRequest{ProtocolVersion: 1, Universe: protocol.UniversePublic}.Encode())
	h.pc.deliver(serverPacket(protocol.TypeData, 2, req.Encode()))

	sent := h.pc.take()
	require.Len(t, sent, 2) // connect + encrypt response
	respMsg, err := protocol.DecodeMessage(sent[1].Payload)
	require.NoError(t, err)
	resp, err := protocol.DecodeEncryptResponse(respMsg.Body)
	require.NoError(t, err)
	key, err := crypto.UnwrapSessionKey(h.priv, resp.EncryptedKey)
	require.NoError(t, err)

	res := protocol.NewMessage(protocol.EMsgChannelEncryptResult, protocol.EncryptResult{Result: protocol.EResultOK}.Encode())
	h.pc.deliver(serverPacket(protocol.TypeData, 3, res.Encode()))
	h.pc.take()

	require.Equal(t, StateEstablished, h.conn.State())
	return key
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestChallengeRequests(t *testing.T) {
	h := newHarness(t)
	other := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 2), Port: 27017}

	require.NoError(t, h.conn.SendChallengeRequests([]net.Addr{serverAddr, other}))
	assert.Equal(t, StateProbingServers, h.conn.State())

	sent := h.pc.take()
	require.Len(t, sent, 2)
	for _, pkt := range sent {
		assert.Equal(t, protocol.TypeChallengeReq, pkt.Type)
		assert.Equal(t, uint32(1), pkt.SeqThis)
		assert.Empty(t, pkt.Payload)
	}
	assert.Equal(t, uint32(0), h.conn.OutgoingSeq())

	h.pc.deliver(serverPacket(protocol.TypeChallenge, 1, protocol.Challenge{Value: 77, Load: 5}.Encode()))
	require.Len(t, h.rec.challenges, 1)
	assert.Equal(t, protocol.Challenge{Value: 77, Load: 5}, h.rec.challenges[0])
}

func TestHandshake(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.conn.Connect(0xDEADBEEF, serverAddr))
	assert.Equal(t, StateAwaitingConnect, h.conn.State())

	sent := h.pc.take()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeConnect, sent[0].Type)
	assert.Equal(t, uint32(1), sent[0].SeqThis)
	challenge, err := protocol.DecodeConnect(sent[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), challenge)

	h.pc.deliver(serverPacket(protocol.TypeAccept, 1, nil))
	assert.Equal(t, uint32(0x42), h.conn.RemoteConnID())
	assert.Equal(t, StateNegotiatingEncryption, h.conn.State())

	req := protocol.NewMessage(protocol.EMsgChannelEncryptRequest,
		protocol.EncryptRequest{ProtocolVersion: 1, Universe: protocol.UniversePublic}.Encode())
	h.pc.deliver(serverPacket(protocol.TypeData, 2, req.Encode()))

	sent = h.pc.take()
	require.Len(t, sent, 1, "response replaces the null ack")
	resp := sent[0]
	assert.Equal(t, protocol.TypeData, resp.Type)
	assert.Equal(t, uint32(0x42), resp.DestConnID)
	assert.Equal(t, uint32(2), resp.SeqThis)
	assert.Equal(t, uint32(2), resp.SeqAck)
	assert.Equal(t, uint32(2), resp.MsgStartSeq)
	assert.Equal(t, uint32(1), resp.PacketsInMsg)

	msg, err := protocol.DecodeMessage(resp.Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.EMsgChannelEncryptResponse, msg.Header.EMsg)
	body, err := protocol.DecodeEncryptResponse(msg.Body)
	require.NoError(t, err)
	key, err := crypto.UnwrapSessionKey(h.priv, body.EncryptedKey)
	require.NoError(t, err)
	assert.Len(t, key, protocol.SessionKeySize)
	assert.False(t, h.conn.Encrypted())

	res := protocol.NewMessage(protocol.EMsgChannelEncryptResult, protocol.EncryptResult{Result: protocol.EResultOK}.Encode())
	h.pc.deliver(serverPacket(protocol.TypeData, 3, res.Encode()))

	require.Len(t, h.rec.negotiated, 1)
	assert.NoError(t, h.rec.negotiated[0])
	assert.True(t, h.conn.Encrypted())
	assert.Equal(t, StateEstablished, h.conn.State())
	assert.Equal(t, protocol.UniversePublic, h.conn.Universe())

	sent = h.pc.take()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeDatagram, sent[0].Type, "null ack")
	assert.Equal(t, uint32(0), sent[0].SeqThis)
	assert.Equal(t, uint32(3), sent[0].SeqAck)
	assert.Equal(t, uint32(2), h.conn.OutgoingSeq())
}

func TestNegotiationFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.conn.Connect(1, serverAddr))
	h.pc.deliver(serverPacket(protocol.TypeAccept, 1, nil))

	req := protocol.NewMessage(protocol.EMsgChannelEncryptRequest,
		protocol.EncryptRequest{ProtocolVersion: 1, Universe: protocol.UniversePublic}.Encode())
	h.pc.deliver(serverPacket(protocol.TypeData, 2, req.Encode()))

	res := protocol.NewMessage(protocol.EMsgChannelEncryptResult, protocol.EncryptResult{Result: protocol.EResultInvalidProtocolVer}.Encode())
	h.pc.deliver(serverPacket(protocol.TypeData, 3, res.Encode()))

	require.Len(t, h.rec.negotiated, 1)
	assert.ErrorIs(t, h.rec.negotiated[0], ErrNegotiationFailed)
	assert.False(t, h.conn.Encrypted())
	assert.Equal(t, StateNegotiatingEncryption, h.conn.State())
}

func TestNegotiationUnknownUniverse(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.conn.Connect(1, serverAddr))
	h.pc.deliver(serverPacket(protocol.TypeAccept, 1, nil))
	h.pc.take()

	req := protocol.NewMessage(protocol.EMsgChannelEncryptRequest,
		protocol.EncryptRequest{ProtocolVersion: 1, Universe: protocol.UniverseDev}.Encode())
	h.pc.deliver(serverPacket(protocol.TypeData, 2, req.Encode()))

	require.Len(t, h.rec.negotiated, 1)
	assert.ErrorIs(t, h.rec.negotiated[0], ErrNegotiationFailed)

	sent := h.pc.take()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeDatagram, sent[0].Type)
}

func TestPlaintextAfterEncryptionIsDropped(t *testing.T) {
	h := newHarness(t)
	h.establish(t)

	plain := protocol.NewProtoMessage(protocol.EMsgClientLogOnResponse,
		protocol.LogonResponse{Result: protocol.EResultOK, HeartbeatSeconds: 9}.Marshal())
	h.pc.deliver(serverPacket(protocol.TypeData, 4, plain.Encode()))

	assert.Empty(t, h.rec.messages)
	require.Len(t, h.rec.drops, 1)
	assert.ErrorIs(t, h.rec.drops[0], protocol.ErrMalformedMessage)
	assert.True(t, h.conn.Encrypted())

	// still acknowledged
	sent := h.pc.take()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeDatagram, sent[0].Type)
	assert.Equal(t, uint32(4), sent[0].SeqAck)
}

func TestEncryptedMultiDispatchOrder(t *testing.T) {
	h := newHarness(t)
	key := h.establish(t)

	server, err := crypto.NewSymmetric(key)
	require.NoError(t, err)

	first := protocol.NewProtoMessage(protocol.EMsgClientCMList, []byte("abcde"))
	second := protocol.NewProtoMessage(protocol.EMsgClientServerList, []byte("abcdefg"))
	multi := protocol.NewMessage(protocol.EMsgMulti, EncodeMulti(first.Encode(), second.Encode()))

	enc, err := server.EncryptOutgoing(multi.Encode())
	require.NoError(t, err)
	h.pc.deliver(serverPacket(protocol.TypeData, 4, enc))

	require.Len(t, h.rec.messages, 2)
	assert.Equal(t, protocol.EMsgClientCMList, h.rec.messages[0].Header.EMsg)
	assert.Equal(t, []byte("abcde"), h.rec.messages[0].Body)
	assert.Equal(t, protocol.EMsgClientServerList, h.rec.messages[1].Header.EMsg)
	assert.Equal(t, []byte("abcdefg"), h.rec.messages[1].Body)
	assert.Empty(t, h.rec.drops)
}

func TestSendEncryptsAfterHandshake(t *testing.T) {
	h := newHarness(t)
	key := h.establish(t)

	msg := protocol.NewProtoMessage(protocol.EMsgClientHeartBeat, nil)
	require.NoError(t, h.conn.Send(msg))

	sent := h.pc.take()
	require.Len(t, sent, 1)
	assert.Equal(t, uint32(3), sent[0].SeqThis)
	assert.Equal(t, uint32(0x42), sent[0].DestConnID)
	assert.NotEqual(t, msg.Encode(), sent[0].Payload)

	server, err := crypto.NewSymmetric(key)
	require.NoError(t, err)
	plain, err := server.DecryptIncoming(sent[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, msg.Encode(), plain)
}

func TestLastReceivedSeqUnconditional(t *testing.T) {
	h := newHarness(t)

	h.pc.deliver(serverPacket(protocol.TypeDatagram, 10, nil))
	assert.Equal(t, uint32(10), h.conn.LastReceivedSeq())

	h.pc.deliver(serverPacket(protocol.TypeDatagram, 3, nil))
	assert.Equal(t, uint32(3), h.conn.LastReceivedSeq())
}

func TestUnexpectedPacketType(t *testing.T) {
	h := newHarness(t)

	h.pc.deliver(serverPacket(protocol.TypeConnect, 1, nil))
	h.pc.deliver(serverPacket(protocol.PacketType(42), 2, nil))

	require.Len(t, h.rec.drops, 2)
	for _, err := range h.rec.drops {
		assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
	}
}

func TestMalformedFrameLeavesStateAlone(t *testing.T) {
	h := newHarness(t)
	h.pc.deliver(serverPacket(protocol.TypeDatagram, 5, nil))

	h.pc.fn(nil, serverAddr, protocol.ErrMalformedFrame)

	require.Len(t, h.rec.drops, 1)
	assert.ErrorIs(t, h.rec.drops[0], protocol.ErrMalformedFrame)
	assert.Equal(t, uint32(5), h.conn.LastReceivedSeq())
	assert.Equal(t, StateIdle, h.conn.State())
}

func TestPeerDisconnect(t *testing.T) {
	h := newHarness(t)
	h.establish(t)

	h.pc.deliver(serverPacket(protocol.TypeDisconnect, 4, nil))

	assert.Equal(t, 1, h.rec.disconnected)
	assert.Equal(t, StateClosed, h.conn.State())
	assert.True(t, h.pc.closed)
	assert.ErrorIs(t, h.conn.Send(protocol.NewProtoMessage(protocol.EMsgClientHeartBeat, nil)), ErrClosed)

	// nothing after close is processed
	h.pc.deliver(serverPacket(protocol.TypeDisconnect, 5, nil))
	assert.Equal(t, 1, h.rec.disconnected)
}

func TestDisconnectSendsPacket(t *testing.T) {
	h := newHarness(t)
	h.establish(t)

	require.NoError(t, h.conn.Disconnect())

	sent := h.pc.take()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeDisconnect, sent[0].Type)
	assert.Equal(t, uint32(3), sent[0].SeqThis)
	assert.Equal(t, StateClosed, h.conn.State())
}

func TestSendBeforeConnect(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.conn.Send(protocol.NewProtoMessage(protocol.EMsgClientHeartBeat, nil)), ErrNoRemote)
}

func TestAcceptOnlyWhileAwaitingConnect(t *testing.T) {
	h := newHarness(t)

	// before Connect there is nothing to accept
	h.pc.deliver(serverPacket(protocol.TypeAccept, 1, nil))
	assert.Equal(t, StateIdle, h.conn.State())
	assert.Zero(t, h.conn.RemoteConnID())

	h.establish(t)

	dup := serverPacket(protocol.TypeAccept, 4, nil)
	dup.SourceConnID = 0x99
	h.pc.deliver(dup)

	assert.Equal(t, StateEstablished, h.conn.State())
	assert.Equal(t, uint32(0x42), h.conn.RemoteConnID())
	require.Len(t, h.rec.drops, 2)
	for _, err := range h.rec.drops {
		assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
	}
}

func TestAcceptFromOtherServerIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.conn.Connect(1, serverAddr))

	stranger := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 9), Port: 27017}
	h.pc.fn(serverPacket(protocol.TypeAccept, 1, nil), stranger, nil)

	assert.Equal(t, StateAwaitingConnect, h.conn.State())
	assert.Zero(t, h.conn.RemoteConnID())
	require.Len(t, h.rec.drops, 1)
}
