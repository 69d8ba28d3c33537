// Package connection implements the CM connection engine: sequencing, the
// challenge/connect handshake, channel encryption and inbound dispatch.
package connection

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/1ureka/steamcm/internal/crypto"
	"github.com/1ureka/steamcm/internal/metrics"
	"github.com/1ureka/steamcm/internal/protocol"
	"github.com/1ureka/steamcm/internal/util"
)

var (
	// ErrClosed is returned by sends after the connection closed.
	ErrClosed = errors.New("connection closed")

	// ErrNegotiationFailed reports a channel encryption handshake that did
	// not end with an OK result.
	ErrNegotiationFailed = errors.New("channel negotiation failed")

	// ErrNoRemote is returned when sending before Connect chose a server.
	ErrNoRemote = errors.New("no remote server selected")
)

// PacketConn is the datagram layer the engine drives. *transport.Transport
// implements it.
type PacketConn interface {
	Send(pkt *protocol.Packet, addr net.Addr) error
	OnPacket(fn func(pkt *protocol.Packet, from net.Addr, err error))
	Close() error
}

// Handler receives engine events. Every callback runs on the receive
// goroutine, in packet arrival order.
type Handler interface {
	// HandleChallenge is called for every challenge response.
	HandleChallenge(from net.Addr, ch protocol.Challenge)
	// HandleNegotiated ends the encryption handshake; err wraps
	// ErrNegotiationFailed unless the channel is now encrypted.
	HandleNegotiated(universe protocol.Universe, err error)
	// HandleMessage receives every decrypted message the engine does not
	// consume itself, with multi envelopes already expanded.
	HandleMessage(msg *protocol.Message)
	// HandleDisconnect is called once when the peer disconnects.
	HandleDisconnect()
}

// Option configures a Conn.
type Option func(*Conn)

// WithKeyRing replaces the built-in universe keys.
func WithKeyRing(k *crypto.KeyRing) Option {
	return func(c *Conn) { c.keys = k }
}

// WithMetrics records packet and handshake counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Conn) { c.metrics = m }
}

// WithDropHook is called with the error of every dropped datagram or message.
func WithDropHook(fn func(error)) Option {
	return func(c *Conn) { c.onDrop = fn }
}

type filterBox struct {
	crypto.Filter
}

// Conn is the connection engine for one CM session.
type Conn struct {
	pc      PacketConn
	handler Handler
	keys    *crypto.KeyRing
	metrics *metrics.Metrics
	onDrop  func(error)

	state    atomic.Int32
	outSeq   SeqGen
	lastRecv atomic.Uint32
	remoteID atomic.Uint32
	universe atomic.Uint32

	// filter is replaced exactly once, from pass-through to symmetric.
	filter atomic.Pointer[filterBox]

	mu         sync.Mutex
	remote     net.Addr
	sessionKey []byte
}

// New wires the engine to pc and starts receiving.
func New(pc PacketConn, h Handler, opts ...Option) *Conn {
	c := &Conn{
		pc:      pc,
		handler: h,
		keys:    crypto.DefaultKeyRing(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.filter.Store(&filterBox{crypto.Passthrough{}})
	c.metrics.SetState(int(StateIdle))

	pc.OnPacket(c.handlePacket)
	return c
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (c *Conn) State() State            { return State(c.state.Load()) }
func (c *Conn) Encrypted() bool         { return c.filter.Load().Encrypted() }
func (c *Conn) RemoteConnID() uint32    { return c.remoteID.Load() }
func (c *Conn) LastReceivedSeq() uint32 { return c.lastRecv.Load() }
func (c *Conn) OutgoingSeq() uint32     { return c.outSeq.Current() }

// Universe returns the realm announced by the server's encryption request.
func (c *Conn) Universe() protocol.Universe {
	return protocol.Universe(c.universe.Load())
}

// Remote returns the server chosen by Connect, or nil.
func (c *Conn) Remote() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// setState moves to s unless the engine is already closed.
func (c *Conn) setState(s State) {
	for {
		cur := c.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			c.metrics.SetState(int(s))
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// SendChallengeRequests asks every candidate for a challenge.
func (c *Conn) SendChallengeRequests(addrs []net.Addr) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	c.setState(StateProbingServers)

	var errs []error
	for _, addr := range addrs {
		pkt := protocol.NewPacket(protocol.TypeChallengeReq, nil)
		pkt.SeqThis = 1
		pkt.SeqAck = c.lastRecv.Load()
		if err := c.write(pkt, addr); err != nil {
			errs = append(errs, fmt.Errorf("challenge %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

// Connect answers challenge from addr, making addr the remote server.
func (c *Conn) Connect(challenge uint32, addr net.Addr) error {
	if c.State() == StateClosed {
		return ErrClosed
	}

	c.mu.Lock()
	c.remote = addr
	c.mu.Unlock()
	c.setState(StateAwaitingConnect)

	return c.sendSequenced(protocol.TypeConnect, protocol.EncodeConnect(challenge))
}

// Send serializes msg, passes it through the active filter and sends it as
// one Data packet.
func (c *Conn) Send(msg *protocol.Message) error {
	if c.State() == StateClosed {
		return ErrClosed
	}

	data, err := c.filter.Load().EncryptOutgoing(msg.Encode())
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", msg.Header.EMsg, err)
	}
	if len(data) > protocol.MaxPayload {
		return fmt.Errorf("%s: %d bytes exceeds single packet payload %d", msg.Header.EMsg, len(data), protocol.MaxPayload)
	}
	if err := c.sendSequenced(protocol.TypeData, data); err != nil {
		return err
	}

	c.metrics.MessageSent(msg.Header.EMsg.String())
	return nil
}

// Disconnect tells an accepted server goodbye and closes the engine.
func (c *Conn) Disconnect() error {
	var err error
	if s := c.State(); s == StateNegotiatingEncryption || s == StateEstablished {
		err = c.sendSequenced(protocol.TypeDisconnect, nil)
	}
	return errors.Join(err, c.Close())
}

// Close marks the engine closed and releases the socket.
func (c *Conn) Close() error {
	c.state.Store(int32(StateClosed))
	c.metrics.SetState(int(StateClosed))
	return c.pc.Close()
}

func (c *Conn) sendSequenced(t protocol.PacketType, payload []byte) error {
	remote := c.Remote()
	if remote == nil {
		return ErrNoRemote
	}

	seq := c.outSeq.Next()
	pkt := protocol.NewPacket(t, payload)
	pkt.DestConnID = c.remoteID.Load()
	pkt.SeqThis = seq
	pkt.SeqAck = c.lastRecv.Load()
	pkt.MsgStartSeq = seq
	return c.write(pkt, remote)
}

// sendAck acknowledges the last received sequence without consuming an
// outgoing one.
func (c *Conn) sendAck() {
	remote := c.Remote()
	if remote == nil {
		return
	}

	pkt := protocol.NewPacket(protocol.TypeDatagram, nil)
	pkt.DestConnID = c.remoteID.Load()
	pkt.SeqAck = c.lastRecv.Load()
	pkt.PacketsInMsg = 0
	if err := c.write(pkt, remote); err != nil {
		util.LogWarning("failed to ack seq %d: %v", pkt.SeqAck, err)
	}
}

func (c *Conn) write(pkt *protocol.Packet, addr net.Addr) error {
	if err := c.pc.Send(pkt, addr); err != nil {
		return err
	}
	c.metrics.PacketSent(pkt.Type.String())
	return nil
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

func (c *Conn) handlePacket(pkt *protocol.Packet, from net.Addr, err error) {
	if err != nil {
		c.drop("frame", fmt.Errorf("datagram from %s: %w", from, err))
		return
	}
	if c.State() == StateClosed {
		return
	}

	c.lastRecv.Store(pkt.SeqThis)
	c.metrics.PacketReceived(pkt.Type.String())

	switch pkt.Type {
	case protocol.TypeChallenge:
		ch, err := protocol.DecodeChallenge(pkt.Payload)
		if err != nil {
			c.drop("frame", fmt.Errorf("challenge from %s: %w", from, err))
			return
		}
		c.handler.HandleChallenge(from, ch)

	case protocol.TypeAccept:
		if c.State() != StateAwaitingConnect || !sameAddr(from, c.Remote()) {
			c.drop("message", fmt.Errorf("%w: unexpected Accept from %s in state %s", protocol.ErrMalformedMessage, from, c.State()))
			return
		}
		c.remoteID.Store(pkt.SourceConnID)
		c.setState(StateNegotiatingEncryption)
		util.LogInfo("connection accepted by %s (remote conn id %08x)", from, pkt.SourceConnID)

	case protocol.TypeData:
		before := c.outSeq.Current()
		c.handleData(pkt.Payload)
		if c.outSeq.Current() == before && c.State() != StateClosed {
			c.sendAck()
		}

	case protocol.TypeDatagram:
		// acks carry nothing beyond the sequence fields

	case protocol.TypeDisconnect:
		util.LogInfo("server %s disconnected", from)
		c.state.Store(int32(StateClosed))
		c.metrics.SetState(int(StateClosed))
		c.handler.HandleDisconnect()
		if err := c.pc.Close(); err != nil {
			util.LogWarning("failed to close socket: %v", err)
		}

	default:
		c.drop("message", fmt.Errorf("%w: unexpected %s packet from %s", protocol.ErrMalformedMessage, pkt.Type, from))
	}
}

func (c *Conn) handleData(payload []byte) {
	data, err := c.filter.Load().DecryptIncoming(payload)
	if err != nil {
		c.drop("message", err)
		return
	}
	c.dispatch(data)
}

// dispatch routes one decrypted message. Multi envelopes re-enter dispatch
// once per fragment, in envelope order.
func (c *Conn) dispatch(data []byte) {
	emsg, _, err := protocol.PeekType(data)
	if err != nil {
		c.drop("message", err)
		return
	}

	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		c.drop("message", err)
		return
	}

	switch emsg {
	case protocol.EMsgChannelEncryptRequest:
		c.handleEncryptRequest(msg)

	case protocol.EMsgChannelEncryptResult:
		c.handleEncryptResult(msg)

	case protocol.EMsgMulti:
		frags := Fragments(msg.Body)
		if msg.IsProto() {
			frags = ProtoFragments(msg.Body)
		}
		for frag, err := range frags {
			if err != nil {
				c.drop("message", err)
				return
			}
			c.dispatch(frag)
		}

	default:
		c.handler.HandleMessage(msg)
	}
}

func (c *Conn) handleEncryptRequest(msg *protocol.Message) {
	req, err := protocol.DecodeEncryptRequest(msg.Body)
	if err != nil {
		c.drop("message", err)
		return
	}
	c.universe.Store(uint32(req.Universe))
	util.LogInfo("channel encryption requested (universe %s, protocol %d)", req.Universe, req.ProtocolVersion)

	pub, ok := c.keys.Lookup(req.Universe)
	if !ok {
		c.failNegotiation(req.Universe, fmt.Errorf("%w: no public key for universe %s", ErrNegotiationFailed, req.Universe))
		return
	}

	key, err := crypto.GenerateSessionKey()
	if err != nil {
		c.failNegotiation(req.Universe, fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
		return
	}
	blob, err := crypto.WrapSessionKey(pub, key)
	if err != nil {
		c.failNegotiation(req.Universe, fmt.Errorf("%w: wrap session key: %v", ErrNegotiationFailed, err))
		return
	}

	c.mu.Lock()
	c.sessionKey = key
	c.mu.Unlock()

	body := protocol.EncryptResponse{
		ProtocolVersion: protocol.ChannelProtocolVersion,
		KeySize:         uint32(len(blob)),
		EncryptedKey:    blob,
	}.Encode()
	if err := c.Send(protocol.NewMessage(protocol.EMsgChannelEncryptResponse, body)); err != nil {
		c.failNegotiation(req.Universe, fmt.Errorf("%w: send response: %v", ErrNegotiationFailed, err))
	}
}

func (c *Conn) handleEncryptResult(msg *protocol.Message) {
	res, err := protocol.DecodeEncryptResult(msg.Body)
	if err != nil {
		c.drop("message", err)
		return
	}
	universe := c.Universe()
	c.metrics.Handshake(res.Result.String())

	if res.Result != protocol.EResultOK {
		c.handler.HandleNegotiated(universe, fmt.Errorf("%w: result %s", ErrNegotiationFailed, res.Result))
		return
	}

	c.mu.Lock()
	key := c.sessionKey
	c.mu.Unlock()
	if key == nil {
		c.handler.HandleNegotiated(universe, fmt.Errorf("%w: result before encryption request", ErrNegotiationFailed))
		return
	}

	sym, err := crypto.NewSymmetric(key)
	if err != nil {
		c.handler.HandleNegotiated(universe, fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
		return
	}

	c.filter.Store(&filterBox{sym})
	c.setState(StateEstablished)
	util.LogInfo("channel encrypted (universe %s)", universe)
	c.handler.HandleNegotiated(universe, nil)
}

func (c *Conn) failNegotiation(universe protocol.Universe, err error) {
	util.LogError("%v", err)
	c.metrics.Handshake("ClientError")
	c.handler.HandleNegotiated(universe, err)
}

func sameAddr(a, b net.Addr) bool {
	return a != nil && b != nil && a.String() == b.String()
}

func (c *Conn) drop(kind string, err error) {
	util.LogWarning("dropping %s: %v", kind, err)
	util.Stats.AddDropped()
	c.metrics.Malformed(kind)
	if c.onDrop != nil {
		c.onDrop(err)
	}
}
