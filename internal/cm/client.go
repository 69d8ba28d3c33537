// Package cm is the directory client: it finds the least loaded CM server,
// connects to it, negotiates channel encryption and signs on anonymously.
package cm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/1ureka/steamcm/internal/connection"
	"github.com/1ureka/steamcm/internal/crypto"
	"github.com/1ureka/steamcm/internal/metrics"
	"github.com/1ureka/steamcm/internal/protocol"
	"github.com/1ureka/steamcm/internal/session"
	"github.com/1ureka/steamcm/internal/store"
	"github.com/1ureka/steamcm/internal/transport"
	"github.com/1ureka/steamcm/internal/util"
)

var (
	// ErrNegotiationFailed is reported by the connect waiter when the
	// server refused the session key.
	ErrNegotiationFailed = connection.ErrNegotiationFailed

	ErrDiscoveryTimeout = errors.New("no CM server answered before the discovery deadline")
	ErrDisconnected     = errors.New("disconnected from CM server")
	ErrNotConnected     = errors.New("not connected to a CM server")
	ErrNoCandidate      = errors.New("no CM server selected; run discovery first")
	ErrLogonFailed      = errors.New("logon failed")
)

const (
	defaultDiscoveryTimeout = 5 * time.Second

	// cached servers with this many failures are not probed again
	maxCachedFailures = 3
	maxCachedServers  = 32
)

// Option configures a Client.
type Option func(*Client)

// WithStore persists probed servers and merges cached ones into discovery.
func WithStore(db *store.DB) Option {
	return func(c *Client) { c.store = db }
}

// WithMetrics records client and connection counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithKeyRing replaces the built-in universe public keys.
func WithKeyRing(k *crypto.KeyRing) Option {
	return func(c *Client) { c.keys = k }
}

// WithMessageHandler receives every message the client does not handle
// itself. It runs on the receive goroutine.
func WithMessageHandler(fn func(*protocol.Message)) Option {
	return func(c *Client) { c.onMessage = fn }
}

// WithPacketConn uses pc instead of binding a UDP socket.
func WithPacketConn(pc connection.PacketConn) Option {
	return func(c *Client) { c.pc = pc }
}

// WithLocalAddr sets the UDP address to bind. Defaults to ":0".
func WithLocalAddr(addr string) Option {
	return func(c *Client) { c.localAddr = addr }
}

// WithDiscoveryTimeout bounds how long BeginDiscovery waits for a quorum.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(c *Client) { c.discoveryTimeout = d }
}

type candidate struct {
	addr      net.Addr
	challenge protocol.Challenge
}

// Client drives one CM session from discovery to sign-on.
type Client struct {
	pc      connection.PacketConn
	conn    *connection.Conn
	session *session.Session

	store            *store.DB
	metrics          *metrics.Metrics
	keys             *crypto.KeyRing
	onMessage        func(*protocol.Message)
	localAddr        string
	discoveryTimeout time.Duration

	candidates []net.Addr

	mu        sync.Mutex
	discovery *Waiter
	probing   bool
	quorum    int
	answered  int
	best      *candidate
	connectW  *Waiter
	logonW    *Waiter

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// New resolves the candidate servers (host:port) and binds the socket. The
// socket stays open until Close, even after ctx is cancelled.
func New(ctx context.Context, servers []string, opts ...Option) (*Client, error) {
	c := &Client{
		localAddr:        ":0",
		discoveryTimeout: defaultDiscoveryTimeout,
		keys:             crypto.DefaultKeyRing(),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	servers = c.mergeCached(servers)
	for _, s := range servers {
		addr, err := net.ResolveUDPAddr("udp", s)
		if err != nil {
			util.LogWarning("skipping server %s: %v", s, err)
			continue
		}
		c.candidates = append(c.candidates, addr)
	}
	if len(c.candidates) == 0 {
		return nil, errors.New("no usable CM server addresses")
	}

	if c.pc == nil {
		// the socket must outlive ctx so Close can still log off
		t, err := transport.NewTransport(context.WithoutCancel(ctx), c.localAddr)
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", c.localAddr, err)
		}
		c.pc = t
	}

	c.session = session.New(c.metrics)
	c.conn = connection.New(c.pc, c,
		connection.WithKeyRing(c.keys),
		connection.WithMetrics(c.metrics),
	)
	return c, nil
}

// mergeCached records the configured servers and appends cached ones that
// have not failed too often.
func (c *Client) mergeCached(servers []string) []string {
	if c.store == nil {
		return servers
	}

	for _, s := range servers {
		if err := c.store.UpsertServer(s, store.SourceConfig); err != nil {
			util.LogWarning("failed to cache server %s: %v", s, err)
		}
	}

	cached, err := c.store.Servers(maxCachedFailures, maxCachedServers)
	if err != nil {
		util.LogWarning("failed to read server cache: %v", err)
		return servers
	}

	out := slices.Clone(servers)
	for _, s := range cached {
		if !slices.Contains(out, s.Addr) {
			out = append(out, s.Addr)
		}
	}
	if n := len(out) - len(servers); n > 0 {
		util.LogDebug("added %d cached servers", n)
	}
	return out
}

// Candidates returns the resolved server addresses probed by discovery.
func (c *Client) Candidates() []net.Addr {
	return slices.Clone(c.candidates)
}

// Done is closed once the session ended, by either side.
func (c *Client) Done() <-chan struct{} { return c.done }

// Session exposes the session state.
func (c *Client) Session() *session.Session { return c.session }

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

// BeginDiscovery sends a challenge request to every candidate. The returned
// waiter completes once two thirds of them answered, or with
// ErrDiscoveryTimeout when the deadline passes with no answer at all.
func (c *Client) BeginDiscovery(ctx context.Context) *Waiter {
	w := newWaiter()

	c.mu.Lock()
	if c.discovery != nil {
		c.discovery.resolve(ErrDisconnected)
	}
	c.discovery = w
	c.probing = true
	c.quorum = max(1, len(c.candidates)*2/3)
	c.answered = 0
	c.best = nil
	c.mu.Unlock()

	util.LogInfo("probing %d CM servers (quorum %d)", len(c.candidates), c.quorum)
	if err := c.conn.SendChallengeRequests(c.candidates); err != nil {
		util.LogWarning("challenge requests: %v", err)
		if errors.Is(err, connection.ErrClosed) {
			c.finishDiscovery(w, ErrDisconnected)
			return w
		}
	}

	go func() {
		timer := time.NewTimer(c.discoveryTimeout)
		defer timer.Stop()

		select {
		case <-w.Done():
			return
		case <-timer.C:
			c.finishDiscovery(w, nil)
		case <-ctx.Done():
			c.finishDiscovery(w, ctx.Err())
		}
	}()
	return w
}

// finishDiscovery closes the probe window. With no candidate the waiter
// fails with cause, or ErrDiscoveryTimeout when cause is nil.
func (c *Client) finishDiscovery(w *Waiter, cause error) {
	c.mu.Lock()
	if c.discovery != w {
		c.mu.Unlock()
		return
	}
	c.probing = false
	best, answered := c.best, c.answered
	c.mu.Unlock()

	if best != nil {
		util.LogInfo("discovery ended with %d/%d answers", answered, len(c.candidates))
		w.resolve(nil)
		return
	}
	if cause == nil {
		cause = ErrDiscoveryTimeout
	}
	w.resolve(cause)
}

// Best returns the least loaded server seen by the last discovery.
func (c *Client) Best() (net.Addr, protocol.Challenge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.best == nil {
		return nil, protocol.Challenge{}, false
	}
	return c.best.addr, c.best.challenge, true
}

// HandleChallenge records one challenge answer. Lower load wins and ties
// keep the earlier answer.
func (c *Client) HandleChallenge(from net.Addr, ch protocol.Challenge) {
	c.metrics.ChallengeReceived()
	if c.store != nil {
		if err := c.store.RecordChallenge(from.String(), ch.Load); err != nil {
			util.LogWarning("failed to cache challenge from %s: %v", from, err)
		}
	}

	c.mu.Lock()
	if !c.probing {
		c.mu.Unlock()
		util.LogDebug("ignoring late challenge from %s (load %d)", from, ch.Load)
		return
	}

	c.answered++
	if c.best == nil || ch.Load < c.best.challenge.Load {
		c.best = &candidate{addr: from, challenge: ch}
	}
	util.LogDebug("challenge from %s: load %d (%d/%d)", from, ch.Load, c.answered, c.quorum)

	var done *Waiter
	if c.answered >= c.quorum {
		c.probing = false
		done = c.discovery
	}
	c.mu.Unlock()

	if done != nil {
		util.LogInfo("discovery quorum reached")
		done.resolve(nil)
	}
}

// ---------------------------------------------------------------------------
// Connect and sign-on
// ---------------------------------------------------------------------------

// Connect answers the best challenge. The waiter completes when channel
// encryption is negotiated, wrapping ErrNegotiationFailed on refusal. A
// failed attempt is not retried against another server.
func (c *Client) Connect() (*Waiter, error) {
	c.mu.Lock()
	best := c.best
	if best == nil {
		c.mu.Unlock()
		return nil, ErrNoCandidate
	}
	c.probing = false
	w := newWaiter()
	c.connectW = w
	c.mu.Unlock()

	c.session.SetEndpoint(best.addr)
	c.metrics.ServerSelected(best.challenge.Load)
	util.LogInfo("connecting to %s (load %d)", best.addr, best.challenge.Load)

	if err := c.conn.Connect(best.challenge.Value, best.addr); err != nil {
		c.recordFailure(best.addr)
		return nil, err
	}
	return w, nil
}

// HandleNegotiated completes the connect waiter.
func (c *Client) HandleNegotiated(universe protocol.Universe, err error) {
	c.session.SetUniverse(universe)
	if err == nil {
		c.session.SetConnected(true)
		util.LogSuccess("connected to %s (universe %s)", c.session.Endpoint(), universe)
	} else if addr := c.session.Endpoint(); addr != nil {
		c.recordFailure(addr)
	}

	c.mu.Lock()
	w := c.connectW
	c.mu.Unlock()
	if w != nil {
		w.resolve(err)
	}
}

// IsConnected reports whether channel encryption completed and the server
// has not disconnected.
func (c *Client) IsConnected() bool {
	return c.session.Connected()
}

// SignOn sends an anonymous ClientLogon. The waiter completes with the
// logon response, wrapping ErrLogonFailed when it is not OK.
func (c *Client) SignOn(accountType protocol.AccountType) (*Waiter, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	msg := protocol.NewProtoMessage(protocol.EMsgClientLogon, protocol.LogonRequest{
		ProtocolVersion: protocol.LogonProtocolVersion,
		CellID:          c.session.CellID(),
	}.Marshal())
	msg.Header.SteamID = protocol.NewSteamID(0, 0, c.session.Universe(), accountType)

	w := newWaiter()
	c.mu.Lock()
	c.logonW = w
	c.mu.Unlock()

	util.LogInfo("signing on as %s", accountType)
	if err := c.conn.Send(msg); err != nil {
		return nil, err
	}
	return w, nil
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// HandleMessage routes one decrypted message.
func (c *Client) HandleMessage(msg *protocol.Message) {
	switch msg.Header.EMsg {
	case protocol.EMsgClientLogOnResponse:
		c.handleLogonResponse(msg)
	case protocol.EMsgClientLoggedOff:
		c.handleLoggedOff(msg)
	case protocol.EMsgClientCMList:
		c.handleCMList(msg)
	default:
		if c.onMessage != nil {
			c.onMessage(msg)
			return
		}
		util.LogDebug("unhandled message %s (%d bytes)", msg.Header.EMsg, len(msg.Body))
	}
}

func (c *Client) handleLogonResponse(msg *protocol.Message) {
	var resp protocol.LogonResponse
	if err := resp.Unmarshal(msg.Body); err != nil {
		util.LogWarning("dropping logon response: %v", err)
		return
	}

	var err error
	if resp.Result == protocol.EResultOK {
		c.session.UpdateIdentity(msg.Header.SteamID, msg.Header.SessionID)
		c.session.SetCellID(resp.CellID)
		interval := time.Duration(resp.HeartbeatSeconds) * time.Second
		c.session.ScheduleHeartbeat(interval, c.conn)
		util.LogSuccess("signed on as %s (session %d, heartbeat %s)", msg.Header.SteamID, msg.Header.SessionID, interval)
	} else {
		err = fmt.Errorf("%w: %s", ErrLogonFailed, resp.Result)
		util.LogError("%v", err)
	}

	c.mu.Lock()
	w := c.logonW
	c.mu.Unlock()
	if w != nil {
		w.resolve(err)
	}
}

func (c *Client) handleLoggedOff(msg *protocol.Message) {
	var off protocol.LoggedOff
	if err := off.Unmarshal(msg.Body); err != nil {
		util.LogWarning("dropping logged off notice: %v", err)
		return
	}
	util.LogWarning("logged off by server: %s", off.Result)
	c.session.StopHeartbeat()
	c.session.ClearIdentity()
}

func (c *Client) handleCMList(msg *protocol.Message) {
	var list protocol.CMList
	if err := list.Unmarshal(msg.Body); err != nil {
		util.LogWarning("dropping CM list: %v", err)
		return
	}

	eps := list.Endpoints()
	util.LogDebug("server sent %d CM endpoints", len(eps))
	if c.store == nil {
		return
	}
	for _, ep := range eps {
		if err := c.store.UpsertServer(ep, store.SourceCMList); err != nil {
			util.LogWarning("failed to cache server %s: %v", ep, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// HandleDisconnect ends the session after the server hung up.
func (c *Client) HandleDisconnect() {
	util.LogWarning("CM server closed the connection")
	c.session.Close()
	c.releaseWaiters()
}

// Close logs off, says goodbye to the server, stops the heartbeat and
// releases the socket. Pending waiters complete with ErrDisconnected.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.IsConnected() && c.session.Identity().SteamID != 0 {
			msg := protocol.NewProtoMessage(protocol.EMsgClientLogOff, nil)
			c.session.FillHeader(&msg.Header)
			if err := c.conn.Send(msg); err != nil {
				util.LogWarning("failed to log off: %v", err)
			}
		}
		c.session.Close()
		c.closeErr = c.conn.Disconnect()
		c.releaseWaiters()
	})
	return c.closeErr
}

func (c *Client) releaseWaiters() {
	c.doneOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	c.probing = false
	pending := []*Waiter{c.discovery, c.connectW, c.logonW}
	c.mu.Unlock()

	for _, w := range pending {
		if w != nil {
			w.resolve(ErrDisconnected)
		}
	}
}

func (c *Client) recordFailure(addr net.Addr) {
	if c.store == nil {
		return
	}
	if err := c.store.RecordFailure(addr.String()); err != nil {
		util.LogWarning("failed to record failure for %s: %v", addr, err)
	}
}
