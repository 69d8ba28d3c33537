// Package session holds the mutable state of one CM session: the chosen
// endpoint, the server's universe, the logged-on identity and the heartbeat
// task.
package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/1ureka/steamcm/internal/metrics"
	"github.com/1ureka/steamcm/internal/protocol"
	"github.com/1ureka/steamcm/internal/util"
)

// Sender delivers one application message. *connection.Conn implements it.
type Sender interface {
	Send(msg *protocol.Message) error
}

// Identity is the pair stamped into every session-bearing header.
type Identity struct {
	SteamID   protocol.SteamID
	SessionID int32
}

// Session is safe for concurrent use. Every field is guarded by mu.
type Session struct {
	mu        sync.RWMutex
	endpoint  net.Addr
	universe  protocol.Universe
	connected bool
	identity  Identity
	cellID    uint32

	metrics *metrics.Metrics

	hbCancel context.CancelFunc
	hbDone   chan struct{}
	closed   bool
}

// New returns an empty session. m may be nil.
func New(m *metrics.Metrics) *Session {
	return &Session{metrics: m}
}

func (s *Session) SetEndpoint(addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = addr
}

func (s *Session) Endpoint() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

func (s *Session) SetUniverse(u protocol.Universe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.universe = u
}

func (s *Session) Universe() protocol.Universe {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.universe
}

func (s *Session) SetConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
}

func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Session) SetCellID(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cellID = id
}

func (s *Session) CellID() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cellID
}

// UpdateIdentity replaces the steam id and session id together.
func (s *Session) UpdateIdentity(steamID protocol.SteamID, sessionID int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = Identity{SteamID: steamID, SessionID: sessionID}
}

// Identity returns a consistent snapshot of both identity fields.
func (s *Session) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// ClearIdentity forgets the logged-on identity.
func (s *Session) ClearIdentity() {
	s.UpdateIdentity(0, 0)
}

// FillHeader stamps the current identity into a session-bearing header.
// Short headers are left untouched.
func (s *Session) FillHeader(h *protocol.MsgHeader) {
	if h.Kind == protocol.HeaderShort {
		return
	}
	id := s.Identity()
	h.SteamID = id.SteamID
	h.SessionID = id.SessionID
}

// ScheduleHeartbeat sends a ClientHeartBeat through sender every interval
// until StopHeartbeat or Close. A running heartbeat is replaced.
func (s *Session) ScheduleHeartbeat(interval time.Duration, sender Sender) {
	if interval <= 0 {
		util.LogWarning("ignoring heartbeat interval %s", interval)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	prevCancel, prevDone := s.hbCancel, s.hbDone
	s.hbCancel, s.hbDone = cancel, done
	s.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}

	go s.heartbeat(ctx, interval, sender, done)
	util.LogDebug("heartbeat scheduled every %s", interval)
}

func (s *Session) heartbeat(ctx context.Context, interval time.Duration, sender Sender, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// a tick racing with cancel must not send
		if ctx.Err() != nil {
			return
		}

		msg := protocol.NewProtoMessage(protocol.EMsgClientHeartBeat, nil)
		s.FillHeader(&msg.Header)
		if err := sender.Send(msg); err != nil {
			util.LogWarning("heartbeat failed: %v", err)
			continue
		}
		s.metrics.HeartbeatSent()
	}
}

// StopHeartbeat cancels the heartbeat and waits for it to exit. It is a
// no-op when none is running.
func (s *Session) StopHeartbeat() {
	s.mu.Lock()
	cancel, done := s.hbCancel, s.hbDone
	s.hbCancel, s.hbDone = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops the heartbeat and marks the session disconnected. Later calls
// do nothing.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connected = false
	s.mu.Unlock()

	s.StopHeartbeat()
}
