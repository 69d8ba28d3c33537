// Package transport owns the UDP socket used to talk to CM servers.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/steamcm/internal/protocol"
	"github.com/1ureka/steamcm/internal/util"
)

// ErrClosed is returned by Send after the Transport shut down.
var ErrClosed = errors.New("transport closed")

// Transport wraps one bound UDP socket. All writes funnel through a single
// sender goroutine; all reads happen on a single receive goroutine, so
// packets are handed to the callback in arrival order.
//
// Its goroutines belong to an errgroup whose context derives from the
// context passed at construction time.
type Transport struct {
	conn   net.PacketConn
	sender *sender

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	recvOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// NewTransport binds localAddr and starts the sender goroutine. The
// Transport shuts down when ctx is cancelled or Close is called.
func NewTransport(ctx context.Context, localAddr string) (*Transport, error) {
	conn, err := listenUDP(ctx, localAddr)
	if err != nil {
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)
	group, gCtx := errgroup.WithContext(tCtx)

	t := &Transport{
		conn:   conn,
		sender: newSender(),
		group:  group,
		ctx:    gCtx,
		cancel: tCancel,
	}

	group.Go(func() error { return t.sender.loop(gCtx, conn) })

	// Parent cancellation must also release the socket so that the
	// receive goroutine unblocks.
	group.Go(func() error {
		<-gCtx.Done()
		t.Close()
		return nil
	})

	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// LocalAddr returns the bound socket address.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Done returns a channel that is closed when the Transport is shut down.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close stops accepting sends, flushes queued packets and releases the
// socket. It is safe to call more than once and from the receive callback.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		<-t.sender.done
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// Wait blocks until every Transport goroutine has exited. It must not be
// called from the receive callback.
func (t *Transport) Wait() error {
	return t.group.Wait()
}

// ---------------------------------------------------------------------------
// Data transfer
// ---------------------------------------------------------------------------

// Send enqueues pkt for delivery to addr.
func (t *Transport) Send(pkt *protocol.Packet, addr net.Addr) error {
	return t.sender.send(t.ctx, outbound{pkt: pkt, addr: addr})
}

// OnPacket starts the receive goroutine. fn is invoked for every inbound
// datagram in arrival order; err is non-nil (wrapping
// protocol.ErrMalformedFrame) when the datagram failed to decode. Only the
// first registered callback is used.
func (t *Transport) OnPacket(fn func(pkt *protocol.Packet, from net.Addr, err error)) {
	t.recvOnce.Do(func() {
		t.group.Go(func() error { return t.receiveLoop(fn) })
	})
}

func (t *Transport) receiveLoop(fn func(*protocol.Packet, net.Addr, error)) error {
	buf := make([]byte, maxDatagram)

	for {
		n, from, err := t.conn.ReadFrom(buf)
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			util.LogWarning("udp read failed: %v", err)
			continue
		}

		util.Stats.AddRecv(n)

		pkt, err := protocol.Decode(buf[:n])
		if err == nil {
			util.LogTrace("recv",
				"type", pkt.Type, "from", from,
				"seq", pkt.SeqThis, "ack", pkt.SeqAck,
				"src", pkt.SourceConnID, "dst", pkt.DestConnID, "size", len(pkt.Payload))
		}
		fn(pkt, from, err)
	}
}
