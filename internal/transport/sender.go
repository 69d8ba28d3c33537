package transport

import (
	"context"
	"net"

	"github.com/1ureka/steamcm/internal/protocol"
	"github.com/1ureka/steamcm/internal/util"
)

const sendBufferSize = 64 // outgoing packet channel capacity

type outbound struct {
	pkt  *protocol.Packet
	addr net.Addr
}

// sender is a goroutine-based packet writer that serializes all writes to
// the socket.
type sender struct {
	inbox chan outbound
	done  chan struct{}
}

func newSender() *sender {
	return &sender{
		inbox: make(chan outbound, sendBufferSize),
		done:  make(chan struct{}),
	}
}

// loop is the single-writer goroutine. When ctx is cancelled it flushes
// whatever is already queued before returning, so a final Disconnect
// enqueued ahead of Close still reaches the wire.
func (s *sender) loop(ctx context.Context, conn net.PacketConn) error {
	defer close(s.done)

	for {
		select {
		case out := <-s.inbox:
			s.write(conn, out)

		case <-ctx.Done():
			for {
				select {
				case out := <-s.inbox:
					s.write(conn, out)
				default:
					return nil
				}
			}
		}
	}
}

func (s *sender) write(conn net.PacketConn, out outbound) {
	data := protocol.Encode(out.pkt)
	if _, err := conn.WriteTo(data, out.addr); err != nil {
		// UDP writes fail per destination (unreachable network, bad
		// address); the socket itself stays usable.
		util.LogWarning("failed to send %s packet to %s: %v", out.pkt.Type, out.addr, err)
		return
	}

	util.Stats.AddSent(len(data))
	util.LogTrace("sent",
		"type", out.pkt.Type, "to", out.addr,
		"seq", out.pkt.SeqThis, "ack", out.pkt.SeqAck,
		"src", out.pkt.SourceConnID, "dst", out.pkt.DestConnID, "size", len(out.pkt.Payload))
}

// send enqueues a packet for transmission. It blocks if the internal buffer
// is full and fails with ErrClosed once ctx is cancelled.
func (s *sender) send(ctx context.Context, out outbound) error {
	if ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case s.inbox <- out:
		return nil
	case <-ctx.Done():
		return ErrClosed
	}
}
