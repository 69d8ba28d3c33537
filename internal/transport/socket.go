package transport

import (
	"context"
	"net"
)

const (
	// maxDatagram bounds a single read. CM packets stay far below it.
	maxDatagram = 64 * 1024

	socketBufferSize = 256 * 1024
)

// listenUDP binds the client socket. An empty localAddr binds an ephemeral
// port on all interfaces.
func listenUDP(ctx context.Context, localAddr string) (net.PacketConn, error) {
	if localAddr == "" {
		localAddr = ":0"
	}

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", localAddr)
	if err != nil {
		return nil, err
	}

	if udp, ok := conn.(*net.UDPConn); ok {
		_ = udp.SetReadBuffer(socketBufferSize)
		_ = udp.SetWriteBuffer(socketBufferSize)
	}
	return conn, nil
}
