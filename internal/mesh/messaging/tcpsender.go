package messaging

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// TCPSender is the default concrete PeerSender: a 4-byte big-endian
// length-prefixed frame over a fresh TCP connection per send.
type TCPSender struct {
	// DialTimeout bounds the TCP connect; zero uses a 5s default.
	DialTimeout time.Duration
}

// SendFrame dials the peer's data address, writes the 4-byte big-endian
// length prefix followed by frame, and closes the connection.
func (s TCPSender) SendFrame(ctx context.Context, peer Peer, frame []byte) error {
	timeout := s.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", peer.Address())
	if err != nil {
		return fmt.Errorf("mesh/tcpsender: dial %s: %w", peer.Address(), err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))
	if _, err := conn.Write(header[:]); err != nil {
		return fmt.Errorf("mesh/tcpsender: write length prefix: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("mesh/tcpsender: write frame: %w", err)
	}
	return nil
}
