package health

import (
	"context"
	"fmt"
	"net"
	"time"

	txsocks5 "github.com/txthinking/socks5"
)

// Probe checks that a SOCKS5 server is answering on addr by performing the
// method-selection handshake. A plain TCP accept is not enough: the ssh
// client binds the port before the tunnel is usable.
func Probe(ctx context.Context, addr string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	if _, err := txsocks5.NewNegotiationRequest([]byte{txsocks5.MethodNone}).WriteTo(conn); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	reply, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}
	if reply.Method != txsocks5.MethodNone {
		return fmt.Errorf("unexpected negotiation method %d", reply.Method)
	}

	return nil
}
