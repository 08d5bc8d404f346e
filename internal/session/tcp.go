package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/shadowmesh/trojanx/internal/userstore"
)

// meteredConn wraps a net.Conn so every Read/Write is charged against a
// session's rate limiter and traffic counters: every byte handed to the
// client counts as rx, every byte handed upstream counts as tx.
type meteredConn struct {
	net.Conn
	sc *userstore.SessionContext
}

func (c *meteredConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		// Bytes read from the client are about to be copied upstream.
		if pause := c.sc.ConsumeTx(n); pause > 0 {
			time.Sleep(pause)
		}
	}
	return n, err
}

func (c *meteredConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		// Bytes written to the client came from upstream.
		if pause := c.sc.ConsumeRx(n); pause > 0 {
			time.Sleep(pause)
		}
	}
	return n, err
}

// RunTCP dials the destination named by the already-parsed request, writes
// any buffered payload bytes that arrived in the same read as the header,
// and then relays full duplex until either side closes. All bytes crossing
// either direction are metered against sc.
func RunTCP(ctx context.Context, client net.Conn, dialer net.Dialer, destHostPort string, payload []byte, sc *userstore.SessionContext) error {
	upstream, err := dialer.DialContext(ctx, "tcp", destHostPort)
	if err != nil {
		return wrapKind(KindUpstream, fmt.Errorf("tcp dial %s: %w", destHostPort, err))
	}
	defer upstream.Close()

	if len(payload) > 0 {
		if _, err := upstream.Write(payload); err != nil {
			return wrapKind(KindIO, fmt.Errorf("tcp write buffered payload: %w", err))
		}
		sc.ConsumeTx(len(payload))
	}

	meteredClient := &meteredConn{Conn: client, sc: sc}

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(upstream, meteredClient)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(meteredClient, upstream)
		errc <- err
	}()

	err = <-errc
	client.Close()
	upstream.Close()
	<-errc
	return err
}
