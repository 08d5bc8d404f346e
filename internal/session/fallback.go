// Package session implements the per-connection state machine: parsing the
// Trojan request out of a freshly handshaked TLS stream, admitting it
// against the user store, and then relaying either a TCP stream or framed
// UDP packets until either side closes.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/shadowmesh/trojanx/internal/protocol"
)

// FallbackPolicy decides what happens to a connection that never presents
// a valid Trojan request: either because the fingerprint is unknown or
// because the bytes never parse as a request at all. Every such connection
// must still look, from the outside, like ordinary traffic to whatever the
// disguise site would have served.
type FallbackPolicy int

const (
	// FallbackReject closes the connection immediately.
	FallbackReject FallbackPolicy = iota
	// FallbackConnect proxies the connection, bytes already read
	// included, to a configured local address (typically a plain HTTPS
	// server serving the disguise site).
	FallbackConnect
	// FallbackProxy behaves like FallbackConnect but additionally
	// prefixes the forwarded stream with a PROXY protocol v2 header
	// carrying the original client address.
	FallbackProxy
)

// FallbackTarget describes where a rejected connection's bytes should be
// forwarded, and how.
type FallbackTarget struct {
	Policy  FallbackPolicy
	Addr    string // dial address, meaningless for FallbackReject
	Dialer  net.Dialer
}

// RunFallback forwards a connection that failed authentication according
// to target. peeked is whatever bytes were already read off client while
// attempting to parse a Trojan request; they must be replayed to the
// disguise server before relaying the rest of the stream, or the disguise
// breaks on the first byte.
func RunFallback(ctx context.Context, client net.Conn, peeked []byte, target FallbackTarget) error {
	switch target.Policy {
	case FallbackReject:
		return client.Close()

	case FallbackConnect, FallbackProxy:
		upstream, err := target.Dialer.DialContext(ctx, "tcp", target.Addr)
		if err != nil {
			return fmt.Errorf("session: fallback dial: %w", err)
		}
		defer upstream.Close()

		if target.Policy == FallbackProxy {
			srcAP, dstOK := addrPort(client.RemoteAddr())
			dstAP, srcOK := addrPort(client.LocalAddr())
			if dstOK && srcOK {
				hdr, err := protocol.EncodeProxyV2(srcAP, dstAP)
				if err == nil {
					if _, err := upstream.Write(hdr); err != nil {
						return fmt.Errorf("session: fallback proxy header: %w", err)
					}
				}
			}
		}

		if len(peeked) > 0 {
			if _, err := upstream.Write(peeked); err != nil {
				return fmt.Errorf("session: fallback replay: %w", err)
			}
		}

		return relayRaw(client, upstream)

	default:
		return client.Close()
	}
}

func addrPort(a net.Addr) (netip.AddrPort, bool) {
	tcpAddr, ok := a.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ip, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(tcpAddr.Port)), true
}

// relayRaw shuttles bytes in both directions with no metering and no
// request framing: a plain transparent proxy, used only for disguise
// fallback traffic.
func relayRaw(a, b net.Conn) error {
	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(a, bufio.NewReader(b))
		errc <- err
	}()
	go func() {
		_, err := io.Copy(b, bufio.NewReader(a))
		errc <- err
	}()
	err := <-errc
	a.Close()
	b.Close()
	<-errc
	return err
}
