package session

import (
	"context"
	"net"
	"net/netip"

	"github.com/shadowmesh/trojanx/internal/protocol"
	"github.com/shadowmesh/trojanx/internal/userstore"
)

// Verifier is the subset of *userstore.Store a session needs: looking up
// and admitting a fingerprint against its source IP.
type Verifier interface {
	Verify(fp protocol.Fingerprint, srcIP netip.Addr) (*userstore.UserContext, error)
}

// Config bundles everything a session needs beyond the raw connection.
type Config struct {
	Verifier Verifier
	Dialer   net.Dialer
	Fallback FallbackTarget
}

// Handle parses a Trojan request out of client, admits it against cfg's
// user store, and relays the corresponding TCP or UDP traffic. Any
// authentication or protocol failure is handed off to RunFallback instead
// of being reported to the caller as an error, since from the network's
// point of view a failed Trojan handshake must be indistinguishable from
// ordinary traffic to the disguise site.
func Handle(ctx context.Context, client net.Conn, cfg Config) error {
	first := make([]byte, 32*1024)
	n, err := client.Read(first)
	if err != nil {
		return err
	}
	candidate := first[:n]

	req, parseErr := protocol.ParseRequest(candidate)
	if parseErr != nil {
		return RunFallback(ctx, client, candidate, cfg.Fallback)
	}

	srcIP, ok := remoteIP(client)
	if !ok {
		return RunFallback(ctx, client, candidate, cfg.Fallback)
	}

	uc, verifyErr := cfg.Verifier.Verify(req.Fingerprint, srcIP)
	if verifyErr != nil {
		return RunFallback(ctx, client, candidate, cfg.Fallback)
	}

	sc := userstore.NewSessionContext(uc)

	switch req.Command {
	case protocol.CommandConnect:
		return RunTCP(ctx, client, cfg.Dialer, req.Addr.HostPort(), req.Payload, sc)

	case protocol.CommandUDPAssociate:
		var r protocol.Reassembler
		r.Write(req.Payload)
		return RunUDP(ctx, client, &r, sc)

	default:
		return RunFallback(ctx, client, candidate, cfg.Fallback)
	}
}

func remoteIP(conn net.Conn) (netip.Addr, bool) {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	ip, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}
