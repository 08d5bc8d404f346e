package session

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/shadowmesh/trojanx/internal/protocol"
	"github.com/shadowmesh/trojanx/internal/userstore"
)

// udpRelayBuffer is the channel capacity between the goroutine that reads
// one side and the goroutine that writes the other. A small bound is
// enough to absorb bursts without letting a stalled writer pile up
// unbounded memory.
const udpRelayBuffer = 16

// RunUDP relays UDP-associate traffic for one session: framed packets
// arriving on the client TLS stream are decoded, sent from a shared
// ephemeral UDP socket to whatever destination each packet names, and
// datagrams arriving back on that socket are framed and written back to
// the client. Each direction is a pair of goroutines connected by a
// bounded channel, rather than a single poll loop, since
// the two directions genuinely run independently until ctx is canceled or
// either endpoint errors.
func RunUDP(ctx context.Context, client net.Conn, reassembler *protocol.Reassembler, sc *userstore.SessionContext) error {
	socket, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("session: udp socket: %w", err)
	}
	defer socket.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	toUpstream := make(chan protocol.UDPPacket, udpRelayBuffer)
	toClient := make(chan protocol.UDPPacket, udpRelayBuffer)
	errc := make(chan error, 4)

	go readClientPackets(ctx, client, reassembler, toUpstream, errc)
	go writeToSocket(ctx, socket, toUpstream, sc, errc)
	go readSocketPackets(ctx, socket, toClient, errc)
	go writeToClient(ctx, client, toClient, sc, errc)

	err = <-errc
	cancel()
	client.Close()
	socket.Close()
	// Drain the remaining three goroutines so none leak past return.
	<-errc
	<-errc
	<-errc
	return err
}

func readClientPackets(ctx context.Context, client net.Conn, r *protocol.Reassembler, out chan<- protocol.UDPPacket, errc chan<- error) {
	buf := make([]byte, 16*1024)
	for {
		n, err := client.Read(buf)
		if n > 0 {
			r.Write(buf[:n])
			for {
				pkt, perr := r.Advance()
				if perr != nil {
					errc <- fmt.Errorf("session: udp decode: %w", perr)
					return
				}
				if pkt == nil {
					break
				}
				cp := protocol.UDPPacket{Addr: pkt.Addr, Payload: append([]byte(nil), pkt.Payload...)}
				select {
				case out <- cp:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
		}
		if err != nil {
			errc <- err
			return
		}
	}
}

func writeToSocket(ctx context.Context, socket *net.UDPConn, in <-chan protocol.UDPPacket, sc *userstore.SessionContext, errc chan<- error) {
	for {
		select {
		case pkt, ok := <-in:
			if !ok {
				errc <- nil
				return
			}
			dst, err := net.ResolveUDPAddr("udp", pkt.Addr.HostPort())
			if err != nil {
				errc <- wrapKind(KindUpstream, fmt.Errorf("udp resolve %s: %w", pkt.Addr, err))
				return
			}
			if _, err := socket.WriteToUDP(pkt.Payload, dst); err != nil {
				errc <- fmt.Errorf("session: udp write: %w", err)
				return
			}
			sc.ConsumeTx(len(pkt.Payload))
		case <-ctx.Done():
			errc <- ctx.Err()
			return
		}
	}
}

func readSocketPackets(ctx context.Context, socket *net.UDPConn, out chan<- protocol.UDPPacket, errc chan<- error) {
	buf := make([]byte, 64*1024)
	for {
		n, src, err := socket.ReadFromUDP(buf)
		if err != nil {
			errc <- fmt.Errorf("session: udp read: %w", err)
			return
		}
		ip, ok := netip.AddrFromSlice(src.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		payload := append([]byte(nil), buf[:n]...)
		pkt := protocol.UDPPacket{Addr: protocol.NewIPAddress(ip, uint16(src.Port)), Payload: payload}
		select {
		case out <- pkt:
		case <-ctx.Done():
			errc <- ctx.Err()
			return
		}
	}
}

func writeToClient(ctx context.Context, client net.Conn, in <-chan protocol.UDPPacket, sc *userstore.SessionContext, errc chan<- error) {
	for {
		select {
		case pkt, ok := <-in:
			if !ok {
				errc <- nil
				return
			}
			enc := pkt.Encode()
			if _, err := client.Write(enc); err != nil {
				errc <- fmt.Errorf("session: udp write client: %w", err)
				return
			}
			sc.ConsumeRx(len(pkt.Payload))
		case <-ctx.Done():
			errc <- ctx.Err()
			return
		}
	}
}
