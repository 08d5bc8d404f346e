package protocol

import "encoding/binary"

// UDPPacket is one frame of the UDP-over-stream encoding used once a
// session has been promoted to UDP associate: every datagram is prefixed
// with its destination address and an explicit length, so a sequence of
// packets can be multiplexed over the same TLS stream as the TCP payload.
//
// Wire layout: addr(var) length(2 BE) CRLF payload(length bytes)
type UDPPacket struct {
	Addr    Address
	Payload []byte
}

// Size returns the exact wire size of p.
func (p UDPPacket) Size() int {
	return p.Addr.Size() + 2 + crlfLen + len(p.Payload)
}

// Encode renders p to its wire form.
func (p UDPPacket) Encode() []byte {
	out := p.Addr.AppendTo(make([]byte, 0, p.Size()))
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(p.Payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, '\r', '\n')
	out = append(out, p.Payload...)
	return out
}

// DecodeUDPPacket decodes one packet from the front of data, returning
// ErrNotReady if data is a valid but incomplete prefix, and ErrProtocol if
// it can never become a valid packet. On success it returns the number of
// bytes consumed.
func DecodeUDPPacket(data []byte) (UDPPacket, int, error) {
	addr, n, err := DecodeAddress(data)
	if err != nil {
		return UDPPacket{}, 0, err
	}
	rest := data[n:]

	if len(rest) < 2 {
		return UDPPacket{}, 0, ErrNotReady
	}
	payloadLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]

	if len(rest) < crlfLen {
		return UDPPacket{}, 0, ErrNotReady
	}
	if rest[0] != '\r' || rest[1] != '\n' {
		return UDPPacket{}, 0, ErrProtocol
	}
	rest = rest[crlfLen:]

	if len(rest) < payloadLen {
		return UDPPacket{}, 0, ErrNotReady
	}

	consumed := n + 2 + crlfLen + payloadLen
	return UDPPacket{Addr: addr, Payload: data[n+2+crlfLen : consumed]}, consumed, nil
}

// Reassembler accumulates bytes read off a stream and hands back whole
// UDPPacket values as they become available. It owns a single growable
// buffer; the bytes backing a packet returned by Advance remain valid only
// until the next call to Advance, which is when they are compacted out.
type Reassembler struct {
	buf     []byte
	pending int // bytes at the front of buf already handed out by the last Advance
}

// Write appends newly read bytes to the reassembler's buffer.
func (r *Reassembler) Write(p []byte) {
	r.buf = append(r.buf, p...)
}

// Advance attempts to decode the next packet from the buffered bytes. It
// returns (nil, nil) if more bytes are needed, and a non-nil error only for
// malformed data. The returned packet's Payload aliases the reassembler's
// internal buffer and must be consumed before the next Write/Advance call.
func (r *Reassembler) Advance() (*UDPPacket, error) {
	if r.pending > 0 {
		r.buf = r.buf[r.pending:]
		r.pending = 0
	}

	pkt, n, err := DecodeUDPPacket(r.buf)
	if err == ErrNotReady {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.pending = n
	return &pkt, nil
}
