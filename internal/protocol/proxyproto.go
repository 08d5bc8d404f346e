package protocol

import (
	"fmt"
	"net/netip"
)

// proxyV2Sig is the fixed 12-byte signature that opens every PROXY
// protocol v2 header, followed by the version/command byte.
var proxyV2Sig = [13]byte{
	0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A,
	0x21, // version 2, command PROXY
}

// EncodeProxyV2 renders the PROXY protocol v2 header describing a
// connection from src to dst, for the Proxy fallback policy where the
// downstream plain-HTTP server needs to learn the original client address.
// src and dst must be the same address family.
func EncodeProxyV2(src, dst netip.AddrPort) ([]byte, error) {
	srcAddr, dstAddr := src.Addr(), dst.Addr()
	if srcAddr.Is4() != dstAddr.Is4() {
		return nil, fmt.Errorf("protocol: proxy v2 address family mismatch")
	}

	var famProto byte
	var body []byte
	if srcAddr.Is4() {
		famProto = 0x11 // AF_INET, STREAM
		s, d := srcAddr.As4(), dstAddr.As4()
		body = make([]byte, 0, 12)
		body = append(body, s[:]...)
		body = append(body, d[:]...)
		body = appendUint16BE(body, src.Port())
		body = appendUint16BE(body, dst.Port())
	} else {
		famProto = 0x21 // AF_INET6, STREAM
		s, d := srcAddr.As16(), dstAddr.As16()
		body = make([]byte, 0, 36)
		body = append(body, s[:]...)
		body = append(body, d[:]...)
		body = appendUint16BE(body, src.Port())
		body = appendUint16BE(body, dst.Port())
	}

	out := make([]byte, 0, len(proxyV2Sig)+1+2+len(body))
	out = append(out, proxyV2Sig[:]...)
	out = append(out, famProto)
	out = appendUint16BE(out, uint16(len(body)))
	out = append(out, body...)
	return out, nil
}

func appendUint16BE(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}
