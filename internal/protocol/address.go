package protocol

import (
	"fmt"
	"net"
	"net/netip"
	"unicode/utf8"

	"golang.org/x/crypto/cryptobyte"
)

// AddressKind discriminates the three wire encodings of Address.
type AddressKind byte

const (
	AddressIPv4   AddressKind = 0x01
	AddressDomain AddressKind = 0x03
	AddressIPv6   AddressKind = 0x04
)

// Address is the tagged union carried after the command byte in a Trojan
// request, and at the head of every framed UDP packet: an IPv4 socket
// address, an IPv6 socket address, or a (domain name, port) pair.
type Address struct {
	Kind   AddressKind
	IP     netip.Addr // set when Kind is AddressIPv4 or AddressIPv6
	Domain string     // set when Kind is AddressDomain; validated UTF-8
	Port   uint16
}

// NewIPAddress builds an Address from a resolved socket address.
func NewIPAddress(ip netip.Addr, port uint16) Address {
	kind := AddressIPv4
	if ip.Is6() && !ip.Is4In6() {
		kind = AddressIPv6
	}
	return Address{Kind: kind, IP: ip, Port: port}
}

// NewDomainAddress builds an Address naming a domain. name must already be
// validated UTF-8 of length 1..=255.
func NewDomainAddress(name string, port uint16) Address {
	return Address{Kind: AddressDomain, Domain: name, Port: port}
}

// Size returns the exact wire size of the address: 7 for IPv4, 19 for IPv6,
// len(Domain)+4 for a domain name.
func (a Address) Size() int {
	switch a.Kind {
	case AddressIPv4:
		return 7
	case AddressIPv6:
		return 19
	case AddressDomain:
		return len(a.Domain) + 4
	default:
		return 0
	}
}

func (a Address) String() string {
	switch a.Kind {
	case AddressDomain:
		return fmt.Sprintf("%s:%d", a.Domain, a.Port)
	default:
		return netip.AddrPortFrom(a.IP, a.Port).String()
	}
}

// HostPort returns the string suitable for net.Dial's address argument.
func (a Address) HostPort() string {
	switch a.Kind {
	case AddressDomain:
		return net.JoinHostPort(a.Domain, fmt.Sprint(a.Port))
	default:
		return netip.AddrPortFrom(a.IP, a.Port).String()
	}
}

// AppendTo appends the wire encoding of a to buf and returns the result:
// type(1) || body || port(2 BE).
func (a Address) AppendTo(buf []byte) []byte {
	b := cryptobyte.NewBuilder(buf)
	switch a.Kind {
	case AddressIPv4:
		ip4 := a.IP.As4()
		b.AddUint8(byte(AddressIPv4))
		b.AddBytes(ip4[:])
		b.AddUint16(a.Port)
	case AddressIPv6:
		ip16 := a.IP.As16()
		b.AddUint8(byte(AddressIPv6))
		b.AddBytes(ip16[:])
		b.AddUint16(a.Port)
	case AddressDomain:
		b.AddUint8(byte(AddressDomain))
		b.AddUint8(byte(len(a.Domain)))
		b.AddBytes([]byte(a.Domain))
		b.AddUint16(a.Port)
	}
	out, _ := b.Bytes()
	return out
}

// Encode returns the wire encoding of a as a freshly allocated slice.
func (a Address) Encode() []byte {
	return a.AppendTo(make([]byte, 0, a.Size()))
}

// DecodeAddress decodes an Address from the front of data.
//
// It returns ErrNotReady if data is a valid prefix of some address but does
// not yet hold enough bytes, and ErrProtocol if the type byte or the domain
// bytes are invalid. On success it returns the decoded address and the
// number of bytes consumed from data.
func DecodeAddress(data []byte) (Address, int, error) {
	s := cryptobyte.String(data)
	total := len(data)

	var kind uint8
	if !s.ReadUint8(&kind) {
		return Address{}, 0, ErrNotReady
	}

	switch AddressKind(kind) {
	case AddressIPv4:
		var body []byte
		if !s.ReadBytes(&body, 4) {
			return Address{}, 0, ErrNotReady
		}
		var port uint16
		if !s.ReadUint16(&port) {
			return Address{}, 0, ErrNotReady
		}
		ip, _ := netip.AddrFromSlice(body)
		return Address{Kind: AddressIPv4, IP: ip, Port: port}, total - len(s), nil

	case AddressIPv6:
		var body []byte
		if !s.ReadBytes(&body, 16) {
			return Address{}, 0, ErrNotReady
		}
		var port uint16
		if !s.ReadUint16(&port) {
			return Address{}, 0, ErrNotReady
		}
		ip, _ := netip.AddrFromSlice(body)
		return Address{Kind: AddressIPv6, IP: ip, Port: port}, total - len(s), nil

	case AddressDomain:
		var nameLen uint8
		if !s.ReadUint8(&nameLen) {
			return Address{}, 0, ErrNotReady
		}
		var name []byte
		if !s.ReadBytes(&name, int(nameLen)) {
			return Address{}, 0, ErrNotReady
		}
		if !utf8.Valid(name) {
			return Address{}, 0, ErrProtocol
		}
		var port uint16
		if !s.ReadUint16(&port) {
			return Address{}, 0, ErrNotReady
		}
		return Address{Kind: AddressDomain, Domain: string(name), Port: port}, total - len(s), nil

	default:
		return Address{}, 0, ErrProtocol
	}
}

// DecodeAddressFull decodes a fully-buffered address, collapsing
// ErrNotReady into ErrProtocol. Used anywhere the caller already holds a
// complete candidate buffer (the Trojan request itself), as opposed to the
// UDP reassembler which streams bytes incrementally.
func DecodeAddressFull(data []byte) (Address, int, error) {
	a, n, err := DecodeAddress(data)
	if err == ErrNotReady {
		return Address{}, 0, ErrProtocol
	}
	return a, n, err
}
