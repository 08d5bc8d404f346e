// Package protocol implements the Trojan wire format: the request header,
// the SOCKS5-style address encoding, and the framed UDP packet layout used
// once a session has been promoted to UDP associate.
package protocol

import "errors"

// ErrNotReady means the supplied bytes are a valid prefix of some message
// but do not yet contain enough data to decode it. Only meaningful for the
// "assemble" decode path used by the UDP reassembler; request parsing always
// collapses it into ErrProtocol since a Trojan request is parsed from a
// single already-buffered candidate slice.
var ErrNotReady = errors.New("protocol: not enough bytes yet")

// ErrProtocol means the bytes are malformed and can never become valid,
// regardless of how many more bytes arrive.
var ErrProtocol = errors.New("protocol: malformed data")
