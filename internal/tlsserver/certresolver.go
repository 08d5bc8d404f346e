// Package tlsserver builds the crypto/tls.Config used to terminate
// incoming connections: certificates are chosen by SNI, with a configured
// default used whenever the client either sends no SNI or names a host
// this server does not have a certificate for.
//
// The Trojan protocol's early-data (0-RTT) option is accepted in
// configuration but never actually used: Go's standard crypto/tls has no
// server-side early-data API for plain TCP connections (QUICConn supports
// it, but this server terminates TLS over TCP, not QUIC), so every
// connection always waits for the full handshake to finish before the
// first byte is read. This is a deliberate, documented simplification, not
// an oversight.
package tlsserver

import (
	"crypto/tls"
	"fmt"
)

// CertResolver selects a certificate by SNI, falling back to a configured
// default certificate when the client's SNI is empty or unrecognized.
type CertResolver struct {
	byName  map[string]*tls.Certificate
	def     *tls.Certificate
}

// NewCertResolver builds a resolver from a set of named certificates and
// the name of the one to use as the default. defaultName must be a key in
// certs.
func NewCertResolver(certs map[string]*tls.Certificate, defaultName string) (*CertResolver, error) {
	def, ok := certs[defaultName]
	if !ok {
		return nil, fmt.Errorf("tlsserver: default certificate %q not present in certificate set", defaultName)
	}
	r := &CertResolver{byName: make(map[string]*tls.Certificate, len(certs)), def: def}
	for name, cert := range certs {
		r.byName[name] = cert
	}
	return r, nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *CertResolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if hello.ServerName != "" {
		if cert, ok := r.byName[hello.ServerName]; ok {
			return cert, nil
		}
	}
	return r.def, nil
}

// Config builds a *tls.Config using r for certificate selection and alpn
// as the advertised ALPN protocol list. The negotiated protocol does not
// affect fallback: every failed session uses the single configured
// fallback policy, and alpn_fallback entries are only validated at load.
func (r *CertResolver) Config(alpn []string, minVersion uint16) *tls.Config {
	return &tls.Config{
		GetCertificate: r.GetCertificate,
		NextProtos:     alpn,
		MinVersion:     minVersion,
	}
}
