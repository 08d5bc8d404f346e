// Package server wires together the TLS acceptor, user store,
// control-plane client, and session handler into a running node: one
// listener goroutine per configured address, plus one long-lived
// control-plane sync goroutine, sharing a single immutable server context.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/shadowmesh/trojanx/internal/config"
	"github.com/shadowmesh/trojanx/internal/controlplane"
	"github.com/shadowmesh/trojanx/internal/logging"
	"github.com/shadowmesh/trojanx/internal/session"
	"github.com/shadowmesh/trojanx/internal/tlsserver"
	"github.com/shadowmesh/trojanx/internal/userstore"
)

// Server owns every listener and the background control-plane sync loop
// for one node.
type Server struct {
	cfg    *config.Config
	log    *logging.Logger
	store  *userstore.Store
	client *controlplane.Client
	tlsCfg *tls.Config

	sessionCfg session.Config

	mu        sync.Mutex
	listeners []*tlsserver.Acceptor
}

// New builds a Server from a loaded configuration. It does not start
// listening; call Run for that.
func New(cfg *config.Config, log *logging.Logger) (*Server, error) {
	certs := make(map[string]*tls.Certificate, len(cfg.TLS.Servers))
	for name, c := range cfg.TLS.Servers {
		cert, err := tls.LoadX509KeyPair(c.CertChain, c.PrivKey)
		if err != nil {
			return nil, fmt.Errorf("server: load certificate %q: %w", name, err)
		}
		certs[name] = &cert
	}

	resolver, err := tlsserver.NewCertResolver(certs, "default")
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	tlsCfg := resolver.Config(cfg.TLS.ALPN, tls.VersionTLS12)

	store := userstore.New()
	client := controlplane.NewClient(cfg.ID, cfg.BaseURL, cfg.Key, cfg.Duration(), store, nil)

	fallback, err := toFallbackTarget(cfg.Fallback)
	if err != nil {
		return nil, fmt.Errorf("server: fallback: %w", err)
	}

	return &Server{
		cfg:    cfg,
		log:    log,
		store:  store,
		client: client,
		tlsCfg: tlsCfg,
		sessionCfg: session.Config{
			Verifier: store,
			Fallback: fallback,
		},
	}, nil
}

func toFallbackTarget(fb config.Fallback) (session.FallbackTarget, error) {
	switch {
	case fb.Reject:
		return session.FallbackTarget{Policy: session.FallbackReject}, nil
	case fb.Connect != "":
		return session.FallbackTarget{Policy: session.FallbackConnect, Addr: fb.Connect}, nil
	case fb.Proxy != "":
		return session.FallbackTarget{Policy: session.FallbackProxy, Addr: fb.Proxy}, nil
	default:
		return session.FallbackTarget{}, errors.New("no policy set")
	}
}

// Run starts every configured listener plus the control-plane sync loop,
// and blocks until ctx is canceled or an unrecoverable error occurs.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, len(s.cfg.Listen)+1)

	for _, addr := range s.cfg.Listen {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			return fmt.Errorf("server: listen %s: %w", addr, err)
		}
		acc := tlsserver.NewAcceptor(ln, s.tlsCfg)

		s.mu.Lock()
		s.listeners = append(s.listeners, acc)
		s.mu.Unlock()

		s.log.Info("listening", logging.Fields{"addr": addr})
		go func(acc *tlsserver.Acceptor) {
			errc <- s.acceptLoop(ctx, acc)
		}(acc)
	}

	go func() {
		errc <- s.client.Run(ctx)
	}()

	err := <-errc
	cancel()
	s.closeListeners()
	return err
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.listeners {
		acc.Close()
	}
}

func (s *Server) acceptLoop(ctx context.Context, acc *tlsserver.Acceptor) error {
	for {
		conn, err := acc.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) {
				s.log.Warn("accept error", logging.Fields{"error": err.Error()})
				continue
			}
			s.log.Error("handshake failed", logging.Fields{"error": err.Error()})
			continue
		}

		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	if err := session.Handle(ctx, conn, s.sessionCfg); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("session ended", logging.Fields{"error": err.Error()})
	}
}

// Store exposes the live user store, for diagnostics.
func (s *Server) Store() *userstore.Store { return s.store }
