package server

import (
	"testing"

	"github.com/shadowmesh/trojanx/internal/config"
	"github.com/shadowmesh/trojanx/internal/session"
)

func TestToFallbackTargetReject(t *testing.T) {
	ft, err := toFallbackTarget(config.Fallback{Reject: true})
	if err != nil {
		t.Fatalf("toFallbackTarget: %v", err)
	}
	if ft.Policy != session.FallbackReject {
		t.Fatalf("got policy %v, want FallbackReject", ft.Policy)
	}
}

func TestToFallbackTargetConnect(t *testing.T) {
	ft, err := toFallbackTarget(config.Fallback{Connect: "127.0.0.1:8080"})
	if err != nil {
		t.Fatalf("toFallbackTarget: %v", err)
	}
	if ft.Policy != session.FallbackConnect || ft.Addr != "127.0.0.1:8080" {
		t.Fatalf("got %+v", ft)
	}
}

func TestToFallbackTargetProxy(t *testing.T) {
	ft, err := toFallbackTarget(config.Fallback{Proxy: "127.0.0.1:8080"})
	if err != nil {
		t.Fatalf("toFallbackTarget: %v", err)
	}
	if ft.Policy != session.FallbackProxy {
		t.Fatalf("got policy %v, want FallbackProxy", ft.Policy)
	}
}

func TestToFallbackTargetRejectsEmpty(t *testing.T) {
	if _, err := toFallbackTarget(config.Fallback{}); err == nil {
		t.Fatalf("expected error for an unset fallback policy")
	}
}
