package controlplane

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shadowmesh/trojanx/internal/protocol"
	"github.com/shadowmesh/trojanx/internal/userstore"
)

type fakeControlPlane struct {
	mu       sync.Mutex
	users    []userRaw
	traffic  [][]trafficUpdate
	ips      [][]ipReport
	nodeInfo []nodeInfoBody
}

func (f *fakeControlPlane) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.URL.Path == "/users":
			json.NewEncoder(w).Encode(usersResponse{Ret: 1, Data: f.users})
		case r.URL.Path == "/users/traffic":
			var body requestEnvelope[[]trafficUpdate]
			json.NewDecoder(r.Body).Decode(&body)
			f.traffic = append(f.traffic, body.Data)
			json.NewEncoder(w).Encode(updateResponse{Ret: 1})
		case r.URL.Path == "/users/aliveip":
			var body requestEnvelope[[]ipReport]
			json.NewDecoder(r.Body).Decode(&body)
			f.ips = append(f.ips, body.Data)
			json.NewEncoder(w).Encode(updateResponse{Ret: 1})
		case strings.HasSuffix(r.URL.Path, "/info") && strings.HasPrefix(r.URL.Path, "/nodes/"):
			var body nodeInfoBody
			json.NewDecoder(r.Body).Decode(&body)
			f.nodeInfo = append(f.nodeInfo, body)
			json.NewEncoder(w).Encode(updateResponse{Ret: 1})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func fingerprintOf(uuid string) protocol.Fingerprint {
	return protocol.Fingerprint(sha256.Sum224([]byte(uuid)))
}

func TestSyncOnceInsertsNewUsers(t *testing.T) {
	fake := &fakeControlPlane{users: []userRaw{{ID: 1, UUID: "uuid-1", SpeedLimit: 10}}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	store := userstore.New()
	client := NewClient(1, srv.URL, "key", time.Second, store, nil)

	if err := client.syncOnce(context.Background()); err != nil {
		t.Fatalf("syncOnce: %v", err)
	}

	if _, ok := store.Lookup(fingerprintOf("uuid-1")); !ok {
		t.Fatalf("expected user to be inserted into the store")
	}
}

func TestSyncOnceRemovesDroppedUsers(t *testing.T) {
	fake := &fakeControlPlane{users: []userRaw{{ID: 1, UUID: "uuid-1"}, {ID: 2, UUID: "uuid-2"}}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	store := userstore.New()
	client := NewClient(1, srv.URL, "key", time.Second, store, nil)
	if err := client.syncOnce(context.Background()); err != nil {
		t.Fatalf("syncOnce: %v", err)
	}

	fake.mu.Lock()
	fake.users = []userRaw{{ID: 1, UUID: "uuid-1"}}
	fake.mu.Unlock()

	if err := client.syncOnce(context.Background()); err != nil {
		t.Fatalf("second syncOnce: %v", err)
	}

	if _, ok := store.Lookup(fingerprintOf("uuid-2")); ok {
		t.Fatalf("expected user 2 to be removed from the store")
	}
	if _, ok := store.Lookup(fingerprintOf("uuid-1")); !ok {
		t.Fatalf("expected user 1 to remain in the store")
	}
}

func TestReconcileRenamesFingerprintPreservingTraffic(t *testing.T) {
	fake := &fakeControlPlane{users: []userRaw{{ID: 1, UUID: "uuid-old"}}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	store := userstore.New()
	client := NewClient(1, srv.URL, "key", time.Second, store, nil)
	if err := client.syncOnce(context.Background()); err != nil {
		t.Fatalf("syncOnce: %v", err)
	}

	uc, ok := store.Lookup(fingerprintOf("uuid-old"))
	if !ok {
		t.Fatalf("user missing after first sync")
	}
	uc.AddRx(500)

	fake.mu.Lock()
	fake.users = []userRaw{{ID: 1, UUID: "uuid-new"}}
	fake.mu.Unlock()

	if err := client.syncOnce(context.Background()); err != nil {
		t.Fatalf("second syncOnce: %v", err)
	}

	if _, ok := store.Lookup(fingerprintOf("uuid-old")); ok {
		t.Fatalf("old fingerprint still present after rename")
	}
	renamed, ok := store.Lookup(fingerprintOf("uuid-new"))
	if !ok {
		t.Fatalf("new fingerprint missing after rename")
	}
	if renamed != uc {
		t.Fatalf("rename did not preserve the user context")
	}
	if got := renamed.CollectTrafficDelta().Rx; got != 500 {
		t.Fatalf("got rx %d, want 500 preserved across rename", got)
	}
}

func TestUploadTrafficSendsThenSubtractsDelta(t *testing.T) {
	fake := &fakeControlPlane{users: []userRaw{{ID: 1, UUID: "uuid-1"}}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	store := userstore.New()
	client := NewClient(1, srv.URL, "key", time.Second, store, nil)
	if err := client.syncOnce(context.Background()); err != nil {
		t.Fatalf("syncOnce: %v", err)
	}

	uc, _ := store.Lookup(fingerprintOf("uuid-1"))
	uc.AddRx(1000)
	uc.AddTx(2000)

	if err := client.uploadTraffic(context.Background()); err != nil {
		t.Fatalf("uploadTraffic: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.traffic) != 1 {
		t.Fatalf("got %d traffic uploads, want 1", len(fake.traffic))
	}
	got := fake.traffic[0]
	if len(got) != 1 || got[0].UserID != 1 || got[0].Upload != 1000 || got[0].Download != 2000 {
		t.Fatalf("unexpected traffic upload: %+v", got)
	}

	if remaining := uc.CollectTrafficDelta(); remaining.Rx != 0 || remaining.Tx != 0 {
		t.Fatalf("expected counters to be cleared after upload, got %+v", remaining)
	}
}
