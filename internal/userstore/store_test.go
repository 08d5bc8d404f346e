package userstore

import (
	"net/netip"
	"testing"

	"github.com/shadowmesh/trojanx/internal/protocol"
)

func fp(b byte) protocol.Fingerprint {
	var f protocol.Fingerprint
	f[0] = b
	return f
}

func TestVerifyUnknownFingerprint(t *testing.T) {
	s := New()
	if _, err := s.Verify(fp(1), netip.MustParseAddr("1.2.3.4")); err != ErrUnknownFingerprint {
		t.Fatalf("got err %v, want ErrUnknownFingerprint", err)
	}
}

func TestVerifyAdmitsWithinIPCap(t *testing.T) {
	s := New()
	s.Reconcile([]FetchedUser{{Fingerprint: fp(1), Record: UserRecord{ID: 1, IPLimit: 2}}})

	ip1 := netip.MustParseAddr("10.0.0.1")
	ip2 := netip.MustParseAddr("10.0.0.2")
	ip3 := netip.MustParseAddr("10.0.0.3")

	if _, err := s.Verify(fp(1), ip1); err != nil {
		t.Fatalf("Verify ip1: %v", err)
	}
	if _, err := s.Verify(fp(1), ip2); err != nil {
		t.Fatalf("Verify ip2: %v", err)
	}
	if _, err := s.Verify(fp(1), ip3); err != ErrTooManyIPs {
		t.Fatalf("got err %v, want ErrTooManyIPs", err)
	}

	// Reconnecting from an already-admitted IP never counts against the cap.
	if _, err := s.Verify(fp(1), ip1); err != nil {
		t.Fatalf("re-verify ip1: %v", err)
	}
}

func TestVerifyUnboundedWhenNoLimit(t *testing.T) {
	s := New()
	s.Reconcile([]FetchedUser{{Fingerprint: fp(1), Record: UserRecord{ID: 1}}})

	for i := 0; i < 50; i++ {
		ip := netip.AddrFrom4([4]byte{10, 0, byte(i), 1})
		if _, err := s.Verify(fp(1), ip); err != nil {
			t.Fatalf("Verify ip %d: %v", i, err)
		}
	}
}

func TestReconcileInsertRemoveUpdate(t *testing.T) {
	s := New()
	s.Reconcile([]FetchedUser{
		{Fingerprint: fp(1), Record: UserRecord{ID: 1, SpeedLimitMiBps: 1}},
		{Fingerprint: fp(2), Record: UserRecord{ID: 2}},
	})

	if _, ok := s.Lookup(fp(1)); !ok {
		t.Fatalf("user 1 missing after insert")
	}
	if _, ok := s.Lookup(fp(2)); !ok {
		t.Fatalf("user 2 missing after insert")
	}

	removed := s.Reconcile([]FetchedUser{
		{Fingerprint: fp(1), Record: UserRecord{ID: 1, SpeedLimitMiBps: 2}},
	})

	if len(removed) != 1 || removed[0] != fp(2) {
		t.Fatalf("got removed %v, want [fp(2)]", removed)
	}
	if _, ok := s.Lookup(fp(2)); ok {
		t.Fatalf("user 2 still present after removal")
	}
	uc, ok := s.Lookup(fp(1))
	if !ok {
		t.Fatalf("user 1 missing after update")
	}
	if uc.ID != 1 {
		t.Fatalf("got user id %d, want 1", uc.ID)
	}
}

func TestReconcilePreservesContextIdentityAcrossUpdate(t *testing.T) {
	s := New()
	s.Reconcile([]FetchedUser{{Fingerprint: fp(1), Record: UserRecord{ID: 1}}})
	before, _ := s.Lookup(fp(1))

	s.Reconcile([]FetchedUser{{Fingerprint: fp(1), Record: UserRecord{ID: 1, SpeedLimitMiBps: 5}}})
	after, _ := s.Lookup(fp(1))

	if before != after {
		t.Fatalf("user context pointer changed across an in-place update")
	}
}

func TestRenameFingerprintPreservesState(t *testing.T) {
	s := New()
	s.Reconcile([]FetchedUser{{Fingerprint: fp(1), Record: UserRecord{ID: 1}}})

	uc, _ := s.Lookup(fp(1))
	uc.AddRx(100)
	uc.AddTx(50)

	s.RenameFingerprint(fp(1), fp(2), UserRecord{ID: 1})

	if _, ok := s.Lookup(fp(1)); ok {
		t.Fatalf("old fingerprint still present after rename")
	}
	renamed, ok := s.Lookup(fp(2))
	if !ok {
		t.Fatalf("new fingerprint missing after rename")
	}
	if renamed != uc {
		t.Fatalf("rename did not preserve the context pointer")
	}
	d := renamed.CollectTrafficDelta()
	if d.Rx != 100 || d.Tx != 50 {
		t.Fatalf("rename lost traffic counters: %+v", d)
	}
}

func TestTrafficDeltaRoundTripSubtractsExact(t *testing.T) {
	uc := NewUserContext(UserRecord{ID: 1})
	uc.AddRx(1000)
	uc.AddTx(2000)

	d := uc.CollectTrafficDelta()

	// Simulate more traffic arriving while the upload is in flight.
	uc.AddRx(10)
	uc.AddTx(20)

	uc.ApplyTrafficDelta(d)

	next := uc.CollectTrafficDelta()
	if next.Rx != 10 || next.Tx != 20 {
		t.Fatalf("got delta %+v, want rx=10 tx=20", next)
	}
}

func TestDrainIPsIsDestructive(t *testing.T) {
	uc := NewUserContext(UserRecord{ID: 1})
	ip := netip.MustParseAddr("1.2.3.4")
	if err := uc.AddIP(ip); err != nil {
		t.Fatalf("AddIP: %v", err)
	}

	first := uc.DrainIPs()
	if len(first) != 1 || first[0] != ip {
		t.Fatalf("got %v, want [%v]", first, ip)
	}

	second := uc.DrainIPs()
	if len(second) != 0 {
		t.Fatalf("got %v after drain, want empty", second)
	}
}
