package userstore

import (
	"testing"
	"time"
)

func TestConsumeTxNoLimitNeverPauses(t *testing.T) {
	uc := NewUserContext(UserRecord{ID: 1})
	sc := NewSessionContext(uc)
	if d := sc.ConsumeTx(1 << 20); d != 0 {
		t.Fatalf("got pause %v, want 0", d)
	}
}

func TestConsumeTxCarriesDeadlineForward(t *testing.T) {
	uc := NewUserContext(UserRecord{ID: 1, SpeedLimitMiBps: 1.0 / 1024}) // 1 KiB/s
	sc := NewSessionContext(uc)

	first := sc.ConsumeTx(4096)
	if first <= 0 {
		t.Fatalf("expected a pause from the first consume, got %v", first)
	}

	// A second consume issued immediately, before the first pause has
	// elapsed, must extend the existing deadline rather than compute a
	// fresh one from time.Now(): the reported pause should grow by
	// roughly the new debt's worth of time, not shrink to it.
	second := sc.ConsumeTx(4096)
	if second <= first {
		t.Fatalf("second pause %v did not extend beyond first %v", second, first)
	}
}

func TestConsumeTxResetsAfterDeadlineElapses(t *testing.T) {
	uc := NewUserContext(UserRecord{ID: 1, SpeedLimitMiBps: 1.0 / 1024}) // 1 KiB/s
	sc := NewSessionContext(uc)

	sc.pauseUntil = time.Now().Add(-time.Second) // force an elapsed deadline
	// 4096 bytes against a 204.8-byte bucket at 1024 B/s is a 4s pause. A
	// fresh deadline gives about 4s; one extended from the elapsed deadline
	// would give about 3s.
	d := sc.ConsumeTx(4096)
	if d < 0 {
		t.Fatalf("got negative pause %v", d)
	}
	if d < 3500*time.Millisecond {
		t.Fatalf("pause %v was extended from the elapsed deadline instead of starting from now", d)
	}
}

func TestConsumeRxTracksSessionAndUserCounters(t *testing.T) {
	uc := NewUserContext(UserRecord{ID: 1})
	sc := NewSessionContext(uc)

	sc.ConsumeRx(123)
	if sc.Rx() != 123 {
		t.Fatalf("session rx = %d, want 123", sc.Rx())
	}
	if got := uc.CollectTrafficDelta().Rx; got != 123 {
		t.Fatalf("user rx = %d, want 123", got)
	}
}
