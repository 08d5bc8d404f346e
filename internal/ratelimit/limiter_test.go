package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterUnlimitedNeverPauses(t *testing.T) {
	l := New(0)
	if d := l.Consume(1 << 30); d != 0 {
		t.Fatalf("unlimited limiter paused for %v", d)
	}
}

func TestLimiterBoundsThroughput(t *testing.T) {
	const rate = 1000.0 // bytes/sec
	l := New(rate)

	if d := l.Consume(100); d != 0 {
		t.Fatalf("first small consume paused for %v, want 0", d)
	}

	d := l.Consume(10000)
	if d <= 0 {
		t.Fatalf("large consume over budget did not report a pause")
	}
	// 10100 bytes charged against a fresh bucket at 1000B/s should
	// require roughly 10.1 seconds of debt.
	if d < 9*time.Second || d > 11*time.Second {
		t.Fatalf("pause duration %v outside expected range", d)
	}
}

func TestSetRateUnlimitedClearsDebt(t *testing.T) {
	l := New(100)
	l.Consume(10000)

	l.SetRate(0)
	if d := l.Consume(10000); d != 0 {
		t.Fatalf("limiter still paused after switching to unlimited: %v", d)
	}
}

func TestSetRateResetsVolume(t *testing.T) {
	l := New(100)
	l.Consume(10000) // accrue debt

	l.SetRate(5000) // raise the cap
	if d := l.Consume(10); d != 0 {
		t.Fatalf("expected old debt to be cleared on SetRate, got pause %v", d)
	}
}
