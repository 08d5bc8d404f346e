// Package userstore holds the live, in-memory view of every user the
// control plane has told the server about: their traffic counters, their
// rate limiter, and the set of source IPs currently holding a session
// against them.
package userstore

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shadowmesh/trojanx/internal/ratelimit"
)

// UserRecord is the subset of a control-plane user record this server
// cares about: enough to build or refresh a UserContext.
type UserRecord struct {
	ID              uint64
	SpeedLimitMiBps float64 // 0 means unlimited
	IPLimit         int     // 0 means unlimited
	IPOnline        *int    // reported "already connected elsewhere" count, if any
}

// EffectiveRateBytesPerSec converts the record's configured speed limit
// into bytes/second, the unit ratelimit.Limiter expects. A zero limit maps
// to 0, which ratelimit.Limiter treats as unlimited.
func (r UserRecord) EffectiveRateBytesPerSec() float64 {
	if r.SpeedLimitMiBps <= 0 {
		return 0
	}
	return r.SpeedLimitMiBps * 1024 * 1024
}

// EffectiveIPCap returns the remaining number of distinct source IPs this
// user may open sessions from, or nil if unbounded. It accounts for
// sessions the control plane already knows about on other nodes.
func (r UserRecord) EffectiveIPCap() *int {
	if r.IPLimit <= 0 {
		return nil
	}
	cap := r.IPLimit
	if r.IPOnline != nil {
		cap -= *r.IPOnline
		if cap < 0 {
			cap = 0
		}
	}
	return &cap
}

// UserContext is the live state tracked for one user for as long as their
// fingerprint is known to the store. It is shared by every concurrent
// session belonging to that user.
type UserContext struct {
	ID uint64

	rx atomic.Uint64 // bytes delivered to the client across all sessions
	tx atomic.Uint64 // bytes delivered upstream across all sessions

	limiterMu sync.Mutex
	limiter   *ratelimit.Limiter

	ipsMu sync.Mutex
	ips   map[netip.Addr]struct{}
	ipCap *int // nil means unbounded; re-derived on every UpdateFromRecord
}

// NewUserContext builds a UserContext from a freshly fetched record.
func NewUserContext(rec UserRecord) *UserContext {
	uc := &UserContext{
		ID:      rec.ID,
		limiter: ratelimit.New(rec.EffectiveRateBytesPerSec()),
		ips:     make(map[netip.Addr]struct{}),
		ipCap:   rec.EffectiveIPCap(),
	}
	return uc
}

// UpdateFromRecord applies a refreshed record in place, preserving traffic
// counters and currently-held IPs. Existing sessions keep their *UserContext
// pointer and observe the new limits immediately.
func (uc *UserContext) UpdateFromRecord(rec UserRecord) {
	uc.limiterMu.Lock()
	uc.limiter.SetRate(rec.EffectiveRateBytesPerSec())
	uc.limiterMu.Unlock()

	uc.ipsMu.Lock()
	uc.ipCap = rec.EffectiveIPCap()
	uc.ipsMu.Unlock()
}

// Limiter returns the user's shared rate limiter.
func (uc *UserContext) Limiter() *ratelimit.Limiter {
	return uc.limiter
}

// AddRx records bytes delivered to the client.
func (uc *UserContext) AddRx(n uint64) { uc.rx.Add(n) }

// AddTx records bytes delivered upstream.
func (uc *UserContext) AddTx(n uint64) { uc.tx.Add(n) }

// AddIP registers ip as holding a session, first inserting it and only
// then checking the cap, mirroring the control plane's own admission
// order: an IP already in the set never gets rejected by its own
// reconnect, and an over-cap insert is undone before returning the error.
func (uc *UserContext) AddIP(ip netip.Addr) error {
	uc.ipsMu.Lock()
	defer uc.ipsMu.Unlock()

	if _, already := uc.ips[ip]; already {
		return nil
	}

	uc.ips[ip] = struct{}{}
	if uc.ipCap != nil && len(uc.ips) > *uc.ipCap {
		delete(uc.ips, ip)
		return ErrTooManyIPs
	}
	return nil
}

// RemoveIP unregisters ip. Sessions are not proactively evicted when an IP
// is removed by the control plane mid-session; removal only affects future
// admission checks. This mirrors the control plane's own lazy-eviction
// contract and is intentional, not an oversight.
func (uc *UserContext) RemoveIP(ip netip.Addr) {
	uc.ipsMu.Lock()
	delete(uc.ips, ip)
	uc.ipsMu.Unlock()
}

// DrainIPs returns every IP currently recorded and clears the set. Used
// once per control-plane upload cycle; the drain is destructive, matching
// the upstream contract that each IP is reported exactly once.
func (uc *UserContext) DrainIPs() []netip.Addr {
	uc.ipsMu.Lock()
	defer uc.ipsMu.Unlock()

	if len(uc.ips) == 0 {
		return nil
	}
	out := make([]netip.Addr, 0, len(uc.ips))
	for ip := range uc.ips {
		out = append(out, ip)
	}
	uc.ips = make(map[netip.Addr]struct{})
	return out
}

// TrafficDelta is the exact byte counts to report upstream, paired with
// the counter state at the moment of collection so ApplyTrafficDelta can subtract
// precisely what was reported rather than zeroing the counter outright.
type TrafficDelta struct {
	UserID uint64
	Rx, Tx uint64
}

// CollectTrafficDelta reads the current counters without resetting them.
// The caller must call ApplyTrafficDelta with the result once the upload
// succeeds, so that bytes added concurrently during the upload are never
// lost.
func (uc *UserContext) CollectTrafficDelta() TrafficDelta {
	return TrafficDelta{UserID: uc.ID, Rx: uc.rx.Load(), Tx: uc.tx.Load()}
}

// ApplyTrafficDelta subtracts exactly the bytes named in d from the live
// counters, never clamping to zero: bytes added between CollectTrafficDelta
// and this call remain counted for the next cycle.
func (uc *UserContext) ApplyTrafficDelta(d TrafficDelta) {
	uc.rx.Add(-d.Rx)
	uc.tx.Add(-d.Tx)
}

// SessionContext is the per-session view of a UserContext: it tracks its
// own byte counters (for logging) and the deadline carried over between
// consecutive rate limiter pauses.
type SessionContext struct {
	user *UserContext

	rx, tx uint64

	pauseMu    sync.Mutex
	pauseUntil time.Time
}

// NewSessionContext returns a SessionContext sharing user's limiter and
// traffic accounting.
func NewSessionContext(user *UserContext) *SessionContext {
	return &SessionContext{user: user}
}

// User returns the shared UserContext this session belongs to.
func (sc *SessionContext) User() *UserContext { return sc.user }

// ConsumeRx accounts n bytes delivered to the client, on both the session
// and the shared user counters, and charges the shared rate limiter on
// this direction the same way ConsumeTx does: the limiter is consulted on
// each direction, not only on writes upstream.
func (sc *SessionContext) ConsumeRx(n int) time.Duration {
	sc.rx += uint64(n)
	sc.user.AddRx(uint64(n))
	return sc.consumeLimiter(n)
}

// ConsumeTx accounts n bytes delivered upstream, and charges the shared
// rate limiter, returning how long the caller should pause before its next
// read.
func (sc *SessionContext) ConsumeTx(n int) time.Duration {
	sc.tx += uint64(n)
	sc.user.AddTx(uint64(n))
	return sc.consumeLimiter(n)
}

// consumeLimiter charges n bytes against the shared limiter and returns
// how long the caller should pause before its next read or write.
// Consecutive pauses carry their deadline forward instead of resetting it:
// a caller that checks in while a previous pause has not yet elapsed
// extends that same deadline rather than starting a fresh one, so bursts
// of small reads or writes cannot evade the limiter by each computing a
// pause from "now".
func (sc *SessionContext) consumeLimiter(n int) time.Duration {
	pause := sc.user.Limiter().Consume(n)
	if pause <= 0 {
		return 0
	}

	sc.pauseMu.Lock()
	defer sc.pauseMu.Unlock()

	now := time.Now()
	var deadline time.Time
	if sc.pauseUntil.IsZero() || !sc.pauseUntil.After(now) {
		deadline = now.Add(pause)
	} else {
		deadline = sc.pauseUntil.Add(pause)
	}
	sc.pauseUntil = deadline
	return time.Until(deadline)
}

// Rx, Tx return the session-local counters, for logging at session close.
func (sc *SessionContext) Rx() uint64 { return sc.rx }
func (sc *SessionContext) Tx() uint64 { return sc.tx }
