package userstore

import (
	"errors"
	"net/netip"
	"sync"

	"github.com/shadowmesh/trojanx/internal/protocol"
)

// ErrUnknownFingerprint means no user in the store presented this password
// fingerprint; the caller should treat the connection as unauthenticated
// and fall back to disguising it as a plain HTTPS site.
var ErrUnknownFingerprint = errors.New("userstore: unknown fingerprint")

// ErrTooManyIPs means the user has no remaining IP slots.
var ErrTooManyIPs = errors.New("userstore: ip limit exceeded")

// Store is the server-wide table of known users, keyed by password
// fingerprint. Reconcile applies a whole diff under one write lock.
// UpsertInPlace, Remove and RenameFingerprint each hold the write lock for
// their own call only, so a diff applied through them entry by entry is not
// atomic: readers can observe the table between two entries.
type Store struct {
	mu    sync.RWMutex
	users map[protocol.Fingerprint]*UserContext
}

// New returns an empty Store.
func New() *Store {
	return &Store{users: make(map[protocol.Fingerprint]*UserContext)}
}

// Verify looks up fp and, on success, registers srcIP against the
// matching user before returning its context. It returns
// ErrUnknownFingerprint if fp is not recognized, or ErrTooManyIPs if srcIP
// would exceed the user's IP cap.
func (s *Store) Verify(fp protocol.Fingerprint, srcIP netip.Addr) (*UserContext, error) {
	s.mu.RLock()
	uc, ok := s.users[fp]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownFingerprint
	}

	if err := uc.AddIP(srcIP); err != nil {
		return nil, err
	}
	return uc, nil
}

// Lookup returns the user context for fp without touching its IP set, for
// callers that have already admitted the session (e.g. constructing a
// SessionContext again after a reconnect).
func (s *Store) Lookup(fp protocol.Fingerprint) (*UserContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uc, ok := s.users[fp]
	return uc, ok
}

// FetchedUser is one entry from a control-plane fetch, keyed by the
// fingerprint derived from its password.
type FetchedUser struct {
	Fingerprint protocol.Fingerprint
	Record      UserRecord
}

// Reconcile applies a full fetched user set against the store: any known
// user absent from fetched is removed, any new fingerprint is inserted,
// and any fingerprint present in both has its record refreshed in place so
// existing sessions observe the new limits without being torn down. The
// entire diff runs under one write lock, matching the control plane's
// single-pass reconciliation.
//
// It returns the set of fingerprints that were removed. Their contexts are
// already gone from the store when it returns.
func (s *Store) Reconcile(fetched []FetchedUser) []protocol.Fingerprint {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[protocol.Fingerprint]struct{}, len(fetched))
	for _, f := range fetched {
		seen[f.Fingerprint] = struct{}{}
	}

	var removed []protocol.Fingerprint
	for fp := range s.users {
		if _, ok := seen[fp]; !ok {
			removed = append(removed, fp)
			delete(s.users, fp)
		}
	}

	for _, f := range fetched {
		if uc, ok := s.users[f.Fingerprint]; ok {
			uc.UpdateFromRecord(f.Record)
			continue
		}
		s.users[f.Fingerprint] = NewUserContext(f.Record)
	}

	return removed
}

// UpsertInPlace inserts a new user, or refreshes an existing one in place,
// under the given fingerprint. Used by the control-plane client when a
// user's fingerprint has not changed since the last fetch.
func (s *Store) UpsertInPlace(fp protocol.Fingerprint, rec UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uc, ok := s.users[fp]; ok {
		uc.UpdateFromRecord(rec)
		return
	}
	s.users[fp] = NewUserContext(rec)
}

// Remove drops fp from the store entirely.
func (s *Store) Remove(fp protocol.Fingerprint) {
	s.mu.Lock()
	delete(s.users, fp)
	s.mu.Unlock()
}

// RenameFingerprint moves an existing user's live context (traffic
// counters, IP set, limiter) from oldFP to newFP in place, for the case
// where a user's password changed but their underlying account did not:
// the control plane reports this as the same user ID under a new
// fingerprint, and sessions already admitted under the old fingerprint
// should not lose their accumulated state.
func (s *Store) RenameFingerprint(oldFP, newFP protocol.Fingerprint, rec UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uc, ok := s.users[oldFP]
	if !ok {
		s.users[newFP] = NewUserContext(rec)
		return
	}
	delete(s.users, oldFP)
	uc.UpdateFromRecord(rec)
	s.users[newFP] = uc
}

// Snapshot returns every live user context, for a traffic or IP flush
// cycle that needs to walk the whole table without holding the lock for
// the duration of the network call.
func (s *Store) Snapshot() []*UserContext {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*UserContext, 0, len(s.users))
	for _, uc := range s.users {
		out = append(out, uc)
	}
	return out
}

// CollectTrafficDeltas gathers a TrafficDelta for every live user with
// nonzero rx or tx, without resetting any counter.
func (s *Store) CollectTrafficDeltas() []TrafficDelta {
	users := s.Snapshot()
	out := make([]TrafficDelta, 0, len(users))
	for _, uc := range users {
		d := uc.CollectTrafficDelta()
		if d.Rx == 0 && d.Tx == 0 {
			continue
		}
		out = append(out, d)
	}
	return out
}

// ApplyTrafficDeltas subtracts each delta from its user's live counters.
// Deltas for users no longer in the store are silently dropped: there is
// no live counter left to subtract them from.
func (s *Store) ApplyTrafficDeltas(deltas []TrafficDelta) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[uint64]*UserContext, len(s.users))
	for _, uc := range s.users {
		byID[uc.ID] = uc
	}
	for _, d := range deltas {
		if uc, ok := byID[d.UserID]; ok {
			uc.ApplyTrafficDelta(d)
		}
	}
}

// IPReport pairs a user ID with one IP address it was seen from, the unit
// the control plane's IP upload endpoint expects.
type IPReport struct {
	UserID uint64
	IP     netip.Addr
}

// CollectAndDrainIPs gathers and clears every user's pending IP set in one
// pass, for a single upload cycle.
func (s *Store) CollectAndDrainIPs() []IPReport {
	users := s.Snapshot()
	var out []IPReport
	for _, uc := range users {
		for _, ip := range uc.DrainIPs() {
			out = append(out, IPReport{UserID: uc.ID, IP: ip})
		}
	}
	return out
}
