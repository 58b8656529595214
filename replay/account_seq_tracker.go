package replay

import "sync"

// AccountSeqTracker enforces per-account seq monotonicity when a caller
// builds a materialized view from an AccountReplay's output. It is a
// caller-side convenience, not consumed by AccountReplay itself: the
// replay only guarantees at-least-once delivery per address, not ordering
// between backfill and stream sources for the same address.
type AccountSeqTracker struct {
	mu      sync.Mutex
	lastSeq map[string]uint64
}

// NewAccountSeqTracker creates an empty tracker.
func NewAccountSeqTracker() *AccountSeqTracker {
	return &AccountSeqTracker{lastSeq: make(map[string]uint64)}
}

// Apply reports whether state should be applied to the materialized view:
// true if state.Seq is strictly greater than the last applied seq for
// state.AddressHex (or no prior seq is known), false if it is stale and
// must not overwrite.
func (t *AccountSeqTracker) Apply(state AccountState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.lastSeq[state.AddressHex]
	if ok && state.Seq <= last {
		return false
	}
	t.lastSeq[state.AddressHex] = state.Seq
	return true
}
