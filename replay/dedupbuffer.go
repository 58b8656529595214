package replay

import (
	"sort"
	"sync"
)

type dedupKey struct {
	slot Slot
	key  string
}

func (a dedupKey) less(b dedupKey) bool {
	if a.slot != b.slot {
		return a.slot < b.slot
	}
	return a.key < b.key
}

// DedupBuffer is a slot-ordered set keyed by (slot, key), used by LivePump
// to accumulate live items while the replay is still backfilling. The
// mutex is required because the live task writes while the replay
// iterator reads/mutates it.
type DedupBuffer struct {
	mu      sync.Mutex
	entries map[dedupKey]Item
}

// NewDedupBuffer creates an empty buffer.
func NewDedupBuffer() *DedupBuffer {
	return &DedupBuffer{entries: make(map[dedupKey]Item)}
}

// Insert upserts by (slot, key); a later insert with the same key replaces
// the earlier one.
func (b *DedupBuffer) Insert(item Item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[dedupKey{item.Slot, item.Key}] = item
}

// DiscardUpTo removes all entries with slot <= cutoff and returns the
// count removed.
func (b *DedupBuffer) DiscardUpTo(cutoff Slot) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for k := range b.entries {
		if k.slot <= cutoff {
			delete(b.entries, k)
			removed++
		}
	}
	return removed
}

// DrainAbove removes and returns, in ascending (slot, then key) order, all
// entries with slot > cutoff.
func (b *DedupBuffer) DrainAbove(cutoff Slot) []Item {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []dedupKey
	for k := range b.entries {
		if k.slot > cutoff {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	out := make([]Item, 0, len(keys))
	for _, k := range keys {
		out = append(out, b.entries[k])
		delete(b.entries, k)
	}
	return out
}

// MinSlot returns the smallest slot currently buffered and whether the
// buffer is non-empty.
func (b *DedupBuffer) MinSlot() (Slot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return 0, false
	}
	min := Slot(0)
	first := true
	for k := range b.entries {
		if first || k.slot < min {
			min = k.slot
			first = false
		}
	}
	return min, true
}

// Size returns the number of buffered entries.
func (b *DedupBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
