package replay

import (
	"strconv"
	"sync"
	"time"
)

// AccountUpdate is one wire-level chunk or delete notification for an
// address, as it arrives off streamAccountUpdates.
type AccountUpdate struct {
	Address    []byte
	AddressHex string
	Slot       Slot
	Seq        uint64
	Meta       *AccountMeta // nil => cannot size, update is ignored
	IsDelete   bool
	PageIdx    int
	PageData   []byte
	HasPage    bool
}

type pageEntry struct {
	slot       Slot
	seq        uint64
	meta       *AccountMeta
	expected   int
	pages      map[int][]byte
	receivedAt time.Time
}

func (e *pageEntry) complete() bool { return len(e.pages) >= e.expected }

// PageAssembler buffers 4 KiB-chunked account update pages keyed by
// (address, sequence) and emits a reconciled AccountState once all pages
// for an entry have arrived, evicting timed-out or over-quota entries.
type PageAssembler struct {
	mu      sync.Mutex
	perAddr map[string]map[string]*pageEntry // addressHex -> seqString -> entry

	maxPendingPerAddress int
	assemblyTimeout      time.Duration
	cleanupInterval      time.Duration

	out       chan AccountState
	evictions atomic64

	stopCh chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type atomic64 struct {
	mu sync.Mutex
	n  uint64
}

func (a *atomic64) add(n uint64) {
	a.mu.Lock()
	a.n += n
	a.mu.Unlock()
}

func (a *atomic64) load() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

// PageAssemblerOption configures a PageAssembler at construction time.
type PageAssemblerOption func(*PageAssembler)

// WithMaxPendingPerAddress overrides the default quota of 10.
func WithMaxPendingPerAddress(n int) PageAssemblerOption {
	return func(a *PageAssembler) { a.maxPendingPerAddress = n }
}

// WithAssemblyTimeout overrides the default 30s expiry.
func WithAssemblyTimeout(d time.Duration) PageAssemblerOption {
	return func(a *PageAssembler) { a.assemblyTimeout = d }
}

// WithCleanupInterval overrides the default 10s cleanup tick.
func WithCleanupInterval(d time.Duration) PageAssemblerOption {
	return func(a *PageAssembler) { a.cleanupInterval = d }
}

// NewPageAssembler creates an assembler and starts its periodic cleanup
// timer; callers must Close() it to stop the timer deterministically.
func NewPageAssembler(opts ...PageAssemblerOption) *PageAssembler {
	a := &PageAssembler{
		perAddr:              make(map[string]map[string]*pageEntry),
		maxPendingPerAddress: DefaultMaxPendingPerAddress,
		assemblyTimeout:      DefaultAssemblyTimeout,
		cleanupInterval:      DefaultCleanupInterval,
		out:                  make(chan AccountState, 64),
		stopCh:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.wg.Add(1)
	go a.cleanupLoop()
	return a
}

// Out returns the channel AccountState values are emitted on.
func (a *PageAssembler) Out() <-chan AccountState { return a.out }

// Evictions returns the number of entries evicted due to timeout or quota.
func (a *PageAssembler) Evictions() uint64 { return a.evictions.load() }

func seqString(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

// Ingest processes one AccountUpdate: delete emits immediately, no-meta
// is ignored (cannot size the entry), meta upserts and assembles.
func (a *PageAssembler) Ingest(u AccountUpdate) {
	if u.IsDelete {
		a.out <- AccountState{
			Address:    u.Address,
			AddressHex: u.AddressHex,
			Slot:       u.Slot,
			Seq:        u.Seq,
			IsDelete:   true,
			Source:     "stream",
		}
		return
	}

	if u.Meta == nil {
		return
	}

	a.mu.Lock()

	addrEntries, ok := a.perAddr[u.AddressHex]
	if !ok {
		addrEntries = make(map[string]*pageEntry)
		a.perAddr[u.AddressHex] = addrEntries
	}

	key := seqString(u.Seq)
	entry, ok := addrEntries[key]
	if !ok {
		if len(addrEntries) >= a.maxPendingPerAddress {
			a.evictOldestLocked(addrEntries)
		}
		expected := int((u.Meta.DataSize + DefaultPageSizeBytes - 1) / DefaultPageSizeBytes)
		if expected == 0 {
			expected = 1
		}
		entry = &pageEntry{
			slot:       u.Slot,
			seq:        u.Seq,
			meta:       u.Meta,
			expected:   expected,
			pages:      make(map[int][]byte),
			receivedAt: now(),
		}
		addrEntries[key] = entry
	}

	if u.HasPage {
		entry.pages[u.PageIdx] = u.PageData
	}

	complete := entry.complete()
	if complete {
		delete(addrEntries, key)
		if len(addrEntries) == 0 {
			delete(a.perAddr, u.AddressHex)
		}
	}
	a.mu.Unlock()

	// Send outside the lock: a stalled consumer must not block other
	// Ingest calls or the cleanup tick.
	if complete {
		a.out <- assemble(u.Address, u.AddressHex, entry)
	}
}

func assemble(address []byte, addressHex string, e *pageEntry) AccountState {
	data := make([]byte, 0, e.expected*DefaultPageSizeBytes)
	for i := 0; i < e.expected; i++ {
		data = append(data, e.pages[i]...)
	}
	return AccountState{
		Address:    address,
		AddressHex: addressHex,
		Slot:       e.slot,
		Seq:        e.seq,
		Meta:       e.meta,
		Data:       data,
		Source:     "stream",
	}
}

// evictOldestLocked drops the oldest-by-receivedAt entry for one address
// when the per-address quota is exceeded.
func (a *PageAssembler) evictOldestLocked(addrEntries map[string]*pageEntry) {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, e := range addrEntries {
		if first || e.receivedAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.receivedAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(addrEntries, oldestKey)
		a.evictions.add(1)
	}
}

func (a *PageAssembler) cleanupLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.evictExpired()
		}
	}
}

func (a *PageAssembler) evictExpired() {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := now().Add(-a.assemblyTimeout)
	for addr, entries := range a.perAddr {
		for seq, e := range entries {
			if e.receivedAt.Before(cutoff) {
				delete(entries, seq)
				a.evictions.add(1)
			}
		}
		if len(entries) == 0 {
			delete(a.perAddr, addr)
		}
	}
}

// Close stops the cleanup timer deterministically and closes the output
// channel.
func (a *PageAssembler) Close() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
	close(a.out)
}

func now() time.Time { return time.Now() }
