package replay

import (
	"context"
	"sync"
	"sync/atomic"
)

// LiveSource is the capability a live subscription must satisfy: Recv
// blocks until the next item, a terminal error, or ctx cancellation.
// Concrete transports (gRPC streams, etc.) live outside this module; this
// interface is the only contract the core depends on.
type LiveSource interface {
	Recv(ctx context.Context) (Item, error)
}

type pumpMode int32

const (
	pumpModeBuffering pumpMode = iota
	pumpModeStreaming
)

// LivePump owns a live subscription and a DedupBuffer. In buffering mode
// every received item is upserted into the buffer and the observed
// min/max slot is updated; in streaming mode items are forwarded to an
// AsyncQueue when their slot is at or above emitFloor, else dropped.
type LivePump struct {
	source LiveSource
	buffer *DedupBuffer
	queue  *AsyncQueue

	mode      atomic.Int32
	emitFloor atomic.Uint64

	slotsMu  sync.Mutex
	minSlot  Slot
	maxSlot  Slot
	hasSlots bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLivePump starts a background receive loop against source, beginning
// in buffering mode.
func NewLivePump(ctx context.Context, source LiveSource) *LivePump {
	return newLivePump(ctx, source, pumpModeBuffering, 0)
}

// NewLivePumpStreaming starts a pump already in streaming mode with the
// given emitFloor, for the reconnect path's resubscribe. Setting the mode
// before the receive goroutine starts avoids a buffering/streaming race.
func NewLivePumpStreaming(ctx context.Context, source LiveSource, emitFloor Slot) *LivePump {
	return newLivePump(ctx, source, pumpModeStreaming, emitFloor)
}

func newLivePump(ctx context.Context, source LiveSource, mode pumpMode, emitFloor Slot) *LivePump {
	ctx, cancel := context.WithCancel(ctx)
	p := &LivePump{
		source: source,
		buffer: NewDedupBuffer(),
		queue:  NewAsyncQueue(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.mode.Store(int32(mode))
	p.emitFloor.Store(emitFloor)
	go p.run(ctx)
	return p
}

func (p *LivePump) run(ctx context.Context) {
	defer close(p.done)
	for {
		item, err := p.source.Recv(ctx)
		if err != nil {
			p.queue.Fail(err)
			return
		}

		p.recordSlot(item.Slot)

		switch pumpMode(p.mode.Load()) {
		case pumpModeBuffering:
			p.buffer.Insert(item)
		case pumpModeStreaming:
			if item.Slot >= p.emitFloor.Load() {
				_ = p.queue.Push(item)
			}
		}
	}
}

func (p *LivePump) recordSlot(slot Slot) {
	p.slotsMu.Lock()
	defer p.slotsMu.Unlock()
	if !p.hasSlots {
		p.minSlot, p.maxSlot, p.hasSlots = slot, slot, true
		return
	}
	if slot < p.minSlot {
		p.minSlot = slot
	}
	if slot > p.maxSlot {
		p.maxSlot = slot
	}
}

// ObservedMaxSlot returns the largest slot seen so far and whether any
// item has been observed.
func (p *LivePump) ObservedMaxSlot() (Slot, bool) {
	p.slotsMu.Lock()
	defer p.slotsMu.Unlock()
	return p.maxSlot, p.hasSlots
}

// ObservedMinSlot returns the smallest slot seen so far.
func (p *LivePump) ObservedMinSlot() (Slot, bool) {
	p.slotsMu.Lock()
	defer p.slotsMu.Unlock()
	return p.minSlot, p.hasSlots
}

// EnableStreaming atomically discards buffered items <= cutoff, drains the
// rest in ascending order, and switches to streaming mode with
// emitFloor := cutoff. The returned items still need to pass through the
// replay's duplicate filter; discarded is the count of cutoff-discarded
// entries, which the replay counts as duplicates.
func (p *LivePump) EnableStreaming(cutoff Slot) (drained []Item, discarded int) {
	discarded = p.buffer.DiscardUpTo(cutoff)
	drained = p.buffer.DrainAbove(cutoff)
	p.emitFloor.Store(cutoff)
	p.mode.Store(int32(pumpModeStreaming))
	return drained, discarded
}

// UpdateEmitFloor advances the floor; monotonic nondecreasing.
func (p *LivePump) UpdateEmitFloor(slot Slot) {
	for {
		cur := p.emitFloor.Load()
		if slot <= cur {
			return
		}
		if p.emitFloor.CompareAndSwap(cur, slot) {
			return
		}
	}
}

// DiscardBufferedUpTo exposes the buffer's discard for the backfilling
// state's per-page cutoff maintenance.
func (p *LivePump) DiscardBufferedUpTo(cutoff Slot) int {
	return p.buffer.DiscardUpTo(cutoff)
}

// BufferedSize reports the current DedupBuffer occupancy, for metrics.
func (p *LivePump) BufferedSize() int {
	return p.buffer.Size()
}

// Next delegates to the internal AsyncQueue.
func (p *LivePump) Next() (Item, bool, error) {
	return p.queue.Next()
}

// Close closes the queue and awaits termination of the internal receive
// loop.
func (p *LivePump) Close() {
	p.cancel()
	p.queue.Close()
	<-p.done
}
