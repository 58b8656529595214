// Package integration provides in-memory fakes of the replay package's
// capability interfaces (replay.BlockSource, replay.AccountSource, ...)
// for exercising handover, reconnect, and page-assembly behavior without
// a live upstream. FakeStream's online/offline flip and scheduled faults
// stand in for a flaky transport that forces client reconnects.
package integration

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/helius-labs/replay-engine/go/replay"
)

// FakeBlockStore is an in-memory, append-only ledger of blocks (or any
// other per-slot item, reused by tests for multi-item-per-slot kinds like
// transactions), servable as both a BlockSource and a live feed.
type FakeBlockStore struct {
	mu    sync.Mutex
	items []replay.Item

	live []*FakeStream
}

// NewFakeBlockStore creates an empty store.
func NewFakeBlockStore() *FakeBlockStore {
	return &FakeBlockStore{}
}

// Append adds a block at slot and fans it out to every live subscriber
// whose stream is currently online. Key defaults to empty (the per-kind
// adapter's toBackfillPage derives it as the slot decimal).
func (s *FakeBlockStore) Append(slot replay.Slot, payload replay.BlockPayload) {
	s.AppendKeyed(slot, "", payload)
}

// AppendKeyed is Append with an explicit key, for tests exercising
// multiple items in the same slot where the default slot-decimal key
// would collide.
func (s *FakeBlockStore) AppendKeyed(slot replay.Slot, key string, payload replay.BlockPayload) {
	s.mu.Lock()
	it := replay.Item{Slot: slot, Key: key, Payload: payload}
	s.items = append(s.items, it)
	streams := append([]*FakeStream(nil), s.live...)
	s.mu.Unlock()

	for _, st := range streams {
		st.push(it)
	}
}

// AppendLiveOnly fans a block out to live subscribers without indexing it
// into the historical store, modeling a live tip that is ahead of the
// list RPC's indexer.
func (s *FakeBlockStore) AppendLiveOnly(slot replay.Slot, payload replay.BlockPayload) {
	s.AppendLiveOnlyKeyed(slot, "", payload)
}

// AppendLiveOnlyKeyed is AppendLiveOnly with an explicit key.
func (s *FakeBlockStore) AppendLiveOnlyKeyed(slot replay.Slot, key string, payload replay.BlockPayload) {
	s.mu.Lock()
	it := replay.Item{Slot: slot, Key: key, Payload: payload}
	streams := append([]*FakeStream(nil), s.live...)
	s.mu.Unlock()

	for _, st := range streams {
		st.push(it)
	}
}

// ListBlocks implements replay.BlockSource.
func (s *FakeBlockStore) ListBlocks(ctx context.Context, req replay.ListRequest) (replay.ListResponse, error) {
	return s.list(req)
}

// StreamBlocks implements replay.BlockSource.
func (s *FakeBlockStore) StreamBlocks(ctx context.Context, req replay.StreamRequest) (replay.LiveSource, error) {
	return s.subscribe(), nil
}

func (s *FakeBlockStore) list(req replay.ListRequest) (replay.ListResponse, error) {
	startSlot := startSlotFromFilter(req.Filter)

	s.mu.Lock()
	defer s.mu.Unlock()

	items := append([]replay.Item(nil), s.items...)
	sort.Slice(items, func(i, j int) bool {
		if items[i].Slot != items[j].Slot {
			return items[i].Slot < items[j].Slot
		}
		return items[i].Key < items[j].Key
	})

	var matched []replay.Item
	for _, it := range items {
		if it.Slot >= startSlot {
			matched = append(matched, it)
		}
	}

	pageSize := req.Page.PageSize
	if pageSize <= 0 {
		pageSize = len(matched)
	}
	offset := 0
	if req.Page.PageToken != "" {
		fmt.Sscanf(req.Page.PageToken, "%d", &offset)
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	page := matched[offset:end]

	next := ""
	if end < len(matched) {
		next = fmt.Sprintf("%d", end)
	}
	return replay.ListResponse{Items: page, NextPageToken: next, TotalSize: int64(len(matched))}, nil
}

func (s *FakeBlockStore) subscribe() *FakeStream {
	st := NewFakeStream()
	s.mu.Lock()
	s.live = append(s.live, st)
	s.mu.Unlock()
	return st
}

// LatestStream returns the most recently subscribed FakeStream, for tests
// that need to inject a fault (Fail/SetOnline) on the stream a running
// ReplayStream is currently reading from.
func (s *FakeBlockStore) LatestStream() *FakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.live) == 0 {
		return nil
	}
	return s.live[len(s.live)-1]
}

// startSlotFromFilter extracts the uint param named "start_slot" that
// adapters.go's generated filter carries (the fake doesn't evaluate CEL,
// it just reads the one parameter its callers always set).
func startSlotFromFilter(f replay.Filter) replay.Slot {
	for _, p := range f.Params {
		if p.Name == "start_slot" && p.Uint != nil {
			return *p.Uint
		}
	}
	return 0
}

// FakeStream is an in-memory replay.LiveSource with injectable faults:
// Fail schedules Recv to return err on its next call, and SetOnline
// toggles whether pushed items are even delivered, modeling a dropped
// connection the way chaos-proxy.go drops live TCP connections.
type FakeStream struct {
	mu      sync.Mutex
	online  bool
	ch      chan replay.Item
	failErr error
	closed  bool
}

// NewFakeStream creates a stream that starts online.
func NewFakeStream() *FakeStream {
	return &FakeStream{online: true, ch: make(chan replay.Item, 256)}
}

// Recv implements replay.LiveSource.
func (s *FakeStream) Recv(ctx context.Context) (replay.Item, error) {
	s.mu.Lock()
	if s.failErr != nil {
		err := s.failErr
		s.failErr = nil
		s.mu.Unlock()
		return replay.Item{}, err
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return replay.Item{}, ctx.Err()
	case item, ok := <-s.ch:
		if !ok {
			return replay.Item{}, fmt.Errorf("fake stream closed")
		}
		return item, nil
	}
}

func (s *FakeStream) push(item replay.Item) {
	s.mu.Lock()
	online := s.online
	s.mu.Unlock()
	if !online {
		return
	}
	select {
	case s.ch <- item:
	default:
	}
}

// SetOnline flips delivery on or off without closing the channel, the
// in-process equivalent of chaos-proxy.go killing live connections while
// the listener keeps accepting.
func (s *FakeStream) SetOnline(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
}

// Fail arranges for the next Recv call to return err immediately.
func (s *FakeStream) Fail(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

// Close terminates the stream; a subsequent Recv returns an error.
func (s *FakeStream) Close() {
	s.mu.Lock()
	if !s.closed {
		close(s.ch)
		s.closed = true
	}
	s.mu.Unlock()
}
