package integration

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/helius-labs/replay-engine/go/replay"
)

// FakeAccountStore is an in-memory AccountSource backing both the
// meta-only list call and the full-fidelity point read, plus a fan-out
// update stream for AccountReplay's steady-state phase.
type FakeAccountStore struct {
	mu       sync.Mutex
	accounts map[string]replay.AccountState
	order    []string

	live []*FakeAccountStream
}

// NewFakeAccountStore creates an empty store.
func NewFakeAccountStore() *FakeAccountStore {
	return &FakeAccountStore{accounts: make(map[string]replay.AccountState)}
}

// Seed inserts or replaces an account's state without notifying live
// subscribers, for pre-populating the store before backfill starts.
func (s *FakeAccountStore) Seed(state replay.AccountState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[state.AddressHex]; !ok {
		s.order = append(s.order, state.AddressHex)
	}
	s.accounts[state.AddressHex] = state
}

// Update applies a new state and fans a corresponding AccountUpdate out
// to every live subscriber.
func (s *FakeAccountStore) Update(state replay.AccountState) {
	s.mu.Lock()
	if _, ok := s.accounts[state.AddressHex]; !ok {
		s.order = append(s.order, state.AddressHex)
	}
	s.accounts[state.AddressHex] = state
	streams := append([]*FakeAccountStream(nil), s.live...)
	s.mu.Unlock()

	meta := state.Meta
	u := replay.AccountUpdate{
		Address:    state.Address,
		AddressHex: state.AddressHex,
		Slot:       state.Slot,
		Seq:        state.Seq,
		Meta:       meta,
		IsDelete:   state.IsDelete,
		PageIdx:    0,
		PageData:   state.Data,
		HasPage:    len(state.Data) > 0 || meta == nil,
	}
	for _, st := range streams {
		st.push(u)
	}
}

// ListAccounts implements replay.AccountSource, returning meta-only views.
func (s *FakeAccountStore) ListAccounts(ctx context.Context, req replay.ListRequest) (replay.ListResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pageSize := req.Page.PageSize
	if pageSize <= 0 {
		pageSize = len(s.order)
	}
	offset := 0
	if req.Page.PageToken != "" {
		fmt.Sscanf(req.Page.PageToken, "%d", &offset)
	}
	if offset > len(s.order) {
		offset = len(s.order)
	}
	end := offset + pageSize
	if end > len(s.order) {
		end = len(s.order)
	}

	items := make([]replay.Item, 0, end-offset)
	for _, addrHex := range s.order[offset:end] {
		acct := s.accounts[addrHex]
		items = append(items, replay.Item{Slot: acct.Slot, Key: addrHex, Payload: acct.Meta})
	}

	next := ""
	if end < len(s.order) {
		next = fmt.Sprintf("%d", end)
	}
	return replay.ListResponse{Items: items, NextPageToken: next, TotalSize: int64(len(s.order))}, nil
}

// GetAccount implements replay.AccountSource.
func (s *FakeAccountStore) GetAccount(ctx context.Context, address []byte, view replay.AccountView) (replay.AccountState, error) {
	addrHex := hex.EncodeToString(address)

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.accounts[addrHex]
	if !ok {
		return replay.AccountState{}, fmt.Errorf("account %s not found", addrHex)
	}
	state.Source = "backfill"
	return state, nil
}

// StreamAccountUpdates implements replay.AccountSource.
func (s *FakeAccountStore) StreamAccountUpdates(ctx context.Context, req replay.StreamRequest) (replay.AccountUpdateSource, error) {
	st := NewFakeAccountStream()
	s.mu.Lock()
	s.live = append(s.live, st)
	s.mu.Unlock()
	return st, nil
}

// LatestStream returns the most recently subscribed FakeAccountStream.
func (s *FakeAccountStore) LatestStream() *FakeAccountStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.live) == 0 {
		return nil
	}
	return s.live[len(s.live)-1]
}

// FakeAccountStream is an in-memory replay.AccountUpdateSource with the
// same online/fail fault injection as FakeStream.
type FakeAccountStream struct {
	mu      sync.Mutex
	online  bool
	ch      chan replay.AccountUpdate
	failErr error
	closed  bool
}

// NewFakeAccountStream creates a stream that starts online.
func NewFakeAccountStream() *FakeAccountStream {
	return &FakeAccountStream{online: true, ch: make(chan replay.AccountUpdate, 256)}
}

// Recv implements replay.AccountUpdateSource.
func (s *FakeAccountStream) Recv(ctx context.Context) (replay.AccountUpdate, error) {
	s.mu.Lock()
	if s.failErr != nil {
		err := s.failErr
		s.failErr = nil
		s.mu.Unlock()
		return replay.AccountUpdate{}, err
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return replay.AccountUpdate{}, ctx.Err()
	case u, ok := <-s.ch:
		if !ok {
			return replay.AccountUpdate{}, fmt.Errorf("fake account stream closed")
		}
		return u, nil
	}
}

func (s *FakeAccountStream) push(u replay.AccountUpdate) {
	s.mu.Lock()
	online := s.online
	s.mu.Unlock()
	if !online {
		return
	}
	select {
	case s.ch <- u:
	default:
	}
}

// SetOnline toggles delivery.
func (s *FakeAccountStream) SetOnline(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
}

// Fail arranges for the next Recv call to return err immediately.
func (s *FakeAccountStream) Fail(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

// Close terminates the stream.
func (s *FakeAccountStream) Close() {
	s.mu.Lock()
	if !s.closed {
		close(s.ch)
		s.closed = true
	}
	s.mu.Unlock()
}
