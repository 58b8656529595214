package replay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// chanLiveSource is a minimal LiveSource backed by a channel, for
// white-box LivePump tests that don't need the full integration fakes.
type chanLiveSource struct {
	ch  chan Item
	err chan error
}

func newChanLiveSource() *chanLiveSource {
	return &chanLiveSource{ch: make(chan Item, 64), err: make(chan error, 1)}
}

func (s *chanLiveSource) Recv(ctx context.Context) (Item, error) {
	select {
	case it := <-s.ch:
		return it, nil
	case err := <-s.err:
		return Item{}, err
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

func TestLivePumpBuffersWhileBuffering(t *testing.T) {
	src := newChanLiveSource()
	p := NewLivePump(context.Background(), src)
	defer p.Close()

	src.ch <- Item{Slot: 10, Key: "a"}
	src.ch <- Item{Slot: 12, Key: "b"}

	deadline := time.Now().Add(time.Second)
	for p.BufferedSize() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.BufferedSize() != 2 {
		t.Fatalf("BufferedSize() = %d, want 2", p.BufferedSize())
	}

	maxSlot, ok := p.ObservedMaxSlot()
	if !ok || maxSlot != 12 {
		t.Fatalf("ObservedMaxSlot() = %d, %v, want 12, true", maxSlot, ok)
	}
	minSlot, ok := p.ObservedMinSlot()
	if !ok || minSlot != 10 {
		t.Fatalf("ObservedMinSlot() = %d, %v, want 10, true", minSlot, ok)
	}
}

func TestLivePumpEnableStreamingDiscardsAndDrains(t *testing.T) {
	src := newChanLiveSource()
	p := NewLivePump(context.Background(), src)
	defer p.Close()

	for _, slot := range []Slot{5, 10, 15, 20} {
		src.ch <- Item{Slot: slot, Key: "k"}
	}
	deadline := time.Now().Add(time.Second)
	for p.BufferedSize() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	drained, discarded := p.EnableStreaming(10)
	if discarded != 2 {
		t.Fatalf("discarded = %d, want 2 (slots 5, 10)", discarded)
	}
	if len(drained) != 2 || drained[0].Slot != 15 || drained[1].Slot != 20 {
		t.Fatalf("drained = %+v, want slots [15, 20]", drained)
	}
}

func TestLivePumpStreamingDropsBelowEmitFloor(t *testing.T) {
	src := newChanLiveSource()
	p := NewLivePumpStreaming(context.Background(), src, 10)
	defer p.Close()

	src.ch <- Item{Slot: 5, Key: "below-floor"}
	src.ch <- Item{Slot: 10, Key: "at-floor"}
	src.ch <- Item{Slot: 11, Key: "above-floor"}

	got, ok, err := p.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = %v, %v, %v", got, ok, err)
	}
	if got.Key != "at-floor" {
		t.Fatalf("first forwarded item = %q, want %q (below-floor item must be dropped)", got.Key, "at-floor")
	}

	got, ok, err = p.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = %v, %v, %v", got, ok, err)
	}
	if got.Key != "above-floor" {
		t.Fatalf("second forwarded item = %q, want %q", got.Key, "above-floor")
	}
}

func TestLivePumpUpdateEmitFloorIsMonotonic(t *testing.T) {
	src := newChanLiveSource()
	p := NewLivePumpStreaming(context.Background(), src, 10)
	defer p.Close()

	p.UpdateEmitFloor(5) // must not lower the floor
	src.ch <- Item{Slot: 8, Key: "still-below-original-floor"}
	src.ch <- Item{Slot: 10, Key: "at-floor"}

	got, _, err := p.Next()
	if err != nil {
		t.Fatalf("Next(): %v", err)
	}
	if got.Key != "at-floor" {
		t.Fatalf("got %q, want %q; UpdateEmitFloor(5) must not have lowered the floor below 10", got.Key, "at-floor")
	}
}

func TestLivePumpSourceErrorFailsQueue(t *testing.T) {
	src := newChanLiveSource()
	p := NewLivePumpStreaming(context.Background(), src, 0)
	defer p.Close()

	wantErr := errors.New("transport died")
	src.err <- wantErr

	_, ok, err := p.Next()
	if ok {
		t.Fatal("Next() after source error returned ok=true")
	}
	if !errors.Is(err, wantErr) {
		t.Fatalf("Next() err = %v, want to wrap %v", err, wantErr)
	}
}

func TestLivePumpCloseTerminatesReceiveLoop(t *testing.T) {
	src := newChanLiveSource()
	p := NewLivePump(context.Background(), src)

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return; internal receive loop likely leaked")
	}
}

func TestLivePumpNoItemAfterCutoffReenters(t *testing.T) {
	// Regression guard for EnableStreaming with nothing to drain: the
	// emit floor must still advance.
	src := newChanLiveSource()
	p := NewLivePump(context.Background(), src)
	defer p.Close()

	drained, discarded := p.EnableStreaming(100)
	if len(drained) != 0 || discarded != 0 {
		t.Fatalf("drained=%v discarded=%d, want empty/0 on an empty buffer", drained, discarded)
	}
	p.UpdateEmitFloor(100)

	src.ch <- Item{Slot: 99, Key: "below"}
	src.ch <- Item{Slot: 101, Key: "above"}

	got, _, err := p.Next()
	if err != nil {
		t.Fatalf("Next(): %v", err)
	}
	if got.Key != "above" {
		t.Fatal(fmt.Sprintf("got %q, want %q", got.Key, "above"))
	}
}
