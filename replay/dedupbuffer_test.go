package replay

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var itemCmpOpts = []cmp.Option{cmpopts.EquateEmpty()}

func itemsOf(slots ...Slot) []Item {
	out := make([]Item, len(slots))
	for i, s := range slots {
		out[i] = Item{Slot: s, Key: "0"}
	}
	return out
}

func TestDedupBufferInsertUpsertsByKey(t *testing.T) {
	b := NewDedupBuffer()
	b.Insert(Item{Slot: 10, Key: "a", Payload: "first"})
	b.Insert(Item{Slot: 10, Key: "a", Payload: "second"})

	drained := b.DrainAbove(0)
	if len(drained) != 1 {
		t.Fatalf("len(drained) = %d, want 1", len(drained))
	}
	if drained[0].Payload != "second" {
		t.Fatalf("Payload = %v, want %q (replacement keeps latest)", drained[0].Payload, "second")
	}
}

func TestDedupBufferDiscardUpTo(t *testing.T) {
	b := NewDedupBuffer()
	b.Insert(Item{Slot: 1, Key: "a"})
	b.Insert(Item{Slot: 2, Key: "a"})
	b.Insert(Item{Slot: 3, Key: "a"})

	removed := b.DiscardUpTo(2)
	if removed != 2 {
		t.Fatalf("DiscardUpTo(2) removed %d, want 2", removed)
	}
	if b.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", b.Size())
	}
	min, ok := b.MinSlot()
	if !ok || min != 3 {
		t.Fatalf("MinSlot() = %d, %v, want 3, true", min, ok)
	}
}

func TestDedupBufferDrainAboveOrderAndKeyTiebreak(t *testing.T) {
	b := NewDedupBuffer()
	b.Insert(Item{Slot: 5, Key: "b"})
	b.Insert(Item{Slot: 5, Key: "a"})
	b.Insert(Item{Slot: 3, Key: "z"})
	b.Insert(Item{Slot: 7, Key: "m"})

	got := b.DrainAbove(0)
	want := []Item{
		{Slot: 3, Key: "z"},
		{Slot: 5, Key: "a"},
		{Slot: 5, Key: "b"},
		{Slot: 7, Key: "m"},
	}
	if diff := cmp.Diff(want, got, itemCmpOpts...); diff != "" {
		t.Fatalf("DrainAbove order mismatch (-want +got):\n%s", diff)
	}
	if b.Size() != 0 {
		t.Fatalf("Size() after drain = %d, want 0", b.Size())
	}
}

func TestDedupBufferDrainAboveExcludesCutoffAndBelow(t *testing.T) {
	b := NewDedupBuffer()
	for _, s := range []Slot{1, 2, 3, 4} {
		b.Insert(Item{Slot: s, Key: "k"})
	}
	got := b.DrainAbove(2)
	want := itemsOf(3, 4)
	for i := range want {
		want[i].Key = "k"
	}
	if diff := cmp.Diff(want, got, itemCmpOpts...); diff != "" {
		t.Fatalf("DrainAbove(2) mismatch (-want +got):\n%s", diff)
	}
}

func TestDedupBufferMinSlotEmpty(t *testing.T) {
	b := NewDedupBuffer()
	if _, ok := b.MinSlot(); ok {
		t.Fatal("MinSlot() on empty buffer returned ok=true")
	}
	if b.Size() != 0 {
		t.Fatalf("Size() on empty buffer = %d, want 0", b.Size())
	}
}
