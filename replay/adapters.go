package replay

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Default page sizes per item kind.
const (
	DefaultBlockPageSize       = 128
	DefaultTransactionPageSize = 256
	DefaultEventPageSize       = 512
)

// BlockPayload is the kind-specific envelope a BlockSource deals in.
type BlockPayload struct {
	Slot Slot
}

// NewBlockCapabilities adapts a BlockSource into the generic Capabilities
// contract ReplayStream consumes, injecting a slot-lower-bound filter
// ANDed with the caller's filter. A block's key is its slot decimal.
func NewBlockCapabilities(src BlockSource, userFilter Filter, pageSize int) Capabilities {
	if pageSize <= 0 {
		pageSize = DefaultBlockPageSize
	}
	return Capabilities{
		FetchBackfill: func(ctx context.Context, req BackfillRequest) (BackfillPage, error) {
			filter := andFilter("block.header.slot >= uint(params.start_slot)", []FilterParam{uintParam("start_slot", req.StartSlot)}, userFilter)
			resp, err := src.ListBlocks(ctx, ListRequest{
				Filter: filter,
				Page:   PageRequest{PageSize: pageSize, PageToken: req.Cursor, OrderBy: "slot asc"},
			})
			if err != nil {
				return BackfillPage{}, err
			}
			return toBackfillPage(resp, blockKey), nil
		},
		SubscribeLive: func(ctx context.Context, fromSlot Slot) (LiveSource, error) {
			filter := andFilter("block.header.slot >= uint(params.start_slot)", []FilterParam{uintParam("start_slot", fromSlot)}, userFilter)
			return src.StreamBlocks(ctx, StreamRequest{Filter: filter})
		},
	}
}

func blockKey(it Item) string {
	return strconv.FormatUint(it.Slot, 10)
}

// TransactionPayload is the kind-specific envelope a TransactionSource
// deals in; Signature is hex-rendered to form the item key.
type TransactionPayload struct {
	Slot      Slot
	Signature []byte
}

// NewTransactionCapabilities adapts a TransactionSource.
func NewTransactionCapabilities(src TransactionSource, userFilter Filter, pageSize int) Capabilities {
	if pageSize <= 0 {
		pageSize = DefaultTransactionPageSize
	}
	return Capabilities{
		FetchBackfill: func(ctx context.Context, req BackfillRequest) (BackfillPage, error) {
			filter := andFilter("transaction.slot >= uint(params.start_slot)", []FilterParam{uintParam("start_slot", req.StartSlot)}, userFilter)
			resp, err := src.ListTransactions(ctx, ListRequest{
				Filter: filter,
				Page:   PageRequest{PageSize: pageSize, PageToken: req.Cursor, OrderBy: "slot asc"},
			})
			if err != nil {
				return BackfillPage{}, err
			}
			return toBackfillPage(resp, transactionKey), nil
		},
		SubscribeLive: func(ctx context.Context, fromSlot Slot) (LiveSource, error) {
			filter := andFilter("transaction.slot >= uint(params.start_slot)", []FilterParam{uintParam("start_slot", fromSlot)}, userFilter)
			return src.StreamTransactions(ctx, StreamRequest{Filter: filter})
		},
	}
}

// transactionKey renders a signature as hex, falling back to the slot
// decimal when no key was set upstream.
func transactionKey(it Item) string {
	if it.Key != "" {
		return it.Key
	}
	if tp, ok := it.Payload.(TransactionPayload); ok {
		return hex.EncodeToString(tp.Signature)
	}
	return strconv.FormatUint(it.Slot, 10)
}

// EventPayload is the kind-specific envelope an EventSource deals in.
// Event stream envelopes are flattened into this canonical shape before
// yielding.
type EventPayload struct {
	Slot     Slot
	EventID  string
	CallIdx  int
}

// NewEventCapabilities adapts an EventSource.
func NewEventCapabilities(src EventSource, userFilter Filter, pageSize int) Capabilities {
	if pageSize <= 0 {
		pageSize = DefaultEventPageSize
	}
	return Capabilities{
		FetchBackfill: func(ctx context.Context, req BackfillRequest) (BackfillPage, error) {
			filter := andFilter("event.slot >= uint(params.start_slot)", []FilterParam{uintParam("start_slot", req.StartSlot)}, userFilter)
			resp, err := src.ListEvents(ctx, ListRequest{
				Filter: filter,
				Page:   PageRequest{PageSize: pageSize, PageToken: req.Cursor, OrderBy: "slot asc"},
			})
			if err != nil {
				return BackfillPage{}, err
			}
			return toBackfillPage(resp, eventKey), nil
		},
		SubscribeLive: func(ctx context.Context, fromSlot Slot) (LiveSource, error) {
			filter := andFilter("event.slot >= uint(params.start_slot)", []FilterParam{uintParam("start_slot", fromSlot)}, userFilter)
			return src.StreamEvents(ctx, StreamRequest{Filter: filter})
		},
	}
}

// eventKey is eventId, falling back to "slot:callIdx".
func eventKey(it Item) string {
	if it.Key != "" {
		return it.Key
	}
	if ep, ok := it.Payload.(EventPayload); ok {
		if ep.EventID != "" {
			return ep.EventID
		}
		return fmt.Sprintf("%d:%d", ep.Slot, ep.CallIdx)
	}
	return strconv.FormatUint(it.Slot, 10)
}

// toBackfillPage converts a generic ListResponse into a BackfillPage,
// deriving each item's key via deriveKey if the item didn't already carry
// one. This is where the per-kind adapters assign keys to backfilled
// items; live items are not passed through it.
func toBackfillPage(resp ListResponse, deriveKey func(Item) string) BackfillPage {
	items := make([]Item, len(resp.Items))
	for i, it := range resp.Items {
		if it.Key == "" {
			it.Key = deriveKey(it)
		}
		items[i] = it
	}
	return BackfillPage{
		Items:  items,
		Cursor: resp.NextPageToken,
		Done:   resp.NextPageToken == "",
	}
}
