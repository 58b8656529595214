package replay

import "sync"

// AsyncQueue is a single-producer/single-consumer handoff channel with
// close/fail semantics. It hands items directly to a waiting reader when
// one is present, otherwise buffers them in FIFO order. Close still
// drains already-queued items; Fail does not.
type AsyncQueue struct {
	mu      sync.Mutex
	items   []Item
	waiters []chan asyncQueueResult
	closed  bool
	failure error
}

type asyncQueueResult struct {
	item Item
	ok   bool // true: item valid; false: check end/failure
	end  bool
	err  error
}

// NewAsyncQueue creates an empty, open queue.
func NewAsyncQueue() *AsyncQueue {
	return &AsyncQueue{}
}

// Push enqueues v, handing it directly to a blocked reader if one exists.
// Returns an error if the queue is already closed or failed.
func (q *AsyncQueue) Push(v Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return newErr(ErrKindCancelled, "push on closed queue", nil)
	}
	if q.failure != nil {
		return newErr(ErrKindCancelled, "push on failed queue", q.failure)
	}

	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w <- asyncQueueResult{item: v, ok: true}
		return nil
	}

	q.items = append(q.items, v)
	return nil
}

// Next returns the next item in FIFO order; if empty and closed, returns
// (Item{}, false, nil); if empty and failed, returns the latched failure;
// otherwise blocks until an item, close, or fail arrives.
func (q *AsyncQueue) Next() (Item, bool, error) {
	q.mu.Lock()

	if len(q.items) > 0 {
		v := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return v, true, nil
	}

	if q.failure != nil {
		err := q.failure
		q.mu.Unlock()
		return Item{}, false, err
	}
	if q.closed {
		q.mu.Unlock()
		return Item{}, false, nil
	}

	ch := make(chan asyncQueueResult, 1)
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	res := <-ch
	if res.ok {
		return res.item, true, nil
	}
	return Item{}, false, res.err
}

// Close idempotently marks the queue closed and wakes all blocked readers
// with end-of-stream. Items already queued are still delivered (checked at
// the top of Next before the closed branch).
func (q *AsyncQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for _, w := range q.waiters {
		w <- asyncQueueResult{ok: false, end: true}
	}
	q.waiters = nil
}

// Fail latches the first failure and wakes all blocked readers with it.
// Subsequent calls are no-ops; no further items are delivered once failed.
func (q *AsyncQueue) Fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.failure != nil || q.closed {
		return
	}
	q.failure = err
	// After fail no further items are delivered, which is stricter than
	// close (close still drains already-queued items).
	q.items = nil
	for _, w := range q.waiters {
		w <- asyncQueueResult{ok: false, err: err}
	}
	q.waiters = nil
}
