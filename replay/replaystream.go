package replay

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// state is the handover machine's observable position. reconnect is
// modeled as a transient sub-loop of streaming rather than a state the
// caller ever observes between Next() calls, but it is logged exactly
// like the other three.
type state int

const (
	stateBackfilling state = iota
	stateSwitching
	stateStreaming
)

func (s state) String() string {
	switch s {
	case stateBackfilling:
		return "BACKFILLING"
	case stateSwitching:
		return "SWITCHING"
	case stateStreaming:
		return "STREAMING"
	default:
		return "UNKNOWN"
	}
}

// Capabilities bundles the two RPC entry points a ReplayStream needs; a
// CapabilityFactory[Capabilities] can hand back a fresh pair on
// reconnect.
type Capabilities struct {
	FetchBackfill FetchBackfillFunc
	SubscribeLive func(ctx context.Context, fromSlot Slot) (LiveSource, error)
}

// ReplayStreamConfig is the constructor input for ReplayStream.
type ReplayStreamConfig struct {
	StartSlot    Slot
	SafetyMargin Slot
	PageSize     int

	Capabilities Capabilities
	ExtractSlot  ExtractSlotFunc
	ExtractKey   ExtractKeyFunc

	OnReconnect CapabilityFactory[Capabilities]

	// DisableResubscribeOnEnd stops a graceful stream end from being
	// treated as reconnectable; the zero value keeps resubscribing.
	DisableResubscribeOnEnd bool

	ConnectionTimeout    time.Duration
	MiniBackfillBudget   time.Duration
	MaxEmptyPageAttempts int

	Logger  *zap.Logger
	Metrics *ReplayMetrics

	// BackoffInitial/BackoffMax/BackoffJitter parameterize the reconnect
	// backoff: min(base*2^attempt, max) * (1 +/- jitter).
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64
}

// ReplayStream is the handover state machine: BACKFILLING -> SWITCHING ->
// STREAMING, with RECONNECT as STREAMING's failure-recovery sub-loop. It
// delivers an ordered, gap-free, duplicate-free item sequence from a
// caller-chosen historical slot into the live tip by bridging a paginated
// list RPC and an unbounded stream RPC.
type ReplayStream struct {
	cfg ReplayStreamConfig

	caps Capabilities

	state state

	currentSlot     Slot
	lastEmittedSlot Slot
	lastSlotKeys    map[string]struct{}

	cursor            Cursor
	emptyPageAttempts int

	pending []Item

	livePump *LivePump
	metrics  *ReplayMetrics
	logger   *zap.Logger
	bo       backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc
}

// NewReplayStream constructs a ReplayStream and eagerly opens the live
// subscription in buffering mode, so the buffer covers the handover
// window while backfill pages are still being read.
func NewReplayStream(ctx context.Context, cfg ReplayStreamConfig) (*ReplayStream, error) {
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.MiniBackfillBudget <= 0 {
		cfg.MiniBackfillBudget = DefaultMiniBackfillBudget
	}
	if cfg.MaxEmptyPageAttempts <= 0 {
		cfg.MaxEmptyPageAttempts = DefaultMaxEmptyPageAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewReplayMetrics()
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.BackoffJitter <= 0 {
		cfg.BackoffJitter = 0.2
	}

	runCtx, cancel := context.WithCancel(ctx)

	live, err := cfg.Capabilities.SubscribeLive(runCtx, cfg.StartSlot)
	if err != nil {
		cancel()
		return nil, newErr(ErrKindTransportConnect, "initial live subscribe failed", err)
	}

	s := &ReplayStream{
		cfg:         cfg,
		caps:        cfg.Capabilities,
		state:       stateBackfilling,
		currentSlot: 0,
		livePump:    NewLivePump(runCtx, live),
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		bo:          newReconnectBackoff(cfg.BackoffInitial, cfg.BackoffMax, cfg.BackoffJitter),
		ctx:         runCtx,
		cancel:      cancel,
	}
	s.logger.Info("replay state transition", zap.String("state", s.state.String()), zap.Uint64("start_slot", cfg.StartSlot))
	return s, nil
}

// newReconnectBackoff builds an ExponentialBackOff with unbounded retries
// (MaxElapsedTime=0) whose RandomizationFactor supplies the jitter term.
func newReconnectBackoff(initial, max time.Duration, jitter float64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = jitter
	b.MaxElapsedTime = 0
	return b
}

// Next pulls the next item in the replay sequence, blocking until one is
// available, the context is cancelled, or a fatal (non-retried) error
// occurs. Across calls, emitted slots are nondecreasing and (slot, key)
// pairs are unique.
func (s *ReplayStream) Next(ctx context.Context) (Item, error) {
	for len(s.pending) == 0 {
		if err := s.fill(ctx); err != nil {
			return Item{}, err
		}
	}
	item := s.pending[0]
	s.pending = s.pending[1:]
	return item, nil
}

// Metrics returns a live snapshot of the replay's counters.
func (s *ReplayStream) Metrics() ReplayMetricsSnapshot { return s.metrics.Snapshot() }

// Close releases the live subscription and cancels any in-flight work.
func (s *ReplayStream) Close() {
	s.cancel()
	if s.livePump != nil {
		s.livePump.Close()
	}
}

// normalize applies the configured (item) -> (slot, key) projections, for
// callers that hand ReplayStream raw Capabilities instead of going through
// a per-kind adapter. An item that still has no key falls back to its slot
// decimal; an item the projections cannot slot keeps 0 and flows through
// dedup like any other.
func (s *ReplayStream) normalize(it Item) Item {
	if s.cfg.ExtractSlot != nil {
		it.Slot = s.cfg.ExtractSlot(it)
	}
	if s.cfg.ExtractKey != nil {
		it.Key = s.cfg.ExtractKey(it)
	}
	if it.Key == "" {
		it.Key = strconv.FormatUint(it.Slot, 10)
	}
	return it
}

func (s *ReplayStream) seen(it Item) bool {
	if it.Slot < s.lastEmittedSlot {
		return true
	}
	if it.Slot == s.lastEmittedSlot {
		_, ok := s.lastSlotKeys[it.Key]
		return ok
	}
	return false
}

func (s *ReplayStream) markEmitted(it Item) {
	if it.Slot != s.lastEmittedSlot || s.lastSlotKeys == nil {
		s.lastEmittedSlot = it.Slot
		s.lastSlotKeys = make(map[string]struct{})
	}
	s.lastSlotKeys[it.Key] = struct{}{}
	s.currentSlot = it.Slot
}

// fill ensures s.pending is non-empty (or returns an error) by advancing
// the state machine exactly as far as necessary to produce the next batch
// of items.
func (s *ReplayStream) fill(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return newErr(ErrKindCancelled, "context cancelled", ctx.Err())
		default:
		}

		switch s.state {
		case stateBackfilling:
			if err := s.stepBackfilling(ctx); err != nil {
				return err
			}
		case stateSwitching:
			s.stepSwitching()
		case stateStreaming:
			if err := s.stepStreaming(ctx); err != nil {
				return err
			}
		}

		if len(s.pending) > 0 {
			return nil
		}
	}
}

func (s *ReplayStream) transitionTo(next state) {
	s.logger.Info("replay state transition", zap.String("from", s.state.String()), zap.String("to", next.String()), zap.Uint64("current_slot", s.currentSlot))
	s.state = next
}

// stepBackfilling reads one backfill page, yields its new items, and
// checks both handover exit predicates: pagination exhausted, or overlap
// with the live window reached.
func (s *ReplayStream) stepBackfilling(ctx context.Context) error {
	reqID := uuid.NewString()
	page, err := s.caps.FetchBackfill(ctx, BackfillRequest{
		StartSlot: s.cfg.StartSlot,
		Cursor:    s.cursor,
		PageSize:  s.cfg.PageSize,
	})
	if err != nil {
		s.logger.Warn("backfill fetch failed", zap.String("request_id", reqID), zap.Error(err))
		s.metrics.addError(ErrKindBackfillFatal)
		return newErr(ErrKindBackfillFatal, "backfill fetch failed", err)
	}

	if len(page.Items) == 0 && !page.Done && page.Cursor == "" {
		s.emptyPageAttempts++
		s.logger.Warn("empty backfill page with no cursor", zap.Int("attempt", s.emptyPageAttempts))
		if s.emptyPageAttempts >= s.cfg.MaxEmptyPageAttempts {
			s.metrics.addError(ErrKindEmptyPageNoCursor)
			return newErr(ErrKindEmptyPageNoCursor, "exhausted empty-page retry budget", nil)
		}
		return nil
	}
	s.emptyPageAttempts = 0

	items := make([]Item, len(page.Items))
	for i, it := range page.Items {
		items[i] = s.normalize(it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Slot != items[j].Slot {
			return items[i].Slot < items[j].Slot
		}
		return items[i].Key < items[j].Key
	})

	var yielded uint64
	for _, it := range items {
		if it.Slot < s.cfg.StartSlot {
			continue
		}
		if s.seen(it) {
			s.metrics.addDiscardedDuplicates(1)
			continue
		}
		s.markEmitted(it)
		s.pending = append(s.pending, it)
		yielded++
	}
	s.metrics.addBackfill(yielded)

	discarded := s.livePump.DiscardBufferedUpTo(s.currentSlot)
	s.metrics.addDiscardedDuplicates(uint64(discarded))
	s.metrics.setBuffered(uint64(s.livePump.BufferedSize()))

	s.cursor = page.Cursor

	exitA := page.Done || page.Cursor == ""
	maxSlot, hasMax := s.livePump.ObservedMaxSlot()
	exitB := hasMax && s.currentSlot >= saturatingSub(maxSlot, s.cfg.SafetyMargin)

	if exitA || exitB {
		s.transitionTo(stateSwitching)
	}
	return nil
}

// stepSwitching atomically flips the pump to streaming mode, discarding
// buffered items at or below currentSlot and yielding the drained rest.
func (s *ReplayStream) stepSwitching() {
	drained, discarded := s.livePump.EnableStreaming(s.currentSlot)
	s.metrics.addDiscardedDuplicates(uint64(discarded))

	var yielded uint64
	for _, it := range drained {
		it = s.normalize(it)
		if s.seen(it) {
			s.metrics.addDiscardedDuplicates(1)
			continue
		}
		s.markEmitted(it)
		s.pending = append(s.pending, it)
		yielded++
		s.livePump.UpdateEmitFloor(s.currentSlot)
	}
	s.metrics.addLive(yielded)

	if len(drained) == 0 {
		s.livePump.UpdateEmitFloor(s.currentSlot)
	}

	s.transitionTo(stateStreaming)
}

// stepStreaming wraps livePump.Next() with the connection timeout and
// funnels any failure (stream error, explicit end when resubscribe is
// enabled, or timeout) into reconnect.
func (s *ReplayStream) stepStreaming(ctx context.Context) error {
	type recvResult struct {
		item Item
		ok   bool
		err  error
	}
	resultCh := make(chan recvResult, 1)
	go func() {
		item, ok, err := s.livePump.Next()
		resultCh <- recvResult{item, ok, err}
	}()

	select {
	case <-ctx.Done():
		return newErr(ErrKindCancelled, "context cancelled", ctx.Err())
	case <-time.After(s.cfg.ConnectionTimeout):
		s.logger.Warn("stream recv timed out", zap.Duration("timeout", s.cfg.ConnectionTimeout))
		s.metrics.addError(ErrKindStreamHung)
		return s.reconnect(ctx, newErr(ErrKindStreamHung, "no message within connection timeout", nil))
	case r := <-resultCh:
		if r.err != nil {
			s.logger.Warn("stream recv error", zap.String("grpc_code", classifyStreamError(r.err)), zap.Error(r.err))
			s.metrics.addError(ErrKindTransportConnect)
			return s.reconnect(ctx, newErr(ErrKindTransportConnect, "stream recv error", r.err))
		}
		if !r.ok {
			// Explicit end-of-stream. Only reconnect if configured to.
			if !s.cfg.DisableResubscribeOnEnd {
				return s.reconnect(ctx, newErr(ErrKindTransportConnect, "stream ended", nil))
			}
			return newErr(ErrKindCancelled, "stream ended, resubscribe disabled", nil)
		}

		item := s.normalize(r.item)
		if s.seen(item) {
			s.metrics.addDiscardedDuplicates(1)
			return nil
		}
		s.markEmitted(item)
		s.pending = append(s.pending, item)
		s.metrics.addLive(1)
		s.livePump.UpdateEmitFloor(s.currentSlot)
		return nil
	}
}

// reconnect backs off, optionally refreshes capability handles, covers
// the disconnection window with a bounded mini-backfill, and re-enters
// streaming with the emit floor at the last emitted slot.
func (s *ReplayStream) reconnect(ctx context.Context, cause error) error {
	s.logger.Info("replay state transition", zap.String("from", s.state.String()), zap.String("to", "RECONNECT"), zap.Error(cause))

	delay := s.bo.NextBackOff()
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return newErr(ErrKindCancelled, "context cancelled during reconnect backoff", ctx.Err())
	}

	s.livePump.Close()

	if s.cfg.OnReconnect != nil {
		fresh, err := s.cfg.OnReconnect(ctx)
		if err != nil {
			s.logger.Warn("capability factory failed on reconnect, retaining current handles", zap.Error(err))
		} else {
			s.caps = fresh
		}
	}

	if s.currentSlot > 0 {
		s.runMiniBackfill(ctx)
	}

	// The resubscription must outlive this Next call, so it is bound to
	// the stream-lifetime context, not the per-call one.
	resumeSlot := s.currentSlot
	live, err := s.caps.SubscribeLive(s.ctx, resumeSlot)
	if err != nil {
		return newErr(ErrKindTransportConnect, "resubscribe failed", err)
	}
	s.livePump = NewLivePumpStreaming(s.ctx, live, s.currentSlot)

	s.bo.Reset()
	s.transitionTo(stateStreaming)
	return nil
}

// runMiniBackfill covers the disconnection window for at most
// MiniBackfillBudget. Errors are logged and swallowed; the caller
// proceeds to resubscribe regardless.
func (s *ReplayStream) runMiniBackfill(ctx context.Context) {
	deadline := time.Now().Add(s.cfg.MiniBackfillBudget)
	cursor := Cursor("")
	reqID := uuid.NewString()

	for time.Now().Before(deadline) {
		page, err := s.caps.FetchBackfill(ctx, BackfillRequest{
			StartSlot: s.currentSlot,
			Cursor:    cursor,
			PageSize:  s.cfg.PageSize,
		})
		if err != nil {
			s.logger.Warn("mini-backfill error, proceeding to resubscribe", zap.String("request_id", reqID), zap.Error(err))
			return
		}

		items := make([]Item, len(page.Items))
		for i, it := range page.Items {
			items[i] = s.normalize(it)
		}
		sort.Slice(items, func(i, j int) bool {
			if items[i].Slot != items[j].Slot {
				return items[i].Slot < items[j].Slot
			}
			return items[i].Key < items[j].Key
		})

		var yielded uint64
		for _, it := range items {
			if s.seen(it) {
				s.metrics.addDiscardedDuplicates(1)
				continue
			}
			s.markEmitted(it)
			s.pending = append(s.pending, it)
			yielded++
		}
		s.metrics.addReconnect(yielded)

		cursor = page.Cursor
		if page.Done || page.Cursor == "" {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
