package replay

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type accountPhase int

const (
	phaseListing accountPhase = iota
	phaseFetching
	phaseStreaming
)

// AccountReplayConfig is the constructor input for AccountReplay.
type AccountReplayConfig struct {
	Owner     []byte
	DataSizes []uint64
	MinSlot   Slot

	Source      AccountSource
	OnReconnect CapabilityFactory[AccountSource]

	OnBackfillComplete func(highestSlotSeen Slot)

	ListPageSize         int
	MaxGetAccountRetries int
	GetAccountRetryBase  time.Duration

	Logger  *zap.Logger
	Metrics *ReplayMetrics

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64

	PageAssemblerOpts []PageAssemblerOption
}

// AccountReplay is the hybrid account backfill + live flow: a live stream
// races a meta-only list-derived fetch queue, with "stream wins"
// preempting redundant getAccount calls, followed by steady-state
// streaming with page assembly and min-slot resume.
type AccountReplay struct {
	cfg       AccountReplayConfig
	src       AccountSource
	assembler *PageAssembler
	logger    *zap.Logger
	metrics   *ReplayMetrics
	bo        backoff.BackOff

	seenMu         sync.Mutex
	seenFromStream map[string]bool

	highestMu    sync.Mutex
	highestSlot  Slot

	streamBuf chan AccountState
	errCh     chan error

	phase        accountPhase
	fetchQueue   [][]byte
	listCursor   Cursor
	listDone     bool
	completeOnce sync.Once
	pending      []AccountState

	ctx    context.Context
	cancel context.CancelFunc
}

// NewAccountReplay opens the live account-update stream and starts its
// background consumer, then returns a replay ready to be pulled via Next.
func NewAccountReplay(ctx context.Context, cfg AccountReplayConfig) (*AccountReplay, error) {
	if cfg.ListPageSize <= 0 {
		cfg.ListPageSize = DefaultTransactionPageSize
	}
	if cfg.MaxGetAccountRetries <= 0 {
		cfg.MaxGetAccountRetries = DefaultMaxGetAccountRetries
	}
	if cfg.GetAccountRetryBase <= 0 {
		cfg.GetAccountRetryBase = 100 * time.Millisecond
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

	r := &AccountReplay{
		cfg:            cfg,
		src:            cfg.Source,
		assembler:      NewPageAssembler(cfg.PageAssemblerOpts...),
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		bo:             newReconnectBackoff(cfg.BackoffInitial, cfg.BackoffMax, cfg.BackoffJitter),
		seenFromStream: make(map[string]bool),
		streamBuf:      make(chan AccountState, 1024),
		errCh:          make(chan error, 1),
		phase:          phaseListing,
		ctx:            runCtx,
		cancel:         cancel,
	}

	stream, err := r.src.StreamAccountUpdates(runCtx, StreamRequest{Filter: r.streamFilter(cfg.MinSlot)})
	if err != nil {
		cancel()
		return nil, newErr(ErrKindTransportConnect, "initial account stream subscribe failed", err)
	}
	r.startAssemblerDrain(runCtx)
	r.startStreamConsumer(runCtx, stream)

	return r, nil
}

// streamFilter builds the CEL-like account-update stream filter:
// snapshots pass on owner alone, while updates additionally require
// account_update.slot >= params.min_slot so a reconnect's resubscribe
// skips already-seen history server-side. The optional data-size clause
// ANDs onto the whole expression when DataSizes is non-empty.
func (r *AccountReplay) streamFilter(minSlot Slot) Filter {
	params := []FilterParam{bytesParam("owner", r.cfg.Owner), uintParam("min_slot", minSlot)}
	expr := "(has(snapshot.meta.owner) && snapshot.meta.owner.value == params.owner) || " +
		"(has(account_update.meta.owner) && account_update.meta.owner.value == params.owner && account_update.slot >= params.min_slot)"

	clause, sizeParams := dataSizeClause(r.cfg.DataSizes)
	if clause != "" {
		expr = "(" + expr + ") && " + clause
		params = append(params, sizeParams...)
	}
	return Filter{Expression: expr, Params: params}
}

// listFilter builds the CEL-like meta-only list filter, ANDing in
// account.meta.last_updated_slot >= params.min_updated_slot and, when
// configured, the data-size clause.
func (r *AccountReplay) listFilter(minUpdatedSlot Slot) Filter {
	params := []FilterParam{bytesParam("owner_bytes", r.cfg.Owner), uintParam("min_updated_slot", minUpdatedSlot)}
	expr := "account.meta.owner.value == params.owner_bytes && account.meta.last_updated_slot >= params.min_updated_slot"

	clause, sizeParams := dataSizeClause(r.cfg.DataSizes)
	if clause != "" {
		expr = "(" + expr + ") && " + clause
		params = append(params, sizeParams...)
	}
	return Filter{Expression: expr, Params: params}
}

// dataSizeClause builds the optional data-size restriction as an OR-chain
// of account.meta.data_size == uint(params.data_size_i) terms, one per
// configured size, returning "" when sizes is empty.
func dataSizeClause(sizes []uint64) (string, []FilterParam) {
	if len(sizes) == 0 {
		return "", nil
	}
	var terms []string
	params := make([]FilterParam, 0, len(sizes))
	for i, sz := range sizes {
		name := fmt.Sprintf("data_size_%d", i)
		terms = append(terms, fmt.Sprintf("account.meta.data_size == uint(params.%s)", name))
		params = append(params, uintParam(name, sz))
	}
	clause := terms[0]
	for _, t := range terms[1:] {
		clause += " || " + t
	}
	return "(" + clause + ")", params
}

// startStreamConsumer pumps the stream into the PageAssembler. The
// assembler is shared across reconnects, so its output drainer is started
// exactly once (startAssemblerDrain); this only (re)starts the receive
// goroutine for the current stream.
func (r *AccountReplay) startStreamConsumer(ctx context.Context, stream AccountUpdateSource) {
	go func() {
		for {
			u, err := stream.Recv(ctx)
			if err != nil {
				select {
				case r.errCh <- err:
				default:
				}
				return
			}
			r.assembler.Ingest(u)
		}
	}()
}

// startAssemblerDrain fans the assembler's output into streamBuf, marking
// seenFromStream and tracking the highest slot seen. Called once at
// construction; the single goroutine lives until the assembler closes or
// the replay is cancelled.
func (r *AccountReplay) startAssemblerDrain(ctx context.Context) {
	go func() {
		for state := range r.assembler.Out() {
			addrHex := state.AddressHex
			r.seenMu.Lock()
			r.seenFromStream[addrHex] = true
			r.seenMu.Unlock()
			r.recordHighestSlot(state.Slot)
			select {
			case r.streamBuf <- state:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *AccountReplay) recordHighestSlot(slot Slot) {
	r.highestMu.Lock()
	if slot > r.highestSlot {
		r.highestSlot = slot
	}
	r.highestMu.Unlock()
}

func (r *AccountReplay) getHighestSlot() Slot {
	r.highestMu.Lock()
	defer r.highestMu.Unlock()
	return r.highestSlot
}

func (r *AccountReplay) hasSeen(addrHex string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	return r.seenFromStream[addrHex]
}

// drainStreamBufNonBlocking forwards any immediately-available stream
// events into pending without blocking, so list pagination never starves
// the live side.
func (r *AccountReplay) drainStreamBufNonBlocking() {
	for {
		select {
		case st := <-r.streamBuf:
			r.pending = append(r.pending, st)
		default:
			return
		}
	}
}

// Next pulls the next AccountState in the hybrid backfill+stream
// sequence.
func (r *AccountReplay) Next(ctx context.Context) (AccountState, error) {
	for len(r.pending) == 0 {
		if err := r.fill(ctx); err != nil {
			return AccountState{}, err
		}
	}
	st := r.pending[0]
	r.pending = r.pending[1:]
	return st, nil
}

// Metrics returns a live snapshot of the replay's counters.
func (r *AccountReplay) Metrics() ReplayMetricsSnapshot { return r.metrics.Snapshot() }

// Close tears down the stream consumer and page assembler.
func (r *AccountReplay) Close() {
	r.cancel()
	r.assembler.Close()
}

func (r *AccountReplay) fill(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return newErr(ErrKindCancelled, "context cancelled", ctx.Err())
	default:
	}

	r.drainStreamBufNonBlocking()
	if len(r.pending) > 0 {
		return nil
	}

	switch r.phase {
	case phaseListing:
		return r.stepListing(ctx)
	case phaseFetching:
		return r.stepFetching(ctx)
	case phaseStreaming:
		return r.stepStreaming(ctx)
	}
	return nil
}

// stepListing reads one meta-only list page into the fetch queue.
func (r *AccountReplay) stepListing(ctx context.Context) error {
	if r.listDone {
		r.phase = phaseFetching
		return nil
	}

	resp, err := r.src.ListAccounts(ctx, ListRequest{
		Filter: r.listFilter(r.cfg.MinSlot),
		Page:   PageRequest{PageSize: r.cfg.ListPageSize, PageToken: string(r.listCursor)},
		View:   AccountViewMetaOnly,
	})
	if err != nil {
		r.metrics.addError(ErrKindBackfillFatal)
		return newErr(ErrKindBackfillFatal, "list accounts failed", err)
	}

	for _, it := range resp.Items {
		if meta, ok := it.Payload.(*AccountMeta); ok {
			r.fetchQueue = append(r.fetchQueue, addressFromMeta(it, meta))
		}
	}
	r.listCursor = resp.NextPageToken
	if resp.NextPageToken == "" {
		r.listDone = true
	}
	return nil
}

func addressFromMeta(it Item, _ *AccountMeta) []byte {
	addr, _ := hex.DecodeString(it.Key)
	return addr
}

// stepFetching drains the fetch queue sequentially, skipping addresses
// the stream already delivered, with bounded getAccount retries.
func (r *AccountReplay) stepFetching(ctx context.Context) error {
	if len(r.fetchQueue) == 0 {
		r.completeOnce.Do(func() {
			if r.cfg.OnBackfillComplete != nil {
				r.cfg.OnBackfillComplete(r.getHighestSlot())
			}
		})
		r.phase = phaseStreaming
		return nil
	}

	addr := r.fetchQueue[0]
	r.fetchQueue = r.fetchQueue[1:]
	addrHex := hex.EncodeToString(addr)

	if r.hasSeen(addrHex) {
		return nil
	}

	r.drainStreamBufNonBlocking()

	if r.hasSeen(addrHex) {
		return nil
	}

	state, err := r.getAccountWithRetries(ctx, addr)
	if err != nil {
		r.logger.Warn("getAccount failed after retries, skipping", zap.String("address", addrHex), zap.Error(err))
		return nil
	}

	state.Source = "backfill"
	r.recordHighestSlot(state.Slot)
	r.pending = append(r.pending, state)
	return nil
}

// getAccountWithRetries retries a point read with linear backoff
// (GetAccountRetryBase * attempt) up to MaxGetAccountRetries.
func (r *AccountReplay) getAccountWithRetries(ctx context.Context, addr []byte) (AccountState, error) {
	traceID := uuid.NewString()
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxGetAccountRetries; attempt++ {
		state, err := r.src.GetAccount(ctx, addr, AccountViewFull)
		if err == nil {
			return state, nil
		}
		lastErr = err
		r.logger.Warn("getAccount attempt failed",
			zap.String("trace_id", traceID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < r.cfg.MaxGetAccountRetries {
			select {
			case <-time.After(time.Duration(attempt) * r.cfg.GetAccountRetryBase):
			case <-ctx.Done():
				return AccountState{}, newErr(ErrKindCancelled, "context cancelled during getAccount retry", ctx.Err())
			}
		}
	}
	r.metrics.addError(ErrKindGetAccountFailure)
	return AccountState{}, newErr(ErrKindGetAccountFailure, "getAccount exhausted retries", lastErr)
}

// stepStreaming is the steady-state loop: forward buffered stream events,
// reconnect with exponential backoff on stream failure.
func (r *AccountReplay) stepStreaming(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return newErr(ErrKindCancelled, "context cancelled", ctx.Err())
	case st := <-r.streamBuf:
		r.pending = append(r.pending, st)
		return nil
	case err := <-r.errCh:
		return r.reconnect(ctx, err)
	}
}

func (r *AccountReplay) reconnect(ctx context.Context, cause error) error {
	r.logger.Info("account replay reconnecting", zap.Error(cause))

	delay := r.bo.NextBackOff()
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return newErr(ErrKindCancelled, "context cancelled during reconnect backoff", ctx.Err())
	}

	if r.cfg.OnReconnect != nil {
		fresh, err := r.cfg.OnReconnect(ctx)
		if err != nil {
			r.logger.Warn("account source factory failed on reconnect, retaining current handle", zap.Error(err))
		} else {
			r.src = fresh
		}
	}

	minSlot := r.getHighestSlot()
	if r.cfg.MinSlot > minSlot {
		minSlot = r.cfg.MinSlot
	}

	// Bind the resubscription to the replay-lifetime context so it
	// survives the Next call that triggered the reconnect.
	stream, err := r.src.StreamAccountUpdates(r.ctx, StreamRequest{Filter: r.streamFilter(minSlot)})
	if err != nil {
		r.metrics.addError(ErrKindTransportConnect)
		return newErr(ErrKindTransportConnect, "account resubscribe failed", err)
	}
	r.startStreamConsumer(r.ctx, stream)
	r.bo.Reset()
	return nil
}
