package orderbook

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"depthsync/internal/logger"
	"depthsync/internal/metrics"
)

// Engine keeps one symbol's Book consistent with the exchange. All state is
// owned by the goroutine running Run; every public method is a message to
// that goroutine, so calls for one symbol are serialized without locks.
//
// Lifecycle: BUFFERING -> SYNCING -> READY. A gap while READY drops back to
// BUFFERING and starts a new snapshot; a failed snapshot parks the engine in
// ERROR until the retry backoff elapses.
type Engine struct {
	symbol  string
	fetcher SnapshotFetcher
	opts    options

	inbox chan func()
	done  chan struct{}

	// owned by the Run goroutine
	runCtx      context.Context
	book        *Book
	buffer      *EventBuffer
	epoch       uint64
	attempt     string
	fetching    bool
	cancelFetch context.CancelFunc // set while a fetch goroutine is running
	deferred    string             // sync reason waiting for a cancelled fetch to return
	pending     *Snapshot          // applied snapshot still waiting for its bridge event
	published   bool               // listener has seen a READY view since the last retraction
	failures    int
	retryTimer  *time.Timer
	retrySeq    uint64
	retryAt     time.Time
}

func NewEngine(symbol string, fetcher SnapshotFetcher, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{
		symbol:  symbol,
		fetcher: fetcher,
		opts:    o,
		inbox:   make(chan func(), o.inboxSize),
		done:    make(chan struct{}),
		book:    NewBook(symbol),
		buffer:  NewEventBuffer(o.bufferCapacity),
	}
}

func (e *Engine) Symbol() string { return e.symbol }

// Run processes messages until ctx is cancelled. It must be called exactly
// once; after it returns every other method fails with ErrEngineClosed.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	defer close(e.done)
	defer e.stopRetry()
	defer e.stopFetch()

	e.publishGauges()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.inbox:
			fn()
		}
	}
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

// OnDiff hands a diff event to the engine. It only blocks when the inbox is
// full; it never waits for a snapshot fetch.
func (e *Engine) OnDiff(ctx context.Context, ev DiffEvent) error {
	return e.submit(ctx, func() { e.handleDiff(ev) })
}

// Status reports the engine state without changing it.
func (e *Engine) Status(ctx context.Context) (StatusReport, error) {
	return query(ctx, e, e.report)
}

// Depth returns a sorted copy of the top n levels per side.
func (e *Engine) Depth(ctx context.Context, n int) (Depth, error) {
	return query(ctx, e, func() Depth { return e.book.Depth(n) })
}

// Reset drops the book and buffer and returns to the initial BUFFERING
// state. Any in-flight snapshot is ignored when it lands.
func (e *Engine) Reset(ctx context.Context) error {
	return e.submit(ctx, e.handleReset)
}

// Resync starts a fresh synchronization unless one is already running.
func (e *Engine) Resync(ctx context.Context) error {
	return e.submit(ctx, e.handleResync)
}

func (e *Engine) submit(ctx context.Context, fn func()) error {
	select {
	case <-e.done:
		return ErrEngineClosed
	default:
	}
	select {
	case e.inbox <- fn:
		return nil
	case <-e.done:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func query[T any](ctx context.Context, e *Engine, fn func() T) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if err := e.submit(ctx, func() { reply <- fn() }); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-e.done:
		return zero, ErrEngineClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (e *Engine) handleDiff(ev DiffEvent) {
	if ev.Symbol != e.symbol {
		metrics.DiffDiscarded.WithLabelValues(e.symbol, "cross_symbol").Inc()
		return
	}
	metrics.DiffReceived.WithLabelValues(e.symbol).Inc()
	defer e.publishGauges()

	if e.book.Ready() {
		last := e.book.LastUpdateID()
		if ev.FinalUpdateID <= last {
			metrics.DiffDiscarded.WithLabelValues(e.symbol, "duplicate").Inc()
			return
		}
		if ev.FirstUpdateID != last+1 {
			gap := SequenceGapError{Symbol: e.symbol, Expected: last + 1, First: ev.FirstUpdateID, Final: ev.FinalUpdateID}
			metrics.SequenceGaps.WithLabelValues(e.symbol, "ready").Inc()
			logger.Warn(e.runCtx, "sequence gap, resynchronizing", zap.String("symbol", e.symbol), zap.Error(gap))
			e.book.setStatus(StatusBuffering)
			e.bufferEvent(ev)
			e.startSync("gap")
			return
		}
		e.apply(ev)
		e.notify()
		return
	}

	e.bufferEvent(ev)
	if e.pending != nil {
		e.tryBridge()
		return
	}
	e.ensureSync()
}

// ensureSync starts a snapshot fetch unless one is in flight or a retry is
// already scheduled. Concurrent triggers coalesce into one attempt.
func (e *Engine) ensureSync() {
	if e.fetching || e.retryTimer != nil {
		return
	}
	reason := "initial"
	if e.book.Status() == StatusError {
		reason = "retry"
	}
	e.startSync(reason)
}

func (e *Engine) startSync(reason string) {
	if e.fetching {
		return
	}
	e.stopRetry()
	e.pending = nil
	if e.cancelFetch != nil {
		// a reset abandoned the previous request; it must return before
		// another one goes out
		e.deferred = reason
		return
	}
	e.fetching = true
	e.attempt = uuid.NewString()
	e.book.setStatus(StatusSyncing)
	e.retract()
	metrics.Resyncs.WithLabelValues(e.symbol, reason).Inc()
	logger.Info(e.runCtx, "fetching snapshot",
		zap.String("symbol", e.symbol),
		zap.String("attempt", e.attempt),
		zap.String("reason", reason),
		zap.Int("buffered", e.buffer.Len()))

	ctx, cancel := context.WithTimeout(e.runCtx, e.opts.fetchTimeout)
	e.cancelFetch = cancel
	go e.fetch(ctx, cancel, e.epoch, e.attempt)
}

// fetch runs off the engine goroutine and posts the result back. Exactly one
// fetch goroutine exists at a time; its result always reaches handleSnapshot.
func (e *Engine) fetch(ctx context.Context, cancel context.CancelFunc, epoch uint64, attempt string) {
	defer cancel()

	start := time.Now()
	snap, err := e.fetcher.FetchSnapshot(ctx, e.symbol)
	metrics.SnapshotLatency.WithLabelValues(e.symbol).Observe(time.Since(start).Seconds())
	if err == nil && snap == nil {
		err = fmt.Errorf("fetch snapshot %s: empty response", e.symbol)
	}

	_ = e.submit(e.runCtx, func() { e.handleSnapshot(epoch, attempt, snap, err) })
}

func (e *Engine) handleSnapshot(epoch uint64, attempt string, snap *Snapshot, err error) {
	e.cancelFetch = nil
	if epoch != e.epoch || attempt != e.attempt {
		metrics.SnapshotFetches.WithLabelValues(e.symbol, "superseded").Inc()
		if reason := e.deferred; reason != "" {
			e.deferred = ""
			e.startSync(reason)
			e.publishGauges()
		}
		return
	}
	e.fetching = false
	defer e.publishGauges()

	if err != nil {
		metrics.SnapshotFetches.WithLabelValues(e.symbol, "error").Inc()
		e.book.setError(err.Error())
		delay := e.scheduleRetry()
		logger.Error(e.runCtx, "snapshot fetch failed",
			zap.String("symbol", e.symbol),
			zap.String("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		return
	}

	metrics.SnapshotFetches.WithLabelValues(e.symbol, "ok").Inc()
	if rejected := e.book.LoadSnapshot(snap); rejected > 0 {
		metrics.DiffDiscarded.WithLabelValues(e.symbol, "invalid").Add(float64(rejected))
		logger.Warn(e.runCtx, "snapshot contained invalid levels", zap.String("symbol", e.symbol), zap.Int("rejected", rejected))
	}
	e.pending = snap
	logger.Info(e.runCtx, "snapshot applied",
		zap.String("symbol", e.symbol),
		zap.String("attempt", attempt),
		zap.Int64("last_update_id", snap.LastUpdateID),
		zap.Int("buffered", e.buffer.Len()))
	e.tryBridge()
}

// tryBridge discards buffered events the pending snapshot already covers,
// then looks for the event straddling the snapshot id and replays from it.
func (e *Engine) tryBridge() {
	s := e.pending.LastUpdateID
	if n := e.buffer.DiscardUpTo(s); n > 0 {
		metrics.DiffDiscarded.WithLabelValues(e.symbol, "stale").Add(float64(n))
	}

	bridges := func(ev DiffEvent) bool {
		return ev.FirstUpdateID <= s+1 && s+1 <= ev.FinalUpdateID
	}
	tail := e.buffer.DrainFrom(bridges)
	if tail == nil {
		if e.buffer.Len() == 0 {
			// nothing newer than the snapshot yet; wait for the stream
			e.book.setStatus(StatusBuffering)
			return
		}
		// every buffered event starts past s+1, so the snapshot can never
		// be bridged
		first, _ := e.buffer.Peek()
		metrics.SnapshotFetches.WithLabelValues(e.symbol, "stale").Inc()
		err := fmt.Errorf("%w: snapshot %d, first buffered U %d", ErrStaleSnapshot, s, first.FirstUpdateID)
		logger.Warn(e.runCtx, "refetching snapshot", zap.String("symbol", e.symbol), zap.Error(err))
		e.pending = nil
		e.book.setStatus(StatusBuffering)
		e.scheduleRetry()
		return
	}
	if skipped := e.buffer.Len(); skipped > 0 {
		metrics.DiffDiscarded.WithLabelValues(e.symbol, "stale").Add(float64(skipped))
		e.buffer.Clear()
	}

	for i, ev := range tail {
		if i > 0 {
			last := e.book.LastUpdateID()
			if ev.FinalUpdateID <= last {
				metrics.DiffDiscarded.WithLabelValues(e.symbol, "duplicate").Inc()
				continue
			}
			if ev.FirstUpdateID != last+1 {
				gap := SequenceGapError{Symbol: e.symbol, Expected: last + 1, First: ev.FirstUpdateID, Final: ev.FinalUpdateID}
				metrics.SequenceGaps.WithLabelValues(e.symbol, "catchup").Inc()
				logger.Warn(e.runCtx, "sequence gap during catch-up, resynchronizing",
					zap.String("symbol", e.symbol), zap.Error(gap))
				e.buffer.Requeue(tail[i:])
				e.pending = nil
				e.book.setStatus(StatusBuffering)
				e.startSync("catchup_gap")
				return
			}
		}
		e.apply(ev)
	}

	e.pending = nil
	e.failures = 0
	e.book.setStatus(StatusReady)
	logger.Info(e.runCtx, "book ready",
		zap.String("symbol", e.symbol),
		zap.String("attempt", e.attempt),
		zap.Int64("last_update_id", e.book.LastUpdateID()),
		zap.Int("replayed", len(tail)))
	e.notify()
}

func (e *Engine) apply(ev DiffEvent) {
	if rejected := e.book.ApplyEvent(ev); rejected > 0 {
		metrics.DiffDiscarded.WithLabelValues(e.symbol, "invalid").Add(float64(rejected))
	}
	metrics.DiffApplied.WithLabelValues(e.symbol).Inc()
}

func (e *Engine) bufferEvent(ev DiffEvent) {
	if e.buffer.Push(ev) {
		metrics.DiffDiscarded.WithLabelValues(e.symbol, "evicted").Inc()
		if e.buffer.Evicted()%e.buffer.Capacity() == 1 {
			logger.Warn(e.runCtx, "event buffer full, evicting oldest",
				zap.String("symbol", e.symbol), zap.Int("capacity", e.buffer.Capacity()))
		}
	}
}

// scheduleRetry arms the backoff timer for the next fetch and returns the
// chosen delay.
func (e *Engine) scheduleRetry() time.Duration {
	e.failures++
	delay := backoff(e.failures, e.opts.retryBase, e.opts.retryMax)
	e.stopRetry()
	e.retrySeq++
	epoch, seq := e.epoch, e.retrySeq
	e.retryAt = time.Now().Add(delay)
	e.retryTimer = time.AfterFunc(delay, func() {
		_ = e.submit(e.runCtx, func() { e.handleRetry(epoch, seq) })
	})
	return delay
}

func (e *Engine) handleRetry(epoch, seq uint64) {
	if epoch != e.epoch || seq != e.retrySeq || e.retryTimer == nil {
		return
	}
	e.retryTimer = nil
	e.retryAt = time.Time{}
	if e.fetching || e.book.Ready() {
		return
	}
	e.startSync("retry")
	e.publishGauges()
}

func (e *Engine) stopRetry() {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.retryAt = time.Time{}
}

func (e *Engine) handleReset() {
	e.epoch++
	e.stopRetry()
	if e.cancelFetch != nil {
		e.cancelFetch()
	}
	e.fetching = false
	e.deferred = ""
	e.pending = nil
	e.failures = 0
	e.attempt = ""
	e.buffer.Clear()
	e.book.Reset()
	e.retract()
	e.publishGauges()
	logger.Info(e.runCtx, "book reset", zap.String("symbol", e.symbol))
}

func (e *Engine) handleResync() {
	if e.fetching || e.deferred != "" {
		return
	}
	e.failures = 0
	e.startSync("manual")
	e.publishGauges()
}

func (e *Engine) stopFetch() {
	if e.cancelFetch != nil {
		e.cancelFetch()
		e.cancelFetch = nil
	}
}

func (e *Engine) notify() {
	if e.opts.listener != nil && e.book.Ready() {
		e.opts.listener(e.book.Depth(e.opts.listenerDepth))
		e.published = true
	}
}

// retract tells the listener once that the book it last saw is no longer
// being maintained. The view carries the new status and no levels.
func (e *Engine) retract() {
	if e.opts.listener == nil || !e.published || e.book.Ready() {
		return
	}
	e.published = false
	e.opts.listener(Depth{
		Symbol:       e.symbol,
		LastUpdateID: e.book.LastUpdateID(),
		Status:       e.book.Status(),
		EventTime:    e.book.LastEventTime(),
		Timestamp:    time.Now(),
	})
}

func (e *Engine) report() StatusReport {
	r := StatusReport{
		Symbol:        e.symbol,
		Status:        e.book.Status(),
		Ready:         e.book.Ready(),
		BufferedCount: e.buffer.Len(),
		LastUpdateID:  e.book.LastUpdateID(),
		LastEventTime: e.book.LastEventTime(),
		BidLevelCount: e.book.BidLevels(),
		AskLevelCount: e.book.AskLevels(),
		ErrorReason:   e.book.ErrorReason(),
		Attempt:       e.attempt,
		Fetching:      e.cancelFetch != nil,
		RetryAt:       e.retryAt,
		Evicted:       e.buffer.Evicted(),
	}
	if bid, ok := e.book.BestBid(); ok {
		r.BestBid = &bid
	}
	if ask, ok := e.book.BestAsk(); ok {
		r.BestAsk = &ask
	}
	if r.BestBid != nil && r.BestAsk != nil {
		spread := r.BestAsk.Price.Sub(r.BestBid.Price)
		r.Spread = &spread
	}
	return r
}

func (e *Engine) publishGauges() {
	metrics.Status.WithLabelValues(e.symbol).Set(float64(e.book.Status()))
	metrics.Buffered.WithLabelValues(e.symbol).Set(float64(e.buffer.Len()))
	metrics.LastUpdateID.WithLabelValues(e.symbol).Set(float64(e.book.LastUpdateID()))
}

// backoff doubles base per consecutive failure up to max, with up to 20%
// jitter so symbols that failed together do not retry together.
func backoff(failures int, base, max time.Duration) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := base
	for i := 1; i < failures && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if jitter := int64(d) / 5; jitter > 0 {
		d += time.Duration(rand.Int64N(jitter))
	}
	if d > max {
		d = max
	}
	return d
}
