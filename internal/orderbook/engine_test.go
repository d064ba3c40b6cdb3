package orderbook

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fetchResult struct {
	snap *Snapshot
	err  error
}

// gatedFetcher blocks every fetch until the test hands it a result.
type gatedFetcher struct {
	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	started     chan struct{}
	results     chan fetchResult
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{
		started: make(chan struct{}, 100),
		results: make(chan fetchResult, 10),
	}
}

func (f *gatedFetcher) FetchSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	f.started <- struct{}{}
	select {
	case r := <-f.results:
		return r.snap, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *gatedFetcher) release(snap *Snapshot, err error) {
	f.results <- fetchResult{snap: snap, err: err}
}

func (f *gatedFetcher) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(waitFor):
		t.Fatal("snapshot fetch was not started")
	}
}

func startEngine(t *testing.T, fetcher SnapshotFetcher, opts ...Option) *Engine {
	t.Helper()
	e := NewEngine("BTCUSDT", fetcher, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-e.Done()
	})
	return e
}

func diff(first, final int64, bids, asks []Level) DiffEvent {
	return DiffEvent{
		Symbol:        "BTCUSDT",
		EventTime:     time.UnixMilli(1700000000000 + final),
		FirstUpdateID: first,
		FinalUpdateID: final,
		Bids:          bids,
		Asks:          asks,
	}
}

func send(t *testing.T, e *Engine, events ...DiffEvent) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, e.OnDiff(context.Background(), ev))
	}
}

func status(t *testing.T, e *Engine) StatusReport {
	t.Helper()
	st, err := e.Status(context.Background())
	require.NoError(t, err)
	return st
}

func waitStatus(t *testing.T, e *Engine, want Status) StatusReport {
	t.Helper()
	var st StatusReport
	require.Eventually(t, func() bool {
		st = status(t, e)
		return st.Status == want
	}, waitFor, tick, "engine never reached %s", want)
	return st
}

func quantity(t *testing.T, e *Engine, side Side, price string) (string, bool) {
	t.Helper()
	depth, err := e.Depth(context.Background(), 0)
	require.NoError(t, err)
	levels := depth.Bids
	if side == Ask {
		levels = depth.Asks
	}
	for _, l := range levels {
		if l.Price.Equal(d(price)) {
			return l.Quantity.String(), true
		}
	}
	return "", false
}

// readyAt drives a fresh engine to READY with lastUpdateId == id.
func readyAt(t *testing.T, f *gatedFetcher, e *Engine, id int64) {
	t.Helper()
	send(t, e, diff(id, id, nil, nil))
	f.waitStarted(t)
	f.release(&Snapshot{
		LastUpdateID: id - 1,
		Bids:         []Level{lvl("100", "1")},
		Asks:         []Level{lvl("101", "1")},
	}, nil)
	st := waitStatus(t, e, StatusReady)
	require.Equal(t, id, st.LastUpdateID)
}

func TestEngine_InitialState(t *testing.T) {
	e := startEngine(t, newGatedFetcher())
	st := status(t, e)
	assert.Equal(t, "BTCUSDT", st.Symbol)
	assert.Equal(t, StatusBuffering, st.Status)
	assert.False(t, st.Ready)
	assert.Zero(t, st.BufferedCount)
}

func TestEngine_BridgesBufferedEvents(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f)

	send(t, e,
		diff(150, 160, []Level{lvl("99", "5")}, nil),
		diff(161, 165, []Level{lvl("100", "2")}, nil),
		diff(166, 170, nil, []Level{lvl("101", "0"), lvl("102", "3")}),
	)
	f.waitStarted(t)
	st := status(t, e)
	assert.Equal(t, StatusSyncing, st.Status)
	assert.Equal(t, 3, st.BufferedCount)

	f.release(&Snapshot{
		LastUpdateID: 160,
		Bids:         []Level{lvl("100", "1")},
		Asks:         []Level{lvl("101", "1")},
	}, nil)

	st = waitStatus(t, e, StatusReady)
	assert.True(t, st.Ready)
	assert.Equal(t, int64(170), st.LastUpdateID)
	assert.Zero(t, st.BufferedCount)
	assert.Equal(t, time.UnixMilli(1700000000170), st.LastEventTime)

	_, ok := quantity(t, e, Bid, "99")
	assert.False(t, ok, "event with u == snapshot id must be discarded")
	q, _ := quantity(t, e, Bid, "100")
	assert.Equal(t, "2", q)
	_, ok = quantity(t, e, Ask, "101")
	assert.False(t, ok)
	q, _ = quantity(t, e, Ask, "102")
	assert.Equal(t, "3", q)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestEngine_StaleEventsNeverApplied(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f)

	send(t, e,
		diff(990, 995, []Level{lvl("42", "1")}, nil),
		diff(996, 1000, []Level{lvl("43", "1")}, nil),
		diff(1001, 1003, []Level{lvl("44", "1")}, nil),
	)
	f.waitStarted(t)
	f.release(&Snapshot{LastUpdateID: 1000}, nil)

	st := waitStatus(t, e, StatusReady)
	assert.Equal(t, int64(1003), st.LastUpdateID)
	_, ok := quantity(t, e, Bid, "42")
	assert.False(t, ok)
	_, ok = quantity(t, e, Bid, "43")
	assert.False(t, ok)
	_, ok = quantity(t, e, Bid, "44")
	assert.True(t, ok)
}

func TestEngine_CoalescesConcurrentTriggers(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f)

	for i := int64(1); i <= 50; i++ {
		send(t, e, diff(i, i, nil, nil))
	}
	f.waitStarted(t)

	st := status(t, e)
	assert.Equal(t, 50, st.BufferedCount)
	assert.True(t, st.Fetching)
	assert.EqualValues(t, 1, f.calls.Load())
	assert.EqualValues(t, 1, f.maxInFlight.Load())

	f.release(&Snapshot{LastUpdateID: 10}, nil)
	st = waitStatus(t, e, StatusReady)
	assert.Equal(t, int64(50), st.LastUpdateID)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestEngine_GapWhileReady(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f)
	readyAt(t, f, e, 500)

	send(t, e, diff(502, 505, []Level{lvl("100", "9")}, nil))
	f.waitStarted(t)

	st := status(t, e)
	assert.False(t, st.Ready)
	assert.NotEqual(t, StatusReady, st.Status)
	assert.Equal(t, int64(500), st.LastUpdateID)
	assert.Equal(t, 1, st.BufferedCount)
	q, _ := quantity(t, e, Bid, "100")
	assert.Equal(t, "1", q, "gap event must not touch the book")
	assert.EqualValues(t, 2, f.calls.Load())

	// the snapshot taken after the gap bridges the retained event
	f.release(&Snapshot{LastUpdateID: 503, Bids: []Level{lvl("100", "4")}}, nil)
	st = waitStatus(t, e, StatusReady)
	assert.Equal(t, int64(505), st.LastUpdateID)
	q, _ = quantity(t, e, Bid, "100")
	assert.Equal(t, "9", q)
}

func TestEngine_AppliesContiguousEventsWhenReady(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f)
	readyAt(t, f, e, 500)

	send(t, e,
		diff(501, 503, []Level{lvl("100", "0")}, nil),
		diff(504, 504, nil, []Level{lvl("101", "7")}),
	)
	st := status(t, e)
	assert.Equal(t, StatusReady, st.Status)
	assert.Equal(t, int64(504), st.LastUpdateID)
	assert.Zero(t, st.BidLevelCount)
	q, _ := quantity(t, e, Ask, "101")
	assert.Equal(t, "7", q)
}

func TestEngine_DuplicateIgnoredWhenReady(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f)
	readyAt(t, f, e, 500)

	send(t, e, diff(495, 500, []Level{lvl("100", "9")}, nil))
	st := status(t, e)
	assert.Equal(t, StatusReady, st.Status)
	assert.Equal(t, int64(500), st.LastUpdateID)
	q, _ := quantity(t, e, Bid, "100")
	assert.Equal(t, "1", q)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestEngine_WaitsForBridgeEvent(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f)

	send(t, e, diff(190, 195, nil, nil))
	f.waitStarted(t)
	f.release(&Snapshot{LastUpdateID: 200}, nil)

	require.Eventually(t, func() bool {
		st := status(t, e)
		return !st.Fetching && st.Status == StatusBuffering && st.LastUpdateID == 200
	}, waitFor, tick)

	send(t, e, diff(196, 200, nil, nil))
	st := status(t, e)
	assert.Equal(t, StatusBuffering, st.Status)
	assert.Zero(t, st.BufferedCount)

	send(t, e, diff(201, 203, []Level{lvl("10", "1")}, nil))
	st = status(t, e)
	assert.Equal(t, StatusReady, st.Status)
	assert.Equal(t, int64(203), st.LastUpdateID)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestEngine_RefetchesWhenSnapshotTooOld(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f, WithRetryBackoff(time.Millisecond, 5*time.Millisecond))

	send(t, e, diff(300, 310, nil, nil))
	f.waitStarted(t)
	f.release(&Snapshot{LastUpdateID: 250}, nil)

	f.waitStarted(t)
	assert.EqualValues(t, 2, f.calls.Load())
	f.release(&Snapshot{LastUpdateID: 305}, nil)

	st := waitStatus(t, e, StatusReady)
	assert.Equal(t, int64(310), st.LastUpdateID)
}

func TestEngine_CatchupGapRequeuesTail(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f)

	send(t, e,
		diff(161, 165, []Level{lvl("100", "2")}, nil),
		diff(170, 175, []Level{lvl("100", "3")}, nil),
	)
	f.waitStarted(t)
	f.release(&Snapshot{LastUpdateID: 160}, nil)

	f.waitStarted(t)
	st := status(t, e)
	assert.Equal(t, StatusSyncing, st.Status)
	assert.Equal(t, 1, st.BufferedCount, "events after the break stay buffered")

	f.release(&Snapshot{LastUpdateID: 169, Bids: []Level{lvl("100", "2")}}, nil)
	st = waitStatus(t, e, StatusReady)
	assert.Equal(t, int64(175), st.LastUpdateID)
	q, _ := quantity(t, e, Bid, "100")
	assert.Equal(t, "3", q)
}

func TestEngine_SnapshotFailureThenRetry(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f, WithRetryBackoff(100*time.Millisecond, 200*time.Millisecond))

	send(t, e, diff(11, 12, nil, nil))
	f.waitStarted(t)
	f.release(nil, errors.New("depth snapshot: status 503"))

	st := waitStatus(t, e, StatusError)
	assert.Contains(t, st.ErrorReason, "503")
	assert.False(t, st.RetryAt.IsZero())

	// events keep being accepted while in ERROR
	send(t, e, diff(13, 13, nil, nil))
	assert.Equal(t, 2, status(t, e).BufferedCount)

	f.waitStarted(t)
	f.release(&Snapshot{LastUpdateID: 10}, nil)
	st = waitStatus(t, e, StatusReady)
	assert.Equal(t, int64(13), st.LastUpdateID)
	assert.Empty(t, st.ErrorReason)
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestEngine_FetchTimeout(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f, WithFetchTimeout(20*time.Millisecond), WithRetryBackoff(time.Minute, time.Minute))

	send(t, e, diff(1, 1, nil, nil))
	st := waitStatus(t, e, StatusError)
	assert.Contains(t, st.ErrorReason, context.DeadlineExceeded.Error())
}

func TestEngine_CrossSymbolIgnored(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f)

	ev := diff(1, 2, nil, nil)
	ev.Symbol = "ETHUSDT"
	send(t, e, ev)

	st := status(t, e)
	assert.Zero(t, st.BufferedCount)
	assert.Equal(t, StatusBuffering, st.Status)
	assert.EqualValues(t, 0, f.calls.Load())
}

func TestEngine_ResetDiscardsInFlightSnapshot(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f)

	send(t, e, diff(5, 6, nil, nil))
	f.waitStarted(t)
	require.NoError(t, e.Reset(context.Background()))

	st := status(t, e)
	assert.Equal(t, StatusBuffering, st.Status)
	assert.Zero(t, st.BufferedCount)
	assert.Zero(t, st.LastUpdateID)

	// the abandoned request is cancelled rather than left to time out
	require.Eventually(t, func() bool { return !status(t, e).Fetching }, waitFor, tick)
	assert.Zero(t, f.inFlight.Load())
	require.Never(t, func() bool {
		st := status(t, e)
		return st.Ready || st.BidLevelCount > 0
	}, 100*time.Millisecond, tick)

	// a later event starts a fresh attempt
	send(t, e, diff(7, 8, nil, nil))
	f.waitStarted(t)
	f.release(&Snapshot{LastUpdateID: 6}, nil)
	st = waitStatus(t, e, StatusReady)
	assert.Equal(t, int64(8), st.LastUpdateID)
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestEngine_ResetThenDiffKeepsOneFetch(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f)

	send(t, e, diff(10, 12, nil, nil))
	f.waitStarted(t)
	require.NoError(t, e.Reset(context.Background()))
	send(t, e, diff(13, 14, nil, nil))

	// the new attempt only starts once the cancelled one has returned
	f.waitStarted(t)
	assert.EqualValues(t, 2, f.calls.Load())
	assert.EqualValues(t, 1, f.maxInFlight.Load())
	st := status(t, e)
	assert.Equal(t, StatusSyncing, st.Status)
	assert.True(t, st.Fetching)

	f.release(&Snapshot{LastUpdateID: 12, Asks: []Level{lvl("101", "1")}}, nil)
	st = waitStatus(t, e, StatusReady)
	assert.Equal(t, int64(14), st.LastUpdateID)
	assert.EqualValues(t, 1, f.maxInFlight.Load())
}

func TestEngine_ResyncAfterResetWaitsForCancelledFetch(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f)

	send(t, e, diff(10, 12, nil, nil))
	f.waitStarted(t)
	require.NoError(t, e.Reset(context.Background()))
	require.NoError(t, e.Resync(context.Background()))
	require.NoError(t, e.Resync(context.Background()))

	f.waitStarted(t)
	require.Never(t, func() bool { return f.calls.Load() > 2 }, 50*time.Millisecond, tick)
	assert.EqualValues(t, 1, f.maxInFlight.Load())
}

func TestEngine_DiffInErrorWaitsForBackoff(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f, WithRetryBackoff(time.Minute, time.Minute))

	send(t, e, diff(11, 12, nil, nil))
	f.waitStarted(t)
	f.release(nil, errors.New("depth snapshot: status 503"))
	waitStatus(t, e, StatusError)

	send(t, e, diff(13, 13, nil, nil))
	st := status(t, e)
	assert.Equal(t, StatusError, st.Status)
	assert.False(t, st.Fetching)
	assert.False(t, st.RetryAt.IsZero())
	assert.EqualValues(t, 1, f.calls.Load())

	// an explicit resync does not wait
	require.NoError(t, e.Resync(context.Background()))
	f.waitStarted(t)
	assert.EqualValues(t, 2, f.calls.Load())
	assert.True(t, status(t, e).RetryAt.IsZero())
}

func TestEngine_ResyncFromReady(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f)
	readyAt(t, f, e, 500)

	require.NoError(t, e.Resync(context.Background()))
	f.waitStarted(t)
	assert.Equal(t, StatusSyncing, status(t, e).Status)

	// a second trigger while fetching is coalesced
	require.NoError(t, e.Resync(context.Background()))
	send(t, e, diff(501, 502, nil, nil))
	assert.EqualValues(t, 2, f.calls.Load())

	f.release(&Snapshot{LastUpdateID: 501}, nil)
	st := waitStatus(t, e, StatusReady)
	assert.Equal(t, int64(502), st.LastUpdateID)
}

func TestEngine_BufferEviction(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f, WithBufferCapacity(3), WithRetryBackoff(time.Millisecond, 5*time.Millisecond))

	for i := int64(1); i <= 5; i++ {
		send(t, e, diff(i, i, nil, nil))
	}
	f.waitStarted(t)
	st := status(t, e)
	assert.Equal(t, 3, st.BufferedCount)
	assert.Equal(t, 2, st.Evicted)

	// the bridge for snapshot 0 was evicted, so a newer snapshot is needed
	f.release(&Snapshot{LastUpdateID: 0}, nil)
	f.waitStarted(t)
	f.release(&Snapshot{LastUpdateID: 3}, nil)
	st = waitStatus(t, e, StatusReady)
	assert.Equal(t, int64(5), st.LastUpdateID)
}

func TestEngine_ListenerGetsDepthWhenReady(t *testing.T) {
	var (
		mu    sync.Mutex
		views []Depth
	)
	f := newGatedFetcher()
	e := startEngine(t, f, WithListener(1, func(d Depth) {
		mu.Lock()
		views = append(views, d)
		mu.Unlock()
	}))

	send(t, e, diff(1, 1, []Level{lvl("100", "1"), lvl("99", "1")}, nil))
	f.waitStarted(t)
	send(t, e, diff(2, 2, []Level{lvl("98", "1")}, nil))
	mu.Lock()
	assert.Empty(t, views, "listener must not see unsynchronized books")
	mu.Unlock()

	f.release(&Snapshot{LastUpdateID: 0}, nil)
	waitStatus(t, e, StatusReady)
	send(t, e, diff(3, 3, []Level{lvl("101", "1")}, nil))
	status(t, e)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, views, 2)
	assert.Equal(t, int64(2), views[0].LastUpdateID)
	require.Len(t, views[1].Bids, 1)
	assert.True(t, views[1].Bids[0].Price.Equal(d("101")))
	assert.Equal(t, StatusReady, views[1].Status)
}

func TestEngine_ListenerToldWhenBookLeavesReady(t *testing.T) {
	var (
		mu    sync.Mutex
		views []Depth
	)
	last := func() (Depth, int) {
		mu.Lock()
		defer mu.Unlock()
		return views[len(views)-1], len(views)
	}
	f := newGatedFetcher()
	e := startEngine(t, f, WithListener(5, func(d Depth) {
		mu.Lock()
		views = append(views, d)
		mu.Unlock()
	}))
	readyAt(t, f, e, 500)
	v, n := last()
	require.Equal(t, 1, n)
	assert.Equal(t, StatusReady, v.Status)

	// gap: one view marks the published book as no longer maintained
	send(t, e, diff(502, 503, nil, nil))
	f.waitStarted(t)
	send(t, e, diff(504, 504, nil, nil))
	status(t, e)
	v, n = last()
	require.Equal(t, 2, n)
	assert.Equal(t, StatusSyncing, v.Status)
	assert.Equal(t, int64(500), v.LastUpdateID)
	assert.Empty(t, v.Bids)
	assert.Empty(t, v.Asks)

	f.release(&Snapshot{LastUpdateID: 501, Bids: []Level{lvl("100", "1")}}, nil)
	waitStatus(t, e, StatusReady)
	v, n = last()
	require.Equal(t, 3, n)
	assert.Equal(t, StatusReady, v.Status)
	assert.Equal(t, int64(504), v.LastUpdateID)

	require.NoError(t, e.Reset(context.Background()))
	status(t, e)
	v, n = last()
	require.Equal(t, 4, n)
	assert.Equal(t, StatusBuffering, v.Status)
	assert.Zero(t, v.LastUpdateID)
}

func TestEngine_StatusReportsTopOfBook(t *testing.T) {
	f := newGatedFetcher()
	e := startEngine(t, f)

	st := status(t, e)
	assert.Nil(t, st.BestBid)
	assert.Nil(t, st.BestAsk)
	assert.Nil(t, st.Spread)

	readyAt(t, f, e, 500)
	send(t, e, diff(501, 501, []Level{lvl("100.5", "2")}, []Level{lvl("100.75", "3")}))
	st = status(t, e)
	require.NotNil(t, st.BestBid)
	require.NotNil(t, st.BestAsk)
	require.NotNil(t, st.Spread)
	assert.True(t, st.BestBid.Price.Equal(d("100.5")))
	assert.True(t, st.BestAsk.Quantity.Equal(d("3")))
	assert.True(t, st.Spread.Equal(d("0.25")))
}

func TestEngine_ClosedEngineRejectsCalls(t *testing.T) {
	e := NewEngine("BTCUSDT", newGatedFetcher())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	cancel()
	<-e.Done()

	assert.ErrorIs(t, e.OnDiff(context.Background(), diff(1, 1, nil, nil)), ErrEngineClosed)
	_, err := e.Status(context.Background())
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestBackoff(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	assert.GreaterOrEqual(t, backoff(1, base, max), base)
	assert.Less(t, backoff(1, base, max), 121*time.Millisecond)
	assert.GreaterOrEqual(t, backoff(3, base, max), 400*time.Millisecond)
	assert.Equal(t, max, backoff(10, base, max))
	assert.GreaterOrEqual(t, backoff(0, base, max), base)
}
