package orderbook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEngineClosed  = errors.New("orderbook: engine closed")
	ErrUnknownSymbol = errors.New("orderbook: unknown symbol")
	ErrInvalidLevel  = errors.New("orderbook: invalid price level")
	ErrStaleSnapshot = errors.New("orderbook: snapshot older than buffered stream")
)

// Side selects the bid or ask half of a book.
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// Level is one price level. A zero Quantity in a diff removes the level.
type Level struct {
	Price    decimal.Decimal `json:"p"`
	Quantity decimal.Decimal `json:"q"`
}

// DiffEvent is one incremental update covering the update id range
// [FirstUpdateID, FinalUpdateID]. Quantities are absolute, not deltas.
type DiffEvent struct {
	Symbol        string
	EventTime     time.Time
	FirstUpdateID int64 // U
	FinalUpdateID int64 // u
	Bids          []Level
	Asks          []Level
}

// Snapshot is a full book tagged with the update id it reflects.
type Snapshot struct {
	LastUpdateID int64
	Bids         []Level
	Asks         []Level
	ServerTime   time.Time
}

// SnapshotFetcher obtains a full book snapshot on demand. Implementations
// must be safe to call repeatedly and should honour ctx cancellation.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, symbol string) (*Snapshot, error)
}

// FetcherFunc adapts a function to SnapshotFetcher.
type FetcherFunc func(ctx context.Context, symbol string) (*Snapshot, error)

func (f FetcherFunc) FetchSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	return f(ctx, symbol)
}

// Status is the synchronization state of a book.
type Status int

const (
	StatusBuffering Status = iota
	StatusSyncing
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusBuffering:
		return "BUFFERING"
	case StatusSyncing:
		return "SYNCING"
	case StatusReady:
		return "READY"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "BUFFERING":
		*s = StatusBuffering
	case "SYNCING":
		*s = StatusSyncing
	case "READY":
		*s = StatusReady
	case "ERROR":
		*s = StatusError
	default:
		return fmt.Errorf("orderbook: unknown status %q", b)
	}
	return nil
}

// SequenceGapError describes a break in update id continuity. It never
// leaves the engine; it is logged and counted.
type SequenceGapError struct {
	Symbol   string
	Expected int64
	First    int64
	Final    int64
}

func (e SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap on %s: expected U=%d, got U=%d u=%d", e.Symbol, e.Expected, e.First, e.Final)
}

// StatusReport is the read-only diagnostic view of one engine.
type StatusReport struct {
	Symbol        string           `json:"symbol"`
	Status        Status           `json:"status"`
	Ready         bool             `json:"ready"`
	BufferedCount int              `json:"bufferedCount"`
	LastUpdateID  int64            `json:"lastUpdateId"`
	LastEventTime time.Time        `json:"lastEventTime"`
	BidLevelCount int              `json:"bidLevelCount"`
	AskLevelCount int              `json:"askLevelCount"`
	BestBid       *Level           `json:"bestBid,omitempty"`
	BestAsk       *Level           `json:"bestAsk,omitempty"`
	Spread        *decimal.Decimal `json:"spread,omitempty"` // best ask minus best bid
	ErrorReason   string           `json:"errorReason,omitempty"`
	Attempt       string           `json:"attempt,omitempty"`
	Fetching      bool             `json:"fetching"`
	RetryAt       time.Time        `json:"retryAt,omitzero"`
	Evicted       int              `json:"evicted"`
}
