package orderbook

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Book is the per-symbol price level store. It is not safe for concurrent
// use: an Engine owns it and is the only writer. Readers get copies through
// Depth.
type Book struct {
	symbol        string
	bids          map[string]Level
	asks          map[string]Level
	lastUpdateID  int64
	status        Status
	lastEventTime time.Time
	errorReason   string
}

func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   make(map[string]Level),
		asks:   make(map[string]Level),
		status: StatusBuffering,
	}
}

func (b *Book) Symbol() string           { return b.symbol }
func (b *Book) LastUpdateID() int64      { return b.lastUpdateID }
func (b *Book) Status() Status           { return b.status }
func (b *Book) Ready() bool              { return b.status == StatusReady }
func (b *Book) LastEventTime() time.Time { return b.lastEventTime }
func (b *Book) ErrorReason() string      { return b.errorReason }
func (b *Book) BidLevels() int           { return len(b.bids) }
func (b *Book) AskLevels() int           { return len(b.asks) }

func (b *Book) setStatus(s Status) {
	b.status = s
	if s != StatusError {
		b.errorReason = ""
	}
}

func (b *Book) setError(reason string) {
	b.status = StatusError
	b.errorReason = reason
}

// ApplyLevel sets the quantity at price, or removes the level when quantity
// is zero. It reports false and leaves the book untouched for a non-positive
// price or a negative quantity.
func (b *Book) ApplyLevel(side Side, price, quantity decimal.Decimal) bool {
	if price.Sign() <= 0 || quantity.Sign() < 0 {
		return false
	}
	levels := b.side(side)
	key := price.String()
	if quantity.IsZero() {
		delete(levels, key)
		return true
	}
	levels[key] = Level{Price: price, Quantity: quantity}
	return true
}

// ApplyEvent applies every level change of ev in order and advances the
// last update id to ev.FinalUpdateID. It returns how many levels were
// rejected.
func (b *Book) ApplyEvent(ev DiffEvent) (rejected int) {
	for _, l := range ev.Bids {
		if !b.ApplyLevel(Bid, l.Price, l.Quantity) {
			rejected++
		}
	}
	for _, l := range ev.Asks {
		if !b.ApplyLevel(Ask, l.Price, l.Quantity) {
			rejected++
		}
	}
	b.lastUpdateID = ev.FinalUpdateID
	if !ev.EventTime.IsZero() {
		b.lastEventTime = ev.EventTime
	}
	return rejected
}

// LoadSnapshot replaces both sides with the snapshot contents.
func (b *Book) LoadSnapshot(s *Snapshot) (rejected int) {
	b.bids = make(map[string]Level, len(s.Bids))
	b.asks = make(map[string]Level, len(s.Asks))
	for _, l := range s.Bids {
		if !b.ApplyLevel(Bid, l.Price, l.Quantity) {
			rejected++
		}
	}
	for _, l := range s.Asks {
		if !b.ApplyLevel(Ask, l.Price, l.Quantity) {
			rejected++
		}
	}
	b.lastUpdateID = s.LastUpdateID
	if !s.ServerTime.IsZero() {
		b.lastEventTime = s.ServerTime
	}
	return rejected
}

// Reset empties the book and returns it to BUFFERING.
func (b *Book) Reset() {
	b.bids = make(map[string]Level)
	b.asks = make(map[string]Level)
	b.lastUpdateID = 0
	b.lastEventTime = time.Time{}
	b.setStatus(StatusBuffering)
}

// Quantity returns the resting quantity at price.
func (b *Book) Quantity(side Side, price decimal.Decimal) (decimal.Decimal, bool) {
	l, ok := b.side(side)[price.String()]
	return l.Quantity, ok
}

func (b *Book) BestBid() (Level, bool) { return best(b.bids, true) }
func (b *Book) BestAsk() (Level, bool) { return best(b.asks, false) }

// Depth returns a sorted copy of the top n levels per side; n <= 0 copies
// everything.
func (b *Book) Depth(n int) Depth {
	return Depth{
		Symbol:       b.symbol,
		LastUpdateID: b.lastUpdateID,
		Status:       b.status,
		EventTime:    b.lastEventTime,
		Timestamp:    time.Now(),
		Bids:         topN(b.bids, n, true),
		Asks:         topN(b.asks, n, false),
	}
}

func (b *Book) side(s Side) map[string]Level {
	if s == Bid {
		return b.bids
	}
	return b.asks
}

func best(levels map[string]Level, highest bool) (Level, bool) {
	var out Level
	found := false
	for _, l := range levels {
		if !found || (highest && l.Price.GreaterThan(out.Price)) || (!highest && l.Price.LessThan(out.Price)) {
			out = l
			found = true
		}
	}
	return out, found
}

// topN sorts bids high to low and asks low to high, then truncates.
func topN(levels map[string]Level, n int, desc bool) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
