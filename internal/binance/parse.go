package binance

import (
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"

	"depthsync/internal/orderbook"
)

// ParseDepthMessage decodes a diff depth payload, either raw or wrapped in a
// combined-stream envelope.
func ParseDepthMessage(b []byte) (WSDepthEvent, error) {
	var wrap combinedMessage
	if err := json.Unmarshal(b, &wrap); err != nil {
		return WSDepthEvent{}, err
	}
	payload := b
	if len(wrap.Data) > 0 {
		payload = wrap.Data
	}

	var ev WSDepthEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return WSDepthEvent{}, err
	}
	if ev.EventType != "depthUpdate" {
		return WSDepthEvent{}, fmt.Errorf("%w: %q", ErrNotDepthUpdate, ev.EventType)
	}
	return ev, nil
}

// ToDiff converts the wire event into the engine's representation.
func (e WSDepthEvent) ToDiff() (orderbook.DiffEvent, error) {
	bids, err := parseLevels(e.Bids)
	if err != nil {
		return orderbook.DiffEvent{}, fmt.Errorf("%s bids: %w", e.Symbol, err)
	}
	asks, err := parseLevels(e.Asks)
	if err != nil {
		return orderbook.DiffEvent{}, fmt.Errorf("%s asks: %w", e.Symbol, err)
	}
	ev := orderbook.DiffEvent{
		Symbol:        strings.ToUpper(e.Symbol),
		FirstUpdateID: e.FirstUpdateID,
		FinalUpdateID: e.FinalUpdateID,
		Bids:          bids,
		Asks:          asks,
	}
	if e.EventTime > 0 {
		ev.EventTime = time.UnixMilli(e.EventTime)
	}
	return ev, nil
}

// ToSnapshot converts the REST response into the engine's representation.
func (s RestDepthSnapshot) ToSnapshot() (*orderbook.Snapshot, error) {
	bids, err := parseLevels(s.Bids)
	if err != nil {
		return nil, fmt.Errorf("snapshot bids: %w", err)
	}
	asks, err := parseLevels(s.Asks)
	if err != nil {
		return nil, fmt.Errorf("snapshot asks: %w", err)
	}
	snap := &orderbook.Snapshot{
		LastUpdateID: s.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
	}
	if s.EventTime > 0 {
		snap.ServerTime = time.UnixMilli(s.EventTime)
	}
	return snap, nil
}

// parseLevels turns [["price","qty"], ...] into decimal levels. Extra
// elements in an entry are ignored.
func parseLevels(raw [][]string) ([]orderbook.Level, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]orderbook.Level, 0, len(raw))
	for i, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("%w: entry %d has %d fields", orderbook.ErrInvalidLevel, i, len(entry))
		}
		price, err := decimal.NewFromString(entry[0])
		if err != nil {
			return nil, fmt.Errorf("%w: price %q: %v", orderbook.ErrInvalidLevel, entry[0], err)
		}
		qty, err := decimal.NewFromString(entry[1])
		if err != nil {
			return nil, fmt.Errorf("%w: quantity %q: %v", orderbook.ErrInvalidLevel, entry[1], err)
		}
		out = append(out, orderbook.Level{Price: price, Quantity: qty})
	}
	return out, nil
}
