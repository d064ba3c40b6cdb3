package orderbook

import "time"

// Depth is an immutable, sorted copy of the top of a book. Bids run from
// the highest price down, asks from the lowest price up. It is what readers
// and publishers hold; they never see the live Book.
type Depth struct {
	Symbol       string    `json:"s"`
	LastUpdateID int64     `json:"u"`
	Status       Status    `json:"status"`
	EventTime    time.Time `json:"E"`
	Timestamp    time.Time `json:"t"`
	Bids         []Level   `json:"b"`
	Asks         []Level   `json:"a"`
}
