package binance

import "github.com/segmentio/encoding/json"

// WSDepthEvent is one spot diff depth push (<symbol>@depth).
type WSDepthEvent struct {
	EventType     string     `json:"e"` // "depthUpdate"
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// combinedMessage wraps every payload received on a /stream?streams= connection.
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// RestDepthSnapshot is the /api/v3/depth response. E is only sent by the
// futures endpoint.
type RestDepthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	EventTime    int64      `json:"E,omitempty"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// apiError is the error body Binance returns with non-2xx responses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}
