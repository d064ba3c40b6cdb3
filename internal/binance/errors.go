package binance

import (
	"errors"
	"fmt"
)

var ErrNotDepthUpdate = errors.New("binance: message is not a depthUpdate")

// TransportError is a completed HTTP exchange with a non-2xx status.
type TransportError struct {
	StatusCode int
	Code       int // Binance error code, 0 if the body had none
	Body       string
}

func (e *TransportError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("binance: http %d (code %d): %s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("binance: http %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the same request may succeed later.
func (e *TransportError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode == 418 || e.StatusCode >= 500
}

// NetworkError is a failure before a response was read: dial, TLS, timeout
// or a truncated body.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return "binance: " + e.Op + ": " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }
