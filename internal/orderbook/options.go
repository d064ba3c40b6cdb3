package orderbook

import "time"

const (
	defaultInboxSize    = 4096
	defaultFetchTimeout = 10 * time.Second
	defaultRetryBase    = 500 * time.Millisecond
	defaultRetryMax     = 30 * time.Second
)

type options struct {
	bufferCapacity int
	inboxSize      int
	fetchTimeout   time.Duration
	retryBase      time.Duration
	retryMax       time.Duration
	listener       func(Depth)
	listenerDepth  int
}

func defaultOptions() options {
	return options{
		bufferCapacity: DefaultBufferCapacity,
		inboxSize:      defaultInboxSize,
		fetchTimeout:   defaultFetchTimeout,
		retryBase:      defaultRetryBase,
		retryMax:       defaultRetryMax,
		listenerDepth:  20,
	}
}

// Option configures an Engine.
type Option func(*options)

func WithBufferCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferCapacity = n
		}
	}
}

// WithInboxSize sets how many pending messages an engine accepts before
// OnDiff starts to block.
func WithInboxSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.inboxSize = n
		}
	}
}

// WithFetchTimeout bounds every snapshot fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fetchTimeout = d
		}
	}
}

// WithRetryBackoff sets the exponential backoff used after a failed or
// unusable snapshot.
func WithRetryBackoff(base, max time.Duration) Option {
	return func(o *options) {
		if base > 0 {
			o.retryBase = base
		}
		if max >= o.retryBase {
			o.retryMax = max
		}
	}
}

// WithListener registers fn to receive a top-depth copy after every change
// applied while the book is ready, and one view without levels when the
// book stops being ready. fn runs on the engine goroutine and must not
// block.
func WithListener(depth int, fn func(Depth)) Option {
	return func(o *options) {
		o.listener = fn
		if depth > 0 {
			o.listenerDepth = depth
		}
	}
}
