// Package publisher pushes book views to downstream stores. Engines hand
// over a depth copy on every change while READY, plus one empty view when
// the book stops being READY; the publisher keeps only the latest view per
// symbol so a slow sink never backs up an engine.
package publisher

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"depthsync/internal/logger"
	"depthsync/internal/metrics"
	"depthsync/internal/orderbook"
)

const defaultTimeout = 50 * time.Millisecond

// Sink stores or forwards one encoded depth view.
type Sink interface {
	Name() string
	Publish(ctx context.Context, symbol string, payload []byte) error
	Close() error
}

// Message is the published JSON document, shaped for consumers that poll
// the latest book: u lets them skip unchanged views, t is the publish time.
// Levels are only meaningful when status is READY.
type Message struct {
	Symbol       string            `json:"s"`
	Status       orderbook.Status  `json:"status"`
	LastUpdateID int64             `json:"u"`
	EventTime    int64             `json:"E"` // exchange event time, ms
	Timestamp    int64             `json:"t"` // publish time, ms
	Bids         []orderbook.Level `json:"b"`
	Asks         []orderbook.Level `json:"a"`
}

func NewMessage(d orderbook.Depth, now time.Time) Message {
	m := Message{
		Symbol:       d.Symbol,
		Status:       d.Status,
		LastUpdateID: d.LastUpdateID,
		Timestamp:    now.UnixMilli(),
		Bids:         d.Bids,
		Asks:         d.Asks,
	}
	if !d.EventTime.IsZero() {
		m.EventTime = d.EventTime.UnixMilli()
	}
	return m
}

type Publisher struct {
	sinks   []Sink
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]orderbook.Depth
	wake    chan struct{}
}

// New returns a publisher writing to sinks; timeout bounds each sink write.
func New(timeout time.Duration, sinks ...Sink) *Publisher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Publisher{
		sinks:   sinks,
		timeout: timeout,
		pending: make(map[string]orderbook.Depth),
		wake:    make(chan struct{}, 1),
	}
}

func (p *Publisher) Sinks() int { return len(p.sinks) }

// Offer queues d for publishing, replacing any view of the same symbol not
// yet written. It never blocks and is safe to call from engine goroutines.
func (p *Publisher) Offer(d orderbook.Depth) {
	if len(p.sinks) == 0 {
		return
	}
	p.mu.Lock()
	if _, ok := p.pending[d.Symbol]; ok {
		metrics.PublishDropped.WithLabelValues(d.Symbol).Inc()
	}
	p.pending[d.Symbol] = d
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run writes queued views until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
			p.flush(ctx)
		}
	}
}

func (p *Publisher) take() []orderbook.Depth {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	out := make([]orderbook.Depth, 0, len(p.pending))
	for _, d := range p.pending {
		out = append(out, d)
	}
	clear(p.pending)
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (p *Publisher) flush(ctx context.Context) {
	for _, d := range p.take() {
		payload, err := json.Marshal(NewMessage(d, time.Now()))
		if err != nil {
			logger.Error(ctx, "encode depth failed", zap.String("symbol", d.Symbol), zap.Error(err))
			continue
		}
		for _, s := range p.sinks {
			wctx, cancel := context.WithTimeout(ctx, p.timeout)
			err := s.Publish(wctx, d.Symbol, payload)
			cancel()
			if err != nil {
				metrics.PublishErrors.WithLabelValues(s.Name()).Inc()
				logger.Warn(ctx, "publish depth failed",
					zap.String("sink", s.Name()),
					zap.String("symbol", d.Symbol),
					zap.Error(err))
			}
		}
	}
}

// Close closes every sink.
func (p *Publisher) Close() error {
	var errs []error
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
