package binance

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"depthsync/internal/logger"
	"depthsync/internal/metrics"
	"depthsync/internal/orderbook"
)

const (
	defaultPingInterval = 60 * time.Second
	defaultReadTimeout  = 3 * time.Minute
	defaultBackoffBase  = time.Second
	defaultBackoffMax   = 60 * time.Second
	writeWait           = 5 * time.Second
)

// StreamURL builds a combined-stream URL carrying the diff depth stream of
// every symbol, e.g. wss://stream.binance.com:9443/stream?streams=btcusdt@depth@100ms.
func StreamURL(wsBase string, symbols []string, updateSpeed string) string {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		name := strings.ToLower(strings.TrimSpace(s)) + "@depth"
		if updateSpeed != "" && updateSpeed != "1000ms" {
			name += "@" + updateSpeed
		}
		streams = append(streams, name)
	}
	return strings.TrimRight(wsBase, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

// StreamClient reads diff depth events from a websocket and reconnects with
// exponential backoff. It keeps no sequence state: updates lost while
// disconnected show up as a gap on the first event after reconnecting.
type StreamClient struct {
	URL     string
	OnDepth func(ctx context.Context, ev orderbook.DiffEvent) // network layer stays unaware of the book

	Dialer       *websocket.Dialer
	PingInterval time.Duration
	ReadTimeout  time.Duration // connection is dropped after this long without any frame
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

func NewStreamClient(url string, onDepth func(ctx context.Context, ev orderbook.DiffEvent)) *StreamClient {
	return &StreamClient{
		URL:          url,
		OnDepth:      onDepth,
		Dialer:       websocket.DefaultDialer,
		PingInterval: defaultPingInterval,
		ReadTimeout:  defaultReadTimeout,
		BackoffBase:  defaultBackoffBase,
		BackoffMax:   defaultBackoffMax,
	}
}

// Start runs the read loop and blocks until ctx is cancelled.
func (c *StreamClient) Start(ctx context.Context) error {
	c.setDefaults()
	delay := c.BackoffBase
	for {
		connected, err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			logger.Info(ctx, "diff stream stopped")
			return nil
		}
		if connected {
			delay = c.BackoffBase
		}

		wait := jitter(delay)
		metrics.StreamReconnects.Inc()
		logger.Warn(ctx, "diff stream disconnected, reconnecting",
			zap.Error(err), zap.Duration("retry_in", wait))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		delay *= 2
		if delay > c.BackoffMax {
			delay = c.BackoffMax
		}
	}
}

func (c *StreamClient) setDefaults() {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = max(defaultBackoffMax, c.BackoffBase)
	}
}

// connectAndRead reports whether the dial succeeded along with the error
// that ended the connection.
func (c *StreamClient) connectAndRead(ctx context.Context) (bool, error) {
	conn, _, err := c.Dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return false, &NetworkError{Op: "dial stream", Err: err}
	}
	defer conn.Close()
	logger.Info(ctx, "diff stream connected", zap.String("url", c.URL))

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.ReadTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	done := make(chan struct{})
	defer close(done)
	go c.keepAlive(ctx, conn, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, &NetworkError{Op: "read stream", Err: err}
		}
		extend()
		c.handle(ctx, message)
	}
}

// keepAlive pings the server until done, and closes the connection when ctx
// is cancelled so the blocked read returns.
func (c *StreamClient) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *StreamClient) handle(ctx context.Context, message []byte) {
	raw, err := ParseDepthMessage(message)
	if errors.Is(err, ErrNotDepthUpdate) {
		logger.Debug(ctx, "ignoring non-depth message", zap.ByteString("payload", message))
		return
	}
	if err != nil {
		metrics.StreamDecodeErrors.Inc()
		logger.Warn(ctx, "diff stream decode failed", zap.Error(err), zap.ByteString("payload", message))
		return
	}
	ev, err := raw.ToDiff()
	if err != nil {
		metrics.StreamDecodeErrors.Inc()
		logger.Warn(ctx, "diff event rejected", zap.Error(err))
		return
	}
	if c.OnDepth != nil {
		c.OnDepth(ctx, ev)
	}
}

// jitter adds up to 20% so many clients do not reconnect in lockstep.
func jitter(d time.Duration) time.Duration {
	if n := int64(d) / 5; n > 0 {
		return d + time.Duration(rand.Int64N(n))
	}
	return d
}
