package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"depthsync/internal/logger"
	"depthsync/internal/metrics"
	"depthsync/internal/orderbook"
)

const (
	DepthPath         = "/api/v3/depth"
	DefaultDepthLimit = 1000

	defaultHTTPTimeout = 5 * time.Second
	maxSnapshotBody    = 8 << 20
	maxErrorBody       = 512
)

// SnapshotOptions tunes a SnapshotClient. Zero values pick the defaults.
type SnapshotOptions struct {
	Path              string  // defaults to DepthPath
	Limit             int     // 5, 10, 20, 50, 100, 500, 1000 or 5000
	RequestsPerSecond float64 // <= 0 disables client side limiting
	Burst             int
	MaxFailures       uint32 // consecutive failures before the breaker opens
	OpenTimeout       time.Duration
	HTTPTimeout       time.Duration
}

// SnapshotClient fetches full depth snapshots over REST. It implements
// orderbook.SnapshotFetcher and is shared by every symbol, so the rate
// limit and the breaker protect the account weight as a whole.
type SnapshotClient struct {
	BaseURL    string
	Path       string
	Limit      int
	HTTPClient *http.Client

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*orderbook.Snapshot]
}

var _ orderbook.SnapshotFetcher = (*SnapshotClient)(nil)

func NewSnapshotClient(baseURL string, opts SnapshotOptions) *SnapshotClient {
	if opts.Path == "" {
		opts.Path = DepthPath
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultDepthLimit
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = defaultHTTPTimeout
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	maxFailures := opts.MaxFailures
	settings := gobreaker.Settings{
		Name:    "binance-depth",
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: isSuccessfulForBreaker,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SnapshotBreakerState.Set(float64(to))
			logger.Warn(context.Background(), "snapshot breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &SnapshotClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Path:       opts.Path,
		Limit:      opts.Limit,
		HTTPClient: &http.Client{Timeout: opts.HTTPTimeout},
		limiter:    rate.NewLimiter(limit, burst),
		breaker:    gobreaker.NewCircuitBreaker[*orderbook.Snapshot](settings),
	}
}

// FetchSnapshot requests the top Limit levels for symbol. Failures are a
// *NetworkError, a *TransportError, a decode error, or gobreaker.ErrOpenState
// while the breaker is open.
func (c *SnapshotClient) FetchSnapshot(ctx context.Context, symbol string) (*orderbook.Snapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &NetworkError{Op: "rate limit wait", Err: err}
	}
	snap, err := c.breaker.Execute(func() (*orderbook.Snapshot, error) {
		return c.get(ctx, symbol)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot %s: %w", symbol, err)
	}
	return snap, nil
}

func (c *SnapshotClient) get(ctx context.Context, symbol string) (*orderbook.Snapshot, error) {
	u, err := url.Parse(c.BaseURL + c.Path)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("limit", strconv.Itoa(c.Limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "GET " + c.Path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBody))
	if err != nil {
		return nil, &NetworkError{Op: "read " + c.Path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newTransportError(resp.StatusCode, body)
	}

	var raw RestDepthSnapshot
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode depth snapshot: %w", err)
	}
	snap, err := raw.ToSnapshot()
	if err != nil {
		return nil, err
	}
	if snap.ServerTime.IsZero() {
		if t, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
			snap.ServerTime = t
		}
	}
	return snap, nil
}

func newTransportError(status int, body []byte) *TransportError {
	te := &TransportError{StatusCode: status}
	var ae apiError
	if err := json.Unmarshal(body, &ae); err == nil && ae.Code != 0 {
		te.Code = ae.Code
		te.Body = ae.Msg
		return te
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	te.Body = strings.TrimSpace(string(body))
	return te
}

// isSuccessfulForBreaker keeps caller cancellations and client errors such as
// an unknown symbol from tripping the breaker.
func isSuccessfulForBreaker(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return !te.Retryable()
	}
	return false
}
