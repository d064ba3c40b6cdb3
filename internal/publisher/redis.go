package publisher

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink overwrites one key per symbol with the latest view, e.g.
// OrderBook:BTCUSDT.
type RedisSink struct {
	rdb       redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

func NewRedisSink(rdb redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisSink {
	return &RedisSink{rdb: rdb, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Key(symbol string) string { return s.keyPrefix + symbol }

func (s *RedisSink) Publish(ctx context.Context, symbol string, payload []byte) error {
	return s.rdb.Set(ctx, s.Key(symbol), payload, s.ttl).Err()
}

func (s *RedisSink) Close() error { return s.rdb.Close() }
