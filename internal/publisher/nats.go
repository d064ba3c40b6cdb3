package publisher

import (
	"context"

	"github.com/nats-io/nats.go"
)

// NatsSink publishes every view on <prefix><symbol>. Delivery is at most
// once; consumers that join late wait for the next change.
type NatsSink struct {
	nc     *nats.Conn
	prefix string
}

func NewNatsSink(url, subjectPrefix string, opts ...nats.Option) (*NatsSink, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsSink{nc: nc, prefix: subjectPrefix}, nil
}

func (s *NatsSink) Name() string { return "nats" }

func (s *NatsSink) Subject(symbol string) string { return s.prefix + symbol }

func (s *NatsSink) Publish(ctx context.Context, symbol string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.nc.Publish(s.Subject(symbol), payload)
}

func (s *NatsSink) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}
