package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"depthsync/internal/binance"
	"depthsync/internal/config"
	"depthsync/internal/logger"
	"depthsync/internal/orderbook"
	"depthsync/internal/publisher"
	"depthsync/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ./config/config.yaml or ./config.yaml)")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("load .env: %v", err)
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.Init(logger.Options{
		Service:    "depthsync",
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal(ctx, "depthsync stopped", zap.Error(err))
	}
	logger.Info(ctx, "depthsync stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	env := cfg.Binance.GetActiveEnv()
	logger.Info(ctx, "starting depthsync",
		zap.String("env", cfg.Binance.ActiveEnvName()),
		zap.Strings("symbols", cfg.Binance.Symbols),
		zap.String("rest", env.RestBaseURL),
		zap.String("ws", env.WSBaseURL))

	pub, err := newPublisher(ctx, cfg.Publish)
	if err != nil {
		return err
	}
	defer pub.Close()

	fetcher := binance.NewSnapshotClient(env.RestBaseURL, binance.SnapshotOptions{
		Limit:             cfg.Binance.DepthLimit,
		RequestsPerSecond: cfg.Snapshot.RequestsPerSecond,
		Burst:             cfg.Snapshot.Burst,
		MaxFailures:       cfg.Snapshot.MaxFailures,
		OpenTimeout:       cfg.Snapshot.OpenTimeout,
		HTTPTimeout:       cfg.Snapshot.HTTPTimeout,
	})

	g, ctx := errgroup.WithContext(ctx)

	registry := orderbook.NewRegistry(ctx, fetcher,
		orderbook.WithBufferCapacity(cfg.Sync.BufferCapacity),
		orderbook.WithInboxSize(cfg.Sync.InboxSize),
		orderbook.WithFetchTimeout(cfg.Sync.FetchTimeout),
		orderbook.WithRetryBackoff(cfg.Sync.RetryBase, cfg.Sync.RetryMax),
		orderbook.WithListener(cfg.Publish.Depth, pub.Offer),
	)
	defer registry.Close()
	for _, s := range cfg.Binance.Symbols {
		registry.Subscribe(s)
	}

	stream := binance.NewStreamClient(
		binance.StreamURL(env.WSBaseURL, cfg.Binance.Symbols, cfg.Binance.UpdateSpeed),
		func(ctx context.Context, ev orderbook.DiffEvent) {
			if err := registry.Dispatch(ctx, ev); err != nil && ctx.Err() == nil {
				logger.Warn(ctx, "dispatch diff failed", zap.String("symbol", ev.Symbol), zap.Error(err))
			}
		},
	)
	srv := server.New(registry)

	g.Go(func() error { return pub.Run(ctx) })
	g.Go(func() error { return stream.Start(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.Server.Network, cfg.Server.Addr) })

	return g.Wait()
}

func newPublisher(ctx context.Context, cfg config.PublishConfig) (*publisher.Publisher, error) {
	var sinks []publisher.Sink
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, err
		}
		logger.Info(ctx, "redis sink connected", zap.String("addr", cfg.Redis.Addr))
		sinks = append(sinks, publisher.NewRedisSink(rdb, cfg.Redis.KeyPrefix, cfg.Redis.TTL))
	}
	if cfg.Nats.Enabled {
		sink, err := publisher.NewNatsSink(cfg.Nats.URL, cfg.Nats.SubjectPrefix, nats.Name("depthsync"))
		if err != nil {
			closeAll()
			return nil, err
		}
		logger.Info(ctx, "nats sink connected", zap.String("url", cfg.Nats.URL))
		sinks = append(sinks, sink)
	}
	if cfg.Kafka.Enabled {
		sinks = append(sinks, publisher.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		logger.Info(ctx, "kafka sink configured", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	if len(sinks) == 0 {
		logger.Warn(ctx, "no publish sinks enabled; books are only served over http")
	}
	return publisher.New(cfg.Timeout, sinks...), nil
}
