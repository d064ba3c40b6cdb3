package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "DEPTHSYNC"

type Config struct {
	Binance  BinanceRouter  `mapstructure:"binance"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Publish  PublishConfig  `mapstructure:"publish"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

// BinanceRouter selects the active exchange environment.
type BinanceRouter struct {
	ActiveEnv   string    `mapstructure:"active_env"`
	Symbols     []string  `mapstructure:"symbols"`
	DepthLimit  int       `mapstructure:"depth_limit"`
	UpdateSpeed string    `mapstructure:"update_speed"` // 100ms or 1000ms
	Mainnet     EnvConfig `mapstructure:"mainnet"`
	Testnet     EnvConfig `mapstructure:"testnet"`
}

type EnvConfig struct {
	RestBaseURL string `mapstructure:"rest_base_url"`
	WSBaseURL   string `mapstructure:"ws_base_url"`
}

type SyncConfig struct {
	BufferCapacity int           `mapstructure:"buffer_capacity"`
	InboxSize      int           `mapstructure:"inbox_size"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	RetryBase      time.Duration `mapstructure:"retry_base"`
	RetryMax       time.Duration `mapstructure:"retry_max"`
}

type SnapshotConfig struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxFailures       uint32        `mapstructure:"max_failures"`
	OpenTimeout       time.Duration `mapstructure:"open_timeout"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
}

type PublishConfig struct {
	Depth   int           `mapstructure:"depth"`
	Timeout time.Duration `mapstructure:"timeout"` // per sink write
	Redis   RedisConfig   `mapstructure:"redis"`
	Nats    NatsConfig    `mapstructure:"nats"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type NatsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type ServerConfig struct {
	Network string `mapstructure:"network"` // unix or tcp
	Addr    string `mapstructure:"addr"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("binance.active_env", "testnet")
	v.SetDefault("binance.symbols", []string{"BTCUSDT"})
	v.SetDefault("binance.depth_limit", 1000)
	v.SetDefault("binance.update_speed", "100ms")
	v.SetDefault("binance.mainnet.rest_base_url", "https://api.binance.com")
	v.SetDefault("binance.mainnet.ws_base_url", "wss://stream.binance.com:9443")
	v.SetDefault("binance.testnet.rest_base_url", "https://testnet.binance.vision")
	v.SetDefault("binance.testnet.ws_base_url", "wss://stream.testnet.binance.vision")

	v.SetDefault("sync.buffer_capacity", 5000)
	v.SetDefault("sync.inbox_size", 4096)
	v.SetDefault("sync.fetch_timeout", 10*time.Second)
	v.SetDefault("sync.retry_base", 500*time.Millisecond)
	v.SetDefault("sync.retry_max", 30*time.Second)

	v.SetDefault("snapshot.requests_per_second", 5)
	v.SetDefault("snapshot.burst", 2)
	v.SetDefault("snapshot.max_failures", 5)
	v.SetDefault("snapshot.open_timeout", 30*time.Second)
	v.SetDefault("snapshot.http_timeout", 5*time.Second)

	v.SetDefault("publish.depth", 20)
	v.SetDefault("publish.timeout", 50*time.Millisecond)
	v.SetDefault("publish.redis.enabled", false)
	v.SetDefault("publish.redis.addr", "127.0.0.1:6379")
	v.SetDefault("publish.redis.password", "")
	v.SetDefault("publish.redis.db", 0)
	v.SetDefault("publish.redis.key_prefix", "OrderBook:")
	v.SetDefault("publish.redis.ttl", time.Duration(0))
	v.SetDefault("publish.nats.enabled", false)
	v.SetDefault("publish.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("publish.nats.subject_prefix", "depth.")
	v.SetDefault("publish.kafka.enabled", false)
	v.SetDefault("publish.kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("publish.kafka.topic", "depth")

	v.SetDefault("server.network", "unix")
	v.SetDefault("server.addr", "/tmp/depthsync.sock")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_age_days", 7)
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// LoadConfig reads path, or config.yaml from ./config or the working
// directory when path is empty. Environment variables override the file:
// DEPTHSYNC_SYNC_BUFFER_CAPACITY overrides sync.buffer_capacity.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for i, s := range cfg.Binance.Symbols {
		cfg.Binance.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate returns the first rule the config violates.
func (c *Config) Validate() error {
	switch {
	case len(c.Binance.Symbols) == 0:
		return errors.New("binance.symbols must not be empty")
	case c.Binance.DepthLimit <= 0:
		return errors.New("binance.depth_limit must be greater than 0")
	case c.Binance.GetActiveEnv().RestBaseURL == "":
		return fmt.Errorf("binance.%s.rest_base_url is required", c.Binance.ActiveEnvName())
	case c.Binance.GetActiveEnv().WSBaseURL == "":
		return fmt.Errorf("binance.%s.ws_base_url is required", c.Binance.ActiveEnvName())
	case c.Sync.BufferCapacity <= 0:
		return errors.New("sync.buffer_capacity must be greater than 0")
	case c.Sync.FetchTimeout <= 0:
		return errors.New("sync.fetch_timeout must be greater than 0")
	case c.Sync.RetryBase <= 0:
		return errors.New("sync.retry_base must be greater than 0")
	case c.Sync.RetryMax < c.Sync.RetryBase:
		return errors.New("sync.retry_max must not be less than sync.retry_base")
	case c.Publish.Depth <= 0:
		return errors.New("publish.depth must be greater than 0")
	case c.Publish.Redis.Enabled && c.Publish.Redis.Addr == "":
		return errors.New("publish.redis.addr is required when redis is enabled")
	case c.Publish.Nats.Enabled && c.Publish.Nats.URL == "":
		return errors.New("publish.nats.url is required when nats is enabled")
	case c.Publish.Kafka.Enabled && (len(c.Publish.Kafka.Brokers) == 0 || c.Publish.Kafka.Topic == ""):
		return errors.New("publish.kafka.brokers and publish.kafka.topic are required when kafka is enabled")
	case c.Server.Network != "unix" && c.Server.Network != "tcp":
		return fmt.Errorf("server.network must be unix or tcp, got %q", c.Server.Network)
	case c.Server.Addr == "":
		return errors.New("server.addr is required")
	}
	return nil
}

// GetActiveEnv returns the endpoints of the active environment. Anything
// other than "mainnet" falls back to testnet.
func (b *BinanceRouter) GetActiveEnv() EnvConfig {
	if b.ActiveEnv == "mainnet" {
		return b.Mainnet
	}
	return b.Testnet
}

func (b *BinanceRouter) ActiveEnvName() string {
	if b.ActiveEnv == "mainnet" {
		return "mainnet"
	}
	return "testnet"
}
