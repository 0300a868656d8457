// Package config loads the gateway configuration from defaults, an
// optional config file, a .env file and environment variables, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/atmx/trade-gateway/internal/session"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Broker modes.
const (
	ModePaper  = "paper"
	ModeWSFeed = "wsfeed"
)

// Config is the whole gateway configuration.
type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	Log         LogConfig         `mapstructure:"log"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Session     SessionConfig     `mapstructure:"session"`
	MarketData  MarketDataConfig  `mapstructure:"marketdata"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Order       OrderConfig       `mapstructure:"order"`
	Position    PositionConfig    `mapstructure:"position"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

type HTTPConfig struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // empty logs to stdout only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type BrokerConfig struct {
	Mode             string        `mapstructure:"mode"`
	LoginURL         string        `mapstructure:"login_url"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	FeedURL          string        `mapstructure:"feed_url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

type SessionConfig struct {
	BoundaryTime  string        `mapstructure:"boundary_time"` // HH:MM
	BoundaryZone  string        `mapstructure:"boundary_zone"`
	AuthTimeout   time.Duration `mapstructure:"auth_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type MarketDataConfig struct {
	HistoryCapacity  int           `mapstructure:"history_capacity"`
	SubscriberQueue  int           `mapstructure:"subscriber_queue"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	UnavailableAfter time.Duration `mapstructure:"unavailable_after"`
	ReorderTolerance time.Duration `mapstructure:"reorder_tolerance"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	MirrorTTL        time.Duration `mapstructure:"mirror_ttl"`
}

type RiskConfig struct {
	AdverseMove float64 `mapstructure:"adverse_move"`
}

type OrderConfig struct {
	SubmitTimeout       time.Duration `mapstructure:"submit_timeout"`
	BrokerRate          float64       `mapstructure:"broker_rate"` // orders per second
	BrokerBurst         int           `mapstructure:"broker_burst"`
	ReconcileMaxElapsed time.Duration `mapstructure:"reconcile_max_elapsed"`
}

type PositionConfig struct {
	LockStripes int `mapstructure:"lock_stripes"`
}

type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type PersistenceConfig struct {
	Workers      int           `mapstructure:"workers"`
	MaxPending   int           `mapstructure:"max_pending"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.request_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("broker.mode", ModePaper)
	v.SetDefault("broker.login_url", "https://paper.local/login")
	v.SetDefault("broker.token_ttl", 24*time.Hour)
	v.SetDefault("broker.feed_url", "")
	v.SetDefault("broker.handshake_timeout", 10*time.Second)

	v.SetDefault("session.boundary_time", "06:00")
	v.SetDefault("session.boundary_zone", "Asia/Kolkata")
	v.SetDefault("session.auth_timeout", 10*time.Second)
	v.SetDefault("session.sweep_interval", 30*time.Second)

	v.SetDefault("marketdata.history_capacity", 1000)
	v.SetDefault("marketdata.subscriber_queue", 256)
	v.SetDefault("marketdata.stale_after", 10*time.Second)
	v.SetDefault("marketdata.unavailable_after", time.Duration(0))
	v.SetDefault("marketdata.reorder_tolerance", 2*time.Second)
	v.SetDefault("marketdata.dial_timeout", 10*time.Second)
	v.SetDefault("marketdata.initial_backoff", 500*time.Millisecond)
	v.SetDefault("marketdata.max_backoff", 30*time.Second)
	v.SetDefault("marketdata.mirror_ttl", time.Minute)

	v.SetDefault("risk.adverse_move", 0.10)

	v.SetDefault("order.submit_timeout", 10*time.Second)
	v.SetDefault("order.broker_rate", 10.0)
	v.SetDefault("order.broker_burst", 10)
	v.SetDefault("order.reconcile_max_elapsed", 10*time.Minute)

	v.SetDefault("position.lock_stripes", 64)

	v.SetDefault("postgres.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", 30*time.Second)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "gateway.journal")

	v.SetDefault("persistence.workers", 4)
	v.SetDefault("persistence.max_pending", 100000)
	v.SetDefault("persistence.write_timeout", 5*time.Second)
	v.SetDefault("persistence.max_attempts", 5)
}

// Load builds a Config. file may be empty; envFiles are loaded with
// godotenv before the environment is read and may be missing.
func Load(file string, envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		slog.Debug("no .env file loaded", "err", err)
	}

	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	// http.addr -> GATEWAY_HTTP_ADDR
	v.SetEnvPrefix("gateway")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects out-of-range values and contradictory combinations.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.HTTP.Addr == "" {
		bad("http.addr is required")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	switch c.Broker.Mode {
	case ModePaper:
	case ModeWSFeed:
		if c.Broker.FeedURL == "" {
			bad("broker.feed_url is required in %s mode", ModeWSFeed)
		}
	default:
		bad("unknown broker.mode %q", c.Broker.Mode)
	}
	if c.Broker.TokenTTL <= 0 {
		bad("broker.token_ttl must be positive")
	}

	if _, err := c.Session.Boundary(); err != nil {
		errs = append(errs, err)
	}
	if c.Session.AuthTimeout <= 0 || c.Session.SweepInterval <= 0 {
		bad("session timeouts must be positive")
	}

	md := c.MarketData
	if md.HistoryCapacity <= 0 || md.SubscriberQueue <= 0 {
		bad("marketdata capacities must be positive")
	}
	if md.StaleAfter <= 0 {
		bad("marketdata.stale_after must be positive")
	}
	if md.UnavailableAfter < 0 || md.ReorderTolerance < 0 {
		bad("marketdata durations must not be negative")
	}
	if md.UnavailableAfter > 0 && md.UnavailableAfter < md.StaleAfter {
		bad("marketdata.unavailable_after must not be shorter than stale_after")
	}
	if md.InitialBackoff <= 0 || md.MaxBackoff < md.InitialBackoff {
		bad("marketdata backoff must satisfy 0 < initial_backoff <= max_backoff")
	}

	if c.Risk.AdverseMove <= 0 || c.Risk.AdverseMove > 1 {
		bad("risk.adverse_move must be in (0, 1]")
	}
	if c.Order.SubmitTimeout <= 0 || c.Order.BrokerRate <= 0 || c.Order.BrokerBurst <= 0 {
		bad("order submit_timeout, broker_rate and broker_burst must be positive")
	}
	if c.Position.LockStripes <= 0 {
		bad("position.lock_stripes must be positive")
	}

	if c.Redis.URL != "" && c.Postgres.URL == "" {
		bad("redis.url requires postgres.url")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		bad("kafka.topic is required when kafka.brokers is set")
	}
	p := c.Persistence
	if p.Workers <= 0 || p.MaxPending <= 0 || p.WriteTimeout <= 0 || p.MaxAttempts <= 0 {
		bad("persistence settings must be positive")
	}
	return errors.Join(errs...)
}

// Boundary parses the trading-day boundary.
func (s SessionConfig) Boundary() (session.Boundary, error) {
	at, err := time.Parse("15:04", s.BoundaryTime)
	if err != nil {
		return session.Boundary{}, fmt.Errorf("%w: session.boundary_time %q: %v", ErrInvalid, s.BoundaryTime, err)
	}
	loc, err := time.LoadLocation(s.BoundaryZone)
	if err != nil {
		return session.Boundary{}, fmt.Errorf("%w: session.boundary_zone %q: %v", ErrInvalid, s.BoundaryZone, err)
	}
	return session.Boundary{Hour: at.Hour(), Minute: at.Minute(), Location: loc}, nil
}

// ParseLevel maps a level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalid, s)
	}
	return l, nil
}
