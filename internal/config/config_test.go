package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, ModePaper, cfg.Broker.Mode)
	assert.InDelta(t, 0.10, cfg.Risk.AdverseMove, 1e-9)
	assert.Equal(t, 10*time.Second, cfg.Order.SubmitTimeout)
	assert.Equal(t, time.Duration(0), cfg.MarketData.UnavailableAfter)
	assert.Empty(t, cfg.Postgres.URL)
	assert.Empty(t, cfg.Kafka.Brokers)

	b, err := cfg.Session.Boundary()
	require.NoError(t, err)
	assert.Equal(t, 6, b.Hour)
	assert.Equal(t, 0, b.Minute)
	assert.Equal(t, "Asia/Kolkata", b.Location.String())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_HTTP_ADDR", ":9090")
	t.Setenv("GATEWAY_ORDER_SUBMIT_TIMEOUT", "3s")
	t.Setenv("GATEWAY_POSTGRES_URL", "postgres://localhost/gw")
	t.Setenv("GATEWAY_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load("", noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 3*time.Second, cfg.Order.SubmitTimeout)
	assert.Equal(t, "postgres://localhost/gw", cfg.Postgres.URL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_DotEnvFile(t *testing.T) {
	env := writeFile(t, ".env", "GATEWAY_BROKER_MODE=wsfeed\nGATEWAY_BROKER_FEED_URL=ws://feed.local/ticks\n")
	t.Cleanup(func() {
		os.Unsetenv("GATEWAY_BROKER_MODE")
		os.Unsetenv("GATEWAY_BROKER_FEED_URL")
	})

	cfg, err := Load("", env)
	require.NoError(t, err)
	assert.Equal(t, ModeWSFeed, cfg.Broker.Mode)
	assert.Equal(t, "ws://feed.local/ticks", cfg.Broker.FeedURL)
}

func TestLoad_ConfigFile(t *testing.T) {
	file := writeFile(t, "gateway.yaml", `
http:
  addr: ":7070"
session:
  boundary_time: "07:30"
  boundary_zone: "UTC"
marketdata:
  stale_after: 5s
  history_capacity: 50
`)
	cfg, err := Load(file, noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Second, cfg.MarketData.StaleAfter)
	assert.Equal(t, 50, cfg.MarketData.HistoryCapacity)

	b, err := cfg.Session.Boundary()
	require.NoError(t, err)
	assert.Equal(t, 7, b.Hour)
	assert.Equal(t, 30, b.Minute)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	file := writeFile(t, "gateway.yaml", "order:\n  submit_timout: 5s\n")
	_, err := Load(file, noEnvFile(t))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("", noEnvFile(t))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown mode", func(c *Config) { c.Broker.Mode = "live" }},
		{"wsfeed without url", func(c *Config) { c.Broker.Mode = ModeWSFeed }},
		{"redis without postgres", func(c *Config) { c.Redis.URL = "redis://localhost:6379" }},
		{"kafka without topic", func(c *Config) { c.Kafka.Brokers = []string{"k:9092"}; c.Kafka.Topic = "" }},
		{"bad level", func(c *Config) { c.Log.Level = "chatty" }},
		{"bad boundary", func(c *Config) { c.Session.BoundaryTime = "25:00" }},
		{"bad zone", func(c *Config) { c.Session.BoundaryZone = "Mars/Olympus" }},
		{"zero history", func(c *Config) { c.MarketData.HistoryCapacity = 0 }},
		{"unavailable before stale", func(c *Config) { c.MarketData.UnavailableAfter = time.Second }},
		{"adverse move out of range", func(c *Config) { c.Risk.AdverseMove = 1.5 }},
		{"no workers", func(c *Config) { c.Persistence.Workers = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			err := c.Validate()
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	assert.NoError(t, base.Validate())
}
