package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rickgao/marketstream/internal/paginate"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: test-streamer
api:
  rest_url: https://demo.example.com/v1
  rate_limit:
    interval: 100ms
    capacity: 5
orderbook:
  symbols: [BTC/USD, ETH/USD]
  cache_size: 50
pagination:
  strategy: cursor
  cursor_increment: 1
database:
  enabled: true
  timescale:
    host: localhost
    port: 5433
    name: test_ts
    user: testuser
    password: testpass
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "test-streamer" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "test-streamer")
	}
	if cfg.API.RestURL != "https://demo.example.com/v1" {
		t.Errorf("API.RestURL = %q, want %q", cfg.API.RestURL, "https://demo.example.com/v1")
	}
	if cfg.API.RateLimit.Interval != 100*time.Millisecond {
		t.Errorf("API.RateLimit.Interval = %v, want 100ms", cfg.API.RateLimit.Interval)
	}
	if len(cfg.OrderBook.Symbols) != 2 || cfg.OrderBook.Symbols[1] != "ETH/USD" {
		t.Errorf("OrderBook.Symbols = %v, want [BTC/USD ETH/USD]", cfg.OrderBook.Symbols)
	}
	if cfg.Pagination.CursorIncrement != 1 {
		t.Errorf("Pagination.CursorIncrement = %d, want 1", cfg.Pagination.CursorIncrement)
	}
	if !cfg.Database.Enabled || cfg.Database.Timescale.Port != 5433 {
		t.Errorf("Database = %+v, want enabled on port 5433", cfg.Database)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "secret123")
	t.Setenv("TEST_KEY_ID", "key-1")

	yaml := `
instance:
  id: test-streamer
api:
  key_id: ${TEST_KEY_ID}
database:
  timescale:
    host: localhost
    name: test_ts
    user: testuser
    password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Timescale.Password != "secret123" {
		t.Errorf("Database.Timescale.Password = %q, want %q", cfg.Database.Timescale.Password, "secret123")
	}
	if cfg.API.KeyID != "key-1" {
		t.Errorf("API.KeyID = %q, want %q", cfg.API.KeyID, "key-1")
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing) expected error")
	}

	path := writeTempFile(t, "instance: [unclosed")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse config yaml") {
		t.Errorf("Load(bad yaml) error = %v, want parse error", err)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
instance:
  id: test-streamer
orderbook:
  symbols: [BTC/USD]
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Check defaults were applied
	if cfg.API.RestURL != DefaultRestURL {
		t.Errorf("API.RestURL = %q, want default %q", cfg.API.RestURL, DefaultRestURL)
	}
	if cfg.API.Timeout != DefaultAPITimeout {
		t.Errorf("API.Timeout = %v, want default %v", cfg.API.Timeout, DefaultAPITimeout)
	}
	if cfg.API.RateLimit.Interval != DefaultRESTInterval {
		t.Errorf("API.RateLimit.Interval = %v, want default %v", cfg.API.RateLimit.Interval, DefaultRESTInterval)
	}
	if cfg.OrderBook.CacheSize != DefaultBookCacheSize {
		t.Errorf("OrderBook.CacheSize = %d, want default %d", cfg.OrderBook.CacheSize, DefaultBookCacheSize)
	}
	if cfg.OrderBook.MaxRetries != DefaultSnapshotRetries {
		t.Errorf("OrderBook.MaxRetries = %d, want default %d", cfg.OrderBook.MaxRetries, DefaultSnapshotRetries)
	}
	if cfg.Pagination.MaxCalls != DefaultMaxCalls || cfg.Pagination.MaxEntriesPerRequest != DefaultMaxEntries {
		t.Errorf("Pagination = %+v, want default calls and entries", cfg.Pagination)
	}
	if cfg.Stream.MaxReconnectAttempts != DefaultReconnectTries {
		t.Errorf("Stream.MaxReconnectAttempts = %d, want default %d", cfg.Stream.MaxReconnectAttempts, DefaultReconnectTries)
	}
	if cfg.Database.Timescale.Port != DefaultDBPort {
		t.Errorf("Database.Timescale.Port = %d, want default %d", cfg.Database.Timescale.Port, DefaultDBPort)
	}
	if cfg.Poller.Schedule != DefaultPollSchedule {
		t.Errorf("Poller.Schedule = %q, want default %q", cfg.Poller.Schedule, DefaultPollSchedule)
	}
	if cfg.Health.Port != DefaultHealthPort {
		t.Errorf("Health.Port = %d, want default %d", cfg.Health.Port, DefaultHealthPort)
	}

	// The defaults alone form a valid config.
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() after defaults: %v", err)
	}
}

func validConfig() Config {
	cfg := Config{
		Instance:  InstanceConfig{ID: "test"},
		OrderBook: OrderBookConfig{Symbols: []string{"BTC/USD"}},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing instance id",
			mutate:  func(c *Config) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name:    "rest url scheme",
			mutate:  func(c *Config) { c.API.RestURL = "ftp://example.com" },
			wantErr: `api.rest_url must be a [http https] URL, got "ftp://example.com"`,
		},
		{
			name:    "ws url scheme",
			mutate:  func(c *Config) { c.API.WSURL = "https://example.com" },
			wantErr: `api.ws_url must be a [ws wss] URL, got "https://example.com"`,
		},
		{
			name:    "key without private key",
			mutate:  func(c *Config) { c.API.KeyID = "k" },
			wantErr: "api.private_key_path is required when api.key_id is set",
		},
		{
			name:    "rate limit capacity",
			mutate:  func(c *Config) { c.Stream.RateLimit.Capacity = 0.5; c.Stream.SubscribeCost = 0.5 },
			wantErr: "stream.rate_limit.capacity must be >= 1",
		},
		{
			name:    "rate limit queue",
			mutate:  func(c *Config) { c.API.RateLimit.MaxQueue = -1 },
			wantErr: "api.rate_limit.max_queue must be >= 1",
		},
		{
			name:    "subscribe cost above capacity",
			mutate:  func(c *Config) { c.Stream.SubscribeCost = 5 },
			wantErr: "stream.subscribe_cost (5) cannot exceed rate_limit.capacity (1)",
		},
		{
			name: "reconnect delays inverted",
			mutate: func(c *Config) {
				c.Stream.ReconnectMinDelay = time.Minute
				c.Stream.ReconnectMaxDelay = time.Second
			},
			wantErr: "stream.reconnect_min_delay (1m0s) cannot exceed reconnect_max_delay (1s)",
		},
		{
			name:    "ping timeout",
			mutate:  func(c *Config) { c.Stream.PingTimeout = c.Stream.PingInterval },
			wantErr: "stream.ping_timeout (30s) must exceed ping_interval (30s)",
		},
		{
			name:    "no symbols",
			mutate:  func(c *Config) { c.OrderBook.Symbols = nil },
			wantErr: "orderbook.symbols must list at least one symbol",
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *Config) { c.Pagination.Strategy = "random" },
			wantErr: `pagination: unknown pagination strategy: "random"`,
		},
		{
			name:    "unknown direction",
			mutate:  func(c *Config) { c.Pagination.Direction = "sideways" },
			wantErr: `pagination: unknown direction "sideways"`,
		},
		{
			name:    "database enabled without host",
			mutate:  func(c *Config) { c.Database.Enabled = true },
			wantErr: "database.timescale.host is required",
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Timescale = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, MinConns: 10}
			},
			wantErr: "database.timescale.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name: "bad poller schedule",
			mutate: func(c *Config) {
				c.Poller.Enabled = true
				c.Poller.Schedule = "every so often"
			},
			wantErr: `poller.schedule "every so often"`,
		},
		{
			name:    "log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: `logging.format must be text or json, got "xml"`,
		},
		{
			name: "health port",
			mutate: func(c *Config) {
				c.Health.Enabled = true
				c.Health.Port = 70000
			},
			wantErr: "health.port must be between 1 and 65535, got 70000",
		},
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if !strings.HasPrefix(err.Error(), tt.wantErr) {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := validConfig()
	cfg.Stream.MaxReconnectAttempts = -1
	cfg.Pagination.Strategy = "dynamic"
	cfg.Pagination.Direction = "forward"
	cfg.Logging.Level = "debug"

	conn := cfg.Stream.Connection()
	if conn.MaxReconnectAttempts != 0 {
		t.Errorf("MaxReconnectAttempts = %d, want 0 (unlimited)", conn.MaxReconnectAttempts)
	}
	if conn.Backoff.Min != DefaultReconnectMin || conn.Backoff.Max != DefaultReconnectMax {
		t.Errorf("Backoff = %+v, want %v..%v", conn.Backoff, DefaultReconnectMin, DefaultReconnectMax)
	}
	if conn.RateLimit.RefillPerSecond != 20 {
		t.Errorf("RateLimit.RefillPerSecond = %v, want 20", conn.RateLimit.RefillPerSecond)
	}
	if conn.RateLimit.MaxQueue != DefaultRateMaxQueue {
		t.Errorf("RateLimit.MaxQueue = %d, want %d", conn.RateLimit.MaxQueue, DefaultRateMaxQueue)
	}

	if tr := cfg.Stream.Transport(); tr.BufferSize != DefaultStreamBuffer || tr.PingInterval != DefaultPingInterval {
		t.Errorf("Transport = %+v", tr)
	}

	if rc := cfg.OrderBook.Reconciler(); rc.CacheSize != DefaultBookCacheSize || rc.MaxRetries != DefaultSnapshotRetries {
		t.Errorf("Reconciler = %+v", rc)
	}

	opts, strategy, err := cfg.Pagination.Options()
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	if strategy != paginate.Dynamic || opts.Direction != paginate.Forward {
		t.Errorf("Options = %v %+v, want dynamic forward", strategy, opts)
	}
	if opts.MaxCalls != DefaultMaxCalls || opts.Concurrency != DefaultPageConcurrency {
		t.Errorf("Options = %+v", opts)
	}

	level, err := cfg.Logging.SlogLevel()
	if err != nil || level != slog.LevelDebug {
		t.Errorf("SlogLevel() = %v, %v, want debug", level, err)
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
