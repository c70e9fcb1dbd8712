package config

import "time"

// Config is the root configuration shared by the streamer and backfill commands.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	API        APIConfig        `yaml:"api"`
	Stream     StreamConfig     `yaml:"stream"`
	OrderBook  OrderBookConfig  `yaml:"orderbook"`
	Pagination PaginationConfig `yaml:"pagination"`
	Database   DatabaseConfig   `yaml:"database"`
	Writers    WritersConfig    `yaml:"writers"`
	Poller     PollerConfig     `yaml:"poller"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds venue endpoints, credentials and REST settings.
type APIConfig struct {
	RestURL        string          `yaml:"rest_url"`
	WSURL          string          `yaml:"ws_url"`
	KeyID          string          `yaml:"key_id"`           // Empty = unauthenticated
	PrivateKeyPath string          `yaml:"private_key_path"` // RSA private key PEM file
	Timeout        time.Duration   `yaml:"timeout"`
	MaxRetries     int             `yaml:"max_retries"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig is a token bucket admitting one unit-cost request per Interval.
type RateLimitConfig struct {
	Interval time.Duration `yaml:"interval"`
	Capacity float64       `yaml:"capacity"`
	MaxQueue int           `yaml:"max_queue"` // Callers allowed to wait; further ones fail
}

// StreamConfig holds WebSocket connection settings.
type StreamConfig struct {
	HandshakeTimeout     time.Duration   `yaml:"handshake_timeout"`
	PingInterval         time.Duration   `yaml:"ping_interval"`
	PingTimeout          time.Duration   `yaml:"ping_timeout"`
	WriteTimeout         time.Duration   `yaml:"write_timeout"`
	BufferSize           int             `yaml:"buffer_size"`
	ReconnectMinDelay    time.Duration   `yaml:"reconnect_min_delay"`
	ReconnectMaxDelay    time.Duration   `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int             `yaml:"max_reconnect_attempts"` // < 0 = unlimited
	CloseTimeout         time.Duration   `yaml:"close_timeout"`
	SubscribeCost        float64         `yaml:"subscribe_cost"`
	RateLimit            RateLimitConfig `yaml:"rate_limit"`
}

// OrderBookConfig holds reconciler settings and the symbols to stream.
type OrderBookConfig struct {
	Symbols    []string `yaml:"symbols"` // Unified form, e.g. "BTC/USD"
	CacheSize  int      `yaml:"cache_size"`
	MaxRetries int      `yaml:"max_retries"`
	Depth      int      `yaml:"depth"` // 0 = full book
}

// PaginationConfig holds trade backfill settings.
type PaginationConfig struct {
	Strategy             string        `yaml:"strategy"`  // deterministic, cursor, incremental, dynamic
	Direction            string        `yaml:"direction"` // dynamic only: backward or forward
	MaxCalls             int           `yaml:"max_calls"`
	MaxRetries           int           `yaml:"max_retries"`
	MaxEntriesPerRequest int           `yaml:"max_entries_per_request"`
	Concurrency          int           `yaml:"concurrency"`
	Step                 time.Duration `yaml:"step"` // Time covered by one entry
	CursorIncrement      int64         `yaml:"cursor_increment"`
}

// DatabaseConfig holds the optional TimescaleDB sink.
type DatabaseConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WritersConfig holds batch writer settings.
type WritersConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// PollerConfig holds the book audit schedule.
type PollerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Schedule    string        `yaml:"schedule"` // Cron expression or @every descriptor
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LoggingConfig selects the slog handler and optional rotating log file.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`   // Empty = stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig holds the health/introspection HTTP server settings.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}
