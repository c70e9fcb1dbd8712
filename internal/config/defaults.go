package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL          = "https://api.marketstream.example/v1"
	DefaultWSURL            = "wss://stream.marketstream.example/v1"
	DefaultAPITimeout       = 30 * time.Second
	DefaultMaxRetries       = 3
	DefaultRESTInterval     = 50 * time.Millisecond
	DefaultStreamInterval   = 50 * time.Millisecond
	DefaultRateCapacity     = 1
	DefaultRateMaxQueue     = 1000
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultPingTimeout      = 60 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultStreamBuffer     = 1000
	DefaultReconnectMin     = 250 * time.Millisecond
	DefaultReconnectMax     = 30 * time.Second
	DefaultReconnectTries   = 10
	DefaultCloseTimeout     = 5 * time.Second
	DefaultSubscribeCost    = 1
	DefaultBookCacheSize    = 1000
	DefaultSnapshotRetries  = 3
	DefaultStrategy         = "deterministic"
	DefaultDirection        = "backward"
	DefaultMaxCalls         = 10
	DefaultPageRetries      = 3
	DefaultMaxEntries       = 1000
	DefaultPageStep         = time.Minute
	DefaultPageConcurrency  = 4
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultMaxConns         = 10
	DefaultMinConns         = 2
	DefaultBatchSize        = 1000
	DefaultFlushInterval    = 1 * time.Second
	DefaultBufferSize       = 10000
	DefaultPollSchedule     = "@every 15m"
	DefaultPollConcurrency  = 10
	DefaultPollTimeout      = 10 * time.Second
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultLogMaxSizeMB     = 100
	DefaultLogMaxBackups    = 5
	DefaultLogMaxAgeDays    = 30
	DefaultHealthPort       = 8080
	DefaultHealthPath       = "/healthz"
)

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.WSURL == "" {
		c.API.WSURL = DefaultWSURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}
	applyRateDefaults(&c.API.RateLimit, DefaultRESTInterval)

	// Stream defaults
	s := &c.Stream
	if s.HandshakeTimeout == 0 {
		s.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if s.PingInterval == 0 {
		s.PingInterval = DefaultPingInterval
	}
	if s.PingTimeout == 0 {
		s.PingTimeout = DefaultPingTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.BufferSize == 0 {
		s.BufferSize = DefaultStreamBuffer
	}
	if s.ReconnectMinDelay == 0 {
		s.ReconnectMinDelay = DefaultReconnectMin
	}
	if s.ReconnectMaxDelay == 0 {
		s.ReconnectMaxDelay = DefaultReconnectMax
	}
	if s.MaxReconnectAttempts == 0 {
		s.MaxReconnectAttempts = DefaultReconnectTries
	}
	if s.CloseTimeout == 0 {
		s.CloseTimeout = DefaultCloseTimeout
	}
	if s.SubscribeCost == 0 {
		s.SubscribeCost = DefaultSubscribeCost
	}
	applyRateDefaults(&s.RateLimit, DefaultStreamInterval)

	// Order book defaults
	if c.OrderBook.CacheSize == 0 {
		c.OrderBook.CacheSize = DefaultBookCacheSize
	}
	if c.OrderBook.MaxRetries == 0 {
		c.OrderBook.MaxRetries = DefaultSnapshotRetries
	}

	// Pagination defaults
	p := &c.Pagination
	if p.Strategy == "" {
		p.Strategy = DefaultStrategy
	}
	if p.Direction == "" {
		p.Direction = DefaultDirection
	}
	if p.MaxCalls == 0 {
		p.MaxCalls = DefaultMaxCalls
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultPageRetries
	}
	if p.MaxEntriesPerRequest == 0 {
		p.MaxEntriesPerRequest = DefaultMaxEntries
	}
	if p.Step == 0 {
		p.Step = DefaultPageStep
	}
	if p.Concurrency == 0 {
		p.Concurrency = DefaultPageConcurrency
	}

	// Database defaults
	applyDBDefaults(&c.Database.Timescale)

	// Writers defaults
	if c.Writers.BatchSize == 0 {
		c.Writers.BatchSize = DefaultBatchSize
	}
	if c.Writers.FlushInterval == 0 {
		c.Writers.FlushInterval = DefaultFlushInterval
	}
	if c.Writers.BufferSize == 0 {
		c.Writers.BufferSize = DefaultBufferSize
	}

	// Poller defaults
	if c.Poller.Schedule == "" {
		c.Poller.Schedule = DefaultPollSchedule
	}
	if c.Poller.Concurrency == 0 {
		c.Poller.Concurrency = DefaultPollConcurrency
	}
	if c.Poller.Timeout == 0 {
		c.Poller.Timeout = DefaultPollTimeout
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = DefaultLogMaxAgeDays
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Health.Path == "" {
		c.Health.Path = DefaultHealthPath
	}
}

func applyRateDefaults(r *RateLimitConfig, interval time.Duration) {
	if r.Interval == 0 {
		r.Interval = interval
	}
	if r.Capacity == 0 {
		r.Capacity = DefaultRateCapacity
	}
	if r.MaxQueue == 0 {
		r.MaxQueue = DefaultRateMaxQueue
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
