package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/robfig/cron/v3"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := validateURL("api.rest_url", c.API.RestURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("api.ws_url", c.API.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if c.API.KeyID != "" && c.API.PrivateKeyPath == "" {
		return errors.New("api.private_key_path is required when api.key_id is set")
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}
	if err := c.API.RateLimit.validate("api.rate_limit"); err != nil {
		return err
	}

	if c.Stream.BufferSize < 1 {
		return errors.New("stream.buffer_size must be >= 1")
	}
	if c.Stream.ReconnectMinDelay > c.Stream.ReconnectMaxDelay {
		return fmt.Errorf("stream.reconnect_min_delay (%v) cannot exceed reconnect_max_delay (%v)",
			c.Stream.ReconnectMinDelay, c.Stream.ReconnectMaxDelay)
	}
	if c.Stream.PingInterval > 0 && c.Stream.PingTimeout <= c.Stream.PingInterval {
		return fmt.Errorf("stream.ping_timeout (%v) must exceed ping_interval (%v)",
			c.Stream.PingTimeout, c.Stream.PingInterval)
	}
	if c.Stream.SubscribeCost > c.Stream.RateLimit.Capacity {
		return fmt.Errorf("stream.subscribe_cost (%g) cannot exceed rate_limit.capacity (%g)",
			c.Stream.SubscribeCost, c.Stream.RateLimit.Capacity)
	}
	if err := c.Stream.RateLimit.validate("stream.rate_limit"); err != nil {
		return err
	}

	if len(c.OrderBook.Symbols) == 0 {
		return errors.New("orderbook.symbols must list at least one symbol")
	}
	if c.OrderBook.CacheSize < 1 {
		return errors.New("orderbook.cache_size must be >= 1")
	}
	if c.OrderBook.MaxRetries < 1 {
		return errors.New("orderbook.max_retries must be >= 1")
	}
	if c.OrderBook.Depth < 0 {
		return errors.New("orderbook.depth must be >= 0")
	}

	if _, _, err := c.Pagination.Options(); err != nil {
		return fmt.Errorf("pagination: %w", err)
	}
	if c.Pagination.MaxCalls < 1 {
		return errors.New("pagination.max_calls must be >= 1")
	}
	if c.Pagination.MaxEntriesPerRequest < 1 {
		return errors.New("pagination.max_entries_per_request must be >= 1")
	}

	if c.Database.Enabled {
		if err := c.Database.Timescale.validate("database.timescale"); err != nil {
			return err
		}
		if c.Writers.BatchSize < 1 {
			return errors.New("writers.batch_size must be >= 1")
		}
		if c.Writers.BufferSize < 1 {
			return errors.New("writers.buffer_size must be >= 1")
		}
	}

	if c.Poller.Enabled {
		if _, err := cron.ParseStandard(c.Poller.Schedule); err != nil {
			return fmt.Errorf("poller.schedule %q: %w", c.Poller.Schedule, err)
		}
		if c.Poller.Concurrency < 1 {
			return errors.New("poller.concurrency must be >= 1")
		}
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Health.Enabled && (c.Health.Port < 1 || c.Health.Port > 65535) {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be a %v URL, got %q", field, schemes, raw)
}

func (r RateLimitConfig) validate(prefix string) error {
	if r.Interval < 0 {
		return fmt.Errorf("%s.interval must be >= 0", prefix)
	}
	if r.Capacity < 1 {
		return fmt.Errorf("%s.capacity must be >= 1", prefix)
	}
	if r.MaxQueue < 1 {
		return fmt.Errorf("%s.max_queue must be >= 1", prefix)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
