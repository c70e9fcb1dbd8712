package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rickgao/marketstream/internal/api"
	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/orderbook"
	"github.com/rickgao/marketstream/internal/paginate"
	"github.com/rickgao/marketstream/internal/ratelimit"
)

// Limiter returns the token bucket settings.
func (r RateLimitConfig) Limiter() ratelimit.Config {
	cfg := ratelimit.FromInterval(r.Interval, r.Capacity)
	cfg.MaxQueue = r.MaxQueue
	return cfg
}

// ClientOptions returns the REST client options, without a signer.
func (a APIConfig) ClientOptions() []api.ClientOption {
	return []api.ClientOption{
		api.WithTimeout(a.Timeout),
		api.WithRetries(a.MaxRetries, time.Second),
		api.WithLimiter(ratelimit.New(a.RateLimit.Limiter())),
	}
}

// Connection returns the per-connection settings.
func (s StreamConfig) Connection() connection.Config {
	cfg := connection.DefaultConfig()
	cfg.RateLimit = s.RateLimit.Limiter()
	cfg.Backoff.Min = s.ReconnectMinDelay
	cfg.Backoff.Max = s.ReconnectMaxDelay
	cfg.MaxReconnectAttempts = max(s.MaxReconnectAttempts, 0)
	cfg.CloseTimeout = s.CloseTimeout
	return cfg
}

// Transport returns the WebSocket transport settings.
func (s StreamConfig) Transport() connection.TransportConfig {
	return connection.TransportConfig{
		HandshakeTimeout: s.HandshakeTimeout,
		PingInterval:     s.PingInterval,
		PingTimeout:      s.PingTimeout,
		WriteTimeout:     s.WriteTimeout,
		BufferSize:       s.BufferSize,
	}
}

// Reconciler returns the order book reconciler settings.
func (o OrderBookConfig) Reconciler() orderbook.Config {
	return orderbook.Config{
		CacheSize:  o.CacheSize,
		MaxRetries: o.MaxRetries,
		Depth:      o.Depth,
	}
}

// Options returns the pagination options and strategy.
func (p PaginationConfig) Options() (paginate.Options, paginate.Strategy, error) {
	strategy, err := paginate.ParseStrategy(p.Strategy)
	if err != nil {
		return paginate.Options{}, 0, err
	}

	opts := paginate.Options{
		MaxCalls:             p.MaxCalls,
		MaxRetries:           p.MaxRetries,
		MaxEntriesPerRequest: p.MaxEntriesPerRequest,
		Step:                 p.Step,
		Concurrency:          p.Concurrency,
		CursorIncrement:      p.CursorIncrement,
	}
	switch strings.ToLower(p.Direction) {
	case "", "backward":
		opts.Direction = paginate.Backward
	case "forward":
		opts.Direction = paginate.Forward
	default:
		return paginate.Options{}, 0, fmt.Errorf("unknown direction %q", p.Direction)
	}
	return opts, strategy, nil
}

// SlogLevel parses Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, err
	}
	return level, nil
}
