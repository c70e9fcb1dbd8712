// Package stream is the entry point for market data consumers. A Service owns
// the connection registry, the order book reconciler and the REST trade
// source, and exposes watch calls that block until the next update for a
// topic arrives.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/marketstream/internal/api"
	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/orderbook"
	"github.com/rickgao/marketstream/internal/paginate"
	"github.com/rickgao/marketstream/internal/protocol"
	"github.com/rickgao/marketstream/internal/ratelimit"
)

// ErrClosed is returned by calls on a closed Service.
var ErrClosed = errors.New("stream service closed")

// TradeSource fetches one page of historical trades. *api.Client implements it.
type TradeSource interface {
	GetTrades(ctx context.Context, symbol string, q api.TradesQuery) (api.TradesPage, error)
}

// Config configures a Service.
type Config struct {
	URL           string            // Stream endpoint
	Connection    connection.Config // Per-connection settings
	SubscribeCost float64           // Limiter cost of one subscribe frame
	Pagination    paginate.Options  // Trade backfill options
	Strategy      paginate.Strategy // Trade backfill strategy
}

// Service multiplexes watch calls over the registry's connections.
type Service struct {
	cfg      Config
	registry *connection.Registry
	books    *orderbook.Reconciler
	trades   TradeSource
	fetcher  *paginate.Fetcher[model.Trade]
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Service. trades may be nil when FetchTrades is not used.
func New(cfg Config, registry *connection.Registry, books *orderbook.Reconciler, trades TradeSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubscribeCost <= 0 {
		cfg.SubscribeCost = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		registry: registry,
		books:    books,
		trades:   trades,
		fetcher:  paginate.New(cfg.Pagination, tradeKey, logger),
		limiter:  ratelimit.New(cfg.Connection.RateLimit),
		logger:   logger.With("component", "stream"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func tradeKey(t model.Trade) paginate.Key {
	return paginate.Key{ID: t.ID, Timestamp: t.Timestamp, Cursor: t.Cursor}
}

// conn returns the connection for the configured endpoint. Every connection
// it creates shares the service's limiter and routes book frames to the
// reconciler.
func (s *Service) conn() (*connection.Conn, error) {
	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}
	return s.registry.Get(s.cfg.URL,
		connection.WithConfig(s.cfg.Connection),
		connection.WithLimiter(s.limiter),
		connection.WithBookSink(s.books),
	), nil
}

// WatchOrderBook subscribes to symbol's book and returns the next
// synchronized view. The first call fetches a REST snapshot once the
// subscribe frame is on the wire.
func (s *Service) WatchOrderBook(ctx context.Context, symbol string) (orderbook.Snapshot, error) {
	c, err := s.conn()
	if err != nil {
		return orderbook.Snapshot{}, err
	}
	topic := protocol.Topic(protocol.ChannelOrderBook, symbol)
	msg, err := protocol.SubscribeFrame(protocol.ChannelOrderBook, symbol)
	if err != nil {
		return orderbook.Snapshot{}, fmt.Errorf("watch order book %s: %w", symbol, err)
	}

	s.books.Track(symbol, topic, c)
	call := c.Subscribe(connection.SubscribeRequest{
		Topic:        topic,
		Message:      msg,
		Cost:         s.cfg.SubscribeCost,
		OnSubscribed: func() { s.loadSnapshot(symbol) },
	})
	// A book torn down after resync exhaustion is tracked again here while
	// the venue subscription is still live, so no hook will fire for it.
	if c.Subscribed(topic) && s.books.State(symbol) != orderbook.StatusSynchronized {
		s.loadSnapshot(symbol)
	}

	v, err := call.Await(ctx)
	if err != nil {
		return orderbook.Snapshot{}, err
	}
	snap, ok := v.(orderbook.Snapshot)
	if !ok {
		return orderbook.Snapshot{}, fmt.Errorf("watch order book %s: unexpected value %T", symbol, v)
	}
	return snap, nil
}

func (s *Service) loadSnapshot(symbol string) {
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.books.LoadSnapshot(s.ctx, symbol); err != nil && s.ctx.Err() == nil {
			s.logger.Warn("order book snapshot failed", "symbol", symbol, "error", err)
		}
	}()
}

// Watch subscribes to a channel of symbol and returns its next value.
func (s *Service) Watch(ctx context.Context, channel, symbol string) (any, error) {
	if channel == protocol.ChannelOrderBook {
		return s.WatchOrderBook(ctx, symbol)
	}
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	msg, err := protocol.SubscribeFrame(channel, symbol)
	if err != nil {
		return nil, fmt.Errorf("watch %s %s: %w", channel, symbol, err)
	}
	return c.Subscribe(connection.SubscribeRequest{
		Topic:   protocol.Topic(channel, symbol),
		Message: msg,
		Cost:    s.cfg.SubscribeCost,
	}).Await(ctx)
}

// WatchTicker returns the next ticker of symbol.
func (s *Service) WatchTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	v, err := s.Watch(ctx, protocol.ChannelTicker, symbol)
	if err != nil {
		return model.Ticker{}, err
	}
	t, ok := v.(model.Ticker)
	if !ok {
		return model.Ticker{}, fmt.Errorf("watch ticker %s: unexpected value %T", symbol, v)
	}
	return t, nil
}

// WatchTrades returns the next batch of trades of symbol.
func (s *Service) WatchTrades(ctx context.Context, symbol string) ([]model.Trade, error) {
	v, err := s.Watch(ctx, protocol.ChannelTrades, symbol)
	if err != nil {
		return nil, err
	}
	t, ok := v.([]model.Trade)
	if !ok {
		return nil, fmt.Errorf("watch trades %s: unexpected value %T", symbol, v)
	}
	return t, nil
}

// Unwatch drops the subscription to a channel of symbol. Waiting callers are
// rejected with connection.ErrUnsubscribed.
func (s *Service) Unwatch(ctx context.Context, channel, symbol string) error {
	if channel == protocol.ChannelOrderBook {
		s.books.Untrack(symbol)
	}
	c, ok := s.registry.Lookup(s.cfg.URL)
	if !ok {
		return nil
	}
	msg, err := protocol.UnsubscribeFrame(channel, symbol)
	if err != nil {
		return fmt.Errorf("unwatch %s %s: %w", channel, symbol, err)
	}
	return c.Unsubscribe(ctx, protocol.Topic(channel, symbol), msg)
}

// Book returns the current synchronized book of symbol without waiting.
func (s *Service) Book(symbol string) (orderbook.Snapshot, bool) {
	return s.books.Book(symbol)
}

// Symbols returns the symbols with tracked books.
func (s *Service) Symbols() []string {
	return s.books.Symbols()
}

// Resync drops symbol's book and loads a fresh snapshot.
func (s *Service) Resync(ctx context.Context, symbol string) error {
	if !s.books.Reset(symbol) {
		return fmt.Errorf("resync %s: %w", symbol, orderbook.ErrNotTracked)
	}
	return s.books.LoadSnapshot(ctx, symbol)
}

// FetchTrades backfills trades of symbol from since, at most limit of them
// (0 = no limit), using the configured pagination strategy.
func (s *Service) FetchTrades(ctx context.Context, symbol string, since int64, limit int) ([]model.Trade, error) {
	if s.trades == nil {
		return nil, errors.New("fetch trades: no trade source configured")
	}
	fetch := func(ctx context.Context, req paginate.Request) ([]model.Trade, error) {
		page, err := s.trades.GetTrades(ctx, req.Params["symbol"], api.TradesQuery{
			Since:  req.Since,
			Until:  req.Until,
			Limit:  req.Limit,
			Cursor: req.Cursor,
			Page:   req.Page,
		})
		if err != nil {
			return nil, err
		}
		return page.Trades, nil
	}
	trades, err := s.fetcher.FetchAll(ctx, s.cfg.Strategy, fetch, since, limit, map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("fetch trades %s (%s): %w", symbol, s.cfg.Strategy, err)
	}
	return trades, nil
}

// Stats is a point-in-time view of the service.
type Stats struct {
	Connections []connection.Stats
	Books       orderbook.Stats
	Tokens      float64
	Waiting     int
}

// Stats returns connection and book counters.
func (s *Service) Stats() Stats {
	return Stats{
		Connections: s.registry.Stats(),
		Books:       s.books.Stats(),
		Tokens:      s.limiter.Tokens(),
		Waiting:     s.limiter.Waiting(),
	}
}

// Close closes every connection, aborts the reconciler's snapshot loads and
// waits for them to stop.
func (s *Service) Close(ctx context.Context) error {
	s.cancel()
	s.books.Close()
	err := s.registry.CloseAll(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}
