package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rickgao/marketstream/internal/api"
	"github.com/rickgao/marketstream/internal/auth"
	"github.com/rickgao/marketstream/internal/config"
	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/database"
	"github.com/rickgao/marketstream/internal/logging"
	"github.com/rickgao/marketstream/internal/orderbook"
	"github.com/rickgao/marketstream/internal/poller"
	"github.com/rickgao/marketstream/internal/protocol"
	"github.com/rickgao/marketstream/internal/stream"
	"github.com/rickgao/marketstream/internal/version"
	"github.com/rickgao/marketstream/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/streamer.yaml", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("starting streamer",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"symbols", len(cfg.OrderBook.Symbols),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("streamer failed", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
	logger.Info("streamer stopped")
}

// sinks holds the optional database writers.
type sinks struct {
	books   *writer.BookWriter
	tickers *writer.TickerWriter
	trades  *writer.TradeWriter
	ping    func(context.Context) error
	close   func()
}

func (s *sinks) stats() map[string]writer.Metrics {
	return map[string]writer.Metrics{
		"book":   s.books.Stats(),
		"ticker": s.tickers.Stats(),
		"trade":  s.trades.Stats(),
	}
}

func (s *sinks) stop(ctx context.Context, logger *slog.Logger) {
	if s == nil {
		return
	}
	for name, stop := range map[string]func(context.Context) error{
		"book":   s.books.Stop,
		"ticker": s.tickers.Stop,
		"trade":  s.trades.Stop,
	} {
		if err := stop(ctx); err != nil {
			logger.Warn("writer stop failed", "writer", name, "error", err)
		}
	}
	s.close()
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// REST client and stream handshake credentials
	clientOpts := append(cfg.API.ClientOptions(), api.WithLogger(logger))
	var header connection.HeaderFunc
	if cfg.API.KeyID != "" {
		creds, err := auth.LoadCredentials(cfg.API.KeyID, cfg.API.PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
		clientOpts = append(clientOpts, api.WithSigner(creds))
		header = creds.WebSocketHeader
	}
	client := api.NewClient(cfg.API.RestURL, clientOpts...)

	var (
		out      *sinks
		listener orderbook.Listener
	)
	if cfg.Database.Enabled {
		var err error
		out, err = openSinks(ctx, cfg, logger)
		if err != nil {
			return err
		}
		listener = out.books
	}

	books := orderbook.NewReconciler(cfg.OrderBook.Reconciler(), client.SnapshotFetcher(cfg.OrderBook.Depth), listener, logger)
	dialer := connection.NewWebSocketDialer(cfg.Stream.Transport(), header, logger)
	registry := connection.NewRegistry(dialer, protocol.NewCodec(), logger)

	pagination, strategy, err := cfg.Pagination.Options()
	if err != nil {
		return err
	}
	svc := stream.New(stream.Config{
		URL:           cfg.API.WSURL,
		Connection:    cfg.Stream.Connection(),
		SubscribeCost: cfg.Stream.SubscribeCost,
		Pagination:    pagination,
		Strategy:      strategy,
	}, registry, books, client, logger)

	// Watch loops
	backoff := connection.Backoff{Min: cfg.Stream.ReconnectMinDelay, Max: cfg.Stream.ReconnectMaxDelay}
	var wg sync.WaitGroup
	for _, symbol := range cfg.OrderBook.Symbols {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchLoop(ctx, "orderbook", symbol, backoff, logger, func(ctx context.Context) error {
				_, err := svc.WatchOrderBook(ctx, symbol)
				return err
			})
		}()

		if out == nil {
			continue
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			watchLoop(ctx, "ticker", symbol, backoff, logger, func(ctx context.Context) error {
				t, err := svc.WatchTicker(ctx, symbol)
				if err == nil {
					out.tickers.Add(t)
				}
				return err
			})
		}()
		go func() {
			defer wg.Done()
			watchLoop(ctx, "trades", symbol, backoff, logger, func(ctx context.Context) error {
				trades, err := svc.WatchTrades(ctx, symbol)
				if err == nil {
					out.trades.Add(trades...)
				}
				return err
			})
		}()
	}

	var audit *poller.Poller
	if cfg.Poller.Enabled {
		audit = poller.New(poller.Config{
			Schedule:    cfg.Poller.Schedule,
			Concurrency: cfg.Poller.Concurrency,
			Timeout:     cfg.Poller.Timeout,
			Depth:       cfg.OrderBook.Depth,
		}, client, svc, logger)
		if err := audit.Start(ctx); err != nil {
			return err
		}
	}

	var healthServer *http.Server
	if cfg.Health.Enabled {
		h := &health{cfg: cfg, svc: svc, audit: audit, sinks: out}
		healthServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
			Handler:           h.router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("starting health server", "port", cfg.Health.Port, "path", cfg.Health.Path)
			if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server error", "error", err)
			}
		}()
	}

	logger.Info("streamer running", "ws_url", cfg.API.WSURL)

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if healthServer != nil {
		_ = healthServer.Shutdown(shutdownCtx)
	}
	if audit != nil {
		if err := audit.Stop(shutdownCtx); err != nil {
			logger.Warn("auditor stop failed", "error", err)
		}
	}
	if err := svc.Close(shutdownCtx); err != nil {
		logger.Warn("stream close failed", "error", err)
	}
	wg.Wait()
	out.stop(shutdownCtx, logger)
	return nil
}

func openSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sinks, error) {
	db := cfg.Database.Timescale
	logger.Info("connecting to database", "host", db.Host, "port", db.Port, "database", db.Name)

	pool, err := database.Connect(ctx, db, "marketstream-"+cfg.Instance.ID)
	if err != nil {
		return nil, fmt.Errorf("connect timescale: %w", err)
	}
	if err := database.EnsureSchema(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}

	wcfg := writer.Config{
		BatchSize:     cfg.Writers.BatchSize,
		FlushInterval: cfg.Writers.FlushInterval,
		BufferSize:    cfg.Writers.BufferSize,
	}
	s := &sinks{
		books:   writer.NewBookWriter(wcfg, pool, logger),
		tickers: writer.NewTickerWriter(wcfg, pool, logger),
		trades:  writer.NewTradeWriter(wcfg, pool, logger),
		ping:    pool.Ping,
		close:   pool.Close,
	}
	// Writers outlive the signal context so Stop can flush after it fires.
	for _, start := range []func(context.Context) error{s.books.Start, s.tickers.Start, s.trades.Start} {
		if err := start(context.WithoutCancel(ctx)); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// watchLoop calls watch until ctx is done, backing off after consecutive
// failures. Each successful call resets the backoff.
func watchLoop(ctx context.Context, channel, symbol string, backoff connection.Backoff, logger *slog.Logger, watch func(context.Context) error) {
	logger = logger.With("channel", channel, "symbol", symbol)
	failures := 0
	for ctx.Err() == nil {
		err := watch(ctx)
		switch {
		case err == nil:
			failures = 0
			continue
		case ctx.Err() != nil, errors.Is(err, stream.ErrClosed):
			return
		}

		failures++
		delay := backoff.Next(failures)
		logger.Warn("watch failed", "error", err, "attempt", failures, "retry_in", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
