// streamtest connects to the venue stream and prints reconciled books,
// tickers and trades to the console.
// Usage: go run ./cmd/streamtest --config configs/streamer.yaml --symbols BTC/USD
//
// Credentials are optional; when api.key_id is set the handshake is signed
// with the key at api.private_key_path.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"

	"github.com/rickgao/marketstream/internal/api"
	"github.com/rickgao/marketstream/internal/auth"
	"github.com/rickgao/marketstream/internal/buffer"
	"github.com/rickgao/marketstream/internal/config"
	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/orderbook"
	"github.com/rickgao/marketstream/internal/protocol"
	"github.com/rickgao/marketstream/internal/stream"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	configPath := flag.String("config", "configs/streamer.example.yaml", "path to config file")
	symbols := flag.String("symbols", "", "comma-separated symbols (default: orderbook.symbols)")
	verbose := flag.Bool("verbose", false, "print full JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	_ = godotenv.Load()
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	list := cfg.OrderBook.Symbols
	if *symbols != "" {
		list = strings.Split(*symbols, ",")
	}
	if len(list) == 0 {
		logger.Error("no symbols: set orderbook.symbols or --symbols")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var header connection.HeaderFunc
	clientOpts := append(cfg.API.ClientOptions(), api.WithLogger(logger))
	if cfg.API.KeyID != "" {
		creds, err := auth.LoadCredentials(cfg.API.KeyID, cfg.API.PrivateKeyPath)
		if err != nil {
			logger.Error("failed to load credentials", "error", err)
			os.Exit(1)
		}
		clientOpts = append(clientOpts, api.WithSigner(creds))
		header = creds.WebSocketHeader
		logger.Info("using API credentials", "key_id", creds.KeyID)
	}
	client := api.NewClient(cfg.API.RestURL, clientOpts...)

	books := orderbook.NewReconciler(cfg.OrderBook.Reconciler(), client.SnapshotFetcher(cfg.OrderBook.Depth), nil, logger)
	registry := connection.NewRegistry(connection.NewWebSocketDialer(cfg.Stream.Transport(), header, logger), protocol.NewCodec(), logger)
	svc := stream.New(stream.Config{
		URL:           cfg.API.WSURL,
		Connection:    cfg.Stream.Connection(),
		SubscribeCost: cfg.Stream.SubscribeCost,
	}, registry, books, nil, logger)

	// Console lines; the oldest are dropped if the terminal falls behind.
	lines := buffer.NewBounded[string](1000)
	go func() {
		for {
			line, ok := lines.Receive()
			if !ok {
				return
			}
			fmt.Println(line)
		}
	}()

	for _, symbol := range list {
		symbol = strings.TrimSpace(symbol)
		go watch(ctx, lines, logger, "orderbook", symbol, func(ctx context.Context) (string, error) {
			b, err := svc.WatchOrderBook(ctx, symbol)
			if err != nil {
				return "", err
			}
			if *verbose {
				return marshal("ORDERBOOK", b), nil
			}
			bid, ask := "-", "-"
			if len(b.Bids) > 0 {
				bid = b.Bids[0].Price.String()
			}
			if len(b.Asks) > 0 {
				ask = b.Asks[0].Price.String()
			}
			return fmt.Sprintf("[ORDERBOOK] symbol=%s seq=%d bid=%s ask=%s levels=%d/%d",
				b.Symbol, b.Sequence, bid, ask, len(b.Bids), len(b.Asks)), nil
		})
		go watch(ctx, lines, logger, "ticker", symbol, func(ctx context.Context) (string, error) {
			t, err := svc.WatchTicker(ctx, symbol)
			if err != nil {
				return "", err
			}
			if *verbose {
				return marshal("TICKER", t), nil
			}
			return fmt.Sprintf("[TICKER] symbol=%s bid=%s ask=%s last=%s spread=%s",
				t.Symbol, t.Bid, t.Ask, t.Last, t.Spread()), nil
		})
		go watch(ctx, lines, logger, "trades", symbol, func(ctx context.Context) (string, error) {
			trades, err := svc.WatchTrades(ctx, symbol)
			if err != nil {
				return "", err
			}
			if *verbose {
				return marshal("TRADES", trades), nil
			}
			var sb strings.Builder
			for i, t := range trades {
				if i > 0 {
					sb.WriteByte('\n')
				}
				fmt.Fprintf(&sb, "[TRADE] symbol=%s id=%s price=%s amount=%s side=%s",
					t.Symbol, t.ID, t.Price, t.Amount, t.Side)
			}
			return sb.String(), nil
		})
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := svc.Stats()
				buf := lines.Stats()
				logger.Info("stats",
					"connections", len(s.Connections),
					"books_tracked", s.Books.Tracked,
					"books_synced", s.Books.Synchronized,
					"resyncs", s.Books.Resyncs,
					"tokens", s.Tokens,
					"console_dropped", buf.Dropped,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop", "symbols", list)

	// Wait for shutdown
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down...")
	if err := svc.Close(shutdownCtx); err != nil {
		logger.Warn("close failed", "error", err)
	}
	lines.Close()
	logger.Info("shutdown complete")
}

func watch(ctx context.Context, out *buffer.Ring[string], logger *slog.Logger, channel, symbol string, next func(context.Context) (string, error)) {
	for ctx.Err() == nil {
		line, err := next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, stream.ErrClosed) {
				return
			}
			logger.Warn("watch failed", "channel", channel, "symbol", symbol, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		out.Send(line)
	}
}

func marshal(tag string, v any) string {
	data, _ := json.MarshalIndent(v, "", "  ")
	return fmt.Sprintf("[%s] %s", tag, data)
}
