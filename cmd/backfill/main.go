// backfill fetches historical trades over REST using the configured
// pagination strategy and writes them to TimescaleDB, or to stdout as JSON
// lines when the database is disabled.
//
// Usage:
//
//	go run ./cmd/backfill --config configs/streamer.yaml --since 24h --symbols BTC/USD,ETH/USD
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
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
	"github.com/rickgao/marketstream/internal/config"
	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/database"
	"github.com/rickgao/marketstream/internal/logging"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/orderbook"
	"github.com/rickgao/marketstream/internal/paginate"
	"github.com/rickgao/marketstream/internal/protocol"
	"github.com/rickgao/marketstream/internal/stream"
	"github.com/rickgao/marketstream/internal/version"
	"github.com/rickgao/marketstream/internal/writer"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	configPath := flag.String("config", "configs/streamer.yaml", "path to config file")
	symbols := flag.String("symbols", "", "comma-separated symbols (default: orderbook.symbols)")
	since := flag.String("since", "24h", "start time: RFC3339 timestamp or a duration before now")
	limit := flag.Int("limit", 0, "max trades per symbol, 0 = all")
	strategy := flag.String("strategy", "", "override pagination.strategy")
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
	if *strategy != "" {
		cfg.Pagination.Strategy = *strategy
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	sinceMs, err := parseSince(*since, time.Now())
	if err != nil {
		logger.Error("invalid --since", "error", err)
		os.Exit(1)
	}
	list := cfg.OrderBook.Symbols
	if *symbols != "" {
		list = strings.Split(*symbols, ",")
	}

	logger.Info("starting backfill",
		"version", version.Version,
		"symbols", list,
		"since", model.FromMillis(sinceMs),
		"strategy", cfg.Pagination.Strategy,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, list, sinceMs, *limit, logger); err != nil {
		logger.Error("backfill failed", "error", err)
		stop()
		logCloser.Close()
		os.Exit(1)
	}
}

// parseSince accepts an RFC3339 timestamp or a duration before now.
func parseSince(s string, now time.Time) (int64, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("duration %q must be positive", s)
		}
		return model.Millis(now.Add(-d)), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("%q is neither a duration nor an RFC3339 time", s)
	}
	return model.Millis(t), nil
}

// tradeSink receives each symbol's trades.
type tradeSink func(ctx context.Context, trades []model.Trade) (int64, error)

func jsonLines(w io.Writer) tradeSink {
	enc := json.NewEncoder(w)
	return func(_ context.Context, trades []model.Trade) (int64, error) {
		for _, t := range trades {
			if err := enc.Encode(tradeLine{
				ID:        t.ID,
				Symbol:    t.Symbol,
				Timestamp: t.Timestamp,
				Price:     t.Price.String(),
				Amount:    t.Amount.String(),
				Side:      t.Side,
			}); err != nil {
				return 0, err
			}
		}
		return int64(len(trades)), nil
	}
}

type tradeLine struct {
	ID        string `json:"id"`
	Symbol    string `json:"symbol"`
	Timestamp int64  `json:"timestamp"`
	Price     string `json:"price"`
	Amount    string `json:"amount"`
	Side      string `json:"side"`
}

func run(ctx context.Context, cfg *config.Config, symbols []string, since int64, limit int, logger *slog.Logger) error {
	clientOpts := append(cfg.API.ClientOptions(), api.WithLogger(logger))
	if cfg.API.KeyID != "" {
		creds, err := auth.LoadCredentials(cfg.API.KeyID, cfg.API.PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
		clientOpts = append(clientOpts, api.WithSigner(creds))
	}
	client := api.NewClient(cfg.API.RestURL, clientOpts...)

	pagination, strategy, err := cfg.Pagination.Options()
	if err != nil {
		return err
	}
	// No stream is opened: the registry stays empty.
	registry := connection.NewRegistry(connection.NewWebSocketDialer(cfg.Stream.Transport(), nil, logger), protocol.NewCodec(), logger)
	books := orderbook.NewReconciler(cfg.OrderBook.Reconciler(), client.SnapshotFetcher(cfg.OrderBook.Depth), nil, logger)
	svc := stream.New(stream.Config{
		URL:        cfg.API.WSURL,
		Connection: cfg.Stream.Connection(),
		Pagination: pagination,
		Strategy:   strategy,
	}, registry, books, client, logger)
	defer svc.Close(context.Background())

	sink := jsonLines(os.Stdout)
	if cfg.Database.Enabled {
		pool, err := database.Connect(ctx, cfg.Database.Timescale, "marketstream-backfill-"+cfg.Instance.ID)
		if err != nil {
			return fmt.Errorf("connect timescale: %w", err)
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool, logger); err != nil {
			return err
		}
		trades := writer.NewTradeWriter(writer.Config{BatchSize: cfg.Writers.BatchSize}, pool, logger)
		sink = trades.Write
	}

	var errs []error
	for _, symbol := range symbols {
		symbol = strings.TrimSpace(symbol)
		start := time.Now()

		trades, err := svc.FetchTrades(ctx, symbol, since, limit)
		if err != nil {
			if errors.Is(err, paginate.ErrTooManyCalls) {
				logger.Error("range too large for pagination.max_calls", "symbol", symbol, "error", err)
			}
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		written, err := sink(ctx, trades)
		if err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", symbol, err))
		}
		logger.Info("symbol backfilled",
			"symbol", symbol,
			"fetched", len(trades),
			"written", written,
			"duration", time.Since(start),
		)
	}
	return errors.Join(errs...)
}
