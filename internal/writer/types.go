package writer

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// Config contains configuration for batch writers.
type Config struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// BufferSize is the initial capacity of the input buffer. It grows on demand.
	BufferSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     1000,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	return c
}

// DB is the subset of *pgxpool.Pool used by the writers.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Metrics holds counters for a writer.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Dropped   int64 // Enqueued after Stop
	Gaps      int64 // Sequence gaps reported by the reconciler (book writer only)
}

// bookRow is a row of the book_snapshots table.
type bookRow struct {
	SnapshotID string // UUID
	Symbol     string
	Sequence   int64
	SnapshotTs int64  // Milliseconds
	Bids       []byte // JSONB
	Asks       []byte // JSONB
	BestBid    any    // NUMERIC or NULL
	BestAsk    any
	Spread     any
}

// tickerRow is a row of the tickers table.
type tickerRow struct {
	Timestamp  int64
	ReceivedAt int64
	Symbol     string
	Bid        any
	Ask        any
	Last       any
	Volume     any
}

// tradeRow is a row of the trades table.
type tradeRow struct {
	TradeID    string
	Symbol     string
	Timestamp  int64
	ReceivedAt int64
	Price      string
	Amount     string
	Side       string
}
