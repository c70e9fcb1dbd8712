package writer

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/marketstream/internal/model"
)

const insertTicker = `
	INSERT INTO tickers (ts, received_at, symbol, bid, ask, last, volume)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (symbol, ts) DO NOTHING
`

// TickerWriter batches ticker updates into the tickers table.
type TickerWriter struct {
	b *batcher[tickerRow]
}

// NewTickerWriter creates a new TickerWriter.
func NewTickerWriter(cfg Config, db DB, logger *slog.Logger) *TickerWriter {
	return &TickerWriter{b: newBatcher("ticker", cfg, db, queueTickerRow, logger)}
}

func queueTickerRow(batch *pgx.Batch, r tickerRow) {
	batch.Queue(insertTicker, r.Timestamp, r.ReceivedAt, r.Symbol, r.Bid, r.Ask, r.Last, r.Volume)
}

// Start begins consuming tickers and writing to the database.
func (w *TickerWriter) Start(ctx context.Context) error {
	w.b.start(ctx)
	return nil
}

// Stop drains pending tickers and performs a final flush.
func (w *TickerWriter) Stop(ctx context.Context) error {
	return w.b.stop(ctx)
}

// Add enqueues a ticker. It returns false once the writer is stopped.
func (w *TickerWriter) Add(t model.Ticker) bool {
	return w.b.add(transformTicker(t))
}

// Stats returns current metrics.
func (w *TickerWriter) Stats() Metrics {
	return w.b.stats()
}
