package writer

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/marketstream/internal/orderbook"
)

const insertBookSnapshot = `
	INSERT INTO book_snapshots (snapshot_id, symbol, sequence, snapshot_ts, bids, asks, best_bid, best_ask, spread)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (symbol, sequence, snapshot_ts) DO NOTHING
`

// BookWriter records every order book (re)synchronization to the
// book_snapshots table. It implements orderbook.Listener.
type BookWriter struct {
	b    *batcher[bookRow]
	gaps atomic.Int64
}

var _ orderbook.Listener = (*BookWriter)(nil)

// NewBookWriter creates a new BookWriter.
func NewBookWriter(cfg Config, db DB, logger *slog.Logger) *BookWriter {
	return &BookWriter{b: newBatcher("book", cfg, db, queueBookRow, logger)}
}

func queueBookRow(batch *pgx.Batch, r bookRow) {
	batch.Queue(insertBookSnapshot,
		r.SnapshotID, r.Symbol, r.Sequence, r.SnapshotTs, r.Bids, r.Asks, r.BestBid, r.BestAsk, r.Spread)
}

// Start begins consuming snapshots and writing to the database.
func (w *BookWriter) Start(ctx context.Context) error {
	w.b.start(ctx)
	return nil
}

// Stop drains pending snapshots and performs a final flush.
func (w *BookWriter) Stop(ctx context.Context) error {
	return w.b.stop(ctx)
}

// BookSynchronized enqueues the snapshot. The conversion runs on the
// caller's goroutine so the snapshot is not retained.
func (w *BookWriter) BookSynchronized(s orderbook.Snapshot) {
	w.b.add(transformSnapshot(s))
}

// BookGap counts a sequence gap.
func (w *BookWriter) BookGap(symbol string, expected, got int64) {
	w.gaps.Add(1)
	w.b.logger.Warn("sequence gap", "symbol", symbol, "expected", expected, "got", got)
}

// Stats returns current metrics.
func (w *BookWriter) Stats() Metrics {
	m := w.b.stats()
	m.Gaps = w.gaps.Load()
	return m
}
