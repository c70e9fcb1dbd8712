package writer

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/marketstream/internal/model"
)

const insertTrade = `
	INSERT INTO trades (trade_id, symbol, ts, received_at, price, amount, side)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (symbol, trade_id, ts) DO NOTHING
`

// TradeWriter writes trades to the trades table, either batched from the
// stream via Add or synchronously from a backfill via Write.
type TradeWriter struct {
	b *batcher[tradeRow]
}

// NewTradeWriter creates a new TradeWriter.
func NewTradeWriter(cfg Config, db DB, logger *slog.Logger) *TradeWriter {
	return &TradeWriter{b: newBatcher("trade", cfg, db, queueTradeRow, logger)}
}

func queueTradeRow(batch *pgx.Batch, r tradeRow) {
	batch.Queue(insertTrade, r.TradeID, r.Symbol, r.Timestamp, r.ReceivedAt, r.Price, r.Amount, r.Side)
}

// Start begins consuming trades added with Add.
func (w *TradeWriter) Start(ctx context.Context) error {
	w.b.start(ctx)
	return nil
}

// Stop drains pending trades and performs a final flush.
func (w *TradeWriter) Stop(ctx context.Context) error {
	return w.b.stop(ctx)
}

// Add enqueues trades. It returns false once the writer is stopped.
func (w *TradeWriter) Add(trades ...model.Trade) bool {
	for _, t := range trades {
		if !w.b.add(transformTrade(t)) {
			return false
		}
	}
	return true
}

// Write inserts trades in chunks of BatchSize and returns the number of new
// rows. It does not go through the input buffer and needs no Start.
func (w *TradeWriter) Write(ctx context.Context, trades []model.Trade) (int64, error) {
	var (
		inserted int64
		errs     []error
	)
	for chunk := range slices.Chunk(trades, w.b.cfg.BatchSize) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rows := make([]tradeRow, len(chunk))
		for i, t := range chunk {
			rows[i] = transformTrade(t)
		}
		n, err := w.b.write(ctx, rows)
		if err != nil {
			errs = append(errs, err)
		}
		inserted += int64(n)
	}
	return inserted, errors.Join(errs...)
}

// Stats returns current metrics.
func (w *TradeWriter) Stats() Metrics {
	return w.b.stats()
}
