package writer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/marketstream/internal/buffer"
)

var errNoDB = errors.New("writer has no database")

// batcher consumes rows from a growable ring buffer and flushes them to the
// database when BatchSize is reached or FlushInterval elapses.
type batcher[R any] struct {
	name   string
	cfg    Config
	db     DB
	queue  func(b *pgx.Batch, row R)
	logger *slog.Logger

	// Input
	input *buffer.Ring[R]

	// Batching
	batch       []R
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	consumed chan struct{}
	wg       sync.WaitGroup

	metricsMu sync.Mutex
	metrics   Metrics
}

func newBatcher[R any](name string, cfg Config, db DB, queue func(*pgx.Batch, R), logger *slog.Logger) *batcher[R] {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &batcher[R]{
		name:   name,
		cfg:    cfg,
		db:     db,
		queue:  queue,
		logger: logger.With("writer", name),
		input:  buffer.NewGrowable[R](cfg.BufferSize),
		batch:  make([]R, 0, cfg.BatchSize),
	}
}

// add enqueues a row without blocking. It reports false after Stop.
func (b *batcher[R]) add(row R) bool {
	if !b.input.Send(row) {
		b.metricsMu.Lock()
		b.metrics.Dropped++
		b.metricsMu.Unlock()
		return false
	}
	return true
}

func (b *batcher[R]) start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.flushTicker = time.NewTicker(b.cfg.FlushInterval)
	b.consumed = make(chan struct{})

	go b.consumeLoop()

	b.wg.Add(1)
	go b.flushLoop()

	b.logger.Info("writer started",
		"batch_size", b.cfg.BatchSize,
		"flush_interval", b.cfg.FlushInterval,
	)
}

// stop closes the input, waits for it to drain, then flushes what is left
// using ctx for the final insert.
func (b *batcher[R]) stop(ctx context.Context) error {
	b.logger.Info("stopping writer", "pending", b.input.Len())
	b.input.Close()

	if b.consumed != nil {
		select {
		case <-b.consumed:
		case <-ctx.Done():
			b.logger.Warn("writer drain timed out", "pending", b.input.Len())
		}
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.flushTicker != nil {
		b.flushTicker.Stop()
	}
	b.wg.Wait()

	if err := b.flush(ctx); err != nil {
		return err
	}
	b.logger.Info("writer stopped")
	return nil
}

func (b *batcher[R]) stats() Metrics {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	return b.metrics
}

// consumeLoop reads from the input buffer until it is closed and empty.
func (b *batcher[R]) consumeLoop() {
	defer close(b.consumed)
	for {
		row, ok := b.input.Receive()
		if !ok {
			return
		}
		b.handle(row)
	}
}

// flushLoop periodically flushes the batch.
func (b *batcher[R]) flushLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.flushTicker.C:
			_ = b.flush(b.ctx)
		}
	}
}

// handle adds a row to the batch, flushing when it is full.
func (b *batcher[R]) handle(row R) {
	b.batchMu.Lock()
	b.batch = append(b.batch, row)
	full := len(b.batch) >= b.cfg.BatchSize
	b.batchMu.Unlock()

	if full {
		ctx := b.ctx
		if ctx == nil || ctx.Err() != nil {
			ctx = context.Background()
		}
		_ = b.flush(ctx)
	}
}

// flush writes the current batch. Failed batches are counted and dropped.
func (b *batcher[R]) flush(ctx context.Context) error {
	b.batchMu.Lock()
	if len(b.batch) == 0 {
		b.batchMu.Unlock()
		return nil
	}
	rows := b.batch
	b.batch = make([]R, 0, b.cfg.BatchSize)
	b.batchMu.Unlock()

	_, err := b.write(ctx, rows)
	return err
}

// write inserts rows in one round trip, records the outcome and returns the
// number of new rows.
func (b *batcher[R]) write(ctx context.Context, rows []R) (int, error) {
	start := time.Now()
	conflicts, err := b.insert(ctx, rows)

	b.metricsMu.Lock()
	if err != nil {
		b.metrics.Errors++
	} else {
		b.metrics.Inserts += int64(len(rows) - conflicts)
		b.metrics.Conflicts += int64(conflicts)
		b.metrics.Flushes++
	}
	b.metricsMu.Unlock()

	if err != nil {
		b.logger.Error("batch insert failed", "error", err, "count", len(rows))
		return 0, err
	}
	b.logger.Debug("flushed",
		"count", len(rows),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return len(rows) - conflicts, nil
}

// insert sends rows as a pgx.Batch. Rows that hit ON CONFLICT DO NOTHING
// report zero affected rows and are counted as conflicts.
func (b *batcher[R]) insert(ctx context.Context, rows []R) (conflicts int, err error) {
	if b.db == nil {
		return 0, errNoDB
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		b.queue(batch, r)
	}

	results := b.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}
