package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of *pgxpool.Pool used to apply the schema.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Hypertable chunk interval for BIGINT millisecond time columns (one day).
const chunkInterval = 24 * 60 * 60 * 1000

var tables = []string{
	`CREATE TABLE IF NOT EXISTS book_snapshots (
		snapshot_id UUID NOT NULL,
		symbol      TEXT NOT NULL,
		sequence    BIGINT NOT NULL,
		snapshot_ts BIGINT NOT NULL,
		bids        JSONB NOT NULL,
		asks        JSONB NOT NULL,
		best_bid    NUMERIC,
		best_ask    NUMERIC,
		spread      NUMERIC,
		UNIQUE (symbol, sequence, snapshot_ts)
	)`,
	`CREATE TABLE IF NOT EXISTS tickers (
		ts          BIGINT NOT NULL,
		received_at BIGINT NOT NULL,
		symbol      TEXT NOT NULL,
		bid         NUMERIC,
		ask         NUMERIC,
		last        NUMERIC,
		volume      NUMERIC,
		UNIQUE (symbol, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		trade_id    TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		ts          BIGINT NOT NULL,
		received_at BIGINT NOT NULL,
		price       NUMERIC NOT NULL,
		amount      NUMERIC NOT NULL,
		side        TEXT NOT NULL,
		UNIQUE (symbol, trade_id, ts)
	)`,
}

// hypertables maps each table to its time column.
var hypertables = [][2]string{
	{"book_snapshots", "snapshot_ts"},
	{"tickers", "ts"},
	{"trades", "ts"},
}

// EnsureSchema creates the writer tables if they do not exist and converts
// them to hypertables when TimescaleDB is installed. A missing extension is
// logged and otherwise ignored.
func EnsureSchema(ctx context.Context, db Execer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	for _, stmt := range tables {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	if _, err := db.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS timescaledb`); err != nil {
		logger.Warn("timescaledb unavailable, using plain tables", "error", err)
		return nil
	}
	for _, h := range hypertables {
		_, err := db.Exec(ctx,
			`SELECT create_hypertable($1::regclass, $2::name, chunk_time_interval => $3::bigint, if_not_exists => TRUE)`,
			h[0], h[1], int64(chunkInterval))
		if err != nil {
			return fmt.Errorf("create hypertable %s: %w", h[0], err)
		}
	}

	logger.Info("schema ready", "tables", len(tables))
	return nil
}
