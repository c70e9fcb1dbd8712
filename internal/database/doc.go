// Package database manages the TimescaleDB connection pool used by the
// writers and creates the tables they append to.
//
// Tables:
//   - book_snapshots: one row per order book (re)synchronization
//   - tickers: best bid/ask and last price updates
//   - trades: streamed and backfilled trades
//
// All time columns are BIGINT milliseconds since epoch. When the timescaledb
// extension is available each table is converted to a hypertable.
package database
