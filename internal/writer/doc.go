// Package writer implements batch writers that persist market data to
// TimescaleDB.
//
// Writers:
//   - Order book snapshot writer (fed by the reconciler as a Listener)
//   - Ticker writer (fed by the streamer's ticker watch loop)
//   - Trade writer (async from the stream, sync from backfill)
//
// All writers are append-only and insert with ON CONFLICT DO NOTHING, so
// replays and overlapping backfills are idempotent. Prices and amounts are
// stored as NUMERIC from shopspring decimals, book levels as JSONB
// [[price, size], ...] arrays.
package writer
