// Package metrics exports runtime counters in Prometheus format.
//
// Key metrics:
//   - WebSocket connection state, message and reconnect counts
//   - Order book tracking, resyncs and stale deltas
//   - Shared rate limiter tokens and waiters
//   - Writer inserts, conflicts, errors and drops
//   - Last book audit cycle
//
// Values are read from the components at scrape time, so nothing on the
// data path touches Prometheus types.
package metrics
