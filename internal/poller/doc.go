// Package poller implements the book auditor.
//
// On a cron schedule the auditor:
//   - Fetches a REST snapshot for every synchronized book
//   - Compares it with the locally reconciled book
//   - Forces a resync for books that are crossed, stale or diverged
//
// Requests run with bounded concurrency and a per-request timeout. A cycle
// that is still running when the next one fires is skipped.
package poller
