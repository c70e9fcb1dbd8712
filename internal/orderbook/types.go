package orderbook

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Errors
var (
	ErrResyncExhausted = errors.New("order book resync exhausted")
	ErrNotTracked      = errors.New("symbol not tracked")
	ErrSnapshotBehind  = errors.New("snapshot does not connect to cached deltas")
)

// ResyncExhaustedError is returned when a book could not be resynchronized
// within the configured number of snapshot attempts.
type ResyncExhaustedError struct {
	Symbol   string
	Attempts int
	Err      error // last underlying failure
}

func (e *ResyncExhaustedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: resync exhausted after %d attempts", e.Symbol, e.Attempts)
	}
	return fmt.Sprintf("%s: resync exhausted after %d attempts: %v", e.Symbol, e.Attempts, e.Err)
}

func (e *ResyncExhaustedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrResyncExhausted}
	}
	return []error{ErrResyncExhausted, e.Err}
}

// Level is one price level. A non-positive Size in a delta removes the level.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Delta is an incremental update carrying absolute level sizes.
type Delta struct {
	Symbol    string
	Sequence  int64
	Timestamp time.Time
	Bids      []Level
	Asks      []Level
}

// Snapshot is a full point-in-time view of a book. Bids are best (highest)
// first, asks best (lowest) first.
type Snapshot struct {
	Symbol    string
	Sequence  int64
	Timestamp time.Time
	Bids      []Level
	Asks      []Level
}

// Status is the synchronization state of a tracked symbol.
type Status int

const (
	StatusUninitialized Status = iota
	StatusAwaitingSnapshot
	StatusSynchronized
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusAwaitingSnapshot:
		return "awaiting_snapshot"
	case StatusSynchronized:
		return "synchronized"
	default:
		return "unknown"
	}
}

// Outcome reports what ApplyOrResync did with a delta.
type Outcome int

const (
	OutcomeUntracked Outcome = iota // no book for the symbol
	OutcomeBuffered                 // cached until a snapshot arrives
	OutcomeApplied
	OutcomeStale  // at or behind the book sequence, dropped
	OutcomeResync // gap detected, caller should load a fresh snapshot
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUntracked:
		return "untracked"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	case OutcomeResync:
		return "resync"
	default:
		return "unknown"
	}
}
