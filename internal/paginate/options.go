package paginate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Errors
var (
	ErrTooManyCalls    = errors.New("range needs more calls than allowed")
	ErrSinceRequired   = errors.New("since is required")
	ErrUnknownStrategy = errors.New("unknown pagination strategy")
)

// Strategy selects how pages are walked.
type Strategy int

const (
	Deterministic Strategy = iota // concurrent fixed time windows
	Cursor                        // venue cursor taken from the last item
	Incremental                   // page numbers 1, 2, 3...
	Dynamic                       // timestamps walked from the edge of each page
)

func (s Strategy) String() string {
	switch s {
	case Deterministic:
		return "deterministic"
	case Cursor:
		return "cursor"
	case Incremental:
		return "incremental"
	case Dynamic:
		return "dynamic"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses the String form of a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "deterministic", "":
		return Deterministic, nil
	case "cursor":
		return Cursor, nil
	case "incremental", "page":
		return Incremental, nil
	case "dynamic":
		return Dynamic, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Direction is the walk direction of the Dynamic strategy.
type Direction int

const (
	Backward Direction = iota // from Until (or now) back to since
	Forward                   // from since up to Until
)

// Key identifies an item for dedup and ordering.
type Key struct {
	ID        string // empty falls back to Timestamp
	Timestamp int64  // ms
	Cursor    string // only read by the Cursor strategy
}

// KeyFunc extracts the Key of an item.
type KeyFunc[T any] func(T) Key

// Request is one page request handed to a PageFunc. Zero fields are unset.
type Request struct {
	Since  int64 // inclusive, ms
	Until  int64 // exclusive, ms
	Limit  int
	Cursor string
	Page   int // 1-based
	Params map[string]string
}

// PageFunc fetches one page. Venue rate-limit rejections must wrap
// ratelimit.ErrRateLimited so they are not retried.
type PageFunc[T any] func(ctx context.Context, req Request) ([]T, error)

// Options configures a Fetcher.
type Options struct {
	MaxCalls             int           // Upper bound on page requests
	MaxRetries           int           // Retries per page (consecutive errors for sequential strategies)
	MaxEntriesPerRequest int           // Page size asked of the venue
	Step                 time.Duration // Time covered by one entry (deterministic window sizing)
	Concurrency          int           // Deterministic windows in flight, 0 = all
	CursorIncrement      int64         // Added to numeric cursors before the next call
	Until                int64         // ms, 0 = now
	Direction            Direction
	Now                  func() time.Time
}

// DefaultOptions returns the defaults used across venues.
func DefaultOptions() Options {
	return Options{
		MaxCalls:             10,
		MaxRetries:           3,
		MaxEntriesPerRequest: 1000,
		Step:                 time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxCalls <= 0 {
		o.MaxCalls = d.MaxCalls
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.MaxEntriesPerRequest <= 0 {
		o.MaxEntriesPerRequest = d.MaxEntriesPerRequest
	}
	if o.Step <= 0 {
		o.Step = d.Step
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
