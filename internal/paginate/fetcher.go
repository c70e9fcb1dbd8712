// Package paginate walks paged venue endpoints and merges the pages into one
// sorted, deduplicated result.
//
// A Fetcher holds only immutable options; every FetchAll call keeps its state
// on the stack, so one Fetcher can serve many symbols at once. Pacing belongs
// to the PageFunc, which normally goes through a shared ratelimit.Limiter.
package paginate

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/marketstream/internal/ratelimit"
)

// Fetcher runs one of the pagination strategies over a PageFunc.
type Fetcher[T any] struct {
	opts   Options
	key    KeyFunc[T]
	logger *slog.Logger
}

// New creates a Fetcher. key must not be nil.
func New[T any](opts Options, key KeyFunc[T], logger *slog.Logger) *Fetcher[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher[T]{
		opts:   opts.withDefaults(),
		key:    key,
		logger: logger.With("component", "paginate"),
	}
}

// Options returns the effective options.
func (f *Fetcher[T]) Options() Options {
	return f.opts
}

// FetchAll fetches every page the strategy reaches and returns the items
// deduplicated, sorted by (timestamp, id) and filtered to since/limit.
// since and limit are ignored when zero.
func (f *Fetcher[T]) FetchAll(ctx context.Context, strategy Strategy, fetch PageFunc[T], since int64, limit int, params map[string]string) ([]T, error) {
	var (
		items [][]T
		err   error
	)
	switch strategy {
	case Deterministic:
		items, err = f.deterministic(ctx, fetch, since, params)
	case Cursor:
		items, err = f.cursor(ctx, fetch, since, params)
	case Incremental:
		items, err = f.incremental(ctx, fetch, since, params)
	case Dynamic:
		items, err = f.dynamic(ctx, fetch, since, params)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownStrategy, int(strategy))
	}
	if err != nil {
		return nil, err
	}
	return f.finish(items, since, limit), nil
}

// deterministic splits [start, until) into windows of MaxEntriesPerRequest
// entries and fetches them concurrently.
func (f *Fetcher[T]) deterministic(ctx context.Context, fetch PageFunc[T], since int64, params map[string]string) ([][]T, error) {
	step := f.opts.Step.Milliseconds() * int64(f.opts.MaxEntriesPerRequest)
	if step <= 0 {
		step = 1
	}
	maxCalls := int64(f.opts.MaxCalls)

	until := f.opts.Until
	if until > 0 && since > 0 {
		required := (until - since + step - 1) / step
		if required > maxCalls {
			return nil, fmt.Errorf("%w: %d windows of %dms for [%d, %d), max %d",
				ErrTooManyCalls, required, step, since, until, maxCalls)
		}
	}
	if until <= 0 {
		until = f.opts.Now().UnixMilli()
	}
	start := max(until-maxCalls*step, since)

	var windows []Request
	for s := start; s < until; s += step {
		windows = append(windows, Request{
			Since:  s,
			Until:  min(s+step, until),
			Limit:  f.opts.MaxEntriesPerRequest,
			Params: maps.Clone(params),
		})
	}

	results := make([][]T, len(windows))
	g, gctx := errgroup.WithContext(ctx)
	if f.opts.Concurrency > 0 {
		g.SetLimit(f.opts.Concurrency)
	}
	for i, req := range windows {
		g.Go(func() error {
			page, err := f.call(gctx, fetch, req)
			if err != nil {
				return fmt.Errorf("window [%d, %d): %w", req.Since, req.Until, err)
			}
			results[i] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	f.logger.Debug("deterministic pagination done", "windows", len(windows), "step_ms", step)
	return results, nil
}

// cursor follows the venue cursor carried by the last item of each page.
func (f *Fetcher[T]) cursor(ctx context.Context, fetch PageFunc[T], since int64, params map[string]string) ([][]T, error) {
	var (
		pages  [][]T
		cursor string
	)
	for calls := 0; calls < f.opts.MaxCalls; calls++ {
		req := Request{
			Since:  since,
			Until:  f.opts.Until,
			Limit:  f.opts.MaxEntriesPerRequest,
			Cursor: cursor,
			Params: maps.Clone(params),
		}
		page, err := f.call(ctx, fetch, req)
		if err != nil {
			return nil, fmt.Errorf("cursor page %d: %w", calls+1, err)
		}
		if len(page) == 0 {
			break
		}
		pages = append(pages, page)

		last := f.key(page[len(page)-1])
		next, ok := f.nextCursor(last.Cursor)
		if !ok || next == cursor {
			break
		}
		if since > 0 && last.Timestamp < since {
			break
		}
		cursor = next
	}
	return pages, nil
}

func (f *Fetcher[T]) nextCursor(c string) (string, bool) {
	if c == "" {
		return "", false
	}
	if f.opts.CursorIncrement == 0 {
		return c, true
	}
	n, err := strconv.ParseInt(c, 10, 64)
	if err != nil {
		return c, true
	}
	return strconv.FormatInt(n+f.opts.CursorIncrement, 10), true
}

// incremental requests pages 1, 2, 3... until an empty page.
func (f *Fetcher[T]) incremental(ctx context.Context, fetch PageFunc[T], since int64, params map[string]string) ([][]T, error) {
	var pages [][]T
	for calls := 0; calls < f.opts.MaxCalls; calls++ {
		req := Request{
			Since:  since,
			Until:  f.opts.Until,
			Limit:  f.opts.MaxEntriesPerRequest,
			Page:   calls + 1,
			Params: maps.Clone(params),
		}
		page, err := f.call(ctx, fetch, req)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", req.Page, err)
		}
		if len(page) == 0 {
			break
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// dynamic walks timestamps from the edge of each page. Backward moves Until
// to the first item of the previous page; Forward moves Since to the last.
func (f *Fetcher[T]) dynamic(ctx context.Context, fetch PageFunc[T], since int64, params map[string]string) ([][]T, error) {
	forward := f.opts.Direction == Forward
	if forward && since <= 0 {
		return nil, fmt.Errorf("forward pagination: %w", ErrSinceRequired)
	}

	var (
		pages  [][]T
		errs   int
		cursor = since
		until  = f.opts.Until
	)
	if !forward {
		cursor = until
	}
	for calls := 0; calls < f.opts.MaxCalls; calls++ {
		req := Request{Limit: f.opts.MaxEntriesPerRequest, Params: maps.Clone(params)}
		if forward {
			req.Since, req.Until = cursor, until
		} else {
			req.Until = cursor
		}

		page, err := fetch(ctx, req)
		if err != nil {
			if ratelimit.IsRateLimited(err) || ctx.Err() != nil {
				return nil, err
			}
			errs++
			if errs > f.opts.MaxRetries {
				return nil, fmt.Errorf("dynamic page %d: %w", calls+1, err)
			}
			f.logger.Debug("page failed, retrying", "call", calls+1, "error", err)
			continue
		}
		errs = 0
		if len(page) == 0 {
			break
		}
		pages = append(pages, page)

		if forward {
			next := f.key(page[len(page)-1]).Timestamp
			if next <= cursor || (until > 0 && next >= until) {
				break
			}
			cursor = next
		} else {
			first := f.key(page[0]).Timestamp
			if (cursor > 0 && first >= cursor) || (since > 0 && first <= since) {
				break
			}
			cursor = first
		}
	}
	return pages, nil
}

// call fetches one page, retrying up to MaxRetries. Rate-limit rejections
// and context errors are returned at once.
func (f *Fetcher[T]) call(ctx context.Context, fetch PageFunc[T], req Request) ([]T, error) {
	var err error
	for attempt := 0; attempt <= f.opts.MaxRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		var page []T
		page, err = fetch(ctx, req)
		if err == nil {
			return page, nil
		}
		if ratelimit.IsRateLimited(err) || ctx.Err() != nil {
			return nil, err
		}
		f.logger.Debug("page failed, retrying",
			"since", req.Since, "cursor", req.Cursor, "page", req.Page,
			"attempt", attempt+1, "error", err)
	}
	return nil, err
}

// finish merges pages in order, keeps the first occurrence of each key,
// sorts stably by (timestamp, id) and applies since/limit.
func (f *Fetcher[T]) finish(pages [][]T, since int64, limit int) []T {
	seenID := make(map[string]struct{})
	seenTS := make(map[int64]struct{})
	var out []T
	for _, page := range pages {
		for _, item := range page {
			k := f.key(item)
			if k.ID != "" {
				if _, dup := seenID[k.ID]; dup {
					continue
				}
				seenID[k.ID] = struct{}{}
			} else {
				if _, dup := seenTS[k.Timestamp]; dup {
					continue
				}
				seenTS[k.Timestamp] = struct{}{}
			}
			out = append(out, item)
		}
	}

	slices.SortStableFunc(out, func(a, b T) int {
		ka, kb := f.key(a), f.key(b)
		if c := cmp.Compare(ka.Timestamp, kb.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(ka.ID, kb.ID)
	})

	if since > 0 {
		i, _ := slices.BinarySearchFunc(out, since, func(item T, ts int64) int {
			return cmp.Compare(f.key(item).Timestamp, ts)
		})
		out = out[i:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
