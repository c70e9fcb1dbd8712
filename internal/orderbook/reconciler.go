// Package orderbook keeps local order books consistent with a sequenced delta
// stream.
//
// Each tracked symbol moves through AwaitingSnapshot -> Synchronized and back to
// AwaitingSnapshot whenever a sequence gap is seen. While awaiting a snapshot,
// deltas are held in a bounded cache (oldest dropped first) and never applied.
// LoadSnapshot fetches a REST snapshot, finds where the cache continues it,
// replays from there and marks the book synchronized.
package orderbook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/marketstream/internal/buffer"
)

// Publisher receives reconciled books for a topic. It is implemented by the
// stream connection that owns the subscription.
type Publisher interface {
	Resolve(topic string, value any) bool
	Reject(topic string, err error) bool
	Pending(topic string) bool
}

// SnapshotFetcher fetches a full book, usually over REST.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, symbol string) (Snapshot, error)
}

// SnapshotFetcherFunc is a function adapter for SnapshotFetcher.
type SnapshotFetcherFunc func(ctx context.Context, symbol string) (Snapshot, error)

func (f SnapshotFetcherFunc) FetchSnapshot(ctx context.Context, symbol string) (Snapshot, error) {
	return f(ctx, symbol)
}

// Listener observes book lifecycle events. Calls are made while the symbol's
// lock is held and must not block.
type Listener interface {
	BookSynchronized(s Snapshot)
	BookGap(symbol string, expected, got int64)
}

// Config configures a Reconciler.
type Config struct {
	CacheSize  int // Max deltas held per symbol while awaiting a snapshot
	MaxRetries int // Snapshot attempts before giving up on a symbol
	Depth      int // Levels per side in published views (0 = all)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CacheSize:  1000,
		MaxRetries: 3,
	}
}

// Stats provides reconciler counters.
type Stats struct {
	Tracked      int
	Synchronized int
	Resyncs      int64
	Exhausted    int64
	Stale        int64
}

// Reconciler owns one book per tracked symbol.
type Reconciler struct {
	cfg      Config
	fetcher  SnapshotFetcher
	listener Listener
	logger   *slog.Logger

	mu    sync.RWMutex
	books map[string]*bookState

	// Shared loads run under this context, not the caller's.
	ctx    context.Context
	cancel context.CancelFunc
	loads  singleflight.Group

	resyncs   atomic.Int64
	exhausted atomic.Int64
	stale     atomic.Int64
}

type bookState struct {
	mu         sync.Mutex
	symbol     string
	topic      string
	pub        Publisher
	status     Status
	book       *Book
	cache      *buffer.Ring[Delta]
	generation uint64
	loading    bool
	stalled    bool // a load ended without synchronizing; the next delta restarts it
}

// NewReconciler creates a Reconciler. listener may be nil.
func NewReconciler(cfg Config, fetcher SnapshotFetcher, listener Listener, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheSize < 1 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		cfg:      cfg,
		fetcher:  fetcher,
		listener: listener,
		logger:   logger,
		books:    make(map[string]*bookState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close aborts snapshot loads in flight. Books stay tracked.
func (r *Reconciler) Close() {
	r.cancel()
}

// Track starts a book for symbol whose updates are published to topic via pub.
// Tracking an already tracked symbol rebinds its topic and publisher; a change
// of publisher drops the book back to AwaitingSnapshot.
func (r *Reconciler) Track(symbol, topic string, pub Publisher) {
	r.mu.Lock()
	st, ok := r.books[symbol]
	if !ok {
		r.books[symbol] = &bookState{
			symbol: symbol,
			topic:  topic,
			pub:    pub,
			status: StatusAwaitingSnapshot,
			book:   NewBook(symbol),
			cache:  buffer.NewBounded[Delta](r.cfg.CacheSize),
		}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pub != pub {
		st.invalidate()
	}
	st.topic = topic
	st.pub = pub
}

// Untrack drops the book for symbol.
func (r *Reconciler) Untrack(symbol string) {
	r.mu.Lock()
	st, ok := r.books[symbol]
	delete(r.books, symbol)
	r.mu.Unlock()

	if ok {
		st.mu.Lock()
		st.generation++
		st.status = StatusUninitialized
		st.mu.Unlock()
	}
}

// State returns the status of symbol; untracked symbols are Uninitialized.
func (r *Reconciler) State(symbol string) Status {
	st := r.lookup(symbol)
	if st == nil {
		return StatusUninitialized
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status
}

// Book returns a copy of a synchronized book.
func (r *Reconciler) Book(symbol string) (Snapshot, bool) {
	st := r.lookup(symbol)
	if st == nil {
		return Snapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.status != StatusSynchronized {
		return Snapshot{}, false
	}
	return st.book.Snapshot(r.cfg.Depth), true
}

// Symbols returns all tracked symbols.
func (r *Reconciler) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.books))
	for s := range r.books {
		out = append(out, s)
	}
	return out
}

// ApplyOrResync routes one delta according to the symbol's state.
func (r *Reconciler) ApplyOrResync(symbol string, d Delta) Outcome {
	st := r.lookup(symbol)
	if st == nil {
		return OutcomeUntracked
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	switch st.status {
	case StatusAwaitingSnapshot:
		st.cache.Send(d)
		if st.stalled && !st.loading {
			st.stalled = false
			r.resyncs.Add(1)
			return OutcomeResync
		}
		return OutcomeBuffered

	case StatusSynchronized:
		current := st.book.Sequence()
		switch {
		case d.Sequence == current+1:
			st.book.Apply(d)
			r.publish(st)
			return OutcomeApplied

		case d.Sequence <= current:
			r.stale.Add(1)
			return OutcomeStale

		default:
			r.logger.Warn("sequence gap detected",
				"symbol", symbol,
				"expected", current+1,
				"got", d.Sequence,
				"gap", d.Sequence-current-1,
			)
			if r.listener != nil {
				r.listener.BookGap(symbol, current+1, d.Sequence)
			}
			st.invalidate()
			st.cache.Send(d)
			r.resyncs.Add(1)
			return OutcomeResync
		}
	}

	return OutcomeUntracked
}

// ApplySnapshot synchronizes symbol from a snapshot delivered on the stream.
// It returns OutcomeResync when the snapshot does not connect to the cached
// deltas and a REST snapshot is needed, and OutcomeStale when a synchronized
// book is already at or past the snapshot.
func (r *Reconciler) ApplySnapshot(symbol string, s Snapshot) Outcome {
	st := r.lookup(symbol)
	if st == nil {
		return OutcomeUntracked
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.status == StatusSynchronized && s.Sequence <= st.book.Sequence() {
		r.stale.Add(1)
		return OutcomeStale
	}
	if !r.synchronize(st, s) {
		return OutcomeResync
	}
	r.publish(st)
	return OutcomeApplied
}

// LoadSnapshot fetches a snapshot for symbol and synchronizes the book,
// retrying up to MaxRetries times while the snapshot does not connect to the
// cached deltas. Concurrent calls for the same symbol share one load, which
// runs until the Reconciler is closed; ctx only bounds this caller's wait.
//
// On exhaustion the subscriber is rejected with a *ResyncExhaustedError and
// the symbol is no longer tracked.
func (r *Reconciler) LoadSnapshot(ctx context.Context, symbol string) error {
	ch := r.loads.DoChan(symbol, func() (any, error) {
		return nil, r.loadSnapshot(r.ctx, symbol)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) loadSnapshot(ctx context.Context, symbol string) error {
	st := r.lookup(symbol)
	if st == nil {
		return fmt.Errorf("load snapshot %s: %w", symbol, ErrNotTracked)
	}

	if r.fetcher == nil {
		return fmt.Errorf("load snapshot %s: no snapshot fetcher configured", symbol)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	st.mu.Lock()
	gen := st.generation
	if st.status == StatusSynchronized {
		st.mu.Unlock()
		return nil
	}
	st.loading = true
	st.stalled = false
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		st.loading = false
		if st.generation == gen && st.status == StatusAwaitingSnapshot {
			st.stalled = true
		}
		st.mu.Unlock()
	}()

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		snap, err := r.fetcher.FetchSnapshot(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("snapshot fetch failed",
				"symbol", symbol,
				"attempt", attempt,
				"error", err,
			)
			lastErr = err
			continue
		}

		st.mu.Lock()
		if st.generation != gen {
			st.mu.Unlock()
			return fmt.Errorf("load snapshot %s: %w", symbol, ErrNotTracked)
		}
		if st.status == StatusSynchronized {
			st.mu.Unlock()
			return nil
		}
		if r.synchronize(st, snap) {
			r.publish(st)
			st.mu.Unlock()
			r.logger.Debug("order book synchronized",
				"symbol", symbol,
				"sequence", snap.Sequence,
				"attempt", attempt,
			)
			return nil
		}
		cached := st.cache.Len()
		st.mu.Unlock()

		lastErr = fmt.Errorf("%w: snapshot sequence %d, %d cached deltas", ErrSnapshotBehind, snap.Sequence, cached)
		r.logger.Debug("snapshot behind cache, retrying",
			"symbol", symbol,
			"sequence", snap.Sequence,
			"attempt", attempt,
		)
	}

	exhausted := &ResyncExhaustedError{Symbol: symbol, Attempts: r.cfg.MaxRetries, Err: lastErr}
	r.teardown(st, gen, exhausted)
	return exhausted
}

// Invalidate drops every book published through pub back to AwaitingSnapshot
// and returns their symbols. Used when the owning connection reconnects.
func (r *Reconciler) Invalidate(pub Publisher) []string {
	r.mu.RLock()
	states := make([]*bookState, 0, len(r.books))
	for _, st := range r.books {
		states = append(states, st)
	}
	r.mu.RUnlock()

	var symbols []string
	for _, st := range states {
		st.mu.Lock()
		if st.pub == pub {
			st.invalidate()
			symbols = append(symbols, st.symbol)
		}
		st.mu.Unlock()
	}
	return symbols
}

// Reset drops symbol's book back to AwaitingSnapshot. It reports whether the
// symbol is tracked.
func (r *Reconciler) Reset(symbol string) bool {
	st := r.lookup(symbol)
	if st == nil {
		return false
	}
	st.mu.Lock()
	st.invalidate()
	st.mu.Unlock()
	r.resyncs.Add(1)
	return true
}

// Stats returns reconciler counters.
func (r *Reconciler) Stats() Stats {
	r.mu.RLock()
	states := make([]*bookState, 0, len(r.books))
	for _, st := range r.books {
		states = append(states, st)
	}
	r.mu.RUnlock()

	s := Stats{
		Tracked:   len(states),
		Resyncs:   r.resyncs.Load(),
		Exhausted: r.exhausted.Load(),
		Stale:     r.stale.Load(),
	}
	for _, st := range states {
		st.mu.Lock()
		if st.status == StatusSynchronized {
			s.Synchronized++
		}
		st.mu.Unlock()
	}
	return s
}

func (r *Reconciler) lookup(symbol string) *bookState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.books[symbol]
}

// synchronize rebuilds st from s plus the continuation found in the cache.
// It leaves st untouched and returns false when they do not connect.
// Must be called with st.mu held.
func (r *Reconciler) synchronize(st *bookState, s Snapshot) bool {
	cached := st.cache.Items()
	idx := cacheIndex(s.Sequence, cached)
	if idx < 0 {
		return false
	}

	book := NewBook(st.symbol)
	book.Reset(s)
	for _, d := range cached[idx:] {
		if d.Sequence <= book.Sequence() {
			continue
		}
		if d.Sequence != book.Sequence()+1 {
			return false
		}
		book.Apply(d)
	}

	st.book = book
	st.cache.Reset()
	st.status = StatusSynchronized
	if r.listener != nil {
		r.listener.BookSynchronized(book.Snapshot(r.cfg.Depth))
	}
	return true
}

// publish resolves the symbol's topic with a fresh view if anyone is waiting.
// Must be called with st.mu held.
func (r *Reconciler) publish(st *bookState) {
	if st.pub == nil || !st.pub.Pending(st.topic) {
		return
	}
	st.pub.Resolve(st.topic, st.book.Snapshot(r.cfg.Depth))
}

func (r *Reconciler) teardown(st *bookState, gen uint64, err error) {
	r.mu.Lock()
	if cur, ok := r.books[st.symbol]; ok && cur == st {
		delete(r.books, st.symbol)
	}
	r.mu.Unlock()

	st.mu.Lock()
	if st.generation != gen {
		st.mu.Unlock()
		return
	}
	st.generation++
	st.status = StatusUninitialized
	st.book.Clear()
	st.cache.Reset()
	pub, topic := st.pub, st.topic
	st.mu.Unlock()

	r.exhausted.Add(1)
	r.logger.Error("order book resync exhausted",
		"symbol", st.symbol,
		"error", err,
	)
	if pub != nil {
		pub.Reject(topic, err)
	}
}

// invalidate drops book content and waits for a new snapshot.
// Must be called with st.mu held.
func (st *bookState) invalidate() {
	st.status = StatusAwaitingSnapshot
	st.book.Clear()
	st.cache.Reset()
}

// cacheIndex returns the index of the first cached delta continuing a snapshot
// at sequence seq, len(cached) when the snapshot already covers every cached
// delta, or -1 when the cache has moved past the snapshot.
func cacheIndex(seq int64, cached []Delta) int {
	for i, d := range cached {
		switch {
		case d.Sequence == seq+1:
			return i
		case d.Sequence > seq+1:
			return -1
		}
	}
	return len(cached)
}
