package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/rickgao/marketstream/internal/orderbook"
)

// SnapshotSource fetches order book snapshots over REST.
type SnapshotSource interface {
	GetOrderBook(ctx context.Context, symbol string, depth int) (orderbook.Snapshot, error)
}

// Books is the locally reconciled view being audited.
type Books interface {
	Symbols() []string
	Book(symbol string) (orderbook.Snapshot, bool)
	Resync(ctx context.Context, symbol string) error
}

// Config holds poller configuration.
type Config struct {
	Schedule    string        // Cron expression or descriptor (default: @every 15m)
	Concurrency int           // Max concurrent requests (default: 10)
	Timeout     time.Duration // Per-request timeout (default: 10s)
	Depth       int           // Levels compared per side, 0 = all
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Schedule:    "@every 15m",
		Concurrency: 10,
		Timeout:     10 * time.Second,
		Depth:       20,
	}
}

// Verdict is the audit result for one book.
type Verdict int

const (
	// VerdictSkipped: not synchronized, or sequences differ.
	VerdictSkipped Verdict = iota
	VerdictOK
	// VerdictCrossed: best bid >= best ask.
	VerdictCrossed
	// VerdictStale: local sequence unchanged while REST moved on.
	VerdictStale
	// VerdictDiverged: same sequence, different levels.
	VerdictDiverged
)

func (v Verdict) String() string {
	switch v {
	case VerdictSkipped:
		return "skipped"
	case VerdictOK:
		return "ok"
	case VerdictCrossed:
		return "crossed"
	case VerdictStale:
		return "stale"
	case VerdictDiverged:
		return "diverged"
	default:
		return "unknown"
	}
}

// CycleStats summarizes one audit cycle.
type CycleStats struct {
	Checked  int64
	OK       int64
	Resynced int64
	Errors   int64
	Duration time.Duration
}

// Poller periodically audits reconciled books against REST snapshots.
type Poller struct {
	cfg    Config
	source SnapshotSource
	books  Books
	logger *slog.Logger

	cron *cron.Cron

	// Local sequence seen by the previous audit, per symbol.
	seqMu   sync.Mutex
	lastSeq map[string]int64

	last atomic.Pointer[CycleStats]

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Poller.
func New(cfg Config, source SnapshotSource, books Books, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = d.Schedule
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	return &Poller{
		cfg:     cfg,
		source:  source,
		books:   books,
		logger:  logger.With("component", "poller"),
		lastSeq: make(map[string]int64),
	}
}

// Start schedules audit cycles. It does not run one immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := p.cron.AddFunc(p.cfg.Schedule, func() { p.RunOnce(p.ctx) }); err != nil {
		p.cancel()
		return fmt.Errorf("schedule %q: %w", p.cfg.Schedule, err)
	}
	p.cron.Start()

	p.logger.Info("book auditor started",
		"schedule", p.cfg.Schedule,
		"concurrency", p.cfg.Concurrency,
	)
	return nil
}

// Stop cancels the running cycle and waits for it to return.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.cron == nil {
		return nil
	}

	select {
	case <-p.cron.Stop().Done():
		p.logger.Info("book auditor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Last returns the stats of the most recent completed cycle.
func (p *Poller) Last() (CycleStats, bool) {
	s := p.last.Load()
	if s == nil {
		return CycleStats{}, false
	}
	return *s, true
}

// RunOnce audits every tracked book and resyncs the ones that fail.
func (p *Poller) RunOnce(ctx context.Context) CycleStats {
	start := time.Now()
	symbols := p.books.Symbols()

	sem := semaphore.NewWeighted(int64(p.cfg.Concurrency))
	var wg sync.WaitGroup
	var checked, ok, resynced, errs atomic.Int64

	for _, symbol := range symbols {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			v, err := p.audit(ctx, symbol)
			if err != nil {
				p.logger.Warn("audit failed", "symbol", symbol, "error", err)
				errs.Add(1)
				return
			}
			switch v {
			case VerdictSkipped:
				return
			case VerdictOK:
				ok.Add(1)
			default:
				p.logger.Warn("book failed audit, resyncing", "symbol", symbol, "verdict", v)
				if err := p.books.Resync(ctx, symbol); err != nil {
					p.logger.Error("resync failed", "symbol", symbol, "error", err)
					errs.Add(1)
				} else {
					resynced.Add(1)
				}
			}
			checked.Add(1)
		}()
	}
	wg.Wait()

	stats := CycleStats{
		Checked:  checked.Load(),
		OK:       ok.Load(),
		Resynced: resynced.Load(),
		Errors:   errs.Load(),
		Duration: time.Since(start),
	}
	p.last.Store(&stats)

	p.logger.Info("audit cycle complete",
		"books", len(symbols),
		"checked", stats.Checked,
		"resynced", stats.Resynced,
		"errors", stats.Errors,
		"duration", stats.Duration,
	)
	return stats
}

// audit fetches a REST snapshot for symbol and judges the local book.
func (p *Poller) audit(ctx context.Context, symbol string) (Verdict, error) {
	if _, synced := p.books.Book(symbol); !synced {
		return VerdictSkipped, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	remote, err := p.source.GetOrderBook(ctx, symbol, p.cfg.Depth)
	if err != nil {
		return VerdictSkipped, err
	}

	// Read the local book after the fetch so it is at least as fresh.
	local, synced := p.books.Book(symbol)
	if !synced {
		return VerdictSkipped, nil
	}

	p.seqMu.Lock()
	prev, seen := p.lastSeq[symbol]
	p.lastSeq[symbol] = local.Sequence
	p.seqMu.Unlock()

	v := Compare(local, remote, p.cfg.Depth)
	if v == VerdictSkipped && remote.Sequence > local.Sequence && seen && prev == local.Sequence {
		return VerdictStale, nil
	}
	return v, nil
}

// Compare judges a local book against a REST snapshot, comparing at most
// depth levels per side (all when depth <= 0). A remote snapshot ahead of
// the local book is skipped, since the stream may not have caught up yet.
func Compare(local, remote orderbook.Snapshot, depth int) Verdict {
	if crossed(local) {
		return VerdictCrossed
	}
	if remote.Sequence != local.Sequence {
		return VerdictSkipped
	}
	if !levelsEqual(local.Bids, remote.Bids, depth) || !levelsEqual(local.Asks, remote.Asks, depth) {
		return VerdictDiverged
	}
	return VerdictOK
}

func crossed(s orderbook.Snapshot) bool {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return false
	}
	return s.Bids[0].Price.GreaterThanOrEqual(s.Asks[0].Price)
}

func levelsEqual(a, b []orderbook.Level, depth int) bool {
	if depth > 0 {
		a, b = a[:min(depth, len(a))], b[:min(depth, len(b))]
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Price.Equal(b[i].Price) || !a[i].Size.Equal(b[i].Size) {
			return false
		}
	}
	return true
}
