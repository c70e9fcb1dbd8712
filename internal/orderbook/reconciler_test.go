package orderbook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu       sync.Mutex
	waiting  bool
	resolved []Snapshot
	rejected []error
}

func (p *recordingPublisher) Resolve(topic string, value any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolved = append(p.resolved, value.(Snapshot))
	return true
}

func (p *recordingPublisher) Reject(topic string, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejected = append(p.rejected, err)
	return true
}

func (p *recordingPublisher) Pending(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting
}

type recordingListener struct {
	mu     sync.Mutex
	synced int
	gaps   int
}

func (l *recordingListener) BookSynchronized(Snapshot) {
	l.mu.Lock()
	l.synced++
	l.mu.Unlock()
}

func (l *recordingListener) BookGap(string, int64, int64) {
	l.mu.Lock()
	l.gaps++
	l.mu.Unlock()
}

// snapshots returns a fetcher serving the given snapshots in order, repeating the last.
func snapshots(snaps ...Snapshot) (SnapshotFetcher, *atomic.Int64) {
	var calls atomic.Int64
	return SnapshotFetcherFunc(func(ctx context.Context, symbol string) (Snapshot, error) {
		i := int(calls.Add(1)) - 1
		if i >= len(snaps) {
			i = len(snaps) - 1
		}
		s := snaps[i]
		s.Symbol = symbol
		return s, nil
	}), &calls
}

func delta(seq int64, bids ...Level) Delta {
	return Delta{Symbol: "BTC/USD", Sequence: seq, Bids: bids}
}

func baseSnapshot(seq int64) Snapshot {
	return Snapshot{
		Sequence: seq,
		Bids:     []Level{lvl("100", "1"), lvl("99", "2")},
		Asks:     []Level{lvl("101", "1"), lvl("102", "2")},
	}
}

func TestReconciler_BuffersUntilSnapshot(t *testing.T) {
	fetcher, _ := snapshots(baseSnapshot(10))
	r := NewReconciler(DefaultConfig(), fetcher, nil, nil)
	pub := &recordingPublisher{waiting: true}
	r.Track("BTC/USD", "orderbook:BTC/USD", pub)

	assert.Equal(t, StatusAwaitingSnapshot, r.State("BTC/USD"))
	assert.Equal(t, OutcomeBuffered, r.ApplyOrResync("BTC/USD", delta(9, lvl("98", "1"))))
	assert.Equal(t, OutcomeBuffered, r.ApplyOrResync("BTC/USD", delta(11, lvl("97", "1"))))
	assert.Equal(t, OutcomeBuffered, r.ApplyOrResync("BTC/USD", delta(12, lvl("100", "0"))))

	_, ok := r.Book("BTC/USD")
	assert.False(t, ok, "unsynchronized books are not exposed")

	require.NoError(t, r.LoadSnapshot(context.Background(), "BTC/USD"))
	assert.Equal(t, StatusSynchronized, r.State("BTC/USD"))

	book, ok := r.Book("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, int64(12), book.Sequence)
	// Delta 9 is covered by the snapshot and must not be replayed.
	assert.Equal(t, []string{"99", "97"}, prices(book.Bids))

	require.Len(t, pub.resolved, 1)
	assert.Equal(t, int64(12), pub.resolved[0].Sequence)
}

func TestReconciler_Convergence(t *testing.T) {
	snap := baseSnapshot(100)
	fetcher, _ := snapshots(snap)
	r := NewReconciler(DefaultConfig(), fetcher, nil, nil)
	r.Track("BTC/USD", "t", &recordingPublisher{})
	require.NoError(t, r.LoadSnapshot(context.Background(), "BTC/USD"))

	reference := NewBook("BTC/USD")
	reference.Reset(snap)

	for i := int64(1); i <= 50; i++ {
		d := Delta{
			Symbol:   "BTC/USD",
			Sequence: 100 + i,
			Bids:     []Level{lvl(fmt.Sprintf("%d", 90+i%7), fmt.Sprintf("%d", i%3))},
			Asks:     []Level{lvl(fmt.Sprintf("%d", 101+i%5), fmt.Sprintf("%d", (i+1)%4))},
		}
		require.Equal(t, OutcomeApplied, r.ApplyOrResync("BTC/USD", d))
		reference.Apply(d)
	}

	got, ok := r.Book("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, reference.Snapshot(0), got)
}

func TestReconciler_StaleDeltaDropped(t *testing.T) {
	fetcher, _ := snapshots(baseSnapshot(10))
	r := NewReconciler(DefaultConfig(), fetcher, nil, nil)
	r.Track("BTC/USD", "t", &recordingPublisher{})
	require.NoError(t, r.LoadSnapshot(context.Background(), "BTC/USD"))

	before, _ := r.Book("BTC/USD")
	assert.Equal(t, OutcomeStale, r.ApplyOrResync("BTC/USD", delta(10, lvl("50", "1"))))
	assert.Equal(t, OutcomeStale, r.ApplyOrResync("BTC/USD", delta(3, lvl("50", "1"))))
	after, _ := r.Book("BTC/USD")

	assert.Equal(t, before, after)
	assert.Equal(t, int64(2), r.Stats().Stale)
}

func TestReconciler_GapTriggersSingleResync(t *testing.T) {
	fresh := Snapshot{Sequence: 15, Bids: []Level{lvl("200", "1")}}
	fetcher, calls := snapshots(baseSnapshot(10), fresh)
	listener := &recordingListener{}
	r := NewReconciler(DefaultConfig(), fetcher, listener, nil)
	r.Track("BTC/USD", "t", &recordingPublisher{})
	require.NoError(t, r.LoadSnapshot(context.Background(), "BTC/USD"))

	assert.Equal(t, OutcomeApplied, r.ApplyOrResync("BTC/USD", delta(11, lvl("98", "1"))))
	assert.Equal(t, OutcomeApplied, r.ApplyOrResync("BTC/USD", delta(12, lvl("97", "1"))))
	assert.Equal(t, OutcomeResync, r.ApplyOrResync("BTC/USD", delta(15, lvl("96", "1"))))
	// Further deltas are cached, not reported as new gaps.
	assert.Equal(t, OutcomeBuffered, r.ApplyOrResync("BTC/USD", delta(16, lvl("95", "1"))))

	assert.Equal(t, StatusAwaitingSnapshot, r.State("BTC/USD"))
	assert.Equal(t, int64(1), r.Stats().Resyncs)
	assert.Equal(t, 1, listener.gaps)

	require.NoError(t, r.LoadSnapshot(context.Background(), "BTC/USD"))
	assert.Equal(t, int64(2), calls.Load())

	book, ok := r.Book("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, int64(16), book.Sequence)
	assert.Equal(t, []string{"200", "95"}, prices(book.Bids))
	assert.Equal(t, 2, listener.synced)
}

func TestReconciler_RetriesStaleSnapshot(t *testing.T) {
	fetcher, calls := snapshots(baseSnapshot(5), baseSnapshot(20))
	r := NewReconciler(Config{CacheSize: 10, MaxRetries: 3}, fetcher, nil, nil)
	r.Track("BTC/USD", "t", &recordingPublisher{})

	r.ApplyOrResync("BTC/USD", delta(20))
	r.ApplyOrResync("BTC/USD", delta(21, lvl("90", "1")))

	require.NoError(t, r.LoadSnapshot(context.Background(), "BTC/USD"))
	assert.Equal(t, int64(2), calls.Load())

	book, _ := r.Book("BTC/USD")
	assert.Equal(t, int64(21), book.Sequence)
}

func TestReconciler_ResyncExhausted(t *testing.T) {
	fetcher, calls := snapshots(baseSnapshot(5))
	r := NewReconciler(Config{CacheSize: 10, MaxRetries: 3}, fetcher, nil, nil)
	pub := &recordingPublisher{waiting: true}
	r.Track("BTC/USD", "orderbook:BTC/USD", pub)
	r.ApplyOrResync("BTC/USD", delta(30))

	err := r.LoadSnapshot(context.Background(), "BTC/USD")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResyncExhausted)
	assert.ErrorIs(t, err, ErrSnapshotBehind)

	var exhausted *ResyncExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, int64(3), calls.Load())

	assert.Equal(t, StatusUninitialized, r.State("BTC/USD"))
	require.Len(t, pub.rejected, 1)
	assert.ErrorIs(t, pub.rejected[0], ErrResyncExhausted)
	assert.Equal(t, OutcomeUntracked, r.ApplyOrResync("BTC/USD", delta(31)))
	assert.Equal(t, int64(1), r.Stats().Exhausted)
}

func TestReconciler_FetchErrorsCountAsAttempts(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int64
	fetcher := SnapshotFetcherFunc(func(ctx context.Context, symbol string) (Snapshot, error) {
		calls.Add(1)
		return Snapshot{}, boom
	})
	r := NewReconciler(Config{MaxRetries: 2}, fetcher, nil, nil)
	r.Track("BTC/USD", "t", &recordingPublisher{})

	err := r.LoadSnapshot(context.Background(), "BTC/USD")
	assert.ErrorIs(t, err, ErrResyncExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(2), calls.Load())
}

func TestReconciler_CancelledCallerLeavesLoadRunning(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	fetcher := SnapshotFetcherFunc(func(ctx context.Context, symbol string) (Snapshot, error) {
		calls.Add(1)
		select {
		case <-release:
			return baseSnapshot(5), nil
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	})
	r := NewReconciler(DefaultConfig(), fetcher, nil, nil)
	defer r.Close()
	r.Track("BTC/USD", "t", &recordingPublisher{})

	patient := make(chan error, 1)
	go func() { patient <- r.LoadSnapshot(context.Background(), "BTC/USD") }()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.LoadSnapshot(ctx, "BTC/USD"), context.DeadlineExceeded)

	close(release)
	select {
	case err := <-patient:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shared load did not finish")
	}

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, StatusSynchronized, r.State("BTC/USD"))
	assert.Equal(t, OutcomeApplied, r.ApplyOrResync("BTC/USD", delta(6)))
}

func TestReconciler_AbandonedLoadRequestsResync(t *testing.T) {
	started := make(chan struct{})
	fetcher := SnapshotFetcherFunc(func(ctx context.Context, symbol string) (Snapshot, error) {
		close(started)
		<-ctx.Done()
		return Snapshot{}, ctx.Err()
	})
	r := NewReconciler(DefaultConfig(), fetcher, nil, nil)
	r.Track("BTC/USD", "t", &recordingPublisher{})

	done := make(chan error, 1)
	go func() { done <- r.LoadSnapshot(context.Background(), "BTC/USD") }()
	<-started
	r.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("load did not stop on Close")
	}
	assert.Equal(t, StatusAwaitingSnapshot, r.State("BTC/USD"))

	// Nothing is loading any more, so the next delta asks for a new load once.
	assert.Equal(t, OutcomeResync, r.ApplyOrResync("BTC/USD", delta(6)))
	assert.Equal(t, OutcomeBuffered, r.ApplyOrResync("BTC/USD", delta(7)))

	// Loads after Close return at once and do not re-arm the request.
	assert.ErrorIs(t, r.LoadSnapshot(context.Background(), "BTC/USD"), context.Canceled)
	assert.Equal(t, OutcomeBuffered, r.ApplyOrResync("BTC/USD", delta(8)))
}

func TestReconciler_OlderStreamSnapshotIsStale(t *testing.T) {
	fetcher, _ := snapshots(baseSnapshot(10))
	r := NewReconciler(DefaultConfig(), fetcher, nil, nil)
	r.Track("BTC/USD", "t", &recordingPublisher{})
	require.NoError(t, r.LoadSnapshot(context.Background(), "BTC/USD"))
	require.Equal(t, OutcomeApplied, r.ApplyOrResync("BTC/USD", delta(11, lvl("98", "1"))))
	require.Equal(t, OutcomeApplied, r.ApplyOrResync("BTC/USD", delta(12, lvl("97", "1"))))

	for _, seq := range []int64{4, 12} {
		old := baseSnapshot(seq)
		old.Symbol = "BTC/USD"
		assert.Equal(t, OutcomeStale, r.ApplySnapshot("BTC/USD", old), "sequence %d", seq)
	}

	book, ok := r.Book("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, int64(12), book.Sequence)
	assert.Equal(t, []string{"100", "99", "98", "97"}, prices(book.Bids))
	assert.Equal(t, int64(2), r.Stats().Stale)

	newer := baseSnapshot(20)
	newer.Symbol = "BTC/USD"
	assert.Equal(t, OutcomeApplied, r.ApplySnapshot("BTC/USD", newer))
	book, _ = r.Book("BTC/USD")
	assert.Equal(t, int64(20), book.Sequence)
}

func TestReconciler_CacheDropsOldest(t *testing.T) {
	fetcher, _ := snapshots(Snapshot{Sequence: 7})
	r := NewReconciler(Config{CacheSize: 3, MaxRetries: 1}, fetcher, nil, nil)
	r.Track("BTC/USD", "t", &recordingPublisher{})

	// A three-entry cache keeps only 8, 9 and 10.
	for seq := int64(1); seq <= 10; seq++ {
		r.ApplyOrResync("BTC/USD", delta(seq, lvl(fmt.Sprintf("%d", seq), "1")))
	}

	require.NoError(t, r.LoadSnapshot(context.Background(), "BTC/USD"))
	book, _ := r.Book("BTC/USD")
	assert.Equal(t, int64(10), book.Sequence)
	assert.Equal(t, []string{"10", "9", "8"}, prices(book.Bids))
}

func TestReconciler_ConcurrentLoadsShareFetch(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	fetcher := SnapshotFetcherFunc(func(ctx context.Context, symbol string) (Snapshot, error) {
		calls.Add(1)
		<-release
		return baseSnapshot(1), nil
	})
	r := NewReconciler(DefaultConfig(), fetcher, nil, nil)
	r.Track("BTC/USD", "t", &recordingPublisher{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.LoadSnapshot(context.Background(), "BTC/USD"))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
}

func TestReconciler_InvalidateByPublisher(t *testing.T) {
	fetcher, _ := snapshots(baseSnapshot(1))
	r := NewReconciler(DefaultConfig(), fetcher, nil, nil)
	a, b := &recordingPublisher{}, &recordingPublisher{}
	r.Track("BTC/USD", "t1", a)
	r.Track("ETH/USD", "t2", b)
	require.NoError(t, r.LoadSnapshot(context.Background(), "BTC/USD"))
	require.NoError(t, r.LoadSnapshot(context.Background(), "ETH/USD"))

	symbols := r.Invalidate(a)

	assert.Equal(t, []string{"BTC/USD"}, symbols)
	assert.Equal(t, StatusAwaitingSnapshot, r.State("BTC/USD"))
	assert.Equal(t, StatusSynchronized, r.State("ETH/USD"))
}

func TestReconciler_Reset(t *testing.T) {
	fetcher, calls := snapshots(baseSnapshot(1), baseSnapshot(7))
	r := NewReconciler(DefaultConfig(), fetcher, nil, nil)
	r.Track("BTC/USD", "t1", &recordingPublisher{})
	r.Track("ETH/USD", "t2", &recordingPublisher{})
	require.NoError(t, r.LoadSnapshot(context.Background(), "BTC/USD"))

	assert.False(t, r.Reset("NOPE"))
	require.True(t, r.Reset("BTC/USD"))
	assert.Equal(t, StatusAwaitingSnapshot, r.State("BTC/USD"))
	assert.Equal(t, int64(1), r.Stats().Resyncs)

	require.NoError(t, r.LoadSnapshot(context.Background(), "BTC/USD"))
	book, ok := r.Book("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, int64(7), book.Sequence)
	assert.Equal(t, int64(2), calls.Load())
}

func TestReconciler_ApplySnapshotFromStream(t *testing.T) {
	r := NewReconciler(DefaultConfig(), nil, nil, nil)
	r.Track("BTC/USD", "t", &recordingPublisher{})
	r.ApplyOrResync("BTC/USD", delta(4, lvl("90", "1")))

	assert.Equal(t, OutcomeApplied, r.ApplySnapshot("BTC/USD", baseSnapshot(3)))
	book, _ := r.Book("BTC/USD")
	assert.Equal(t, int64(4), book.Sequence)

	r.Track("ETH/USD", "t2", &recordingPublisher{})
	r.ApplyOrResync("ETH/USD", delta(9))
	assert.Equal(t, OutcomeResync, r.ApplySnapshot("ETH/USD", baseSnapshot(3)))
	assert.Equal(t, StatusAwaitingSnapshot, r.State("ETH/USD"))
}

func TestReconciler_UntrackedLoad(t *testing.T) {
	r := NewReconciler(DefaultConfig(), nil, nil, nil)
	err := r.LoadSnapshot(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrNotTracked)
	assert.Equal(t, OutcomeUntracked, r.ApplyOrResync("NOPE", delta(1)))
}

func TestCacheIndex(t *testing.T) {
	seqs := func(s ...int64) []Delta {
		out := make([]Delta, len(s))
		for i, v := range s {
			out[i] = Delta{Sequence: v}
		}
		return out
	}

	tests := []struct {
		name   string
		seq    int64
		cached []Delta
		want   int
	}{
		{"empty cache", 10, nil, 0},
		{"continuation at head", 10, seqs(11, 12), 0},
		{"continuation mid cache", 10, seqs(8, 9, 10, 11), 3},
		{"snapshot covers all", 10, seqs(8, 9, 10), 3},
		{"cache ahead of snapshot", 10, seqs(13, 14), -1},
		{"hole after covered prefix", 10, seqs(9, 10, 12), -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cacheIndex(tt.seq, tt.cached))
		})
	}
}
