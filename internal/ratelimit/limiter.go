// Package ratelimit paces outbound requests with a FIFO token bucket.
//
// Token arithmetic is delegated to golang.org/x/time/rate, which refills
// lazily from elapsed time. The limiter only ever asks the bucket whether a
// request fits right now (AllowN) so the token count never goes negative, and
// it keeps its own arrival-ordered queue so waiters are served first come,
// first served.
package ratelimit

import (
	"container/list"
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited is returned by collaborators when a venue rejects a request
	// for exceeding its rate limit. The limiter never retries on it.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrQueueFull is returned by Acquire when MaxQueue callers are already waiting.
	ErrQueueFull = errors.New("rate limiter queue full")
)

// IsRateLimited reports whether err is, or wraps, ErrRateLimited.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// scale converts fractional costs into the integer units x/time/rate works in.
const scale = 1000

// DefaultMaxQueue is the queue bound used by FromInterval.
const DefaultMaxQueue = 1000

// minDelay bounds how often the queue head re-checks the bucket.
const minDelay = time.Millisecond

// Config configures a Limiter.
type Config struct {
	Capacity        float64 // Maximum tokens held (burst)
	RefillPerSecond float64 // Tokens added per second; <= 0 disables limiting
	Cost            float64 // Cost used by Wait
	MaxQueue        int     // Max queued callers; 0 = unbounded
}

// DefaultConfig returns a bucket of one token refilled every 50ms.
func DefaultConfig() Config {
	return FromInterval(50*time.Millisecond, 1)
}

// FromInterval builds a Config that admits one unit-cost request per interval.
func FromInterval(interval time.Duration, capacity float64) Config {
	cfg := Config{Capacity: capacity, Cost: 1, MaxQueue: DefaultMaxQueue}
	if interval > 0 {
		cfg.RefillPerSecond = float64(time.Second) / float64(interval)
	}
	return cfg
}

// Limiter is a token bucket with a FIFO wait queue. It is safe for concurrent use.
type Limiter struct {
	cfg    Config
	bucket *rate.Limiter
	burst  int
	now    func() time.Time

	mu    sync.Mutex
	queue *list.List // *waiter, arrival order
}

type waiter struct {
	n    int
	wake chan struct{}
}

// New creates a Limiter that starts full.
func New(cfg Config) *Limiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.Cost <= 0 {
		cfg.Cost = 1
	}

	burst := int(math.Round(cfg.Capacity * scale))
	limit := rate.Inf
	if cfg.RefillPerSecond > 0 {
		limit = rate.Limit(cfg.RefillPerSecond * scale)
	}

	return &Limiter{
		cfg:    cfg,
		bucket: rate.NewLimiter(limit, burst),
		burst:  burst,
		now:    time.Now,
		queue:  list.New(),
	}
}

// Config returns the limiter configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Wait acquires the configured default cost.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.Acquire(ctx, l.cfg.Cost)
}

// Acquire suspends the caller until cost tokens are available and deducts them.
// Costs above capacity are clamped to capacity. A cost of zero or less returns
// immediately. If ctx ends first, only this caller leaves the queue. When
// MaxQueue callers are already waiting it fails at once with ErrQueueFull.
func (l *Limiter) Acquire(ctx context.Context, cost float64) error {
	n := l.units(cost)
	if n == 0 {
		return nil
	}

	l.mu.Lock()
	if l.queue.Len() == 0 && l.bucket.AllowN(l.now(), n) {
		l.mu.Unlock()
		return nil
	}
	if l.cfg.MaxQueue > 0 && l.queue.Len() >= l.cfg.MaxQueue {
		l.mu.Unlock()
		return ErrQueueFull
	}
	w := &waiter{n: n, wake: make(chan struct{}, 1)}
	elem := l.queue.PushBack(w)
	l.mu.Unlock()

	for {
		l.mu.Lock()
		delay := time.Duration(-1)
		if l.queue.Front() == elem {
			now := l.now()
			if l.bucket.AllowN(now, n) {
				l.queue.Remove(elem)
				l.wakeHead()
				l.mu.Unlock()
				return nil
			}
			delay = l.deficit(now, n)
		}
		l.mu.Unlock()

		// Only the head sleeps on a timer; everyone else waits to be woken.
		var timer *time.Timer
		var fire <-chan time.Time
		if delay >= 0 {
			timer = time.NewTimer(delay)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			l.mu.Lock()
			wasHead := l.queue.Front() == elem
			l.queue.Remove(elem)
			if wasHead {
				l.wakeHead()
			}
			l.mu.Unlock()
			return ctx.Err()
		case <-w.wake:
		case <-fire:
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// Tokens returns the tokens currently available.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucket.TokensAt(l.now()) / scale
}

// Waiting returns the number of queued callers.
func (l *Limiter) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}

// units converts a cost into bucket units, clamped to the burst.
func (l *Limiter) units(cost float64) int {
	if cost <= 0 || math.IsNaN(cost) {
		return 0
	}
	if cost >= l.cfg.Capacity {
		return l.burst
	}
	return min(int(math.Ceil(cost*scale)), l.burst)
}

// deficit returns how long the head must sleep before n units fit.
// Must be called with mu held.
func (l *Limiter) deficit(now time.Time, n int) time.Duration {
	missing := float64(n) - l.bucket.TokensAt(now)
	limit := float64(l.bucket.Limit())
	if missing <= 0 || limit <= 0 || math.IsInf(limit, 1) {
		return minDelay
	}
	d := time.Duration(missing / limit * float64(time.Second))
	if d < minDelay {
		d = minDelay
	}
	return d
}

// wakeHead nudges the current queue head. Must be called with mu held.
func (l *Limiter) wakeHead() {
	front := l.queue.Front()
	if front == nil {
		return
	}
	select {
	case front.Value.(*waiter).wake <- struct{}{}:
	default:
	}
}
