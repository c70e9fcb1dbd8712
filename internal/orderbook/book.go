package orderbook

import (
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/shopspring/decimal"
)

// Book holds the two sides of one symbol's order book. Prices are keyed by
// decimal value, so "1.0" and "1.00" address the same level.
//
// Book is not safe for concurrent use; the Reconciler guards it.
type Book struct {
	symbol    string
	bids      *redblacktree.Tree // best (highest) first
	asks      *redblacktree.Tree // best (lowest) first
	sequence  int64
	timestamp time.Time
}

func bidComparator(a, b interface{}) int {
	return b.(decimal.Decimal).Cmp(a.(decimal.Decimal))
}

func askComparator(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

// NewBook creates an empty book.
func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   redblacktree.NewWith(bidComparator),
		asks:   redblacktree.NewWith(askComparator),
	}
}

// Reset replaces the book content with a snapshot.
func (b *Book) Reset(s Snapshot) {
	b.Clear()
	for _, l := range s.Bids {
		upsert(b.bids, l)
	}
	for _, l := range s.Asks {
		upsert(b.asks, l)
	}
	b.sequence = s.Sequence
	b.timestamp = s.Timestamp
}

// Apply upserts or removes the delta's levels and advances the sequence.
// Sequence checks are the caller's job.
func (b *Book) Apply(d Delta) {
	for _, l := range d.Bids {
		upsert(b.bids, l)
	}
	for _, l := range d.Asks {
		upsert(b.asks, l)
	}
	b.sequence = d.Sequence
	if !d.Timestamp.IsZero() {
		b.timestamp = d.Timestamp
	}
}

// Clear drops all levels and the sequence.
func (b *Book) Clear() {
	b.bids.Clear()
	b.asks.Clear()
	b.sequence = 0
	b.timestamp = time.Time{}
}

func upsert(side *redblacktree.Tree, l Level) {
	if l.Size.Sign() <= 0 {
		side.Remove(l.Price)
		return
	}
	side.Put(l.Price, l.Size)
}

// Symbol returns the book symbol.
func (b *Book) Symbol() string { return b.symbol }

// Sequence returns the sequence of the last applied snapshot or delta.
func (b *Book) Sequence() int64 { return b.sequence }

// Depth returns the number of bid and ask levels.
func (b *Book) Depth() (bids, asks int) {
	return b.bids.Size(), b.asks.Size()
}

// BestBid returns the highest bid.
func (b *Book) BestBid() (Level, bool) {
	return best(b.bids)
}

// BestAsk returns the lowest ask.
func (b *Book) BestAsk() (Level, bool) {
	return best(b.asks)
}

func best(side *redblacktree.Tree) (Level, bool) {
	node := side.Left()
	if node == nil {
		return Level{}, false
	}
	return Level{Price: node.Key.(decimal.Decimal), Size: node.Value.(decimal.Decimal)}, true
}

// Snapshot copies the book into a Snapshot, limited to depth levels per side
// (0 means all levels).
func (b *Book) Snapshot(depth int) Snapshot {
	return Snapshot{
		Symbol:    b.symbol,
		Sequence:  b.sequence,
		Timestamp: b.timestamp,
		Bids:      levels(b.bids, depth),
		Asks:      levels(b.asks, depth),
	}
}

func levels(side *redblacktree.Tree, depth int) []Level {
	n := side.Size()
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]Level, 0, n)
	it := side.Iterator()
	for it.Next() && len(out) < n {
		out = append(out, Level{
			Price: it.Key().(decimal.Decimal),
			Size:  it.Value().(decimal.Decimal),
		})
	}
	return out
}
