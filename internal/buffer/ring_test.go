package buffer

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain pulls everything currently queued without blocking.
func drain[T any](r *Ring[T]) []T {
	var out []T
	for {
		v, ok := r.TryReceive()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func seq(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func TestRing_GrowableKeepsOrderAcrossGrowth(t *testing.T) {
	tests := []struct {
		name        string
		initial     int
		items       int
		minResizes  int
		minCapacity int
	}{
		{"below threshold", 10, 5, 0, 10},
		{"grows at 70 percent", 10, 7, 1, 11},
		{"many grows", 4, 100, 3, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewGrowable[int](tt.initial)
			for i := range tt.items {
				require.True(t, r.Send(i))
			}

			st := r.Stats()
			assert.Equal(t, tt.items, st.Count)
			assert.GreaterOrEqual(t, st.ResizeCount, tt.minResizes)
			assert.GreaterOrEqual(t, st.Capacity, tt.minCapacity)
			assert.Equal(t, seq(0, tt.items), drain(r))
			assert.Zero(t, r.Len())
		})
	}
}

func TestRing_GrowableWrapAround(t *testing.T) {
	r := NewGrowable[int](5)
	r.Send(1)
	r.Send(2)
	r.Send(3)
	r.TryReceive()
	r.TryReceive()

	// head is now mid-slice; the next sends wrap and then force a grow
	for _, v := range []int{4, 5, 6, 7, 8} {
		r.Send(v)
	}
	assert.Equal(t, []int{3, 4, 5, 6, 7, 8}, drain(r))
}

func TestRing_ReceiveBlocksUntilSend(t *testing.T) {
	r := NewGrowable[string](2)
	got := make(chan string, 1)
	go func() {
		if v, ok := r.Receive(); ok {
			got <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	r.Send("tick")

	select {
	case v := <-got:
		assert.Equal(t, "tick", v)
	case <-time.After(time.Second):
		t.Fatal("Receive did not wake on Send")
	}
}

func TestRing_CloseUnblocksReceive(t *testing.T) {
	r := NewGrowable[int](2)
	done := make(chan bool, 1)
	go func() {
		_, ok := r.Receive()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	r.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Receive")
	}
}

func TestRing_CloseKeepsQueuedItems(t *testing.T) {
	r := NewGrowable[int](4)
	r.Send(1)
	r.Send(2)
	r.Close()

	assert.False(t, r.Send(3))
	assert.Equal(t, []int{1, 2}, drain(r))

	_, ok := r.Receive()
	assert.False(t, ok, "closed and empty")
}

func TestRing_DrainTo(t *testing.T) {
	r := NewGrowable[int](16)
	for i := range 10 {
		r.Send(i)
	}

	assert.Equal(t, seq(0, 5), r.DrainTo(5))
	assert.Equal(t, 5, r.Len())
	assert.Equal(t, seq(5, 10), r.DrainTo(0))
	assert.Empty(t, r.DrainTo(3))
}

func TestRing_ConcurrentSendReceive(t *testing.T) {
	const n = 1000
	r := NewGrowable[int](8)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range n {
			r.Send(i)
		}
	}()

	got := make([]int, 0, n)
	for range n {
		v, ok := r.Receive()
		require.True(t, ok)
		got = append(got, v)
	}
	wg.Wait()

	// single producer, single consumer: order is preserved
	assert.True(t, slices.IsSorted(got))
	assert.Equal(t, seq(0, n), got)
}

func TestRing_Stats(t *testing.T) {
	r := NewGrowable[int](10)
	assert.Equal(t, Stats{Capacity: 10}, r.Stats())

	r.Send(1)
	r.Send(2)
	r.Send(3)
	r.TryReceive()
	r.TryReceive()

	st := r.Stats()
	assert.Equal(t, 1, st.Count)
	assert.EqualValues(t, 3, st.TotalReceived)
	assert.EqualValues(t, 2, st.TotalSent)
	assert.Zero(t, st.Dropped)
}

func TestRing_MinCapacity(t *testing.T) {
	assert.Equal(t, 1, NewGrowable[int](0).Cap())
	assert.Equal(t, 1, NewBounded[int](-5).Cap())
}

func TestRing_BoundedDropsOldest(t *testing.T) {
	r := NewBounded[int](3)
	for i := 1; i <= 5; i++ {
		require.True(t, r.Send(i))
	}

	assert.Equal(t, 3, r.Cap())
	assert.Equal(t, []int{3, 4, 5}, r.Items())

	st := r.Stats()
	assert.EqualValues(t, 2, st.Dropped)
	assert.Zero(t, st.TotalSent, "evictions are not deliveries")
}

func TestRing_ItemsDoesNotConsume(t *testing.T) {
	r := NewBounded[string](4)
	r.Send("a")
	r.Send("b")

	assert.Equal(t, []string{"a", "b"}, r.Items())
	assert.Equal(t, 2, r.Len())
}

func TestRing_Reset(t *testing.T) {
	r := NewBounded[int](2)
	r.Send(1)
	r.Send(2)
	r.Send(3)

	r.Reset()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Items())

	r.Send(9)
	assert.Equal(t, []int{9}, drain(r))
	assert.EqualValues(t, 1, r.Stats().Dropped, "Reset keeps counters")
}
