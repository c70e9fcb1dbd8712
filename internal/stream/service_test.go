package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/marketstream/internal/api"
	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/orderbook"
	"github.com/rickgao/marketstream/internal/paginate"
	"github.com/rickgao/marketstream/internal/protocol"
	"github.com/rickgao/marketstream/internal/ratelimit"
)

// venue is an in-process stream endpoint speaking the protocol package's
// wire format. Book subscriptions get deltas 11 and 12; ticker subscriptions
// get a ticker every 10ms.
type venue struct {
	server *httptest.Server

	mu       sync.Mutex
	commands []protocol.Command
}

func newVenue(t *testing.T) *venue {
	v := &venue{}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	v.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		write := func(frame string) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
		done := make(chan struct{})
		defer close(done)

		for {
			var cmd protocol.Command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			v.mu.Lock()
			v.commands = append(v.commands, cmd)
			v.mu.Unlock()
			for _, frame := range v.reply(cmd) {
				if err := write(frame); err != nil {
					return
				}
			}
			if cmd.Cmd == "subscribe" && cmd.Params.Channel == protocol.ChannelTicker {
				go tickers(cmd.Params.Symbol, write, done)
			}
		}
	}))
	t.Cleanup(v.server.Close)
	return v
}

func tickers(symbol string, write func(string) error, done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		frame := fmt.Sprintf(`{"type":"ticker","channel":"ticker","symbol":%q,"ts":1700000000000,"msg":{"bid":"99.5","ask":"100.5","last":"100","volume":"12"}}`, symbol)
		if err := write(frame); err != nil {
			return
		}
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (v *venue) url() string {
	return "ws" + strings.TrimPrefix(v.server.URL, "http")
}

func (v *venue) reply(cmd protocol.Command) []string {
	p := cmd.Params
	ack := fmt.Sprintf(`{"id":%q,"type":"%sd","msg":{"channel":%q,"symbol":%q}}`, cmd.ID, cmd.Cmd, p.Channel, p.Symbol)
	if cmd.Cmd != "subscribe" {
		return []string{ack}
	}
	if p.Channel == protocol.ChannelOrderBook {
		return []string{
			ack,
			fmt.Sprintf(`{"type":"book_delta","channel":"orderbook","symbol":%q,"seq":11,"ts":1700000000100,"msg":{"bids":[["100","2"]],"asks":[]}}`, p.Symbol),
			fmt.Sprintf(`{"type":"book_delta","channel":"orderbook","symbol":%q,"seq":12,"ts":1700000000200,"msg":{"bids":[],"asks":[["102","3"]]}}`, p.Symbol),
		}
	}
	return []string{ack}
}

func (v *venue) commandsFor(cmd string) []protocol.Command {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []protocol.Command
	for _, c := range v.commands {
		if c.Cmd == cmd {
			out = append(out, c)
		}
	}
	return out
}

func snapshotAt10(ctx context.Context, symbol string) (orderbook.Snapshot, error) {
	return orderbook.Snapshot{
		Symbol:   symbol,
		Sequence: 10,
		Bids:     []orderbook.Level{{Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1)}},
		Asks:     []orderbook.Level{{Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(1)}},
	}, nil
}

// pagedTrades serves 25 trades 10 at a time behind a numeric cursor.
type pagedTrades struct {
	mu      sync.Mutex
	queries []api.TradesQuery
}

func (p *pagedTrades) GetTrades(ctx context.Context, symbol string, q api.TradesQuery) (api.TradesPage, error) {
	p.mu.Lock()
	p.queries = append(p.queries, q)
	p.mu.Unlock()

	start, _ := strconv.Atoi(q.Cursor)
	end := min(start+q.Limit, 25)
	var page api.TradesPage
	for i := start; i < end; i++ {
		page.Trades = append(page.Trades, model.Trade{
			ID:        fmt.Sprintf("%s-%02d", symbol, i),
			Symbol:    symbol,
			Timestamp: 1_700_000_000_000 + int64(i)*1000,
			Price:     decimal.NewFromInt(100),
			Amount:    decimal.NewFromInt(1),
			Side:      model.SideBuy,
		})
	}
	if end < 25 && len(page.Trades) > 0 {
		page.Cursor = strconv.Itoa(end)
		page.Trades[len(page.Trades)-1].Cursor = page.Cursor
	}
	return page, nil
}

func newTestService(t *testing.T, url string, trades TradeSource) *Service {
	t.Helper()
	connCfg := connection.DefaultConfig()
	connCfg.RateLimit = ratelimit.Config{Capacity: 100, RefillPerSecond: 1000, Cost: 1}
	connCfg.Backoff = connection.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond}

	tcfg := connection.DefaultTransportConfig()
	tcfg.PingInterval = 0
	registry := connection.NewRegistry(connection.NewWebSocketDialer(tcfg, nil, nil), protocol.NewCodec(), nil)
	books := orderbook.NewReconciler(orderbook.DefaultConfig(), orderbook.SnapshotFetcherFunc(snapshotAt10), nil, nil)

	pag := paginate.DefaultOptions()
	pag.MaxEntriesPerRequest = 10

	svc := New(Config{
		URL:        url,
		Connection: connCfg,
		Pagination: pag,
		Strategy:   paginate.Cursor,
	}, registry, books, trades, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc
}

func TestService_WatchOrderBook(t *testing.T) {
	v := newVenue(t)
	svc := newTestService(t, v.url(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := svc.WatchOrderBook(ctx, "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USD", snap.Symbol)
	assert.GreaterOrEqual(t, snap.Sequence, int64(10))

	require.Eventually(t, func() bool {
		b, ok := svc.Book("BTC/USD")
		return ok && b.Sequence == 12
	}, 2*time.Second, 10*time.Millisecond)

	book, _ := svc.Book("BTC/USD")
	require.Len(t, book.Bids, 1)
	assert.True(t, book.Bids[0].Size.Equal(decimal.NewFromInt(2)))
	require.Len(t, book.Asks, 2)
	assert.True(t, book.Asks[1].Price.Equal(decimal.NewFromInt(102)))

	subs := v.commandsFor("subscribe")
	require.Len(t, subs, 1)
	assert.Equal(t, "BTC-USD", subs[0].Params.Symbol)
	assert.Equal(t, []string{"BTC/USD"}, svc.Symbols())
}

func TestService_ConcurrentWatchersShareSubscription(t *testing.T) {
	v := newVenue(t)
	svc := newTestService(t, v.url(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.WatchTicker(ctx, "ETH/USD")
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, v.commandsFor("subscribe"), 1)
}

func TestService_WatchTicker(t *testing.T) {
	v := newVenue(t)
	svc := newTestService(t, v.url(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tk, err := svc.WatchTicker(ctx, "ETH/USD")
	require.NoError(t, err)
	assert.Equal(t, "ETH/USD", tk.Symbol)
	assert.True(t, tk.Spread().Equal(decimal.NewFromInt(1)))
}

func TestService_Unwatch(t *testing.T) {
	v := newVenue(t)
	svc := newTestService(t, v.url(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := svc.WatchOrderBook(ctx, "BTC/USD")
	require.NoError(t, err)

	require.NoError(t, svc.Unwatch(ctx, protocol.ChannelOrderBook, "BTC/USD"))
	require.Eventually(t, func() bool {
		return len(v.commandsFor("unsubscribe")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := svc.Book("BTC/USD")
	assert.False(t, ok)
	assert.Empty(t, svc.Symbols())
}

func TestService_Resync(t *testing.T) {
	v := newVenue(t)
	svc := newTestService(t, v.url(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := svc.Resync(ctx, "BTC/USD")
	require.ErrorIs(t, err, orderbook.ErrNotTracked)

	_, err = svc.WatchOrderBook(ctx, "BTC/USD")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		b, ok := svc.Book("BTC/USD")
		return ok && b.Sequence == 12
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Resync(ctx, "BTC/USD"))
	book, ok := svc.Book("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, int64(10), book.Sequence)
}

func TestService_FetchTrades(t *testing.T) {
	src := &pagedTrades{}
	svc := newTestService(t, "ws://unused", src)

	trades, err := svc.FetchTrades(context.Background(), "BTC/USD", 0, 0)
	require.NoError(t, err)
	require.Len(t, trades, 25)
	assert.Equal(t, "BTC/USD-00", trades[0].ID)
	assert.Equal(t, "BTC/USD-24", trades[24].ID)

	src.mu.Lock()
	queries := slices.Clone(src.queries)
	src.mu.Unlock()
	require.Len(t, queries, 3)
	assert.Equal(t, "", queries[0].Cursor)
	assert.Equal(t, "10", queries[1].Cursor)
	assert.Equal(t, "20", queries[2].Cursor)

	limited, err := svc.FetchTrades(context.Background(), "BTC/USD", 1_700_000_005_000, 3)
	require.NoError(t, err)
	require.Len(t, limited, 3)
	assert.Equal(t, "BTC/USD-05", limited[0].ID)
}

func TestService_FetchTradesWithoutSource(t *testing.T) {
	svc := newTestService(t, "ws://unused", nil)
	_, err := svc.FetchTrades(context.Background(), "BTC/USD", 0, 0)
	require.Error(t, err)
}

func TestService_Close(t *testing.T) {
	v := newVenue(t)
	svc := newTestService(t, v.url(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := svc.WatchTicker(ctx, "ETH/USD")
	require.NoError(t, err)

	stats := svc.Stats()
	require.Len(t, stats.Connections, 1)
	assert.Equal(t, connection.StateOpen, stats.Connections[0].State)

	require.NoError(t, svc.Close(ctx))
	_, err = svc.WatchTicker(ctx, "ETH/USD")
	require.ErrorIs(t, err, ErrClosed)
}
