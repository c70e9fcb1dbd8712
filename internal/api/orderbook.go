package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/orderbook"
)

// GetOrderBook fetches a full order book for a unified symbol. depth 0 means
// the venue default.
func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (orderbook.Snapshot, error) {
	query := url.Values{}
	query.Set("symbol", model.VenueSymbol(symbol))
	if depth > 0 {
		query.Set("depth", strconv.Itoa(depth))
	}

	var resp OrderBookResponse
	if err := c.get(ctx, "/orderbook", query, &resp); err != nil {
		return orderbook.Snapshot{}, fmt.Errorf("get orderbook %s: %w", symbol, err)
	}

	return resp.Book.Snapshot(symbol), nil
}

// SnapshotFetcher adapts GetOrderBook for the reconciler.
func (c *Client) SnapshotFetcher(depth int) orderbook.SnapshotFetcher {
	return orderbook.SnapshotFetcherFunc(func(ctx context.Context, symbol string) (orderbook.Snapshot, error) {
		return c.GetOrderBook(ctx, symbol, depth)
	})
}
