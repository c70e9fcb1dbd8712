package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rickgao/marketstream/internal/model"
)

// GetTrades fetches one page of public trades for a unified symbol.
func (c *Client) GetTrades(ctx context.Context, symbol string, q TradesQuery) (TradesPage, error) {
	query := url.Values{}
	query.Set("symbol", model.VenueSymbol(symbol))
	if q.Since > 0 {
		query.Set("since", strconv.FormatInt(q.Since, 10))
	}
	if q.Until > 0 {
		query.Set("until", strconv.FormatInt(q.Until, 10))
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		query.Set("cursor", q.Cursor)
	}
	if q.Page > 0 {
		query.Set("page", strconv.Itoa(q.Page))
	}

	var resp TradesResponse
	if err := c.get(ctx, "/trades", query, &resp); err != nil {
		return TradesPage{}, fmt.Errorf("get trades %s: %w", symbol, err)
	}

	return resp.ToPage(symbol), nil
}
