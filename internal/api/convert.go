package api

import (
	"github.com/rickgao/marketstream/internal/model"
)

// ToPage converts a trades response for a unified symbol. The page cursor is
// stamped on the last trade so cursor pagination can read it from the items.
func (r *TradesResponse) ToPage(symbol string) TradesPage {
	trades := make([]model.Trade, len(r.Trades))
	for i, m := range r.Trades {
		trades[i] = m.Trade(symbol)
	}
	if n := len(trades); n > 0 {
		trades[n-1].Cursor = r.Cursor
	}
	return TradesPage{Trades: trades, Cursor: r.Cursor}
}
