package api

import (
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/protocol"
)

// OrderBookResponse from GET /orderbook
type OrderBookResponse struct {
	Symbol string           `json:"symbol"`
	Book   protocol.BookMsg `json:"book"`
}

// TradesResponse from GET /trades
type TradesResponse struct {
	Symbol string              `json:"symbol"`
	Trades []protocol.TradeMsg `json:"trades"`
	Cursor string              `json:"cursor"` // Opaque token for the next page, empty on the last
}

// TradesQuery filters GET /trades. Zero values are omitted.
type TradesQuery struct {
	Since  int64 // ms since epoch, inclusive
	Until  int64 // ms since epoch, exclusive
	Limit  int
	Cursor string
	Page   int
}

// TradesPage is one decoded page of trades.
type TradesPage struct {
	Trades []model.Trade
	Cursor string
}
