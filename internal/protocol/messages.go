package protocol

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/orderbook"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Channels
const (
	ChannelOrderBook = "orderbook"
	ChannelTicker    = "ticker"
	ChannelTrades    = "trades"
)

// Message types
const (
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
	TypeHeartbeat    = "heartbeat"
	TypeTicker       = "ticker"
	TypeTrade        = "trade"
	TypeBookSnapshot = "book_snapshot"
	TypeBookDelta    = "book_delta"
)

// Command is a stream command sent to the venue.
type Command struct {
	ID     string `json:"id"`
	Cmd    string `json:"cmd"` // "subscribe" or "unsubscribe"
	Params Params `json:"params"`
}

// Params identify one channel of one symbol.
type Params struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol,omitempty"` // venue form, e.g. "BTC-USD"
}

// Frame is the envelope shared by responses and data messages.
type Frame struct {
	ID        string              `json:"id,omitempty"`
	Type      string              `json:"type"`
	Channel   string              `json:"channel,omitempty"`
	Symbol    string              `json:"symbol,omitempty"`
	Seq       int64               `json:"seq,omitempty"`
	Timestamp int64               `json:"ts,omitempty"` // ms since epoch
	Msg       jsoniter.RawMessage `json:"msg,omitempty"`
}

// AckMsg is the message content for "subscribed" and "unsubscribed" responses.
type AckMsg struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

// ErrorMsg is the message content for an "error" response.
type ErrorMsg struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// VenueError is an error reported by the venue.
type VenueError struct {
	Code    string
	Message string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue error %s: %s", e.Code, e.Message)
}

// WireLevel is a [price, size] pair. Both forms "1.5" and 1.5 decode.
type WireLevel [2]decimal.Decimal

// BookMsg is the content of book frames and of the REST order book response.
type BookMsg struct {
	Sequence  int64       `json:"seq,omitempty"`
	Timestamp int64       `json:"ts,omitempty"`
	Bids      []WireLevel `json:"bids"`
	Asks      []WireLevel `json:"asks"`
}

// Snapshot converts the message into a book snapshot for a unified symbol.
func (m BookMsg) Snapshot(symbol string) orderbook.Snapshot {
	var ts time.Time
	if m.Timestamp > 0 {
		ts = model.FromMillis(m.Timestamp)
	}
	return orderbook.Snapshot{
		Symbol:    symbol,
		Sequence:  m.Sequence,
		Timestamp: ts,
		Bids:      levels(m.Bids),
		Asks:      levels(m.Asks),
	}
}

func levels(wire []WireLevel) []orderbook.Level {
	out := make([]orderbook.Level, len(wire))
	for i, l := range wire {
		out[i] = orderbook.Level{Price: l[0], Size: l[1]}
	}
	return out
}

// TickerMsg is the content of a ticker frame.
type TickerMsg struct {
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	Volume decimal.Decimal `json:"volume"`
}

// TradeMsg is one trade in a trade frame or REST trades page.
type TradeMsg struct {
	ID        string          `json:"id"`
	Timestamp int64           `json:"ts"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Side      string          `json:"side"`
}

// Trade converts the message into a model trade for a unified symbol.
func (m TradeMsg) Trade(symbol string) model.Trade {
	return model.Trade{
		ID:        m.ID,
		Symbol:    symbol,
		Timestamp: m.Timestamp,
		Price:     m.Price,
		Amount:    m.Amount,
		Side:      m.Side,
	}
}
