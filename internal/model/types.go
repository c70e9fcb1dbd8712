package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Trade sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Trade represents an executed trade.
type Trade struct {
	ID         string          // Venue trade id
	Symbol     string          // Unified symbol
	Timestamp  int64           // Exchange time (ms since epoch)
	ReceivedAt int64           // Local receive time (ms since epoch), 0 for REST
	Price      decimal.Decimal // Trade price
	Amount     decimal.Decimal // Base quantity
	Side       string          // Taker side: "buy" or "sell"
	Cursor     string          // Venue pagination cursor carried by the page, if any
}

// Cost returns price times amount.
func (t Trade) Cost() decimal.Decimal {
	return t.Price.Mul(t.Amount)
}

// Ticker is a best bid/ask and last price update.
type Ticker struct {
	Symbol     string
	Timestamp  int64 // Exchange time (ms since epoch)
	ReceivedAt int64
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Last       decimal.Decimal
	Volume     decimal.Decimal // 24h base volume
}

// Spread returns ask minus bid, or zero when either side is missing.
func (t Ticker) Spread() decimal.Decimal {
	if t.Bid.IsZero() || t.Ask.IsZero() {
		return decimal.Zero
	}
	return t.Ask.Sub(t.Bid)
}

// Millis converts a time to milliseconds since epoch.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts milliseconds since epoch to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// VenueSymbol converts a unified symbol to the venue form ("BTC/USD" -> "BTC-USD").
func VenueSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
}

// UnifiedSymbol converts a venue symbol back to the unified form.
func UnifiedSymbol(venue string) string {
	return strings.ReplaceAll(venue, "-", "/")
}
