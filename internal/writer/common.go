package writer

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/orderbook"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// tradeNamespace seeds synthetic ids for trades the venue sent without one.
var tradeNamespace = uuid.MustParse("6f1c1b52-4a9e-4c53-9a57-3f0ad1d1c0de")

// numeric returns d as a NUMERIC literal, or nil (NULL) when zero.
func numeric(d decimal.Decimal) any {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

// levelsToJSONB encodes levels as [[price, size], ...] with string numbers.
func levelsToJSONB(levels []orderbook.Level) []byte {
	out := make([][2]string, len(levels))
	for i, l := range levels {
		out[i] = [2]string{l.Price.String(), l.Size.String()}
	}
	data, _ := json.Marshal(out)
	return data
}

// bestPrice returns the price of the first level, or the zero decimal.
func bestPrice(levels []orderbook.Level) decimal.Decimal {
	if len(levels) == 0 {
		return decimal.Zero
	}
	return levels[0].Price
}

// tradeID returns the venue id, or a deterministic UUID derived from the
// trade's content so re-fetched trades still conflict.
func tradeID(t model.Trade) string {
	if t.ID != "" {
		return t.ID
	}
	key := fmt.Sprintf("%s|%d|%s|%s|%s", t.Symbol, t.Timestamp, t.Price, t.Amount, t.Side)
	return uuid.NewSHA1(tradeNamespace, []byte(key)).String()
}

func transformSnapshot(s orderbook.Snapshot) bookRow {
	bid, ask := bestPrice(s.Bids), bestPrice(s.Asks)
	var spread decimal.Decimal
	if !bid.IsZero() && !ask.IsZero() {
		spread = ask.Sub(bid)
	}
	ts := s.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return bookRow{
		SnapshotID: uuid.NewString(),
		Symbol:     s.Symbol,
		Sequence:   s.Sequence,
		SnapshotTs: model.Millis(ts),
		Bids:       levelsToJSONB(s.Bids),
		Asks:       levelsToJSONB(s.Asks),
		BestBid:    numeric(bid),
		BestAsk:    numeric(ask),
		Spread:     numeric(spread),
	}
}

func transformTicker(t model.Ticker) tickerRow {
	return tickerRow{
		Timestamp:  t.Timestamp,
		ReceivedAt: t.ReceivedAt,
		Symbol:     t.Symbol,
		Bid:        numeric(t.Bid),
		Ask:        numeric(t.Ask),
		Last:       numeric(t.Last),
		Volume:     numeric(t.Volume),
	}
}

func transformTrade(t model.Trade) tradeRow {
	return tradeRow{
		TradeID:    tradeID(t),
		Symbol:     t.Symbol,
		Timestamp:  t.Timestamp,
		ReceivedAt: t.ReceivedAt,
		Price:      t.Price.String(),
		Amount:     t.Amount.String(),
		Side:       t.Side,
	}
}
