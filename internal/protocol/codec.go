package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/orderbook"
)

// Errors
var (
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing field")
)

// Codec decodes venue frames. It is stateless and safe for concurrent use.
type Codec struct {
	now func() time.Time
}

var _ connection.Codec = (*Codec)(nil)

// NewCodec creates a Codec.
func NewCodec() *Codec {
	return &Codec{now: time.Now}
}

// Decode implements connection.Codec.
func (c *Codec) Decode(data []byte) (connection.Inbound, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return connection.Inbound{}, fmt.Errorf("unmarshal frame: %w", err)
	}

	switch f.Type {
	case TypeHeartbeat, TypeSubscribed, TypeUnsubscribed:
		return connection.Inbound{Kind: connection.KindIgnore}, nil

	case TypeError:
		var m ErrorMsg
		if err := json.Unmarshal(f.Msg, &m); err != nil {
			return connection.Inbound{}, fmt.Errorf("unmarshal error msg: %w", err)
		}
		return connection.Inbound{
			Kind:  connection.KindError,
			Topic: Topic(m.Channel, model.UnifiedSymbol(m.Symbol)),
			Err:   &VenueError{Code: m.Code, Message: m.Message},
		}, nil

	case TypeTicker:
		symbol, topic, err := f.route()
		if err != nil {
			return connection.Inbound{}, err
		}
		var m TickerMsg
		if err := json.Unmarshal(f.Msg, &m); err != nil {
			return connection.Inbound{Topic: topic}, fmt.Errorf("unmarshal ticker: %w", err)
		}
		return connection.Inbound{
			Kind:   connection.KindResult,
			Topic:  topic,
			Symbol: symbol,
			Value: model.Ticker{
				Symbol:     symbol,
				Timestamp:  f.Timestamp,
				ReceivedAt: model.Millis(c.now()),
				Bid:        m.Bid,
				Ask:        m.Ask,
				Last:       m.Last,
				Volume:     m.Volume,
			},
		}, nil

	case TypeTrade:
		symbol, topic, err := f.route()
		if err != nil {
			return connection.Inbound{}, err
		}
		var msgs []TradeMsg
		if err := json.Unmarshal(f.Msg, &msgs); err != nil {
			return connection.Inbound{Topic: topic}, fmt.Errorf("unmarshal trades: %w", err)
		}
		received := model.Millis(c.now())
		trades := make([]model.Trade, len(msgs))
		for i, m := range msgs {
			trades[i] = m.Trade(symbol)
			trades[i].ReceivedAt = received
		}
		return connection.Inbound{Kind: connection.KindResult, Topic: topic, Symbol: symbol, Value: trades}, nil

	case TypeBookSnapshot, TypeBookDelta:
		symbol, topic, err := f.route()
		if err != nil {
			return connection.Inbound{}, err
		}
		var m BookMsg
		if err := json.Unmarshal(f.Msg, &m); err != nil {
			return connection.Inbound{Topic: topic}, fmt.Errorf("unmarshal book: %w", err)
		}
		m.Sequence = f.Seq
		m.Timestamp = f.Timestamp
		snap := m.Snapshot(symbol)

		if f.Type == TypeBookSnapshot {
			return connection.Inbound{Kind: connection.KindSnapshot, Topic: topic, Symbol: symbol, Snapshot: snap}, nil
		}
		return connection.Inbound{
			Kind:   connection.KindDelta,
			Topic:  topic,
			Symbol: symbol,
			Delta: orderbook.Delta{
				Symbol:    symbol,
				Sequence:  snap.Sequence,
				Timestamp: snap.Timestamp,
				Bids:      snap.Bids,
				Asks:      snap.Asks,
			},
		}, nil
	}

	return connection.Inbound{}, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
}

// route returns the unified symbol and topic of a data frame.
func (f Frame) route() (symbol, topic string, err error) {
	if f.Channel == "" || f.Symbol == "" {
		return "", "", fmt.Errorf("%s frame: %w: channel or symbol", f.Type, ErrMissingField)
	}
	symbol = model.UnifiedSymbol(f.Symbol)
	return symbol, Topic(f.Channel, symbol), nil
}
