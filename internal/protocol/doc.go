// Package protocol implements the wire format of the reference venue: JSON
// command frames sent on the stream, and the response and data frames
// decoded into connection.Inbound values.
//
// Outbound:
//
//	{"id":"<uuid>","cmd":"subscribe","params":{"channel":"orderbook","symbol":"BTC-USD"}}
//
// Inbound responses echo the id; data frames carry a type, the channel and
// symbol, and for order books a per-symbol sequence number:
//
//	{"id":"<uuid>","type":"subscribed","msg":{"channel":"orderbook","symbol":"BTC-USD"}}
//	{"type":"book_delta","channel":"orderbook","symbol":"BTC-USD","seq":101,"ts":1705321845123,"msg":{"bids":[["100.5","0"]],"asks":[]}}
package protocol
