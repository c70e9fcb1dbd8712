// Package connection multiplexes logical subscriptions over WebSocket
// connections.
//
// A Conn owns one socket and:
//   - sends each subscribe frame at most once per subscribe key, paced by a rate limiter
//   - settles callers through per-topic pending calls
//   - forwards order book frames to a BookSink
//   - reconnects with exponential backoff and replays its subscriptions
//
// A Registry hands out one Conn per URL.
package connection
