// Package api is the REST client of the reference venue.
//
// Every request waits on the REST rate limiter, is signed when credentials
// are configured, and is retried with jittered exponential backoff on 5xx.
// HTTP 429 is never retried here; the returned *APIError unwraps to
// ratelimit.ErrRateLimited so callers such as the paginator can abort.
//
// Endpoints:
//   - GET /orderbook?symbol=BTC-USD&depth=100
//   - GET /trades?symbol=BTC-USD&since=&until=&limit=&cursor=&page=
package api
