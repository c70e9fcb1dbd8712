// Package model defines market data types shared by the REST client, the
// stream protocol and the writers.
//
// Conventions:
//   - Prices and amounts: shopspring decimal, never float64
//   - Timestamps: int64 milliseconds since Unix epoch
//   - Symbols: unified "BASE/QUOTE" form (e.g. "BTC/USD")
package model
