package writer

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/marketstream/internal/model"
)

func TestTickerWriter_Transform(t *testing.T) {
	row := transformTicker(model.Ticker{
		Symbol:     "BTC/USD",
		Timestamp:  1000,
		ReceivedAt: 1005,
		Bid:        decimal.RequireFromString("64000.5"),
		Ask:        decimal.RequireFromString("64001"),
		Last:       decimal.RequireFromString("64000.75"),
		Volume:     decimal.RequireFromString("12.5"),
	})

	if row.Symbol != "BTC/USD" || row.Timestamp != 1000 || row.ReceivedAt != 1005 {
		t.Errorf("row = %+v", row)
	}
	if row.Bid != "64000.5" {
		t.Errorf("Bid = %v, want 64000.5", row.Bid)
	}
	if row.Ask != "64001" {
		t.Errorf("Ask = %v, want 64001", row.Ask)
	}
	if row.Last != "64000.75" {
		t.Errorf("Last = %v, want 64000.75", row.Last)
	}
	if row.Volume != "12.5" {
		t.Errorf("Volume = %v, want 12.5", row.Volume)
	}
}

func TestTickerWriter_Transform_EmptyPrices(t *testing.T) {
	row := transformTicker(model.Ticker{Symbol: "BTC/USD"})

	if row.Bid != nil || row.Ask != nil || row.Last != nil || row.Volume != nil {
		t.Errorf("empty prices should be NULL, got %+v", row)
	}
}

func TestTickerWriter_FlushesAtBatchSize(t *testing.T) {
	db := newFakeDB(1)
	w := NewTickerWriter(Config{BatchSize: 2, FlushInterval: time.Hour}, db, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for i := range 5 {
		if !w.Add(model.Ticker{Symbol: "BTC/USD", Timestamp: int64(i)}) {
			t.Fatalf("Add(%d) = false", i)
		}
	}
	stopWriter(t, w.Stop)

	if got := db.batchSizes(); !slices.Equal(got, []int{2, 2, 1}) {
		t.Errorf("batch sizes = %v, want [2 2 1]", got)
	}
	stats := w.Stats()
	if stats.Inserts != 5 || stats.Flushes != 3 {
		t.Errorf("Inserts/Flushes = %d/%d, want 5/3", stats.Inserts, stats.Flushes)
	}
}

func TestTickerWriter_AddAfterStop(t *testing.T) {
	w := NewTickerWriter(DefaultConfig(), newFakeDB(1), nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	stopWriter(t, w.Stop)

	if w.Add(model.Ticker{Symbol: "BTC/USD"}) {
		t.Error("Add() after Stop = true, want false")
	}
	if got := w.Stats().Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

func TestTickerWriter_Stats(t *testing.T) {
	w := NewTickerWriter(DefaultConfig(), nil, nil)

	stats := w.Stats()

	if stats.Inserts != 0 {
		t.Errorf("initial Inserts = %d, want 0", stats.Inserts)
	}
	if stats.Errors != 0 {
		t.Errorf("initial Errors = %d, want 0", stats.Errors)
	}
	if stats.Flushes != 0 {
		t.Errorf("initial Flushes = %d, want 0", stats.Flushes)
	}
}
