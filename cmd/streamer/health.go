package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/rickgao/marketstream/internal/config"
	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/orderbook"
	"github.com/rickgao/marketstream/internal/poller"
	"github.com/rickgao/marketstream/internal/stream"
	"github.com/rickgao/marketstream/internal/version"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// bookService is the part of *stream.Service the health server reads.
type bookService interface {
	Book(symbol string) (orderbook.Snapshot, bool)
	Symbols() []string
	Stats() stream.Stats
}

type health struct {
	cfg   *config.Config
	svc   bookService
	audit *poller.Poller // nil when disabled
	sinks *sinks         // nil when the database is disabled
}

func (h *health) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(h.cfg.Health.Path, h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/books", h.handleSymbols).Methods(http.MethodGet)
	r.HandleFunc("/books/{base}/{quote}", h.handleBook).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler(metrics.NewCollector(h.metricSources()))).Methods(http.MethodGet)
	return r
}

func (h *health) metricSources() metrics.Sources {
	src := metrics.Sources{Stream: h.svc.Stats}
	if h.sinks != nil {
		src.Writers = h.sinks.stats
	}
	if h.audit != nil {
		src.Audit = h.audit.Last
	}
	return src
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth reports healthy when every book is synchronized, degraded
// while some are resyncing, and unhealthy when the database is unreachable.
func (h *health) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats := h.svc.Stats()
	resp := struct {
		Status     string         `json:"status"`
		Instance   string         `json:"instance"`
		Version    string         `json:"version"`
		Components map[string]any `json:"components"`
	}{
		Status:     "healthy",
		Instance:   h.cfg.Instance.ID,
		Version:    version.String(),
		Components: make(map[string]any),
	}

	open := 0
	for _, c := range stats.Connections {
		if c.State == connection.StateOpen {
			open++
		}
	}
	resp.Components["stream"] = map[string]int{
		"connections": len(stats.Connections),
		"open":        open,
	}
	resp.Components["books"] = map[string]int{
		"tracked":      stats.Books.Tracked,
		"synchronized": stats.Books.Synchronized,
	}
	if stats.Books.Synchronized < stats.Books.Tracked || open < len(stats.Connections) {
		resp.Status = "degraded"
	}

	if h.sinks != nil {
		if err := h.sinks.ping(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Components["timescaledb"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			resp.Components["timescaledb"] = "connected"
		}
	}

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *health) handleSymbols(w http.ResponseWriter, _ *http.Request) {
	symbols := h.svc.Symbols()
	type entry struct {
		Symbol       string `json:"symbol"`
		Synchronized bool   `json:"synchronized"`
		Sequence     int64  `json:"sequence,omitempty"`
	}
	out := make([]entry, len(symbols))
	for i, s := range symbols {
		b, ok := h.svc.Book(s)
		out[i] = entry{Symbol: s, Synchronized: ok, Sequence: b.Sequence}
	}
	writeJSON(w, http.StatusOK, out)
}

type bookJSON struct {
	Symbol    string      `json:"symbol"`
	Sequence  int64       `json:"sequence"`
	Timestamp int64       `json:"timestamp"`
	Bids      [][2]string `json:"bids"`
	Asks      [][2]string `json:"asks"`
}

func levelsJSON(levels []orderbook.Level, depth int) [][2]string {
	if depth > 0 && depth < len(levels) {
		levels = levels[:depth]
	}
	out := make([][2]string, len(levels))
	for i, l := range levels {
		out[i] = [2]string{l.Price.String(), l.Size.String()}
	}
	return out
}

// handleBook serves /books/BTC/USD[?depth=N].
func (h *health) handleBook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	symbol := vars["base"] + "/" + vars["quote"]

	depth := 0
	if d := r.URL.Query().Get("depth"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "depth must be a non-negative integer"})
			return
		}
		depth = n
	}

	b, ok := h.svc.Book(symbol)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": symbol + " is not synchronized"})
		return
	}
	writeJSON(w, http.StatusOK, bookJSON{
		Symbol:    b.Symbol,
		Sequence:  b.Sequence,
		Timestamp: b.Timestamp.UnixMilli(),
		Bids:      levelsJSON(b.Bids, depth),
		Asks:      levelsJSON(b.Asks, depth),
	})
}

func (h *health) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := h.svc.Stats()

	type connJSON struct {
		ID            string `json:"id"`
		URL           string `json:"url"`
		State         string `json:"state"`
		Subscriptions int    `json:"subscriptions"`
		Pending       int    `json:"pending"`
		Messages      int64  `json:"messages"`
		DecodeErrors  int64  `json:"decode_errors"`
		Reconnects    int64  `json:"reconnects"`
	}
	conns := make([]connJSON, len(stats.Connections))
	for i, c := range stats.Connections {
		conns[i] = connJSON{
			ID:            c.ID,
			URL:           c.URL,
			State:         c.State.String(),
			Subscriptions: c.Subscriptions,
			Pending:       c.Pending,
			Messages:      c.Messages,
			DecodeErrors:  c.DecodeErrors,
			Reconnects:    c.Reconnects,
		}
	}

	resp := map[string]any{
		"connections": conns,
		"books":       stats.Books,
		"limiter": map[string]any{
			"tokens":  stats.Tokens,
			"waiting": stats.Waiting,
		},
	}
	if h.sinks != nil {
		resp["writers"] = h.sinks.stats()
	}
	if h.audit != nil {
		if last, ok := h.audit.Last(); ok {
			resp["audit"] = last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
