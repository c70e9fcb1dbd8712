package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/poller"
	"github.com/rickgao/marketstream/internal/stream"
	"github.com/rickgao/marketstream/internal/writer"
)

const namespace = "marketstream"

// Sources are read on every scrape. Writers and Audit may be nil.
type Sources struct {
	Stream  func() stream.Stats
	Writers func() map[string]writer.Metrics
	Audit   func() (poller.CycleStats, bool)
}

// Collector is a prometheus.Collector over Sources.
type Collector struct {
	src Sources

	connState       *prometheus.Desc
	connMessages    *prometheus.Desc
	connDecodeErrs  *prometheus.Desc
	connReconnects  *prometheus.Desc
	connSubs        *prometheus.Desc
	booksTracked    *prometheus.Desc
	booksSynced     *prometheus.Desc
	bookResyncs     *prometheus.Desc
	bookExhausted   *prometheus.Desc
	bookStale       *prometheus.Desc
	limiterTokens   *prometheus.Desc
	limiterWaiting  *prometheus.Desc
	writerRows      *prometheus.Desc
	writerErrors    *prometheus.Desc
	writerFlushes   *prometheus.Desc
	writerDropped   *prometheus.Desc
	bookGaps        *prometheus.Desc
	auditChecked    *prometheus.Desc
	auditResynced   *prometheus.Desc
	auditErrors     *prometheus.Desc
	auditDurSeconds *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

// NewCollector creates a Collector.
func NewCollector(src Sources) *Collector {
	return &Collector{
		src:             src,
		connState:       desc("connection_up", "1 if the connection is open.", "id", "url"),
		connMessages:    desc("connection_messages_total", "Frames received on the connection.", "id", "url"),
		connDecodeErrs:  desc("connection_decode_errors_total", "Frames that failed to decode.", "id", "url"),
		connReconnects:  desc("connection_reconnects_total", "Reconnects of the connection.", "id", "url"),
		connSubs:        desc("connection_subscriptions", "Active subscriptions on the connection.", "id", "url"),
		booksTracked:    desc("books_tracked", "Books tracked by the reconciler."),
		booksSynced:     desc("books_synchronized", "Books currently synchronized."),
		bookResyncs:     desc("book_resyncs_total", "Book resynchronizations started."),
		bookExhausted:   desc("book_resyncs_exhausted_total", "Resyncs that ran out of snapshot attempts."),
		bookStale:       desc("book_stale_deltas_total", "Deltas dropped as stale."),
		limiterTokens:   desc("limiter_tokens", "Tokens available in the stream rate limiter."),
		limiterWaiting:  desc("limiter_waiting", "Callers queued on the stream rate limiter."),
		writerRows:      desc("writer_rows_total", "Rows written, by outcome.", "writer", "result"),
		writerErrors:    desc("writer_errors_total", "Failed batch inserts.", "writer"),
		writerFlushes:   desc("writer_flushes_total", "Successful batch inserts.", "writer"),
		writerDropped:   desc("writer_dropped_total", "Rows enqueued after the writer stopped.", "writer"),
		bookGaps:        desc("book_sequence_gaps_total", "Sequence gaps reported by the reconciler."),
		auditChecked:    desc("audit_last_checked", "Books checked by the last audit cycle."),
		auditResynced:   desc("audit_last_resynced", "Books resynced by the last audit cycle."),
		auditErrors:     desc("audit_last_errors", "Errors in the last audit cycle."),
		auditDurSeconds: desc("audit_last_duration_seconds", "Duration of the last audit cycle."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.connState, c.connMessages, c.connDecodeErrs, c.connReconnects, c.connSubs,
		c.booksTracked, c.booksSynced, c.bookResyncs, c.bookExhausted, c.bookStale,
		c.limiterTokens, c.limiterWaiting,
		c.writerRows, c.writerErrors, c.writerFlushes, c.writerDropped, c.bookGaps,
		c.auditChecked, c.auditResynced, c.auditErrors, c.auditDurSeconds,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	if c.src.Stream != nil {
		s := c.src.Stream()
		for _, conn := range s.Connections {
			up := 0.0
			if conn.State == connection.StateOpen {
				up = 1
			}
			gauge(c.connState, up, conn.ID, conn.URL)
			counter(c.connMessages, float64(conn.Messages), conn.ID, conn.URL)
			counter(c.connDecodeErrs, float64(conn.DecodeErrors), conn.ID, conn.URL)
			counter(c.connReconnects, float64(conn.Reconnects), conn.ID, conn.URL)
			gauge(c.connSubs, float64(conn.Subscriptions), conn.ID, conn.URL)
		}
		gauge(c.booksTracked, float64(s.Books.Tracked))
		gauge(c.booksSynced, float64(s.Books.Synchronized))
		counter(c.bookResyncs, float64(s.Books.Resyncs))
		counter(c.bookExhausted, float64(s.Books.Exhausted))
		counter(c.bookStale, float64(s.Books.Stale))
		gauge(c.limiterTokens, s.Tokens)
		gauge(c.limiterWaiting, float64(s.Waiting))
	}

	if c.src.Writers != nil {
		var gaps int64
		for name, m := range c.src.Writers() {
			counter(c.writerRows, float64(m.Inserts), name, "inserted")
			counter(c.writerRows, float64(m.Conflicts), name, "conflict")
			counter(c.writerErrors, float64(m.Errors), name)
			counter(c.writerFlushes, float64(m.Flushes), name)
			counter(c.writerDropped, float64(m.Dropped), name)
			gaps += m.Gaps
		}
		counter(c.bookGaps, float64(gaps))
	}

	if c.src.Audit != nil {
		if last, ok := c.src.Audit(); ok {
			gauge(c.auditChecked, float64(last.Checked))
			gauge(c.auditResynced, float64(last.Resynced))
			gauge(c.auditErrors, float64(last.Errors))
			gauge(c.auditDurSeconds, last.Duration.Seconds())
		}
	}
}

// Handler serves the collector plus Go runtime and process metrics on a
// private registry.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
