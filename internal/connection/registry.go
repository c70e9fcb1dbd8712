package connection

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// Registry keeps at most one live Conn per URL, so topics sharing an endpoint
// share a socket and its rate limit.
type Registry struct {
	dialer Dialer
	codec  Codec
	opts   []Option
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewRegistry creates a registry whose connections use dialer and codec.
// opts apply to every connection it creates.
func NewRegistry(dialer Dialer, codec Codec, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dialer: dialer,
		codec:  codec,
		opts:   opts,
		logger: logger,
		conns:  make(map[string]*Conn),
	}
}

// Get returns the connection for url, creating it if there is none or the
// current one failed or was closed. opts only apply on creation.
func (r *Registry) Get(url string, opts ...Option) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[url]; ok {
		if !c.discarded() {
			return c
		}
		r.logger.Info("replacing discarded connection", "url", url, "conn_id", c.ID(), "state", c.State())
	}

	all := make([]Option, 0, len(r.opts)+len(opts)+1)
	all = append(all, WithLogger(r.logger))
	all = append(all, r.opts...)
	all = append(all, opts...)
	c := New(url, r.dialer, r.codec, all...)
	r.conns[url] = c
	return c
}

// Lookup returns the current connection for url without creating one.
func (r *Registry) Lookup(url string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[url]
	return c, ok
}

// Remove closes and forgets the connection for url.
func (r *Registry) Remove(ctx context.Context, url string) error {
	r.mu.Lock()
	c, ok := r.conns[url]
	delete(r.conns, url)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return c.Close(ctx)
}

// CloseAll closes every connection.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Stats returns per-connection stats ordered by URL.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}
