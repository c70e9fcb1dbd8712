package connection

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/marketstream/internal/orderbook"
	"github.com/rickgao/marketstream/internal/pending"
	"github.com/rickgao/marketstream/internal/ratelimit"
)

// Option configures a Conn on creation.
type Option func(*Conn)

// WithConfig sets the connection config.
func WithConfig(cfg Config) Option {
	return func(c *Conn) { c.cfg = cfg }
}

// WithLimiter shares a rate limiter instead of creating one from Config.RateLimit.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *Conn) { c.limiter = l }
}

// WithBookSink routes order book frames to sink.
func WithBookSink(sink BookSink) Option {
	return func(c *Conn) { c.books = sink }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) { c.logger = logger }
}

// Conn multiplexes many topics over one physical socket. Callers wait on
// pending calls keyed by topic; every resolution consumes the call, so a
// topic must be re-subscribed to wait for the next value.
type Conn struct {
	id      string
	url     string
	cfg     Config
	dialer  Dialer
	codec   Codec
	limiter *ratelimit.Limiter
	books   BookSink
	logger  *slog.Logger

	// Lifetime of the connection; bounds every goroutine it starts.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Never held while calling into books, the limiter or the socket.
	mu             sync.Mutex
	state          State
	closed         bool
	socket         Socket
	connecting     *pending.Call[Socket]
	subscriptions  map[string]*SubscriptionRecord
	inflight       map[string]*inflightSend
	pending        map[string]*pending.Call[any]
	topicKeys      map[string]string // topic -> subscribe key
	connectedSince time.Time

	messages      atomic.Int64
	decodeErrors  atomic.Int64
	reconnects    atomic.Int64
	lastMessageAt atomic.Int64 // unix nanos
}

// New creates a disconnected Conn. The socket is opened by the first Subscribe.
func New(url string, dialer Dialer, codec Codec, opts ...Option) *Conn {
	c := &Conn{
		id:            uuid.NewString(),
		url:           url,
		cfg:           DefaultConfig(),
		dialer:        dialer,
		codec:         codec,
		subscriptions: make(map[string]*SubscriptionRecord),
		inflight:      make(map[string]*inflightSend),
		pending:       make(map[string]*pending.Call[any]),
		topicKeys:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("conn_id", c.id, "url", url)
	if c.limiter == nil {
		c.limiter = ratelimit.New(c.cfg.RateLimit)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// URL returns the endpoint this connection serves.
func (c *Conn) URL() string { return c.url }

// Limiter returns the limiter pacing this connection's sends.
func (c *Conn) Limiter() *ratelimit.Limiter { return c.limiter }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// discarded reports whether the connection can no longer serve subscriptions.
func (c *Conn) discarded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.state == StateFailed
}

// inflightSend marks a subscribe frame being sent. An Unsubscribe that lands
// meanwhile cancels it, and the frame is undone once it is on the wire.
type inflightSend struct {
	cancelled   bool
	unsubscribe []byte
}

// Subscribe registers interest in req.Topic and returns the call that the
// next message for the topic settles. Concurrent subscribers of a topic share
// one call, and at most one subscribe frame per SubscribeKey is outstanding.
//
// The frame is sent on a goroutine owned by the connection, so abandoning the
// returned call never aborts a send in progress.
func (c *Conn) Subscribe(req SubscribeRequest) *pending.Call[any] {
	key := req.key()

	c.mu.Lock()
	if c.closed || c.state == StateFailed {
		c.mu.Unlock()
		return pending.Rejected[any](ErrConnectionClosed)
	}

	call, exists := c.pending[req.Topic]
	if exists && !req.Resubscribe {
		c.mu.Unlock()
		return call
	}
	if !exists {
		call = pending.New[any]()
		c.pending[req.Topic] = call
	}
	c.topicKeys[req.Topic] = key

	_, subscribed := c.subscriptions[key]
	if fl, sending := c.inflight[key]; sending {
		fl.cancelled = false
		fl.unsubscribe = nil
		c.mu.Unlock()
		return call
	}
	if subscribed && !req.Resubscribe {
		c.mu.Unlock()
		return call
	}

	fl := &inflightSend{}
	c.inflight[key] = fl
	rec := &SubscriptionRecord{
		Key:          key,
		Topic:        req.Topic,
		Message:      req.Message,
		Cost:         req.Cost,
		OnSubscribed: req.OnSubscribed,
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go c.sendSubscribe(rec, fl)
	return call
}

func (c *Conn) sendSubscribe(rec *SubscriptionRecord, fl *inflightSend) {
	defer c.wg.Done()

	err := c.send(c.ctx, rec.Message, rec.Cost)

	c.mu.Lock()
	if c.inflight[rec.Key] == fl {
		delete(c.inflight, rec.Key)
	}
	if err == nil && c.closed {
		err = ErrConnectionClosed
	}
	if err != nil {
		calls := c.detachKeyLocked(rec.Key)
		c.mu.Unlock()

		c.logger.Warn("subscribe failed", "topic", rec.Topic, "key", rec.Key, "error", err)
		serr := &SubscriptionError{Topic: rec.Topic, Key: rec.Key, Err: err}
		for _, call := range calls {
			call.Reject(serr)
		}
		return
	}
	if fl.cancelled {
		unsub := fl.unsubscribe
		c.mu.Unlock()

		c.logger.Debug("subscription cancelled while sending", "topic", rec.Topic, "key", rec.Key)
		if unsub != nil {
			if err := c.send(c.ctx, unsub, 1); err != nil {
				c.logger.Warn("unsubscribe failed", "key", rec.Key, "error", err)
			}
		}
		return
	}
	rec.SentAt = time.Now()
	c.subscriptions[rec.Key] = rec
	c.mu.Unlock()

	c.logger.Debug("subscribed", "topic", rec.Topic, "key", rec.Key)
	if rec.OnSubscribed != nil {
		rec.OnSubscribed()
	}
}

// detachKeyLocked removes and returns the pending calls of every topic bound
// to a subscribe key. Must be called with c.mu held.
func (c *Conn) detachKeyLocked(key string) []*pending.Call[any] {
	var calls []*pending.Call[any]
	for topic, k := range c.topicKeys {
		if k != key {
			continue
		}
		if call, ok := c.pending[topic]; ok {
			calls = append(calls, call)
			delete(c.pending, topic)
		}
		delete(c.topicKeys, topic)
	}
	return calls
}

// Unsubscribe drops the subscription for key and sends message when the
// socket is open. Topics waiting on the key are rejected with ErrUnsubscribed.
// A subscribe frame still being sent is undone by sending message after it.
func (c *Conn) Unsubscribe(ctx context.Context, key string, message []byte) error {
	c.mu.Lock()
	_, ok := c.subscriptions[key]
	delete(c.subscriptions, key)
	if fl, sending := c.inflight[key]; sending {
		fl.cancelled = true
		fl.unsubscribe = message
	}
	calls := c.detachKeyLocked(key)
	sock := c.socket
	open := c.state == StateOpen
	c.mu.Unlock()

	for _, call := range calls {
		call.Reject(ErrUnsubscribed)
	}
	if !ok || message == nil || !open {
		return nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := sock.Send(message); err != nil {
		return &ConnectionError{URL: c.url, Op: "send", Err: err}
	}
	return nil
}

// Subscribed reports whether a subscribe frame for key has been sent.
func (c *Conn) Subscribed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[key]
	return ok
}

// Send writes a frame outside the subscription bookkeeping, connecting first
// if needed.
func (c *Conn) Send(ctx context.Context, message []byte, cost float64) error {
	return c.send(ctx, message, cost)
}

func (c *Conn) send(ctx context.Context, message []byte, cost float64) error {
	sock, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if err := c.limiter.Acquire(ctx, cost); err != nil {
		return err
	}
	if err := sock.Send(message); err != nil {
		return &ConnectionError{URL: c.url, Op: "send", Err: err}
	}
	return nil
}

// Resolve settles and removes the pending call for topic.
func (c *Conn) Resolve(topic string, value any) bool {
	c.mu.Lock()
	call, ok := c.pending[topic]
	delete(c.pending, topic)
	delete(c.topicKeys, topic)
	c.mu.Unlock()
	if !ok {
		return false
	}
	return call.Resolve(value)
}

// Reject fails and removes the pending call for topic.
func (c *Conn) Reject(topic string, err error) bool {
	c.mu.Lock()
	call, ok := c.pending[topic]
	delete(c.pending, topic)
	delete(c.topicKeys, topic)
	c.mu.Unlock()
	if !ok {
		return false
	}
	return call.Reject(err)
}

// Pending reports whether anyone is waiting on topic.
func (c *Conn) Pending(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[topic]
	return ok
}

// connect returns the open socket, dialing it if needed. Concurrent callers
// share one dial.
func (c *Conn) connect(ctx context.Context) (Socket, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	case c.state == StateFailed:
		c.mu.Unlock()
		return nil, &ConnectionError{URL: c.url, Op: "dial", Err: errors.New("connection failed")}
	case c.state == StateOpen && c.socket != nil:
		sock := c.socket
		c.mu.Unlock()
		return sock, nil
	case c.connecting != nil:
		call := c.connecting
		c.mu.Unlock()
		return call.Await(ctx)
	}

	call := pending.New[Socket]()
	c.connecting = call
	c.state = StateConnecting
	c.wg.Add(1)
	c.mu.Unlock()

	go c.dial(call)
	return call.Await(ctx)
}

func (c *Conn) dial(call *pending.Call[Socket]) {
	defer c.wg.Done()

	sock, err := c.dialer.Dial(c.ctx, c.url)

	c.mu.Lock()
	if c.connecting == call {
		c.connecting = nil
	}
	if err == nil && c.closed {
		c.mu.Unlock()
		sock.Close()
		call.Reject(ErrConnectionClosed)
		return
	}
	if err != nil {
		if !c.closed {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		c.logger.Warn("connect failed", "error", err)
		call.Reject(wrapConnErr(c.url, "dial", err))
		return
	}
	c.openLocked(sock)
	c.mu.Unlock()

	c.logger.Info("connected")
	call.Resolve(sock)
}

// openLocked installs sock and starts its reader. Must be called with c.mu held.
func (c *Conn) openLocked(sock Socket) {
	c.socket = sock
	c.state = StateOpen
	c.connectedSince = time.Now()
	c.wg.Add(1)
	go c.readLoop(sock)
}

func (c *Conn) readLoop(sock Socket) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-sock.Messages():
			if !ok {
				c.handleDrop(sock, ErrNotConnected)
				return
			}
			c.dispatch(msg)
		case err := <-sock.Errors():
			// Frames read before the failure are still delivered in order.
		drain:
			for {
				select {
				case msg, ok := <-sock.Messages():
					if !ok {
						break drain
					}
					c.dispatch(msg)
				default:
					break drain
				}
			}
			c.handleDrop(sock, err)
			return
		}
	}
}

// dispatch routes one inbound frame.
func (c *Conn) dispatch(msg TimestampedMessage) {
	c.messages.Add(1)
	if !msg.ReceivedAt.IsZero() {
		c.lastMessageAt.Store(msg.ReceivedAt.UnixNano())
	}

	in, err := c.codec.Decode(msg.Data)
	if err != nil {
		c.decodeErrors.Add(1)
		derr := &DecodeError{Topic: in.Topic, Err: err}
		if in.Topic == "" || !c.Reject(in.Topic, derr) {
			c.logger.Warn("dropping undecodable message", "topic", in.Topic, "error", err)
		}
		return
	}

	switch in.Kind {
	case KindResult:
		c.Resolve(in.Topic, in.Value)

	case KindError:
		c.Reject(in.Topic, &SubscriptionError{Topic: in.Topic, Key: c.keyFor(in.Topic), Err: in.Err})

	case KindDelta:
		if c.books == nil {
			return
		}
		switch c.books.ApplyOrResync(in.Symbol, in.Delta) {
		case orderbook.OutcomeResync:
			c.resync(in.Symbol)
		case orderbook.OutcomeUntracked:
			c.logger.Debug("delta for untracked symbol", "symbol", in.Symbol)
		}

	case KindSnapshot:
		if c.books == nil {
			return
		}
		if c.books.ApplySnapshot(in.Symbol, in.Snapshot) == orderbook.OutcomeResync {
			c.resync(in.Symbol)
		}
	}
}

func (c *Conn) keyFor(topic string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topicKeys[topic]
}

// resync loads a fresh snapshot for symbol without blocking the reader.
func (c *Conn) resync(symbol string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.books.LoadSnapshot(c.ctx, symbol); err != nil && c.ctx.Err() == nil {
			c.logger.Warn("order book resync failed", "symbol", symbol, "error", err)
		}
	}()
}

// handleDrop reacts to the loss of sock.
func (c *Conn) handleDrop(sock Socket, cause error) {
	c.mu.Lock()
	if c.closed || c.socket != sock {
		c.mu.Unlock()
		return
	}
	c.socket = nil

	if len(c.subscriptions) == 0 || !c.cfg.Reconnect {
		c.state = StateDisconnected
		calls := c.takePendingLocked()
		c.subscriptions = make(map[string]*SubscriptionRecord)
		c.mu.Unlock()

		sock.Close()

		c.logger.Warn("connection lost", "error", cause)
		if c.books != nil {
			if symbols := c.books.Invalidate(c); len(symbols) > 0 {
				c.logger.Info("order books dropped with connection", "symbols", symbols)
			}
		}
		rejectAll(calls, &ConnectionError{URL: c.url, Op: "read", Err: cause})
		return
	}

	call := pending.New[Socket]()
	c.connecting = call
	c.state = StateConnecting
	c.wg.Add(1)
	c.mu.Unlock()

	sock.Close()
	c.logger.Warn("connection lost, reconnecting", "error", cause)
	go c.reconnect(call, cause)
}

// reconnect redials with backoff, then replays every recorded subscription.
func (c *Conn) reconnect(call *pending.Call[Socket], cause error) {
	defer c.wg.Done()

	if c.books != nil {
		if symbols := c.books.Invalidate(c); len(symbols) > 0 {
			c.logger.Info("order books awaiting resync", "symbols", symbols)
		}
	}

	lastErr := cause
	for attempt := 1; ; attempt++ {
		if c.cfg.MaxReconnectAttempts > 0 && attempt > c.cfg.MaxReconnectAttempts {
			c.fail(call, lastErr)
			return
		}

		delay := c.cfg.Backoff.Next(attempt)
		c.logger.Info("reconnecting", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			call.Reject(ErrConnectionClosed)
			return
		case <-timer.C:
		}

		sock, err := c.dialer.Dial(c.ctx, c.url)
		if err != nil {
			lastErr = err
			c.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		if c.connecting == call {
			c.connecting = nil
		}
		if c.closed {
			c.mu.Unlock()
			sock.Close()
			call.Reject(ErrConnectionClosed)
			return
		}
		c.openLocked(sock)
		records := c.recordsLocked()
		c.mu.Unlock()

		c.reconnects.Add(1)
		c.logger.Info("reconnected", "attempt", attempt, "subscriptions", len(records))
		call.Resolve(sock)
		c.replay(sock, records)
		return
	}
}

// replay resends recorded subscribe frames in the order they were first sent.
func (c *Conn) replay(sock Socket, records []*SubscriptionRecord) {
	for _, rec := range records {
		if err := c.limiter.Acquire(c.ctx, rec.Cost); err != nil {
			return
		}
		if err := sock.Send(rec.Message); err != nil {
			// The reader sees the same failure and starts another reconnect.
			c.logger.Warn("replay failed", "key", rec.Key, "error", err)
			return
		}
		if rec.OnSubscribed != nil {
			rec.OnSubscribed()
		}
	}
}

func (c *Conn) recordsLocked() []*SubscriptionRecord {
	records := make([]*SubscriptionRecord, 0, len(c.subscriptions))
	for _, rec := range c.subscriptions {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].SentAt.Before(records[j].SentAt)
	})
	return records
}

// fail gives up on the connection after exhausting reconnect attempts.
func (c *Conn) fail(call *pending.Call[Socket], cause error) {
	c.mu.Lock()
	if c.connecting == call {
		c.connecting = nil
	}
	if c.closed {
		c.mu.Unlock()
		call.Reject(ErrConnectionClosed)
		return
	}
	c.state = StateFailed
	calls := c.takePendingLocked()
	c.subscriptions = make(map[string]*SubscriptionRecord)
	c.inflight = make(map[string]*inflightSend)
	c.mu.Unlock()

	err := &ConnectionError{URL: c.url, Op: "reconnect", Err: cause}
	c.logger.Error("reconnect attempts exhausted", "attempts", c.cfg.MaxReconnectAttempts, "error", cause)
	call.Reject(err)
	rejectAll(calls, err)
}

func (c *Conn) takePendingLocked() []*pending.Call[any] {
	calls := make([]*pending.Call[any], 0, len(c.pending))
	for _, call := range c.pending {
		calls = append(calls, call)
	}
	c.pending = make(map[string]*pending.Call[any])
	c.topicKeys = make(map[string]string)
	return calls
}

func rejectAll(calls []*pending.Call[any], err error) {
	for _, call := range calls {
		call.Reject(err)
	}
}

func wrapConnErr(url, op string, err error) error {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return err
	}
	return &ConnectionError{URL: url, Op: op, Err: err}
}

// Close shuts the connection down. Every pending call is rejected with
// ErrConnectionClosed and all subscriptions are forgotten.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosing
	sock := c.socket
	c.socket = nil
	connecting := c.connecting
	c.connecting = nil
	calls := c.takePendingLocked()
	c.subscriptions = make(map[string]*SubscriptionRecord)
	c.inflight = make(map[string]*inflightSend)
	c.mu.Unlock()

	c.cancel()
	if connecting != nil {
		connecting.Reject(ErrConnectionClosed)
	}
	rejectAll(calls, ErrConnectionClosed)

	var err error
	if sock != nil {
		err = sock.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	timeout := c.cfg.CloseTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().CloseTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		c.logger.Warn("timeout waiting for connection goroutines")
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Info("connection closed")
	return err
}

// Stats returns connection counters.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		ID:             c.id,
		URL:            c.url,
		State:          c.state,
		Subscriptions:  len(c.subscriptions),
		Pending:        len(c.pending),
		ConnectedSince: c.connectedSince,
	}
	c.mu.Unlock()

	s.Messages = c.messages.Load()
	s.DecodeErrors = c.decodeErrors.Load()
	s.Reconnects = c.reconnects.Load()
	if ns := c.lastMessageAt.Load(); ns > 0 {
		s.LastMessageAt = time.Unix(0, ns)
	}
	return s
}
