package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/marketstream/internal/orderbook"
	"github.com/rickgao/marketstream/internal/ratelimit"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrStaleConnection  = errors.New("connection stale (no ping)")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrConnectionClosed = errors.New("connection closed")
	ErrUnsubscribed     = errors.New("unsubscribed")
)

// ConnectionError reports a failure of the physical connection.
type ConnectionError struct {
	URL string
	Op  string // "dial", "send", "read", "reconnect"
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubscriptionError is delivered to callers whose subscribe frame could not be
// sent or was refused by the venue.
type SubscriptionError struct {
	Topic string
	Key   string
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s: %v", e.Topic, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// DecodeError wraps a frame the codec could not parse.
type DecodeError struct {
	Topic string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("decode: %v", e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// State is the lifecycle state of a Conn.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// SubscribeRequest asks a Conn to deliver messages for Topic.
type SubscribeRequest struct {
	Topic        string // Key callers wait on
	SubscribeKey string // Key identifying the venue subscription (defaults to Topic)
	Message      []byte // Subscribe frame
	Cost         float64
	Resubscribe  bool   // Send the frame again even if a call is already pending
	OnSubscribed func() // Run after the frame is sent, and again after each reconnect replay
}

func (r SubscribeRequest) key() string {
	if r.SubscribeKey != "" {
		return r.SubscribeKey
	}
	return r.Topic
}

// SubscriptionRecord is a subscribe frame that was sent on the connection and
// is replayed after a reconnect.
type SubscriptionRecord struct {
	Key          string
	Topic        string
	Message      []byte
	Cost         float64
	OnSubscribed func()
	SentAt       time.Time
}

// Kind classifies a decoded inbound frame.
type Kind int

const (
	KindIgnore   Kind = iota // heartbeats, acks nobody waits on
	KindResult               // resolves Topic with Value
	KindError                // rejects Topic with Err
	KindDelta                // order book delta for Symbol
	KindSnapshot             // full order book for Symbol
)

// Inbound is one decoded frame.
type Inbound struct {
	Kind     Kind
	Topic    string
	Symbol   string
	Value    any
	Err      error
	Delta    orderbook.Delta
	Snapshot orderbook.Snapshot
}

// Codec turns raw frames into Inbound values. On error, the returned Inbound
// may still carry the Topic the frame belonged to.
type Codec interface {
	Decode(data []byte) (Inbound, error)
}

// CodecFunc is a function adapter for Codec.
type CodecFunc func(data []byte) (Inbound, error)

func (f CodecFunc) Decode(data []byte) (Inbound, error) { return f(data) }

// BookSink receives order book frames. *orderbook.Reconciler implements it.
type BookSink interface {
	ApplyOrResync(symbol string, d orderbook.Delta) orderbook.Outcome
	ApplySnapshot(symbol string, s orderbook.Snapshot) orderbook.Outcome
	LoadSnapshot(ctx context.Context, symbol string) error
	Invalidate(pub orderbook.Publisher) []string
}

// Config configures a Conn.
type Config struct {
	RateLimit            ratelimit.Config // Used when no shared limiter is supplied
	Reconnect            bool             // Reconnect when subscriptions exist
	Backoff              Backoff
	MaxReconnectAttempts int           // 0 = unlimited
	CloseTimeout         time.Duration // Max wait for goroutines in Close
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RateLimit:            ratelimit.DefaultConfig(),
		Reconnect:            true,
		Backoff:              DefaultBackoff(),
		MaxReconnectAttempts: 10,
		CloseTimeout:         5 * time.Second,
	}
}

// TransportConfig configures the WebSocket transport.
type TransportConfig struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration // Interval between keepalive pings
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultTransportConfig returns sensible defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// Stats provides connection counters.
type Stats struct {
	ID             string
	URL            string
	State          State
	Subscriptions  int
	Pending        int
	Messages       int64
	DecodeErrors   int64
	Reconnects     int64
	LastMessageAt  time.Time
	ConnectedSince time.Time
}
