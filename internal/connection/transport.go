package connection

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is one physical connection.
type Socket interface {
	// Send writes raw bytes to the connection.
	Send(data []byte) error

	// Messages returns a channel of all raw inbound frames in arrival order.
	Messages() <-chan TimestampedMessage

	// Errors receives at most one error, after which the socket is dead.
	Errors() <-chan error

	// Close gracefully closes the connection.
	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// HeaderFunc builds handshake headers, typically for authentication.
type HeaderFunc func(url string) (http.Header, error)

// WebSocketDialer dials gorilla/websocket connections.
type WebSocketDialer struct {
	cfg    TransportConfig
	header HeaderFunc
	logger *slog.Logger
}

// NewWebSocketDialer creates a dialer. header may be nil.
func NewWebSocketDialer(cfg TransportConfig, header HeaderFunc, logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultTransportConfig().BufferSize
	}
	return &WebSocketDialer{cfg: cfg, header: header, logger: logger}
}

// Dial establishes the WebSocket connection and starts its read and heartbeat loops.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	header := http.Header{}
	header.Set("Accept", "application/json")
	if d.header != nil {
		extra, err := d.header(url)
		if err != nil {
			return nil, &ConnectionError{URL: url, Op: "dial", Err: err}
		}
		for k, vs := range extra {
			for _, v := range vs {
				header.Add(k, v)
			}
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: d.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, &ConnectionError{URL: url, Op: "dial", Err: err}
	}

	s := &wsSocket{
		cfg:        d.cfg,
		url:        url,
		logger:     d.logger,
		conn:       conn,
		messages:   make(chan TimestampedMessage, d.cfg.BufferSize),
		errors:     make(chan error, 1),
		done:       make(chan struct{}),
		lastPingAt: time.Now(),
	}

	// Server pings are answered here; any ping or pong proves liveness.
	conn.SetPingHandler(func(data string) error {
		s.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})

	go s.readLoop()
	if d.cfg.PingInterval > 0 {
		go s.heartbeatLoop()
	}

	d.logger.Debug("websocket connected", "url", url)
	return s, nil
}

type wsSocket struct {
	cfg    TransportConfig
	url    string
	logger *slog.Logger
	conn   *websocket.Conn

	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	writeMu sync.Mutex

	mu         sync.Mutex
	lastPingAt time.Time
	closed     bool
}

func (s *wsSocket) touch() {
	s.mu.Lock()
	s.lastPingAt = time.Now()
	s.mu.Unlock()
}

func (s *wsSocket) Send(data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.cfg.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Messages() <-chan TimestampedMessage { return s.messages }

func (s *wsSocket) Errors() <-chan error { return s.errors }

func (s *wsSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)

	s.writeMu.Lock()
	s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *wsSocket) fail(err error) {
	select {
	case s.errors <- err:
	default:
	}
}

// readLoop forwards frames in order. A full buffer blocks the reader rather
// than dropping frames, since a dropped delta would corrupt a book.
func (s *wsSocket) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-s.done:
			default:
				s.fail(err)
			}
			return
		}

		select {
		case s.messages <- TimestampedMessage{Data: data, ReceivedAt: receivedAt}:
		case <-s.done:
			return
		}
	}
}

// heartbeatLoop pings the server and reports a stale connection.
func (s *wsSocket) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(s.cfg.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug("failed to send ping", "url", s.url, "error", err)
			}

			s.mu.Lock()
			lastPing := s.lastPingAt
			s.mu.Unlock()

			if s.cfg.PingTimeout > 0 && time.Since(lastPing) > s.cfg.PingTimeout {
				s.logger.Warn("no ping received, connection stale",
					"url", s.url,
					"last_ping", lastPing,
					"timeout", s.cfg.PingTimeout,
				)
				s.fail(ErrStaleConnection)
				return
			}
		}
	}
}
