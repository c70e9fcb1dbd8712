package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/marketstream/internal/ratelimit"
)

// Signer produces authentication headers for a request path (with query).
type Signer interface {
	Sign(method, path string) (http.Header, error)
}

// Client provides access to the venue REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	signer     Signer
	limiter    *ratelimit.Limiter

	maxRetries   int
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.limiter == nil {
		c.limiter = ratelimit.New(ratelimit.DefaultConfig())
	}
	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration for 5xx responses.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithSigner signs every request.
func WithSigner(s Signer) ClientOption {
	return func(c *Client) {
		c.signer = s
	}
}

// WithLimiter paces requests with a shared limiter.
func WithLimiter(l *ratelimit.Limiter) ClientOption {
	return func(c *Client) {
		c.limiter = l
	}
}

// Limiter returns the limiter pacing this client.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}
