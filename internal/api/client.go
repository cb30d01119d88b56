package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rickgao/venuesync/internal/clock"
	"github.com/rickgao/venuesync/internal/ratelimit"
	"github.com/rickgao/venuesync/internal/retry"
)

// DefaultTimeout bounds a single HTTP attempt.
const DefaultTimeout = 10 * time.Second

// Client provides access to the venue REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	clock      clock.Clock

	executor *retry.Executor
	limiter  *ratelimit.Limiter
	policy   retry.Policy
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
		clock:  clock.Real(),
		policy: retry.DefaultPolicy(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With("component", "api")
	if c.executor == nil {
		c.executor = retry.NewExecutor(
			retry.WithRateLimiter(c.limiter),
			retry.WithClock(c.clock),
			retry.WithLogger(c.logger),
		)
	}

	return c
}

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
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

// WithExecutor sets the executor that retries failed requests. It should
// share the rate limiter passed to WithRateLimiter.
func WithExecutor(e *retry.Executor) ClientOption {
	return func(c *Client) {
		c.executor = e
	}
}

// WithRateLimiter makes every attempt reserve a slot in l first.
func WithRateLimiter(l *ratelimit.Limiter) ClientOption {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithPolicy sets the retry policy.
func WithPolicy(p retry.Policy) ClientOption {
	return func(c *Client) {
		c.policy = p
	}
}

// WithClock sets the clock used for Retry-After dates and rate windows.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		c.clock = clock.OrReal(clk)
	}
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}
