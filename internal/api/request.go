package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/venuesync/internal/metrics"
	"github.com/rickgao/venuesync/internal/retry"
)

// ErrLocalRateLimit is wrapped by the RateLimitedError returned when the
// local request window is full and the request was never sent.
var ErrLocalRateLimit = errors.New("local rate limit reached")

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4096

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Response is a successful response with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetch sends req, retrying per the client's policy. operationID keys the
// retry state: concurrent calls with the same id run one at a time.
//
// The request body is replayed on each attempt, so requests with a body
// must have GetBody set (http.NewRequest does this for in-memory bodies).
func (c *Client) Fetch(ctx context.Context, req *http.Request, operationID string) (*Response, error) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return nil, fmt.Errorf("fetch %s: request body cannot be replayed", operationID)
	}

	return retry.Do(ctx, c.executor, operationID, func(ctx context.Context) (*Response, error) {
		return c.attempt(ctx, req, operationID)
	}, c.policy)
}

// attempt sends one request and classifies the outcome.
func (c *Client) attempt(ctx context.Context, req *http.Request, operationID string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.limiter != nil && !c.limiter.Reserve() {
		metrics.RESTRequests.WithLabelValues("preempted").Inc()
		return nil, &retry.RateLimitedError{
			RetryAfter: c.limiter.ResetAt().Sub(c.clock.Now()),
			Err:        ErrLocalRateLimit,
		}
	}

	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replay body: %w", err)
		}
		r.Body = body
	}
	requestID := uuid.NewString()
	r.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.httpClient.Do(r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.RESTRequests.WithLabelValues("transient").Inc()
		return nil, &retry.TransientError{Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RESTRequests.WithLabelValues("transient").Inc()
		return nil, &retry.TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	c.logger.Debug("request completed",
		"operation", operationID,
		"request_id", requestID,
		"method", r.Method,
		"path", r.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if err := c.classify(resp, body); err != nil {
		return nil, err
	}

	metrics.RESTRequests.WithLabelValues("ok").Inc()
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// classify maps a non-2xx response onto the retry taxonomy.
func (c *Client) classify(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	apiErr := &APIError{
		StatusCode: code,
		Message:    http.StatusText(code),
		Body:       body,
	}

	switch {
	case code == http.StatusTooManyRequests:
		metrics.RESTRequests.WithLabelValues("rate_limited").Inc()
		return &retry.RateLimitedError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now()),
			Err:        apiErr,
		}
	case code >= 500:
		metrics.RESTRequests.WithLabelValues("transient").Inc()
		return &retry.TransientError{StatusCode: code, Err: apiErr}
	case code >= 400:
		metrics.RESTRequests.WithLabelValues("rejected").Inc()
		return &retry.AuthorizationError{StatusCode: code, Err: apiErr}
	default:
		metrics.RESTRequests.WithLabelValues("unexpected").Inc()
		return retry.Protocol("unexpected status", apiErr)
	}
}

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. It returns 0 when the header is absent or unusable.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// postJSON sends body as JSON to path and decodes the response into out.
func (c *Client) postJSON(ctx context.Context, path string, body any, out any, operationID string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.Fetch(ctx, req, operationID)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resp.Body, out); err != nil {
		return retry.Protocol("decode "+operationID, err)
	}
	return nil
}
