// Package transport provides the rate-limited, retrying HTTP client shared
// by all venue adapters. Retries distinguish idempotent reads from order
// mutations: a mutation whose request may have reached the venue is never
// replayed, it surfaces as a StatusUnknownError instead.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/guzus/dr-manhattan/internal/crypto"
	"github.com/guzus/dr-manhattan/internal/domain"
)

// Config tunes one venue's client. Zero values fall back to defaults.
type Config struct {
	BaseURL        string
	RequestsPerSec float64
	Burst          int
	MaxRetries     int
	RetryMinDelay  time.Duration
	RetryMaxDelay  time.Duration
	Timeout        time.Duration
}

func (c *Config) applyDefaults() {
	if c.RequestsPerSec <= 0 {
		c.RequestsPerSec = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryMinDelay <= 0 {
		c.RetryMinDelay = 250 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
}

// Request describes one API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any // JSON-encoded when non-nil

	// Idempotent marks calls safe to replay after the request bytes may
	// have reached the server. Reads and cancels are idempotent; order
	// placement is not.
	Idempotent bool

	// Signed attaches auth headers from the client's RequestSigner.
	Signed bool

	// Headers are merged into the request after signing.
	Headers map[string]string

	// Out, when non-nil, receives the JSON-decoded response body.
	Out any
}

// Client is a venue-scoped HTTP client. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	signer     crypto.RequestSigner
	maxRetries int
	retryMin   time.Duration
	retryMax   time.Duration
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithSigner sets the request signer used for Signed requests.
func WithSigner(s crypto.RequestSigner) Option {
	return func(c *Client) { c.signer = s }
}

// SetSigner installs the signer after construction. Venues that derive
// their request credential lazily call this before the first Signed
// request; it must not race with in-flight Signed requests.
func (c *Client) SetSigner(s crypto.RequestSigner) { c.signer = s }

// WithHTTPClient replaces the underlying HTTP client. Tests use this to
// point at local servers.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// NewClient builds a Client for one venue.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	cfg.applyDefaults()
	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		maxRetries: cfg.MaxRetries,
		retryMin:   cfg.RetryMinDelay,
		retryMax:   cfg.RetryMaxDelay,
		logger:     logger.With(slog.String("component", "transport")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do executes the request with rate limiting and retries, decoding the
// response into req.Out when set.
func (c *Client) Do(ctx context.Context, req Request) error {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("transport: encode body: %w", err)
		}
	}

	bo := &backoff.Backoff{
		Min:    c.retryMin,
		Max:    c.retryMax,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := bo.Duration()
			if ra, ok := retryAfter(lastErr); ok {
				delay = ra
			}
			c.logger.Debug("retrying request",
				slog.String("method", req.Method),
				slog.String("path", req.Path),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		retryable, err := c.doOnce(ctx, req, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return lastErr
}

// doOnce performs a single attempt. The bool reports whether the caller
// may retry.
func (c *Client) doOnce(ctx context.Context, req Request, body []byte) (bool, error) {
	u := c.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	// Track whether the request bytes left the process. Errors before then
	// are always safe to retry.
	var wrote bool
	trace := &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) { wrote = true },
	}

	httpReq, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), req.Method, u, reqBody)
	if err != nil {
		return false, fmt.Errorf("transport: build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Signed {
		if c.signer == nil {
			return false, fmt.Errorf("transport: %w: no signer configured", domain.ErrAuthentication)
		}
		headers, err := c.signer.SignRequest(req.Method, req.Path, string(body))
		if err != nil {
			return false, err
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if wrote && !req.Idempotent {
			return false, &domain.StatusUnknownError{
				Op:  req.Method + " " + req.Path,
				Err: err,
			}
		}
		return true, fmt.Errorf("transport: %w: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if !req.Idempotent {
			return false, &domain.StatusUnknownError{Op: req.Method + " " + req.Path, Err: err}
		}
		return true, fmt.Errorf("transport: read response: %w: %v", domain.ErrNetwork, err)
	}

	if resp.StatusCode >= 400 {
		apiErr := newAPIError(resp, respBody)
		return c.retryableStatus(resp.StatusCode, req.Idempotent), apiErr
	}

	if req.Out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, req.Out); err != nil {
			return false, fmt.Errorf("transport: decode response: %w", err)
		}
	}
	return false, nil
}

// retryableStatus reports whether a failure status may be retried. A 429
// means the venue rejected the request unexecuted, so even mutations can
// replay it. A 5xx on a mutation is ambiguous and is not retried.
func (c *Client) retryableStatus(status int, idempotent bool) bool {
	switch {
	case status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return idempotent
	default:
		return false
	}
}

func retryAfter(err error) (time.Duration, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.RetryAfter <= 0 {
		return 0, false
	}
	return apiErr.RetryAfter, true
}

// APIError carries a non-2xx response. It unwraps to the matching domain
// sentinel so callers can branch with errors.Is.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	e := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transport: venue returned %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// Unwrap maps the status code onto the error taxonomy.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return domain.ErrAuthentication
	case e.StatusCode == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case e.StatusCode >= 500:
		return domain.ErrNetwork
	default:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
