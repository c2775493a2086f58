// Package http provides the registry HTTP client.
//
// It wraps the standard http.Client with bounded retries, a per-attempt
// timeout, per-host circuit breaking, bearer authentication and request
// metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/justbytecode/velocity/auth"
	"github.com/justbytecode/velocity/observability"
	"github.com/justbytecode/velocity/resilience"
)

const (
	DefaultUserAgent = "velocity/0.1.0"

	// maxBodySize caps a single response body.
	maxBodySize = 512 << 20
)

var errShortBody = errors.New("response body shorter than Content-Length")

// StatusError is returned for a non-success status that was not retried or
// that persisted through every retry.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

// IsNotFound reports whether err is a 404 or 410 status.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && (se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusGone)
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// Config holds HTTP client configuration
type Config struct {
	UserAgent string
	Retry     RetryPolicy
	Transport TransportConfig

	// Auth holds per-host registry credentials.
	Auth auth.Hosts

	// Breakers isolates failing hosts; nil disables circuit breaking.
	Breakers *resilience.Breakers

	Logger observability.Logger
}

// DefaultConfig returns a client configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		UserAgent: DefaultUserAgent,
		Retry:     DefaultRetryPolicy(),
		Transport: DefaultTransportConfig(),
	}
}

// Client performs registry requests.
type Client struct {
	httpClient *http.Client
	userAgent  string
	retry      RetryPolicy
	auth       auth.Hosts
	breakers   *resilience.Breakers
	logger     observability.Logger
}

// NewClient creates a new HTTP client with the given configuration
func NewClient(cfg Config) (*Client, error) {
	transport, err := NewTransport(cfg.Transport)
	if err != nil {
		return nil, err
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Retry.AttemptTimeout <= 0 {
		cfg.Retry.AttemptTimeout = DefaultAttemptTimeout
	}

	return &Client{
		httpClient: &http.Client{Transport: observability.NewInstrumentedTransport(transport)},
		userAgent:  cfg.UserAgent,
		retry:      cfg.Retry,
		auth:       cfg.Auth,
		breakers:   cfg.Breakers,
		logger:     observability.OrNull(cfg.Logger),
	}, nil
}

// Get fetches rawURL with retries and returns the fully read body.
//
// Each attempt runs under the policy's AttemptTimeout. Transport errors
// and retriable statuses are retried with exponential backoff, honoring
// Retry-After. Other non-2xx statuses return a *StatusError immediately.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	host := u.Host

	if c.breakers != nil {
		if err := c.breakers.Allow(host); err != nil {
			return nil, fmt.Errorf("%s: %w", host, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			observability.HTTPRetriesTotal.WithLabelValues(host).Inc()
			observability.RecordRetry(ctx, attempt, lastErr)
		}

		resp, retryAfter, err := c.attempt(ctx, u, header)
		if err == nil {
			resp.Attempts = attempt + 1
			c.recordOutcome(host, true)
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !c.shouldRetry(err) {
			// A definitive answer from the host, e.g. 404, means the host is healthy.
			c.recordOutcome(host, isStatus(err))
			return nil, err
		}
		if attempt == c.retry.MaxRetries {
			break
		}

		wait := retryAfter
		if wait == 0 {
			wait = c.retry.Backoff(attempt)
		}
		c.logger.DebugContext(ctx, "GET {URL} attempt {Attempt} failed, retrying in {Backoff}: {Error}",
			rawURL, attempt+1, wait, err)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	c.recordOutcome(host, false)
	c.logger.WarnContext(ctx, "GET {URL} failed after {Attempts} attempts: {Error}",
		rawURL, c.retry.MaxRetries+1, lastErr)
	return nil, fmt.Errorf("after %d attempts: %w", c.retry.MaxRetries+1, lastErr)
}

func (c *Client) attempt(ctx context.Context, u *url.URL, header http.Header) (*Response, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.retry.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.userAgent)
	if a := c.auth.For(u.Host); a != nil && req.Header.Get("Authorization") == "" {
		if err := a.Authenticate(req); err != nil {
			return nil, 0, err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, ParseRetryAfter(resp.Header.Get("Retry-After")), &StatusError{
			URL:        u.Redacted(),
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, 0, err
	}
	if resp.ContentLength > 0 && int64(len(body)) < resp.ContentLength {
		return nil, 0, errShortBody
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, 0, nil
}

func (c *Client) shouldRetry(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return IsRetriableStatus(se.StatusCode)
	}
	return IsRetriable(err)
}

func isStatus(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

func (c *Client) recordOutcome(host string, ok bool) {
	if c.breakers == nil {
		return
	}
	if ok {
		c.breakers.Success(host)
	} else {
		c.breakers.Failure(host)
	}
}
