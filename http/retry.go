package http

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultBackoffFactor  = 2.0
	DefaultJitterFactor   = 0.1
	DefaultAttemptTimeout = 30 * time.Second
)

// RetryPolicy holds retry behavior for one logical request.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	JitterFactor   float64

	// AttemptTimeout bounds each attempt, including reading the body.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns retry configuration with sensible defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		BackoffFactor:  DefaultBackoffFactor,
		JitterFactor:   DefaultJitterFactor,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// IsRetriable determines if a transport error should be retried.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, errShortBody)
}

// IsRetriableStatus determines if an HTTP status code should be retried
func IsRetriableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Backoff computes the wait before retry number attempt (0-based), with
// exponential growth, a cap and symmetric jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	backoff := float64(p.InitialBackoff) * math.Pow(p.BackoffFactor, float64(attempt))
	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	backoff += backoff * p.JitterFactor * (2*rand.Float64() - 1)
	if backoff < 0 {
		backoff = float64(p.InitialBackoff)
	}

	return time.Duration(backoff)
}

// ParseRetryAfter parses the Retry-After header value
// Returns duration to wait, or 0 if header is invalid/missing
// Supports both delay-seconds (int) and HTTP-date formats
func ParseRetryAfter(headerValue string) time.Duration {
	headerValue = strings.TrimSpace(headerValue)
	if headerValue == "" {
		return 0
	}

	const ceiling = 5 * time.Minute

	if seconds, err := strconv.Atoi(headerValue); err == nil {
		if seconds < 0 {
			return 0
		}
		return min(time.Duration(seconds)*time.Second, ceiling)
	}

	if t, err := http.ParseTime(headerValue); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return min(d, ceiling)
	}

	return 0
}
