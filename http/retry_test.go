package http

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRetriableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsRetriableStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 410} {
		assert.False(t, IsRetriableStatus(code), code)
	}
}

func TestIsRetriable(t *testing.T) {
	assert.False(t, IsRetriable(nil))
	assert.False(t, IsRetriable(context.Canceled))
	assert.True(t, IsRetriable(context.DeadlineExceeded))
	assert.True(t, IsRetriable(errShortBody))
	assert.False(t, IsRetriable(errors.New("bad request")))
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2,
	}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
	assert.Equal(t, time.Second, p.Backoff(10), "capped at MaxBackoff")

	p.JitterFactor = 0.1
	for i := 0; i < 50; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 180*time.Millisecond)
		assert.LessOrEqual(t, d, 220*time.Millisecond)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), ParseRetryAfter(""))
	assert.Equal(t, 2*time.Second, ParseRetryAfter("2"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-1"))
	assert.Equal(t, 5*time.Minute, ParseRetryAfter("100000"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon"))

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	d := ParseRetryAfter(future)
	assert.Greater(t, d, 20*time.Second)
	assert.LessOrEqual(t, d, 30*time.Second)
}
