package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type contextKey struct{}

// Context carries per-session cache controls.
type Context struct {
	// MaxAge is the maximum age of metadata served from cache.
	MaxAge time.Duration

	// Offline serves any cached metadata regardless of age and forbids
	// network fetches.
	Offline bool

	// NoCache skips cache reads; fresh responses are still written.
	NoCache bool

	// ReadOnly skips disk writes.
	ReadOnly bool

	// SessionID identifies one install in registry request headers.
	SessionID string
}

// NewContext creates a cache context with defaults and a fresh session id.
func NewContext() *Context {
	return &Context{
		MaxAge:    DefaultMaxAge,
		SessionID: uuid.NewString(),
	}
}

// WithContext attaches cc to ctx.
func WithContext(ctx context.Context, cc *Context) context.Context {
	if cc == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, cc)
}

// FromContext returns the Context attached to ctx, or defaults when none is.
func FromContext(ctx context.Context) *Context {
	if ctx != nil {
		if cc, ok := ctx.Value(contextKey{}).(*Context); ok {
			return cc
		}
	}
	return &Context{MaxAge: DefaultMaxAge}
}
