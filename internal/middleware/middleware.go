// Package middleware composes request-context interceptors that run before
// a stream is established (client) or accepted (server).
package middleware

import (
	"context"
	"maps"
	"sync"
)

// Context is the metadata of a stream request.
type Context struct {
	// Target is the stream path, e.g. "/frame/write".
	Target string
	// Protocol names the underlying transport ("websocket", "quic").
	Protocol string
	// Params travel with the connection request. Keys are sent under a
	// reserved prefix so they never collide with application parameters.
	Params map[string]string
}

// New returns a Context for target with empty params.
func New(target, protocol string) Context {
	return Context{Target: target, Protocol: protocol, Params: make(map[string]string)}
}

// Get returns a param.
func (c Context) Get(key string) (string, bool) {
	v, ok := c.Params[key]
	return v, ok
}

// Set stores a param, allocating Params when needed.
func (c *Context) Set(key, value string) {
	if c.Params == nil {
		c.Params = make(map[string]string)
	}
	c.Params[key] = value
}

// Clone returns a copy with independent params.
func (c Context) Clone() Context {
	c.Params = maps.Clone(c.Params)
	if c.Params == nil {
		c.Params = make(map[string]string)
	}
	return c
}

// Next continues the chain.
type Next func(ctx context.Context, md Context) (Context, error)

// Middleware intercepts a request. It may modify md before calling next,
// inspect the returned context afterwards, or return an error without
// calling next to abort the request.
type Middleware func(ctx context.Context, md Context, next Next) (Context, error)

// Chain is an ordered list of middleware. It is safe for concurrent use.
type Chain struct {
	mu  sync.RWMutex
	mws []Middleware
}

// Use appends middleware. Earlier middleware runs first.
func (c *Chain) Use(mw ...Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mws = append(c.mws, mw...)
}

// Len returns the number of middleware in the chain.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mws)
}

// Exec runs the chain with finalizer as the innermost step.
func (c *Chain) Exec(ctx context.Context, md Context, finalizer Next) (Context, error) {
	c.mu.RLock()
	mws := append([]Middleware(nil), c.mws...)
	c.mu.RUnlock()

	var step func(i int) Next
	step = func(i int) Next {
		if i == len(mws) {
			return finalizer
		}
		return func(ctx context.Context, md Context) (Context, error) {
			return mws[i](ctx, md, step(i+1))
		}
	}
	return step(0)(ctx, md.Clone())
}

type ctxKey struct{}

// WithContext attaches md to ctx.
func WithContext(ctx context.Context, md Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, md)
}

// FromContext returns the metadata attached by WithContext.
func FromContext(ctx context.Context) (Context, bool) {
	md, ok := ctx.Value(ctxKey{}).(Context)
	return md, ok
}
