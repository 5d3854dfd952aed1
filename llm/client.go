// ABOUTME: Client infrastructure for the LLM layer with provider routing and middleware.
// ABOUTME: Provides NewClient with functional options, middleware chain execution, and retrying Complete.

package llm

import (
	"context"
	"fmt"
)

// ProviderAdapter is the interface all LLM provider adapters implement.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Close() error
}

// Middleware is a function that wraps an LLM call, enabling request/response
// transformation, logging, and other cross-cutting concerns. Middleware
// executes in registration order for requests and reverse order for responses.
type Middleware func(ctx context.Context, req Request, next NextFunc) (*Response, error)

// NextFunc is the function signature passed to middleware to continue the chain.
type NextFunc func(ctx context.Context, req Request) (*Response, error)

// Client is the primary entry point for making LLM API calls. It manages
// provider adapters, routes requests to the correct provider, and applies
// the middleware chain and retry policy.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
	retry           RetryPolicy
}

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*Client)

// WithProvider registers a ProviderAdapter under the given name. The first
// provider registered becomes the default unless overridden.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
		if c.defaultProvider == "" {
			c.defaultProvider = name
		}
	}
}

// WithDefaultProvider sets the provider used when a Request does not specify one.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware appends one or more middleware functions to the client's chain.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// WithRetryPolicy overrides the client's retry policy for transient provider errors.
func WithRetryPolicy(policy RetryPolicy) ClientOption {
	return func(c *Client) {
		c.retry = policy
	}
}

// NewClient creates a new Client with the given options applied.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]ProviderAdapter),
		retry:     DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// resolveProvider determines which ProviderAdapter should handle the request.
func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "no provider configured"}}
	}
	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q not registered", name),
		}}
	}
	return adapter, nil
}

// Complete routes the request through the middleware chain to the resolved
// provider, retrying transient failures according to the retry policy.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}

	terminal := func(ctx context.Context, req Request) (*Response, error) {
		return Retry(ctx, c.retry, func(ctx context.Context) (*Response, error) {
			return adapter.Complete(ctx, req)
		})
	}

	// Build the onion: last-registered middleware is innermost.
	next := terminal
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		inner := next
		next = func(ctx context.Context, req Request) (*Response, error) {
			return mw(ctx, req, inner)
		}
	}

	return next(ctx, req)
}

// Close closes all registered provider adapters, returning the first error.
func (c *Client) Close() error {
	var firstErr error
	for _, adapter := range c.providers {
		if err := adapter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
