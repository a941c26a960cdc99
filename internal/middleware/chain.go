package middleware

import (
	"log/slog"
	"net/http"

	"github.com/hitsmaxft/cc-proxy/internal/config"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain is an ordered middleware stack.
type Chain struct {
	middlewares []Middleware
}

func New(middlewares ...Middleware) Chain {
	return Chain{middlewares: middlewares}
}

// Then returns a chain extended with more middleware.
func (c Chain) Then(middlewares ...Middleware) Chain {
	return Chain{middlewares: append(c.middlewares, middlewares...)}
}

// Handler applies the chain to handler, first middleware outermost.
func (c Chain) Handler(handler http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		handler = c.middlewares[i](handler)
	}

	return handler
}

// Set holds the configured middleware for composition into chains.
type Set struct {
	Logging Middleware
	Auth    Middleware
}

func NewSet(config *config.Manager, logger *slog.Logger) Set {
	return Set{
		Logging: NewLoggingMiddleware(logger),
		Auth:    NewAuthMiddleware(config, logger),
	}
}

// DefaultChain protects the API endpoints.
func (s Set) DefaultChain() Chain {
	return New(
		s.Logging,
		s.Auth,
	)
}

// HealthChain leaves liveness checks unauthenticated.
func (s Set) HealthChain() Chain {
	return New(
		s.Logging,
	)
}
