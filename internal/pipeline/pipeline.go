// Package pipeline defines the shapes the Middleware Chain (C4) and the
// Dispatcher (C6) share: a RequestContext carrying everything a middleware
// or handler needs about the request in flight, and the composable
// Middleware/HandlerFunc types spec.md §4.4 describes as
// "(ctx, req, next) -> resp".
//
// It exists as its own package, separate from both internal/middleware and
// internal/dispatch, purely to break the import cycle those two would
// otherwise form (the dispatcher builds the chain; the chain's members need
// the dispatcher's request-context shape).
package pipeline

import (
	"context"
	"time"

	"github.com/akmatori/mcp-server/internal/jsonrpc"
	"github.com/akmatori/mcp-server/internal/session"
)

// RequestContext carries the request-scoped state that flows through the
// middleware chain and into the dispatcher, per spec.md §3 InFlightRequest
// and §4.4.
type RequestContext struct {
	context.Context

	ConnectionID string
	Connection   *session.Connection
	RequestID    string // empty for notifications
	Method       string
	AcceptedAt   time.Time

	// Credential is the raw credential the transport extracted from its
	// slot (HTTP Authorization header, WS subprotocol, SSE session header),
	// before the Auth middleware validates it, per spec.md §4.4.
	Credential string
	// Subject is set by the Auth middleware on successful authentication.
	Subject string

	// RateLimitKey lets the rate-limit middleware bucket by something other
	// than ConnectionID (e.g. an authenticated subject), per spec.md §4.4
	// "per (connection OR configured key)".
	RateLimitKey string

	Cancel context.CancelFunc
}

// HandlerFunc terminates or continues the chain.
type HandlerFunc func(rc *RequestContext, req *jsonrpc.Request) *jsonrpc.Response

// Middleware wraps a HandlerFunc. It may short-circuit by not calling next,
// transform req before calling next, or transform the response next
// returns, per spec.md §4.4.
type Middleware func(rc *RequestContext, req *jsonrpc.Request, next HandlerFunc) *jsonrpc.Response

// Chain composes middlewares in the given order around final, so the first
// middleware in the slice runs outermost (invoked first on the way in, last
// on the way out) — the classic onion model of spec.md §5.
func Chain(mws []Middleware, final HandlerFunc) HandlerFunc {
	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		next := h
		h = func(rc *RequestContext, req *jsonrpc.Request) *jsonrpc.Response {
			return mw(rc, req, next)
		}
	}
	return h
}
