// CLAUDE:SUMMARY Defines the Endpoint/Middleware abstraction shared by carnet's tool transports.
// Package kit holds the small cross-cutting pieces carnet's transports share:
// the Endpoint function type, endpoint middleware chaining, request identity
// context helpers, and the MCP tool registration adapter.
package kit

import "context"

// Endpoint is the transport-agnostic unit of work: a typed request in, a
// typed response out. Bridge operations are exposed as Endpoints and then
// registered on a transport (MCP tool, HTTP handler).
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with additional behaviour (policy checks,
// logging, identity enrichment).
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first argument is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
