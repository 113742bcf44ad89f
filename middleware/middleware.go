// Package middleware wraps the handling of inbound requests.
//
// A HandlerFunc turns one request into exactly one response. Middlewares form an
// onion around the method dispatch of a connection:
//
//	Chain(A, B, C)(dispatch) → A(B(C(dispatch)))
//	A.before → B.before → C.before → dispatch → C.after → B.after → A.after
package middleware

import (
	"context"

	"duplex-rpc/message"
)

// HandlerFunc handles one inbound request. It must return a non-nil response.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares, the first one being the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
