// Package middleware provides the skeleton-side dispatch chain. Middlewares
// wrap the envelope-level handler in onion order:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
package middleware

import (
	"context"

	"mini-rmi/message"
)

type HandlerFunc func(ctx context.Context, req *message.CallRequest) *message.CallResponse

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines multiple middlewares into one.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
