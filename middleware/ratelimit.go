package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-rmi/message"
)

// RateLimit guards the dispatch chain with a token bucket. Rejected calls
// are reported with the transport error kind: the refusal is a transport-
// level condition, not an error raised by the target method.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CallRequest) *message.CallResponse {
			if !limiter.Allow() {
				return message.NewTransportResponse("rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
