package middleware

import (
	"context"
	"log"
	"time"

	"mini-rmi/message"
)

// Logging logs each dispatched call with its duration and outcome.
func Logging() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CallRequest) *message.CallResponse {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)
			log.Printf("Method: %s, Duration: %s", req.Method, duration)
			if !resp.Success {
				log.Printf("Error (%s): %s", resp.ErrKind, resp.Err)
			}
			return resp
		}
	}
}
