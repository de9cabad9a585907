package middleware

import (
	"context"
	"time"

	"mini-rmi/message"
)

// Timeout bounds a single dispatch. The transport itself imposes no
// deadlines; installing this middleware is how a deployment opts into them.
// An expired call is reported with the transport error kind.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CallRequest) *message.CallResponse {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.CallResponse, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewTransportResponse("request timed out")
			}
		}
	}
}
