package middleware

import (
	"context"
	"fmt"
	"time"

	"duplex-rpc/message"
)

// ErrTimeoutMessage is the error text sent when a handler exceeds its deadline.
const ErrTimeoutMessage = "request timed out"

// Timeout bounds the time a handler may take. The handler's context is
// cancelled at the deadline and the caller receives an error response; a
// handler that ignores its context keeps running, but its result is discarded.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				// The handler runs off the caller's goroutine, out of reach of
				// any recover further up the chain.
				defer func() {
					if r := recover(); r != nil {
						done <- message.NewError(req.CallID, fmt.Sprintf("panic in %s: %v", req.Name, r))
					}
				}()
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewError(req.CallID, ErrTimeoutMessage)
			}
		}
	}
}
