package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"duplex-rpc/message"
)

const ErrRateLimitMessage = "rate limit exceeded"

// RateLimit rejects requests beyond r per second (token bucket with the given
// burst). The limiter is shared by every handler the middleware wraps, so
// installing it on a server limits the whole process, not one connection.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.NewError(req.CallID, ErrRateLimitMessage)
			}
			return next(ctx, req)
		}
	}
}
