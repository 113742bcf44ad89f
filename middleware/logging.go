package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"duplex-rpc/message"
)

// Logging logs every handled request with its duration. Failed requests are
// logged at warn level.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Name),
				zap.String("callId", req.CallID),
				zap.Int("args", len(req.Args)),
				zap.Duration("duration", time.Since(start)),
			}
			if resp != nil && resp.IsError() {
				logger.Warn("request failed", append(fields, zap.String("error", *resp.Error))...)
			} else {
				logger.Info("request handled", fields...)
			}
			return resp
		}
	}
}
