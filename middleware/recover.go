package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"duplex-rpc/message"
)

// Recover turns a panic further down the chain into an error response.
func Recover(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic",
						zap.String("method", req.Name),
						zap.Any("panic", r),
						zap.Stack("stack"))
					resp = message.NewError(req.CallID, fmt.Sprintf("panic in %s: %v", req.Name, r))
				}
			}()
			return next(ctx, req)
		}
	}
}
