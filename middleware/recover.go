package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Recover returns middleware that recovers from panics in the hook
// chain. Panics are converted to errors and logged with a stack trace,
// so a misbehaving command never takes the worker process down.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, cmd *Command, next Handler) (result any, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("command hook panicked",
					slog.String("op", cmd.Op),
					slog.String("frame_id", cmd.FrameID),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				result = nil
				retErr = fmt.Errorf("panic in %s hook: %v", cmd.Op, r)
			}
		}()
		return next(ctx)
	}
}
