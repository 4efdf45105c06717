package middleware

import "context"

// Timeout returns middleware that enforces a per-command deadline.
// If the command carries a non-zero Timeout, a context.WithTimeout
// wraps the hook call; on expiry the context is cancelled and the hook
// should return context.DeadlineExceeded.
func Timeout() Middleware {
	return func(ctx context.Context, cmd *Command, next Handler) (any, error) {
		if cmd.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
