package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs command start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, cmd *Command, next Handler) (any, error) {
		logger.Debug("command started",
			slog.String("op", cmd.Op),
			slog.String("frame_id", cmd.FrameID),
		)

		start := time.Now()
		result, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("command failed",
				slog.String("op", cmd.Op),
				slog.String("frame_id", cmd.FrameID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Debug("command completed",
				slog.String("op", cmd.Op),
				slog.String("frame_id", cmd.FrameID),
				slog.Duration("elapsed", elapsed),
			)
		}

		return result, err
	}
}
