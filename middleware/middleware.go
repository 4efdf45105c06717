// Package middleware provides composable middleware for worker command
// execution. The harness runs every inbound command/eval through the
// chain before it reaches the module hook, so cross-cutting logic
// (panic recovery, logging, deadlines, tracing) stays out of user code.
package middleware

import (
	"context"
	"encoding/json"
	"time"
)

// Command describes one command or eval invocation flowing through the
// chain.
type Command struct {
	// Op is the IPC operation name ("command" or "eval").
	Op string

	// FrameID is the originating frame's ID, for attribution.
	FrameID string

	// WorkerID identifies the executing worker.
	WorkerID string

	// Payload is the caller-supplied argument.
	Payload json.RawMessage

	// Timeout bounds execution; zero means no deadline.
	Timeout time.Duration
}

// Handler is the terminal function that executes the module hook.
// It returns the hook's result for the reply frame.
type Handler func(ctx context.Context) (any, error)

// Middleware wraps a Handler with cross-cutting logic. Middleware MUST
// call next to continue the chain (unless short-circuiting on error).
type Middleware func(ctx context.Context, cmd *Command, next Handler) (any, error)

// Chain composes multiple middleware into one. Middleware are applied
// right-to-left: the first middleware in the list is the outermost
// wrapper.
//
// Chain(logging, recover) runs logging outermost, then recover, then the hook.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, cmd *Command, next Handler) (any, error) {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) (any, error) {
				return mw(ctx, cmd, prev)
			}
		}
		return h(ctx)
	}
}
