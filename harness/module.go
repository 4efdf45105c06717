// Package harness is the worker-side shim. It runs inside every
// spawned process, receives lifecycle commands from the orchestrator,
// brings the user module up, supervises its readiness, and forwards
// commands, evaluations, and shutdown to it.
package harness

import (
	"context"
	"encoding/json"

	"github.com/counting-bot/Aura/ipc"
)

// Module is the contract user code implements to run inside a worker.
// Start brings the module up; returning nil reports readiness to the
// orchestrator. The ctx carries the configured startup deadline.
type Module interface {
	Start(ctx context.Context, env *Env) error
}

// CommandHandler is an optional Module hook invoked for "command"
// frames. A module without it answers commands with an explicit
// "cannot handle" error envelope.
type CommandHandler interface {
	HandleCommand(ctx context.Context, payload json.RawMessage) (any, error)
}

// EvalHandler is an optional Module hook invoked for "eval" frames.
type EvalHandler interface {
	HandleEval(ctx context.Context, payload json.RawMessage) (any, error)
}

// Resolver is an optional Module hook answering targeted fetch lookups.
// It reports found=false when this cluster does not hold the value.
type Resolver interface {
	Resolve(ctx context.Context, kind string, query json.RawMessage) (value any, found bool)
}

// ShutdownHandler is an optional Module hook for graceful shutdown.
// The harness waits for it to return before acknowledging the
// orchestrator's shutdown request; a module without it is acknowledged
// immediately.
type ShutdownHandler interface {
	Shutdown(ctx context.Context) error
}

// StatsReporter is an optional Module hook contributing application
// metrics to each stats collection cycle. The harness fills in process
// identity and memory usage regardless; modules add what only they
// know (guild counts, shard latencies, service detail).
type StatsReporter interface {
	ReportStats(ctx context.Context) (*ipc.StatsData, error)
}

// EventHandler is an optional Module hook receiving fleet-wide
// application events.
type EventHandler interface {
	HandleEvent(ctx context.Context, name string, payload json.RawMessage)
}

// ModuleFunc adapts a plain function to the Module interface.
type ModuleFunc func(ctx context.Context, env *Env) error

func (f ModuleFunc) Start(ctx context.Context, env *Env) error { return f(ctx, env) }
