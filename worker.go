package aura

import (
	"context"

	"github.com/counting-bot/Aura/harness"
	"github.com/counting-bot/Aura/proc"
)

// IsWorker reports whether the current process was spawned as a worker
// rather than started as the orchestrator. The fleet runs a single
// binary; the role flag decides which side comes up.
func IsWorker() bool { return proc.WorkerRole() != "" }

// RunWorker runs the worker harness over the process's stdio transport.
// It blocks until the orchestrator shuts this worker down; a non-nil
// error means the process should exit non-zero.
func RunWorker(ctx context.Context, opts harness.Options) error {
	if opts.Transport == nil {
		opts.Transport = proc.WorkerTransport()
	}
	return harness.Run(ctx, opts)
}
