// Package proc abstracts spawning and supervising worker processes.
// The orchestrator only ever sees the Spawner/Process interfaces, so
// tests can stand up a whole fleet without forking.
package proc

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/counting-bot/Aura/ipc"
)

// RoleEnv is the environment variable carrying the worker role flag.
// It is the only configuration a child receives through its
// environment; everything else arrives on the connect frame.
const RoleEnv = "AURA_WORKER_ROLE"

// Role values for RoleEnv.
const (
	RoleCluster = "cluster"
	RoleService = "service"
)

// Process is one spawned worker process.
type Process interface {
	// PID returns the operating system process ID.
	PID() int

	// Transport returns the IPC transport connected to the child.
	Transport() ipc.Transport

	// Kill force-terminates the process. It does not wait.
	Kill() error

	// Done returns a channel that receives the process's exit error
	// (nil for a clean exit) exactly once.
	Done() <-chan error
}

// Spawner creates worker processes.
type Spawner interface {
	Spawn(ctx context.Context, role string) (Process, error)
}

// ExecSpawner forks the current executable. Children detect RoleEnv and
// run the worker harness instead of the orchestrator; their stdio pipes
// carry length-prefixed IPC frames, with stderr left attached for
// crash output.
type ExecSpawner struct {
	// Args are extra command-line arguments passed to children.
	Args []string

	// Env entries appended to the child environment, beyond RoleEnv.
	Env []string
}

// Spawn forks one worker with the given role.
func (s *ExecSpawner) Spawn(ctx context.Context, role string) (Process, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("proc: resolve executable: %w", err)
	}

	cmd := exec.CommandContext(ctx, self, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, RoleEnv+"="+role)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proc: start worker: %w", err)
	}

	p := &execProcess{
		cmd:  cmd,
		done: make(chan error, 1),
		transport: ipc.NewPipeTransport(stdout, stdin, func() error {
			return stdin.Close()
		}),
	}

	go func() {
		p.done <- cmd.Wait()
	}()

	return p, nil
}

type execProcess struct {
	cmd       *exec.Cmd
	transport ipc.Transport
	done      chan error
}

func (p *execProcess) PID() int                 { return p.cmd.Process.Pid }
func (p *execProcess) Transport() ipc.Transport { return p.transport }
func (p *execProcess) Done() <-chan error       { return p.done }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// WorkerRole returns the role flag of the current process, or "" when
// this process is the orchestrator.
func WorkerRole() string { return os.Getenv(RoleEnv) }

// WorkerTransport returns the child side of the stdio IPC transport.
func WorkerTransport() ipc.Transport {
	return ipc.NewPipeTransport(os.Stdin, os.Stdout, nil)
}
