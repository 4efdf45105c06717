package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/counting-bot/Aura/ipc"
	"github.com/counting-bot/Aura/middleware"
)

// State is the harness lifecycle phase.
type State string

const (
	// StateAwaitConnect: process is up, waiting for identity.
	StateAwaitConnect State = "awaitConnect"
	// StateConnected: identity assigned, module not yet loaded.
	StateConnected State = "connected"
	// StateLoading: module Start is running.
	StateLoading State = "loading"
	// StateReady: module started successfully.
	StateReady State = "ready"
	// StateFailed: module startup failed; the process is terminating.
	StateFailed State = "failed"
)

// Options configures a worker harness.
type Options struct {
	// Transport connects to the orchestrator. Defaults to the stdio
	// pipe pair of the current process.
	Transport ipc.Transport

	// Codec frames the wire format. Defaults to JSON.
	Codec ipc.Codec

	// ClusterModule builds the module run by cluster workers.
	ClusterModule func() Module

	// ServiceModules builds service modules, keyed by service name.
	ServiceModules map[string]func() Module

	// Middleware wraps command and eval execution, outermost first.
	Middleware []middleware.Middleware

	// Logger handles records until connect assigns an IPC-forwarding
	// logger. Defaults to slog.Default.
	Logger *slog.Logger
}

// Harness is the worker-side runtime. It owns the IPC channel, walks
// the lifecycle state machine, and bridges orchestrator frames into the
// user module's hooks.
type Harness struct {
	opts    Options
	channel *ipc.Channel
	chain   middleware.Middleware

	mu       sync.Mutex
	state    State
	identity ipc.ConnectData
	env      *Env
	module   Module
	started  time.Time

	loadOnce sync.Once

	// fatal receives the terminal outcome: nil for an orchestrated
	// shutdown, an error when the harness must terminate abnormally.
	fatal chan error
}

// Run starts a worker harness and blocks until the orchestrator shuts
// it down, the transport closes, or a fatal condition occurs. A nil
// return means an orderly exit; the caller decides the process exit
// code from the error.
func Run(ctx context.Context, opts Options) error {
	if opts.Transport == nil {
		return errors.New("harness: no transport configured")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	h := &Harness{
		opts:    opts,
		channel: ipc.NewChannel(opts.Transport, opts.Codec, opts.Logger),
		chain:   middleware.Chain(opts.Middleware...),
		state:   StateAwaitConnect,
		fatal:   make(chan error, 1),
		started: time.Now(),
	}
	defer h.channel.Close()

	if err := h.channel.Notify(ipc.OpLaunched, nil); err != nil {
		return fmt.Errorf("harness: announce launch: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- h.channel.Serve(ctx, func(frame *ipc.Frame) {
			h.dispatch(ctx, frame)
		})
	}()

	select {
	case err := <-h.fatal:
		return err
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch routes one inbound frame. It runs on the channel's serve
// goroutine; anything that blocks is handed off.
func (h *Harness) dispatch(ctx context.Context, frame *ipc.Frame) {
	switch frame.Op {
	case ipc.OpConnect:
		h.handleConnect(frame)
	case ipc.OpLoadCode:
		h.loadOnce.Do(func() { go h.loadCode(ctx) })
	case ipc.OpCommand, ipc.OpEval:
		go h.runCommand(ctx, frame)
	case ipc.OpCollectStats:
		go h.collectStats(ctx, frame)
	case ipc.OpShutdown:
		go h.handleShutdown(ctx, frame)
	case ipc.OpFetchLookup:
		go h.handleFetchLookup(ctx, frame)
	case ipc.OpBroadcast, ipc.OpIPCEvent:
		go h.handleEvent(ctx, frame)
	default:
		h.logger().Warn("unhandled frame", slog.String("op", string(frame.Op)))
	}
}

func (h *Harness) handleConnect(frame *ipc.Frame) {
	var data ipc.ConnectData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		h.logger().Error("malformed connect frame", slog.String("error", err.Error()))
		h.fail(fmt.Errorf("harness: decode connect: %w", err))
		return
	}

	env := &Env{
		Kind:        data.Kind,
		WorkerID:    data.WorkerID,
		ClusterID:   data.ClusterID,
		FirstShard:  data.FirstShard,
		LastShard:   data.LastShard,
		ShardCount:  data.ShardCount,
		ServiceName: data.ServiceName,
		Token:       data.Token,
		Logger:      NewLogger(h.channel, data.Verbosity),
		channel:     h.channel,
	}

	h.mu.Lock()
	h.identity = data
	h.env = env
	h.state = StateConnected
	h.mu.Unlock()

	if err := h.channel.Notify(ipc.OpConnected, nil); err != nil {
		h.fail(fmt.Errorf("harness: acknowledge connect: %w", err))
	}
}

// loadCode instantiates the module and runs its Start under the
// configured startup deadline. Success reports codeLoaded; failure is
// fatal, and the orchestrator's restart policy takes over.
func (h *Harness) loadCode(ctx context.Context) {
	h.mu.Lock()
	if h.state != StateConnected {
		state := h.state
		h.mu.Unlock()
		h.fail(fmt.Errorf("harness: loadCode in state %s", state))
		return
	}
	h.state = StateLoading
	identity := h.identity
	env := h.env
	h.mu.Unlock()

	factory, err := h.moduleFactory(identity)
	if err != nil {
		h.fail(err)
		return
	}
	mod := factory()

	startCtx := ctx
	if identity.StartupTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, identity.StartupTimeout)
		defer cancel()
	}

	if err := mod.Start(startCtx, env); err != nil {
		h.mu.Lock()
		h.state = StateFailed
		h.mu.Unlock()
		env.Logger.Error("module startup failed", slog.String("error", err.Error()))
		h.fail(fmt.Errorf("harness: module startup: %w", err))
		return
	}

	h.mu.Lock()
	h.module = mod
	h.state = StateReady
	h.mu.Unlock()

	if err := h.channel.Notify(ipc.OpCodeLoaded, nil); err != nil {
		h.fail(fmt.Errorf("harness: report codeLoaded: %w", err))
	}
}

func (h *Harness) moduleFactory(identity ipc.ConnectData) (func() Module, error) {
	switch identity.Kind {
	case ipc.KindCluster:
		if h.opts.ClusterModule == nil {
			return nil, errors.New("harness: no cluster module registered")
		}
		return h.opts.ClusterModule, nil
	case ipc.KindService:
		factory, ok := h.opts.ServiceModules[identity.ServiceName]
		if !ok {
			return nil, fmt.Errorf("harness: no module registered for service %q", identity.ServiceName)
		}
		return factory, nil
	default:
		return nil, fmt.Errorf("harness: unknown worker kind %q", identity.Kind)
	}
}

// runCommand executes a command or eval frame through the middleware
// chain and replies with the result. A module without the matching
// hook gets an explicit unsupported-operation error back, never a
// silent drop.
func (h *Harness) runCommand(ctx context.Context, frame *ipc.Frame) {
	h.mu.Lock()
	mod := h.module
	workerID := h.identity.WorkerID
	h.mu.Unlock()

	var data ipc.CommandData
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			h.replyError(frame, fmt.Errorf("harness: decode %s payload: %w", frame.Op, err))
			return
		}
	}

	cmd := &middleware.Command{
		Op:       string(frame.Op),
		FrameID:  frame.ID,
		WorkerID: workerID,
		Payload:  data.Payload,
	}

	terminal := func(ctx context.Context) (any, error) {
		if mod == nil {
			return nil, h.unsupported(frame.Op)
		}
		switch frame.Op {
		case ipc.OpCommand:
			if handler, ok := mod.(CommandHandler); ok {
				return handler.HandleCommand(ctx, data.Payload)
			}
		case ipc.OpEval:
			if handler, ok := mod.(EvalHandler); ok {
				return handler.HandleEval(ctx, data.Payload)
			}
		}
		return nil, h.unsupported(frame.Op)
	}

	result, err := h.chain(ctx, cmd, terminal)
	if err != nil {
		h.replyError(frame, err)
		return
	}

	encoded, err := ipc.EncodeValue(result)
	if err != nil {
		h.replyError(frame, fmt.Errorf("harness: encode %s result: %w", frame.Op, err))
		return
	}
	if err := h.channel.Reply(frame, encoded); err != nil {
		h.logger().Warn("reply failed", slog.String("op", string(frame.Op)), slog.String("error", err.Error()))
	}
}

func (h *Harness) unsupported(op ipc.Op) *ipc.WireError {
	h.mu.Lock()
	workerID := h.identity.WorkerID
	h.mu.Unlock()
	return &ipc.WireError{
		Name:    "UnsupportedOperation",
		Message: fmt.Sprintf("worker %s has no handler for %s", workerID, op),
	}
}

// collectStats answers one stats collection cycle. The module's
// contribution is optional; identity and process memory are always
// reported so the orchestrator can finalize its snapshot.
func (h *Harness) collectStats(ctx context.Context, frame *ipc.Frame) {
	h.mu.Lock()
	mod := h.module
	identity := h.identity
	started := h.started
	h.mu.Unlock()

	stats := &ipc.StatsData{}
	if reporter, ok := mod.(StatsReporter); ok {
		reported, err := reporter.ReportStats(ctx)
		if err != nil {
			h.replyError(frame, err)
			return
		}
		if reported != nil {
			stats = reported
		}
	}

	switch identity.Kind {
	case ipc.KindCluster:
		if stats.Cluster == nil {
			stats.Cluster = &ipc.ClusterStats{}
		}
		stats.Cluster.ClusterID = identity.ClusterID
		stats.Cluster.RAM = processRAM()
		stats.Cluster.Uptime = time.Since(started)
	case ipc.KindService:
		if stats.Service == nil {
			stats.Service = &ipc.ServiceStats{}
		}
		stats.Service.Name = identity.ServiceName
		stats.Service.RAM = processRAM()
	}

	if err := h.channel.Reply(frame, stats); err != nil {
		h.logger().Warn("stats reply failed", slog.String("error", err.Error()))
	}
}

// processRAM reports this process's heap usage in megabytes.
func processRAM() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapAlloc) / (1 << 20)
}

// handleShutdown runs the module's graceful-shutdown hook, then
// acknowledges. The orchestrator races this acknowledgement against
// its kill timer, so a hung hook costs at most the configured window.
func (h *Harness) handleShutdown(ctx context.Context, frame *ipc.Frame) {
	h.mu.Lock()
	mod := h.module
	h.mu.Unlock()

	if handler, ok := mod.(ShutdownHandler); ok {
		if err := handler.Shutdown(ctx); err != nil {
			h.logger().Warn("shutdown hook failed", slog.String("error", err.Error()))
		}
	}

	if err := h.channel.Reply(frame, true); err != nil {
		h.logger().Warn("shutdown ack failed", slog.String("error", err.Error()))
	}

	// Orderly exit.
	select {
	case h.fatal <- nil:
	default:
	}
}

// handleFetchLookup asks the module's resolver for a value and answers
// with a fire-and-forget fetch frame either way, so the orchestrator's
// miss counting stays exact.
func (h *Harness) handleFetchLookup(ctx context.Context, frame *ipc.Frame) {
	var data ipc.FetchData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		h.logger().Warn("malformed fetch lookup", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	mod := h.module
	h.mu.Unlock()

	reply := ipc.FetchData{Kind: data.Kind, Key: data.Key}
	if resolver, ok := mod.(Resolver); ok {
		if value, found := resolver.Resolve(ctx, data.Kind, data.Query); found {
			encoded, err := ipc.EncodeValue(value)
			if err != nil {
				h.logger().Warn("encode fetch value failed", slog.String("error", err.Error()))
			} else {
				reply.Found = true
				reply.Value = encoded
			}
		}
	}

	if err := h.channel.Notify(ipc.OpFetch, reply); err != nil {
		h.logger().Warn("fetch answer failed", slog.String("error", err.Error()))
	}
}

func (h *Harness) handleEvent(ctx context.Context, frame *ipc.Frame) {
	var data ipc.EventData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		h.logger().Warn("malformed event frame", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	mod := h.module
	h.mu.Unlock()

	if handler, ok := mod.(EventHandler); ok {
		handler.HandleEvent(ctx, data.Name, data.Payload)
	}
}

func (h *Harness) replyError(frame *ipc.Frame, err error) {
	if sendErr := h.channel.ReplyError(frame, ipc.CaptureError(err)); sendErr != nil {
		h.logger().Warn("error reply failed", slog.String("op", string(frame.Op)), slog.String("error", sendErr.Error()))
	}
}

// fail records a fatal condition. The first one wins.
func (h *Harness) fail(err error) {
	select {
	case h.fatal <- err:
	default:
	}
}

// logger returns the IPC-forwarding logger once connected, the local
// fallback before that.
func (h *Harness) logger() *slog.Logger {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.env != nil {
		return h.env.Logger
	}
	return h.opts.Logger
}

// State reports the current lifecycle phase.
func (h *Harness) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
