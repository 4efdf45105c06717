package aura

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/counting-bot/Aura/backoff"
	"github.com/counting-bot/Aura/event"
	"github.com/counting-bot/Aura/gateway"
	"github.com/counting-bot/Aura/id"
	"github.com/counting-bot/Aura/ipc"
	"github.com/counting-bot/Aura/proc"
	"github.com/counting-bot/Aura/queue"
	"github.com/counting-bot/Aura/store"
	"github.com/counting-bot/Aura/store/memory"
)

// workerConn is the orchestrator's handle on one spawned process: the
// OS process, its IPC channel, and the launch-phase flags that decide
// how its frames and its exit are interpreted.
type workerConn struct {
	workerID id.WorkerID
	kind     ipc.WorkerKind
	process  proc.Process
	channel  *ipc.Channel

	// connected flips when the worker confirms its identity.
	connected bool

	// deferLoad suppresses the automatic loadCode after connect. Soft
	// restarts and reshards load the replacement only after the old
	// worker has finished dying.
	deferLoad bool

	// planned marks an exit the orchestrator caused deliberately, so
	// the restart policy stays out of it.
	planned bool

	// dispatched marks that the connect frame for this worker's queue
	// item has been sent.
	dispatched bool
}

// Orchestrator owns the fleet: registries of live workers, the launch
// queue, soft-kill/restart/reshard state machines, stats aggregation,
// and the central rate-limited request proxy.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	codec  ipc.Codec

	spawner   proc.Spawner
	gateway   gateway.InfoProvider
	requester gateway.Requester
	store     store.Store
	events    *event.Registry

	restartBackoff backoff.Strategy

	queue    *queue.Queue
	registry *Registry

	mu         sync.Mutex
	started    bool
	stopping   bool
	stopDone   chan id.WorkerID
	conns      map[id.WorkerID]*workerConn
	failures   map[string]int
	softKills  map[id.WorkerID]*softKillEntry
	fetches    map[string]*fetchEntry
	swaps      map[id.WorkerID]id.WorkerID
	stats      *statsCycle
	statsPause bool
	lastStats  *ipc.StatsSnapshot
	reshard    *reshardState

	shardCount     int
	clusterCount   int
	maxConcurrency int

	runCtx context.Context
	cancel context.CancelFunc
}

// New builds an orchestrator. Configuration errors are fatal here,
// before any process is spawned.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:            cfg,
		logger:         slog.Default(),
		spawner:        &proc.ExecSpawner{},
		store:          memory.New(),
		restartBackoff: backoff.DefaultStrategy(),
		registry:       NewRegistry(),
		conns:          make(map[id.WorkerID]*workerConn),
		failures:       make(map[string]int),
		softKills:      make(map[id.WorkerID]*softKillEntry),
		fetches:        make(map[string]*fetchEntry),
		swaps:          make(map[id.WorkerID]id.WorkerID),
	}
	o.events = event.NewRegistry(o.logger)
	o.queue = queue.New(o.executeItem)

	for _, opt := range opts {
		opt(o)
	}
	if o.gateway == nil {
		return nil, ErrNoGateway
	}
	return o, nil
}

// Start sizes the fleet from the gateway's recommendation, spawns every
// cluster and service, and begins the concurrency-grouped launch
// sequence. It returns once the launch queue is primed; readiness is
// reported through lifecycle events.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.runCtx, o.cancel = context.WithCancel(context.Background())
	o.mu.Unlock()

	info, err := o.gateway.GatewayInfo(ctx)
	if err != nil {
		return fmt.Errorf("aura: gateway info: %w", err)
	}
	o.applySizing(info)

	o.logger.Info("launching fleet",
		slog.Int("shards", o.shardCount),
		slog.Int("clusters", o.clusterCount),
		slog.Int("concurrency", o.maxConcurrency),
		slog.Int("services", len(o.cfg.Services)))

	items, err := o.spawnFleet(ctx, false)
	if err != nil {
		return err
	}
	for _, svc := range o.cfg.Services {
		item, err := o.spawnService(ctx, svc, false)
		if err != nil {
			return err
		}
		items = append(items, item)
	}

	o.queue.EnqueueMany(items, "")

	if o.cfg.StatsInterval > 0 {
		go o.statsLoop()
	}
	return nil
}

func (o *Orchestrator) applySizing(info gateway.Info) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.shardCount = o.cfg.ShardCount
	if o.shardCount <= 0 {
		o.shardCount = info.Shards
	}
	if o.shardCount < 1 {
		o.shardCount = 1
	}

	o.clusterCount = o.cfg.ClusterCount
	if o.clusterCount <= 0 {
		o.clusterCount = runtime.NumCPU()
	}
	if o.clusterCount > o.shardCount {
		o.clusterCount = o.shardCount
	}

	o.maxConcurrency = o.cfg.MaxConcurrency
	if o.maxConcurrency <= 0 {
		o.maxConcurrency = info.MaxConcurrency
	}
	if o.maxConcurrency < 1 {
		o.maxConcurrency = 1
	}
}

// spawnFleet forks one cluster per shard chunk and returns their
// connect items in launch order. deferLoad defers code loading, which
// the reshard retire sequence drives explicitly.
func (o *Orchestrator) spawnFleet(ctx context.Context, deferLoad bool) ([]*queue.Item, error) {
	o.mu.Lock()
	shardCount, clusterCount := o.shardCount, o.clusterCount
	o.mu.Unlock()

	shardIDs := make([]int, shardCount)
	for i := range shardIDs {
		shardIDs[i] = i
	}

	chunks := Chunk(shardIDs, clusterCount)
	items := make([]*queue.Item, 0, len(chunks))
	for clusterID, chunk := range chunks {
		item, err := o.spawnCluster(ctx, clusterID, chunk[0], chunk[len(chunk)-1], deferLoad)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (o *Orchestrator) spawnCluster(ctx context.Context, clusterID, firstShard, lastShard int, deferLoad bool) (*queue.Item, error) {
	workerID := id.NewWorkerID()

	entry := &LaunchingEntry{
		WorkerID: workerID,
		Cluster: &ClusterRecord{
			ClusterID:  clusterID,
			WorkerID:   workerID,
			FirstShard: firstShard,
			LastShard:  lastShard,
		},
	}

	conn, err := o.launch(ctx, proc.RoleCluster, workerID, ipc.KindCluster, deferLoad, entry)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	shardCount := o.shardCount
	maxConcurrency := o.maxConcurrency
	o.mu.Unlock()

	frame, err := ipc.NewFrame(ipc.OpConnect, ipc.ConnectData{
		Kind:           ipc.KindCluster,
		WorkerID:       workerID.String(),
		ClusterID:      clusterID,
		FirstShard:     firstShard,
		LastShard:      lastShard,
		ShardCount:     shardCount,
		Token:          o.cfg.Token,
		StartupTimeout: o.cfg.StartupTimeout,
		Verbosity:      o.cfg.Verbosity,
	})
	if err != nil {
		_ = conn.process.Kill()
		return nil, err
	}

	return &queue.Item{
		WorkerID: workerID,
		Kind:     queue.KindCluster,
		GroupID:  GroupOf(clusterID, maxConcurrency),
		Message:  frame,
	}, nil
}

func (o *Orchestrator) spawnService(ctx context.Context, svc ServiceConfig, deferLoad bool) (*queue.Item, error) {
	workerID := id.NewWorkerID()

	entry := &LaunchingEntry{
		WorkerID: workerID,
		Service: &ServiceRecord{
			Name:     svc.Name,
			WorkerID: workerID,
			Path:     svc.Path,
		},
	}

	conn, err := o.launch(ctx, proc.RoleService, workerID, ipc.KindService, deferLoad, entry)
	if err != nil {
		return nil, err
	}

	frame, err := ipc.NewFrame(ipc.OpConnect, ipc.ConnectData{
		Kind:           ipc.KindService,
		WorkerID:       workerID.String(),
		ServiceName:    svc.Name,
		ServicePath:    svc.Path,
		Token:          o.cfg.Token,
		StartupTimeout: o.cfg.StartupTimeout,
		Verbosity:      o.cfg.Verbosity,
	})
	if err != nil {
		_ = conn.process.Kill()
		return nil, err
	}

	return &queue.Item{
		WorkerID: workerID,
		Kind:     queue.KindService,
		Message:  frame,
	}, nil
}

// launch forks one process, wires its channel, and tracks it as
// launching. The serve and exit-watch goroutines live until the process
// dies.
func (o *Orchestrator) launch(ctx context.Context, role string, workerID id.WorkerID, kind ipc.WorkerKind, deferLoad bool, entry *LaunchingEntry) (*workerConn, error) {
	process, err := o.spawner.Spawn(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("aura: spawn %s: %w", role, err)
	}

	conn := &workerConn{
		workerID:  workerID,
		kind:      kind,
		process:   process,
		channel:   ipc.NewChannel(process.Transport(), o.codec, o.logger),
		deferLoad: deferLoad,
	}

	if err := o.registry.AddLaunching(entry); err != nil {
		_ = process.Kill()
		return nil, err
	}

	o.mu.Lock()
	o.conns[workerID] = conn
	runCtx := o.runCtx
	o.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}

	go func() {
		if err := conn.channel.Serve(runCtx, func(frame *ipc.Frame) {
			o.handleFrame(conn, frame)
		}); err != nil {
			o.logger.Warn("worker channel closed",
				slog.String("worker_id", workerID.String()),
				slog.String("error", err.Error()))
		}
	}()

	go func() {
		err := <-process.Done()
		o.handleExit(conn, err)
	}()

	return conn, nil
}

// executeItem is the queue's execute callback. It dispatches the head
// item's connect frame, then releases adjacent items belonging to the
// same admission-concurrency group so they connect simultaneously.
func (o *Orchestrator) executeItem(current, _ *queue.Item) {
	o.dispatchItem(current)
	for _, next := range o.queue.Following() {
		if !o.sameGroup(current, next) {
			break
		}
		o.dispatchItem(next)
	}
}

func (o *Orchestrator) dispatchItem(item *queue.Item) {
	o.mu.Lock()
	conn, ok := o.conns[item.WorkerID]
	if !ok {
		o.mu.Unlock()
		// The worker died before its dispatch; drop the item so the
		// queue never waits on a connect that cannot arrive.
		o.queue.Remove(item.WorkerID)
		return
	}
	if conn.dispatched {
		o.mu.Unlock()
		return
	}
	conn.dispatched = true
	o.mu.Unlock()

	if item.Kind == queue.KindShutdown {
		o.softKill(conn, func(bool) {
			o.queue.Advance(false, shutdownTag)
		})
		return
	}

	if err := conn.channel.Send(item.Message); err != nil {
		o.logger.Error("dispatch failed",
			slog.String("worker_id", item.WorkerID.String()),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) sameGroup(a, b *queue.Item) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case queue.KindCluster:
		return a.GroupID == b.GroupID
	case queue.KindService:
		return o.cfg.ServicesStartTogether
	default:
		return false
	}
}

// handleFrame routes one inbound worker frame. Correlated replies never
// reach here; the channel resolves them against its pending map.
func (o *Orchestrator) handleFrame(conn *workerConn, frame *ipc.Frame) {
	switch frame.Op {
	case ipc.OpLaunched:
		o.logger.Debug("worker booted",
			slog.String("worker_id", conn.workerID.String()),
			slog.Int("pid", conn.process.PID()))
	case ipc.OpConnected:
		o.handleConnected(conn)
	case ipc.OpCodeLoaded:
		o.handleCodeLoaded(conn)
	case ipc.OpLog, ipc.OpInfo, ipc.OpDebug, ipc.OpWarn, ipc.OpError:
		o.handleLog(conn, frame)
	case ipc.OpCentralRequest:
		go o.handleCentralRequest(conn, frame)
	case ipc.OpStoreGet, ipc.OpStoreSet, ipc.OpStoreHas,
		ipc.OpStoreDelete, ipc.OpStoreClear, ipc.OpStoreCopy:
		go o.handleStore(conn, frame)
	case ipc.OpFetch:
		o.handleFetch(conn, frame)
	case ipc.OpBroadcast, ipc.OpIPCEvent:
		o.handleWorkerEvent(conn, frame)
	default:
		o.logger.Warn("unhandled worker frame",
			slog.String("worker_id", conn.workerID.String()),
			slog.String("op", string(frame.Op)))
	}
}

// handleConnected promotes the launching entry into the live registry,
// releases the launch queue, and (unless deferred) tells the worker to
// load its code.
func (o *Orchestrator) handleConnected(conn *workerConn) {
	if _, ok := o.registry.Launching(conn.workerID); !ok {
		// Unattributed report; drop it rather than crash the fleet.
		o.logger.Error("connected report from untracked worker",
			slog.String("worker_id", conn.workerID.String()))
		return
	}

	var (
		label           string
		promotedCluster *ClusterRecord
		promotedService *ServiceRecord
	)
	switch conn.kind {
	case ipc.KindCluster:
		rec, err := o.registry.PromoteCluster(conn.workerID)
		if err != nil {
			o.logger.Error("promote cluster failed", slog.String("error", err.Error()))
			return
		}
		promotedCluster = rec
		label = fmt.Sprintf("cluster %d", rec.ClusterID)
	case ipc.KindService:
		rec, err := o.registry.PromoteService(conn.workerID)
		if err != nil {
			o.logger.Error("promote service failed", slog.String("error", err.Error()))
			return
		}
		promotedService = rec
		label = fmt.Sprintf("service %s", rec.Name)
	}

	o.mu.Lock()
	conn.connected = true
	oldWorkerID, swapping := o.swaps[conn.workerID]
	if swapping {
		delete(o.swaps, conn.workerID)
	}
	deferLoad := conn.deferLoad
	o.mu.Unlock()

	o.logger.Info("worker connected",
		slog.String("worker", label),
		slog.String("worker_id", conn.workerID.String()))

	switch {
	case swapping:
		// Soft restart: retire the old instance, then load the
		// replacement. Promotion has already displaced the old record,
		// so the retiring identity is rebuilt from the promoted one.
		o.mu.Lock()
		old := o.conns[oldWorkerID]
		o.mu.Unlock()
		if old != nil {
			entry := &softKillEntry{
				workerID: oldWorkerID,
				done:     func(bool) { o.sendLoadCode(conn) },
			}
			switch {
			case promotedCluster != nil:
				entry.cluster = &ClusterRecord{
					ClusterID:  promotedCluster.ClusterID,
					WorkerID:   oldWorkerID,
					FirstShard: promotedCluster.FirstShard,
					LastShard:  promotedCluster.LastShard,
				}
			case promotedService != nil:
				entry.service = &ServiceRecord{
					Name:     promotedService.Name,
					WorkerID: oldWorkerID,
					Path:     promotedService.Path,
				}
			}
			o.beginSoftKill(old, entry)
		} else {
			o.sendLoadCode(conn)
		}
	case deferLoad:
		o.noteReshardConnect()
	default:
		o.sendLoadCode(conn)
	}

	o.queue.Advance(false, "")
}

func (o *Orchestrator) sendLoadCode(conn *workerConn) {
	o.mu.Lock()
	conn.deferLoad = false
	o.mu.Unlock()
	if err := conn.channel.Notify(ipc.OpLoadCode, nil); err != nil {
		o.logger.Error("load code dispatch failed",
			slog.String("worker_id", conn.workerID.String()),
			slog.String("error", err.Error()))
	}
}

// handleCodeLoaded marks the worker ready: the sequential-failure
// counter for its identity resets and the ready event fires.
func (o *Orchestrator) handleCodeLoaded(conn *workerConn) {
	if rec, ok := o.registry.ClusterByWorker(conn.workerID); ok {
		o.clearFailures(clusterKey(rec.ClusterID))
		o.events.EmitClusterReady(event.ClusterEvent{
			ClusterID:  rec.ClusterID,
			WorkerID:   rec.WorkerID,
			FirstShard: rec.FirstShard,
			LastShard:  rec.LastShard,
			At:         nowUTC(),
		})
		o.broadcastLifecycle("cluster.ready", map[string]any{
			"cluster_id":  rec.ClusterID,
			"first_shard": rec.FirstShard,
			"last_shard":  rec.LastShard,
		})
		return
	}

	if rec, ok := o.registry.ServiceByWorker(conn.workerID); ok {
		o.clearFailures(serviceKey(rec.Name))
		o.events.EmitServiceReady(event.ServiceEvent{
			Name:     rec.Name,
			WorkerID: rec.WorkerID,
			At:       nowUTC(),
		})
		o.broadcastLifecycle("service.ready", map[string]any{"name": rec.Name})
		return
	}

	o.logger.Error("codeLoaded report from untracked worker",
		slog.String("worker_id", conn.workerID.String()))
}

func (o *Orchestrator) clearFailures(key string) {
	o.mu.Lock()
	delete(o.failures, key)
	o.mu.Unlock()
}

// handleLog renders a forwarded worker log record through the
// orchestrator's logger, attributed to the source identity.
func (o *Orchestrator) handleLog(conn *workerConn, frame *ipc.Frame) {
	var data ipc.LogData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		o.logger.Warn("malformed log frame",
			slog.String("worker_id", conn.workerID.String()))
		return
	}

	level := slog.LevelInfo
	switch frame.Op {
	case ipc.OpDebug:
		level = slog.LevelDebug
	case ipc.OpWarn:
		level = slog.LevelWarn
	case ipc.OpError:
		level = slog.LevelError
	}

	attrs := []slog.Attr{slog.String("worker", o.workerLabel(conn))}
	if len(data.Attrs) > 0 {
		var fields map[string]any
		if err := json.Unmarshal(data.Attrs, &fields); err == nil {
			for k, v := range fields {
				attrs = append(attrs, slog.Any(k, v))
			}
		}
	}
	o.logger.LogAttrs(context.Background(), level, data.Message, attrs...)
}

func (o *Orchestrator) workerLabel(conn *workerConn) string {
	if rec, ok := o.registry.ClusterByWorker(conn.workerID); ok {
		return fmt.Sprintf("cluster %d", rec.ClusterID)
	}
	if rec, ok := o.registry.ServiceByWorker(conn.workerID); ok {
		return fmt.Sprintf("service %s", rec.Name)
	}
	if entry, ok := o.registry.Launching(conn.workerID); ok {
		switch {
		case entry.Cluster != nil:
			return fmt.Sprintf("cluster %d (launching)", entry.Cluster.ClusterID)
		case entry.Service != nil:
			return fmt.Sprintf("service %s (launching)", entry.Service.Name)
		}
	}
	return conn.workerID.String()
}

// handleWorkerEvent fans a worker-originated application event out to
// the whole fleet and to local listeners.
func (o *Orchestrator) handleWorkerEvent(conn *workerConn, frame *ipc.Frame) {
	var data ipc.EventData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		o.logger.Warn("malformed event frame",
			slog.String("worker_id", conn.workerID.String()))
		return
	}
	o.events.EmitIPCEvent(data)
	o.fanOut(data)
}

// fanOut delivers an application event to every connected worker.
func (o *Orchestrator) fanOut(data ipc.EventData) {
	for _, conn := range o.connectedWorkers() {
		if err := conn.channel.Notify(ipc.OpIPCEvent, data); err != nil {
			o.logger.Warn("event fan-out failed",
				slog.String("worker_id", conn.workerID.String()),
				slog.String("event", data.Name))
		}
	}
}

func (o *Orchestrator) broadcastLifecycle(name string, payload map[string]any) {
	if !o.cfg.BroadcastLifecycle {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	o.fanOut(ipc.EventData{Name: name, Payload: raw})
}

// BroadcastEvent fans an application event out to every worker.
func (o *Orchestrator) BroadcastEvent(name string, payload json.RawMessage) {
	data := ipc.EventData{Name: name, Payload: payload}
	o.events.EmitIPCEvent(data)
	o.fanOut(data)
}

func (o *Orchestrator) connectedWorkers() []*workerConn {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*workerConn, 0, len(o.conns))
	for _, conn := range o.conns {
		if conn.connected {
			out = append(out, conn)
		}
	}
	return out
}

func (o *Orchestrator) connByWorker(workerID id.WorkerID) *workerConn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conns[workerID]
}

// CommandCluster invokes a cluster module's command hook and returns
// its reply.
func (o *Orchestrator) CommandCluster(ctx context.Context, clusterID int, payload json.RawMessage) (json.RawMessage, error) {
	rec, ok := o.registry.ClusterByID(clusterID)
	if !ok {
		return nil, fmt.Errorf("%w: cluster %d", ErrClusterNotFound, clusterID)
	}
	return o.command(ctx, rec.WorkerID, ipc.OpCommand, payload)
}

// CommandService invokes a service module's command hook and returns
// its reply.
func (o *Orchestrator) CommandService(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	rec, ok := o.registry.ServiceByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: service %q", ErrServiceNotFound, name)
	}
	return o.command(ctx, rec.WorkerID, ipc.OpCommand, payload)
}

// EvalCluster invokes a cluster module's eval hook and returns its
// reply.
func (o *Orchestrator) EvalCluster(ctx context.Context, clusterID int, payload json.RawMessage) (json.RawMessage, error) {
	rec, ok := o.registry.ClusterByID(clusterID)
	if !ok {
		return nil, fmt.Errorf("%w: cluster %d", ErrClusterNotFound, clusterID)
	}
	return o.command(ctx, rec.WorkerID, ipc.OpEval, payload)
}

// EvalService invokes a service module's eval hook and returns its
// reply.
func (o *Orchestrator) EvalService(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	rec, ok := o.registry.ServiceByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: service %q", ErrServiceNotFound, name)
	}
	return o.command(ctx, rec.WorkerID, ipc.OpEval, payload)
}

func (o *Orchestrator) command(ctx context.Context, workerID id.WorkerID, op ipc.Op, payload json.RawMessage) (json.RawMessage, error) {
	conn := o.connByWorker(workerID)
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	reply, err := conn.channel.Request(ctx, op, ipc.CommandData{Payload: payload})
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// Clusters returns the live cluster records.
func (o *Orchestrator) Clusters() []*ClusterRecord { return o.registry.Clusters() }

// Services returns the live service records.
func (o *Orchestrator) Services() []*ServiceRecord { return o.registry.Services() }
