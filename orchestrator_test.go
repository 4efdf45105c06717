package aura

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/counting-bot/Aura/backoff"
	"github.com/counting-bot/Aura/event"
	"github.com/counting-bot/Aura/gateway"
	"github.com/counting-bot/Aura/harness"
	"github.com/counting-bot/Aura/ipc"
	"github.com/counting-bot/Aura/proc"
	"github.com/counting-bot/Aura/store/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Fakes: spawner, gateway, requester, listener
// ---------------------------------------------------------------------------

// stubProcess is an in-process "fork": a pipe pair with a goroutine on
// the far end playing the worker.
type stubProcess struct {
	pid       int
	transport ipc.Transport
	worker    ipc.Transport
	done      chan error
	killOnce  sync.Once
}

func (p *stubProcess) PID() int                 { return p.pid }
func (p *stubProcess) Transport() ipc.Transport { return p.transport }
func (p *stubProcess) Done() <-chan error       { return p.done }

func (p *stubProcess) Kill() error {
	// Closing the pipe is this fake's SIGKILL; the worker goroutine
	// exits and Done fires.
	p.killOnce.Do(func() { _ = p.worker.Close() })
	return nil
}

// stubSpawner stands a fleet up without forking. Every Spawn runs the
// configured worker function on the far end of a fresh pipe.
type stubSpawner struct {
	run func(role string, transport ipc.Transport) error

	mu     sync.Mutex
	spawns int
	kills  int
}

func (s *stubSpawner) Spawn(_ context.Context, role string) (proc.Process, error) {
	near, far := ipc.Pipe()

	s.mu.Lock()
	s.spawns++
	pid := s.spawns
	s.mu.Unlock()

	p := &stubProcess{
		pid:       pid,
		transport: near,
		worker:    far,
		done:      make(chan error, 1),
	}
	go func() {
		p.done <- s.run(role, far)
	}()
	return p, nil
}

func (s *stubSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

// stubGateway serves the sizing recommendation; tests mutate it between
// launch and reshard.
type stubGateway struct {
	mu   sync.Mutex
	info gateway.Info
	err  error
}

func (g *stubGateway) GatewayInfo(context.Context) (gateway.Info, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.info, g.err
}

func (g *stubGateway) setInfo(info gateway.Info) {
	g.mu.Lock()
	g.info = info
	g.mu.Unlock()
}

// stubRequester records proxied calls and echoes a fixed body.
type stubRequester struct {
	mu    sync.Mutex
	calls []gateway.Request
}

func (r *stubRequester) Request(_ context.Context, req gateway.Request) (json.RawMessage, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()
	return json.RawMessage(`{"ok":true}`), nil
}

func (r *stubRequester) lastCall() (gateway.Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return gateway.Request{}, false
	}
	return r.calls[len(r.calls)-1], true
}

// fleetRecorder captures lifecycle events on buffered channels.
type fleetRecorder struct {
	clusterReady    chan event.ClusterEvent
	serviceReady    chan event.ServiceEvent
	clusterShutdown chan event.ClusterEvent
	serviceShutdown chan event.ServiceEvent
	reshardDone     chan struct{}
	stats           chan ipc.StatsSnapshot
}

func newFleetRecorder() *fleetRecorder {
	return &fleetRecorder{
		clusterReady:    make(chan event.ClusterEvent, 16),
		serviceReady:    make(chan event.ServiceEvent, 16),
		clusterShutdown: make(chan event.ClusterEvent, 16),
		serviceShutdown: make(chan event.ServiceEvent, 16),
		reshardDone:     make(chan struct{}, 4),
		stats:           make(chan ipc.StatsSnapshot, 4),
	}
}

func (r *fleetRecorder) Name() string                           { return "test-recorder" }
func (r *fleetRecorder) OnClusterReady(e event.ClusterEvent)    { r.clusterReady <- e }
func (r *fleetRecorder) OnServiceReady(e event.ServiceEvent)    { r.serviceReady <- e }
func (r *fleetRecorder) OnClusterShutdown(e event.ClusterEvent) { r.clusterShutdown <- e }
func (r *fleetRecorder) OnServiceShutdown(e event.ServiceEvent) { r.serviceShutdown <- e }
func (r *fleetRecorder) OnReshardingComplete()                  { r.reshardDone <- struct{}{} }
func (r *fleetRecorder) OnStatsCollected(s ipc.StatsSnapshot)   { r.stats <- s }

func waitCluster(t *testing.T, ch chan event.ClusterEvent, what string) event.ClusterEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return event.ClusterEvent{}
	}
}

func waitService(t *testing.T, ch chan event.ServiceEvent, what string) event.ServiceEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return event.ServiceEvent{}
	}
}

// ---------------------------------------------------------------------------
// Test worker module
// ---------------------------------------------------------------------------

// testModule is the cluster/service module run inside stub workers. Its
// command hook exposes the Env capabilities so tests can drive the
// orchestrator's proxy, store, fetch, and broadcast paths end to end.
type testModule struct {
	guilds int
	events chan ipc.EventData

	mu  sync.Mutex
	env *harness.Env
}

type testCommand struct {
	Op    string          `json:"op"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Query json.RawMessage `json:"query,omitempty"`
	URL   string          `json:"url,omitempty"`
	Name  string          `json:"name,omitempty"`
}

func (m *testModule) Start(_ context.Context, env *harness.Env) error {
	m.mu.Lock()
	m.env = env
	m.mu.Unlock()
	return nil
}

func (m *testModule) environment() *harness.Env {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.env
}

func (m *testModule) HandleCommand(ctx context.Context, payload json.RawMessage) (any, error) {
	var cmd testCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, err
	}
	env := m.environment()

	switch cmd.Op {
	case "ping":
		return map[string]any{"pong": env.ClusterID}, nil

	case "fetch":
		value, err := env.Fetch(ctx, "guild", cmd.Query)
		if err != nil {
			return nil, err
		}
		return map[string]any{"found": value != nil, "value": value}, nil

	case "request":
		return env.Request(ctx, gateway.Request{Method: "GET", URL: cmd.URL, Auth: true})

	case "store.set":
		return true, env.Store().Set(ctx, cmd.Key, cmd.Value)

	case "store.get":
		value, err := env.Store().Get(ctx, cmd.Key)
		if err != nil {
			return nil, err
		}
		return value, nil

	case "broadcast":
		return true, env.Broadcast(cmd.Name, cmd.Value)

	default:
		return nil, errors.New("unknown test command")
	}
}

// Resolve answers guild lookups: each cluster "holds" exactly the guild
// whose ID equals its cluster ID.
func (m *testModule) Resolve(_ context.Context, kind string, query json.RawMessage) (any, bool) {
	if kind != "guild" {
		return nil, false
	}
	var want int
	if err := json.Unmarshal(query, &want); err != nil {
		return nil, false
	}
	env := m.environment()
	if env == nil || env.ClusterID != want {
		return nil, false
	}
	return map[string]int{"home_cluster": env.ClusterID}, true
}

func (m *testModule) ReportStats(context.Context) (*ipc.StatsData, error) {
	env := m.environment()
	if env.Kind == ipc.KindService {
		return &ipc.StatsData{Service: &ipc.ServiceStats{}}, nil
	}
	return &ipc.StatsData{Cluster: &ipc.ClusterStats{
		Guilds:   m.guilds,
		Users:    m.guilds * 10,
		Sessions: env.LastShard - env.FirstShard + 1,
	}}, nil
}

func (m *testModule) HandleEvent(_ context.Context, name string, payload json.RawMessage) {
	if m.events != nil {
		m.events <- ipc.EventData{Name: name, Payload: payload}
	}
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type testFleet struct {
	orch      *Orchestrator
	spawner   *stubSpawner
	gateway   *stubGateway
	requester *stubRequester
	store     *memory.Store
	rec       *fleetRecorder
}

// harnessRun adapts a module factory into the spawner's worker function.
func harnessRun(factory func() harness.Module, services map[string]func() harness.Module) func(string, ipc.Transport) error {
	return func(_ string, transport ipc.Transport) error {
		return harness.Run(context.Background(), harness.Options{
			Transport:      transport,
			ClusterModule:  factory,
			ServiceModules: services,
			Logger:         quietLogger(),
		})
	}
}

func startTestFleet(t *testing.T, cfg Config, info gateway.Info, run func(string, ipc.Transport) error, opts ...Option) *testFleet {
	t.Helper()

	f := &testFleet{
		spawner:   &stubSpawner{run: run},
		gateway:   &stubGateway{info: info},
		requester: &stubRequester{},
		store:     memory.New(),
		rec:       newFleetRecorder(),
	}

	all := append([]Option{
		WithLogger(quietLogger()),
		WithSpawner(f.spawner),
		WithGateway(f.gateway),
		WithRequester(f.requester),
		WithStore(f.store),
		WithListener(f.rec),
		WithRestartBackoff(backoff.NewConstant(0)),
	}, opts...)

	orch, err := New(cfg, all...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	f.orch = orch

	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
	})
	return f
}

func fleetConfig() Config {
	cfg := DefaultConfig()
	cfg.ShardCount = 4
	cfg.ClusterCount = 2
	cfg.StatsInterval = 0
	cfg.FetchTimeout = 2 * time.Second
	return cfg
}

func (f *testFleet) awaitReady(t *testing.T, clusters, services int) {
	t.Helper()
	for range clusters {
		waitCluster(t, f.rec.clusterReady, "cluster ready")
	}
	for range services {
		waitService(t, f.rec.serviceReady, "service ready")
	}
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_RequiresGateway(t *testing.T) {
	_, err := New(DefaultConfig(), WithLogger(quietLogger()))
	if !errors.Is(err, ErrNoGateway) {
		t.Fatalf("expected ErrNoGateway, got %v", err)
	}
}

func TestOrchestrator_DoubleStart(t *testing.T) {
	run := harnessRun(func() harness.Module { return &testModule{} }, nil)
	f := startTestFleet(t, fleetConfig(), gateway.Info{Shards: 4, MaxConcurrency: 2}, run)
	f.awaitReady(t, 2, 0)

	if err := f.orch.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Fleet launch
// ---------------------------------------------------------------------------

func TestOrchestrator_LaunchFleet(t *testing.T) {
	cfg := fleetConfig()
	cfg.Services = []ServiceConfig{{Name: "backup"}}

	run := harnessRun(
		func() harness.Module { return &testModule{guilds: 100} },
		map[string]func() harness.Module{
			"backup": func() harness.Module { return &testModule{} },
		},
	)
	f := startTestFleet(t, cfg, gateway.Info{Shards: 4, MaxConcurrency: 2}, run)
	f.awaitReady(t, 2, 1)

	clusters := f.orch.Clusters()
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(clusters))
	}
	if clusters[0].FirstShard != 0 || clusters[0].LastShard != 1 {
		t.Fatalf("cluster 0 shard range wrong: %+v", clusters[0])
	}
	if clusters[1].FirstShard != 2 || clusters[1].LastShard != 3 {
		t.Fatalf("cluster 1 shard range wrong: %+v", clusters[1])
	}

	services := f.orch.Services()
	if len(services) != 1 || services[0].Name != "backup" {
		t.Fatalf("expected service backup, got %+v", services)
	}
}

func TestOrchestrator_CommandRouting(t *testing.T) {
	run := harnessRun(func() harness.Module { return &testModule{} }, nil)
	f := startTestFleet(t, fleetConfig(), gateway.Info{Shards: 4, MaxConcurrency: 2}, run)
	f.awaitReady(t, 2, 0)

	reply, err := f.orch.CommandCluster(context.Background(), 1, json.RawMessage(`{"op":"ping"}`))
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	var body map[string]int
	if err := json.Unmarshal(reply, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["pong"] != 1 {
		t.Fatalf("command reached the wrong cluster: %v", body)
	}

	if _, err := f.orch.CommandCluster(context.Background(), 9, nil); !errors.Is(err, ErrClusterNotFound) {
		t.Fatalf("expected ErrClusterNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Central request proxy and store RPC
// ---------------------------------------------------------------------------

func TestOrchestrator_CentralRequestProxy(t *testing.T) {
	run := harnessRun(func() harness.Module { return &testModule{} }, nil)
	f := startTestFleet(t, fleetConfig(), gateway.Info{Shards: 4, MaxConcurrency: 2}, run)
	f.awaitReady(t, 2, 0)

	reply, err := f.orch.CommandCluster(context.Background(), 0,
		json.RawMessage(`{"op":"request","url":"/guilds/42"}`))
	if err != nil {
		t.Fatalf("proxied request: %v", err)
	}
	if string(reply) != `{"ok":true}` {
		t.Fatalf("requester body lost in transit: %s", reply)
	}

	call, ok := f.requester.lastCall()
	if !ok {
		t.Fatal("requester never invoked")
	}
	if call.Method != "GET" || call.URL != "/guilds/42" || !call.Auth {
		t.Fatalf("request changed in transit: %+v", call)
	}
}

func TestOrchestrator_CentralStoreSharedAcrossClusters(t *testing.T) {
	run := harnessRun(func() harness.Module { return &testModule{} }, nil)
	f := startTestFleet(t, fleetConfig(), gateway.Info{Shards: 4, MaxConcurrency: 2}, run)
	f.awaitReady(t, 2, 0)

	if _, err := f.orch.CommandCluster(context.Background(), 0,
		json.RawMessage(`{"op":"store.set","key":"prefix","value":"!"}`)); err != nil {
		t.Fatalf("store.set: %v", err)
	}

	// The other cluster reads the value back through the same central
	// store.
	reply, err := f.orch.CommandCluster(context.Background(), 1,
		json.RawMessage(`{"op":"store.get","key":"prefix"}`))
	if err != nil {
		t.Fatalf("store.get: %v", err)
	}
	var got string
	if err := json.Unmarshal(reply, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != "!" {
		t.Fatalf("store value changed in transit: %q", got)
	}

	val, err := f.store.Get(context.Background(), "prefix")
	if err != nil || string(val) != `"!"` {
		t.Fatalf("orchestrator-held store disagrees: %s %v", val, err)
	}
}

// ---------------------------------------------------------------------------
// Targeted fetch
// ---------------------------------------------------------------------------

func TestOrchestrator_FetchFirstResponseWins(t *testing.T) {
	run := harnessRun(func() harness.Module { return &testModule{} }, nil)
	f := startTestFleet(t, fleetConfig(), gateway.Info{Shards: 4, MaxConcurrency: 2}, run)
	f.awaitReady(t, 2, 0)

	// Cluster 0 asks for the guild only cluster 1 holds.
	reply, err := f.orch.CommandCluster(context.Background(), 0,
		json.RawMessage(`{"op":"fetch","query":1}`))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	var body struct {
		Found bool            `json:"found"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(reply, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Found {
		t.Fatal("expected a hit from cluster 1")
	}
	var value map[string]int
	if err := json.Unmarshal(body.Value, &value); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if value["home_cluster"] != 1 {
		t.Fatalf("wrong cluster answered: %v", value)
	}
}

func TestOrchestrator_FetchExhaustionResolvesMiss(t *testing.T) {
	run := harnessRun(func() harness.Module { return &testModule{} }, nil)
	f := startTestFleet(t, fleetConfig(), gateway.Info{Shards: 4, MaxConcurrency: 2}, run)
	f.awaitReady(t, 2, 0)

	start := time.Now()
	reply, err := f.orch.CommandCluster(context.Background(), 0,
		json.RawMessage(`{"op":"fetch","query":99}`))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	var body struct {
		Found bool `json:"found"`
	}
	if err := json.Unmarshal(reply, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Found {
		t.Fatal("no cluster holds guild 99")
	}
	// Exhaustion resolves well before the fetch timeout.
	if elapsed := time.Since(start); elapsed > f.orch.cfg.FetchTimeout {
		t.Fatalf("miss waited for the timeout instead of exhaustion: %s", elapsed)
	}
}

func TestOrchestrator_FetchFromOrchestrator(t *testing.T) {
	run := harnessRun(func() harness.Module { return &testModule{} }, nil)
	f := startTestFleet(t, fleetConfig(), gateway.Info{Shards: 4, MaxConcurrency: 2}, run)
	f.awaitReady(t, 2, 0)

	result, err := f.orch.Fetch(context.Background(), "guild", json.RawMessage(`1`))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !result.Found {
		t.Fatal("expected a hit from cluster 1")
	}
	var value map[string]int
	if err := json.Unmarshal(result.Value, &value); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if value["home_cluster"] != 1 {
		t.Fatalf("wrong cluster answered: %v", value)
	}

	miss, err := f.orch.Fetch(context.Background(), "guild", json.RawMessage(`99`))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if miss.Found {
		t.Fatal("no cluster holds guild 99")
	}
}

func TestOrchestrator_FetchTimeoutResolvesMiss(t *testing.T) {
	cfg := fleetConfig()
	cfg.ShardCount = 1
	cfg.ClusterCount = 1
	cfg.FetchTimeout = 150 * time.Millisecond
	cfg.KillTimeout = 100 * time.Millisecond

	// The silent worker connects but never answers fetch lookups, so the
	// only way out is the fetch timeout.
	f := startTestFleet(t, cfg, gateway.Info{Shards: 1, MaxConcurrency: 1}, silentWorkerRun)
	waitCluster(t, f.rec.clusterReady, "cluster ready")

	start := time.Now()
	result, err := f.orch.Fetch(context.Background(), "guild", json.RawMessage(`1`))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if result.Found {
		t.Fatal("a cluster that never answers cannot produce a value")
	}
	if elapsed := time.Since(start); elapsed < cfg.FetchTimeout {
		t.Fatalf("miss resolved before the fetch timeout: %s", elapsed)
	}

	f.orch.mu.Lock()
	pending := len(f.orch.fetches)
	f.orch.mu.Unlock()
	if pending != 0 {
		t.Fatalf("expired fetch left bookkeeping behind: %d entries", pending)
	}

	// An answer arriving after expiry is a silent no-op: the caller was
	// already resolved exactly once.
	var delivered atomic.Int32
	f.orch.beginFetch("late-answer", ipc.FetchData{Kind: "guild", Query: json.RawMessage(`1`)},
		func(ipc.FetchData) { delivered.Add(1) })
	time.Sleep(2 * cfg.FetchTimeout)
	f.orch.answerFetch(ipc.FetchData{Key: "late-answer", Found: true, Value: json.RawMessage(`{}`)})
	if got := delivered.Load(); got != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Event fan-out
// ---------------------------------------------------------------------------

func TestOrchestrator_BroadcastReachesEveryWorker(t *testing.T) {
	received := make(chan ipc.EventData, 16)
	run := harnessRun(func() harness.Module { return &testModule{events: received} }, nil)
	f := startTestFleet(t, fleetConfig(), gateway.Info{Shards: 4, MaxConcurrency: 2}, run)
	f.awaitReady(t, 2, 0)

	f.orch.BroadcastEvent("announce", json.RawMessage(`{"msg":"hello"}`))

	for i := range 2 {
		select {
		case e := <-received:
			if e.Name != "announce" {
				t.Fatalf("unexpected event %q", e.Name)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("worker %d never received the broadcast", i)
		}
	}
}

func TestOrchestrator_WorkerBroadcastFansOut(t *testing.T) {
	received := make(chan ipc.EventData, 16)
	run := harnessRun(func() harness.Module { return &testModule{events: received} }, nil)
	f := startTestFleet(t, fleetConfig(), gateway.Info{Shards: 4, MaxConcurrency: 2}, run)
	f.awaitReady(t, 2, 0)

	if _, err := f.orch.CommandCluster(context.Background(), 0,
		json.RawMessage(`{"op":"broadcast","name":"guildCount","value":{"total":812}}`)); err != nil {
		t.Fatalf("broadcast command: %v", err)
	}

	// Both clusters, the sender included, get the event back.
	for i := range 2 {
		select {
		case e := <-received:
			if e.Name != "guildCount" {
				t.Fatalf("unexpected event %q", e.Name)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("worker %d never received the fan-out", i)
		}
	}
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

func TestOrchestrator_StatsCycle(t *testing.T) {
	cfg := fleetConfig()
	cfg.Services = []ServiceConfig{{Name: "backup"}}

	run := harnessRun(
		func() harness.Module { return &testModule{guilds: 100} },
		map[string]func() harness.Module{
			"backup": func() harness.Module { return &testModule{} },
		},
	)
	f := startTestFleet(t, cfg, gateway.Info{Shards: 4, MaxConcurrency: 2}, run)
	f.awaitReady(t, 2, 1)

	if _, ok := f.orch.Stats(); ok {
		t.Fatal("no snapshot should exist before the first cycle")
	}

	f.orch.CollectStats()

	var snap ipc.StatsSnapshot
	select {
	case snap = <-f.rec.stats:
	case <-time.After(5 * time.Second):
		t.Fatal("stats cycle never finalized")
	}

	if len(snap.Clusters) != 2 || len(snap.Services) != 1 {
		t.Fatalf("expected 2 clusters and 1 service, got %d/%d",
			len(snap.Clusters), len(snap.Services))
	}
	if snap.Guilds != 200 {
		t.Fatalf("guild total wrong: %d", snap.Guilds)
	}
	if snap.Clusters[0].ClusterID != 0 || snap.Clusters[1].ClusterID != 1 {
		t.Fatal("cluster entries not sorted by cluster ID")
	}
	// Each cluster owns 2 shards and reports one session per shard.
	if snap.Sessions != 4 {
		t.Fatalf("session total wrong: %d", snap.Sessions)
	}
	if snap.OrchestratorRAM <= 0 || snap.RAM <= snap.OrchestratorRAM {
		t.Fatalf("memory accounting wrong: ram=%f orchestrator=%f",
			snap.RAM, snap.OrchestratorRAM)
	}

	cached, ok := f.orch.Stats()
	if !ok || !cached.CollectedAt.Equal(snap.CollectedAt) {
		t.Fatal("finished snapshot not retained")
	}
}

// ---------------------------------------------------------------------------
// Restart policy
// ---------------------------------------------------------------------------

func TestOrchestrator_RestartAfterStartupCrash(t *testing.T) {
	cfg := fleetConfig()
	cfg.ShardCount = 1
	cfg.ClusterCount = 1
	cfg.MaxRestarts = 3

	var starts atomic.Int32
	run := harnessRun(func() harness.Module {
		return harness.ModuleFunc(func(context.Context, *harness.Env) error {
			if starts.Add(1) == 1 {
				return errors.New("gateway refused the session")
			}
			return nil
		})
	}, nil)

	f := startTestFleet(t, cfg, gateway.Info{Shards: 1, MaxConcurrency: 1}, run)

	waitCluster(t, f.rec.clusterReady, "cluster ready after restart")

	if got := f.spawner.spawnCount(); got != 2 {
		t.Fatalf("expected the crash to cost exactly one respawn, got %d spawns", got)
	}
	if len(f.orch.Clusters()) != 1 {
		t.Fatal("cluster identity lost across the restart")
	}
}

func TestOrchestrator_RestartLimitDropsIdentity(t *testing.T) {
	cfg := fleetConfig()
	cfg.ShardCount = 1
	cfg.ClusterCount = 1
	cfg.MaxRestarts = 1

	run := harnessRun(func() harness.Module {
		return harness.ModuleFunc(func(context.Context, *harness.Env) error {
			return errors.New("always broken")
		})
	}, nil)

	f := startTestFleet(t, cfg, gateway.Info{Shards: 1, MaxConcurrency: 1}, run)

	// Initial spawn plus the single allowed restart, then the identity
	// is dropped.
	deadline := time.After(5 * time.Second)
	for f.spawner.spawnCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("restart never happened, %d spawns", f.spawner.spawnCount())
		case <-time.After(20 * time.Millisecond):
		}
	}
	time.Sleep(300 * time.Millisecond)

	if got := f.spawner.spawnCount(); got != 2 {
		t.Fatalf("identity respawned past the limit: %d spawns", got)
	}
	if len(f.orch.Clusters()) != 0 {
		t.Fatal("dropped identity still registered")
	}
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

func TestOrchestrator_StopCooperative(t *testing.T) {
	cfg := fleetConfig()
	cfg.Services = []ServiceConfig{{Name: "backup"}}

	run := harnessRun(
		func() harness.Module { return &testModule{} },
		map[string]func() harness.Module{
			"backup": func() harness.Module { return &testModule{} },
		},
	)
	f := startTestFleet(t, cfg, gateway.Info{Shards: 4, MaxConcurrency: 2}, run)
	f.awaitReady(t, 2, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.orch.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	waitCluster(t, f.rec.clusterShutdown, "cluster shutdown")
	waitCluster(t, f.rec.clusterShutdown, "cluster shutdown")
	waitService(t, f.rec.serviceShutdown, "service shutdown")

	if c, s := len(f.orch.Clusters()), len(f.orch.Services()); c != 0 || s != 0 {
		t.Fatalf("registry not empty after stop: %d clusters, %d services", c, s)
	}

	if err := f.orch.Stop(ctx); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted after stop, got %v", err)
	}
}

// silentWorkerRun speaks the boot handshake but ignores shutdown
// requests, forcing the kill-timer side of the soft-kill race.
func silentWorkerRun(_ string, transport ipc.Transport) error {
	ch := ipc.NewChannel(transport, &ipc.JSONCodec{}, quietLogger())
	if err := ch.Notify(ipc.OpLaunched, nil); err != nil {
		return err
	}
	return ch.Serve(context.Background(), func(frame *ipc.Frame) {
		switch frame.Op {
		case ipc.OpConnect:
			_ = ch.Notify(ipc.OpConnected, nil)
		case ipc.OpLoadCode:
			_ = ch.Notify(ipc.OpCodeLoaded, nil)
		}
	})
}

func TestOrchestrator_StopEscalatesUnresponsiveWorker(t *testing.T) {
	cfg := fleetConfig()
	cfg.ShardCount = 1
	cfg.ClusterCount = 1
	cfg.KillTimeout = 100 * time.Millisecond

	f := startTestFleet(t, cfg, gateway.Info{Shards: 1, MaxConcurrency: 1}, silentWorkerRun)
	waitCluster(t, f.rec.clusterReady, "cluster ready")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := f.orch.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed < cfg.KillTimeout {
		t.Fatalf("stop finished before the kill window elapsed: %s", elapsed)
	}
	waitCluster(t, f.rec.clusterShutdown, "cluster shutdown after escalation")
}

// ---------------------------------------------------------------------------
// Resharding
// ---------------------------------------------------------------------------

func TestOrchestrator_Reshard(t *testing.T) {
	cfg := fleetConfig()
	cfg.ShardCount = 0 // size from the gateway so the reshard can grow
	cfg.ClusterCount = 2

	run := harnessRun(func() harness.Module { return &testModule{guilds: 50} }, nil)
	f := startTestFleet(t, cfg, gateway.Info{Shards: 2, MaxConcurrency: 1}, run)
	f.awaitReady(t, 2, 0)

	before := f.orch.Clusters()
	if before[0].LastShard != 0 || before[1].LastShard != 1 {
		t.Fatalf("unexpected initial shard layout: %+v", before)
	}

	// The provider now recommends twice the shards.
	f.gateway.setInfo(gateway.Info{Shards: 4, MaxConcurrency: 1})

	if err := f.orch.Reshard(context.Background()); err != nil {
		t.Fatalf("reshard: %v", err)
	}
	if err := f.orch.Reshard(context.Background()); !errors.Is(err, ErrReshardInProgress) {
		t.Fatalf("expected ErrReshardInProgress, got %v", err)
	}

	// Old fleet retires one at a time.
	waitCluster(t, f.rec.clusterShutdown, "old cluster shutdown")
	waitCluster(t, f.rec.clusterShutdown, "old cluster shutdown")

	select {
	case <-f.rec.reshardDone:
	case <-time.After(5 * time.Second):
		t.Fatal("resharding never completed")
	}
	// Exactly once.
	select {
	case <-f.rec.reshardDone:
		t.Fatal("resharding-complete fired twice")
	case <-time.After(100 * time.Millisecond):
	}

	// New fleet loads after retirement.
	f.awaitReady(t, 2, 0)

	after := f.orch.Clusters()
	if len(after) != 2 {
		t.Fatalf("expected 2 clusters after reshard, got %d", len(after))
	}
	if after[0].FirstShard != 0 || after[0].LastShard != 1 ||
		after[1].FirstShard != 2 || after[1].LastShard != 3 {
		t.Fatalf("reshard did not apply the new layout: %+v %+v", after[0], after[1])
	}

	// The fleet keeps working after the swap.
	reply, err := f.orch.CommandCluster(context.Background(), 1, json.RawMessage(`{"op":"ping"}`))
	if err != nil {
		t.Fatalf("post-reshard command: %v", err)
	}
	var body map[string]int
	if err := json.Unmarshal(reply, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["pong"] != 1 {
		t.Fatalf("post-reshard command misrouted: %v", body)
	}
}

// ---------------------------------------------------------------------------
// Soft restart
// ---------------------------------------------------------------------------

func TestOrchestrator_SoftRestartKeepsIdentity(t *testing.T) {
	cfg := fleetConfig()
	cfg.ShardCount = 2
	cfg.ClusterCount = 2

	run := harnessRun(func() harness.Module { return &testModule{} }, nil)
	f := startTestFleet(t, cfg, gateway.Info{Shards: 2, MaxConcurrency: 2}, run)
	f.awaitReady(t, 2, 0)

	oldRec, ok := f.orch.registry.ClusterByID(1)
	if !ok {
		t.Fatal("cluster 1 missing")
	}
	oldWorker := oldRec.WorkerID

	if err := f.orch.RestartCluster(context.Background(), 1, true); err != nil {
		t.Fatalf("soft restart: %v", err)
	}

	// The old instance retires, then the replacement loads.
	e := waitCluster(t, f.rec.clusterShutdown, "old instance shutdown")
	if e.ClusterID != 1 {
		t.Fatalf("wrong cluster retired: %d", e.ClusterID)
	}
	ready := waitCluster(t, f.rec.clusterReady, "replacement ready")
	if ready.ClusterID != 1 {
		t.Fatalf("wrong cluster became ready: %d", ready.ClusterID)
	}

	newRec, ok := f.orch.registry.ClusterByID(1)
	if !ok {
		t.Fatal("cluster 1 lost across soft restart")
	}
	if newRec.WorkerID == oldWorker {
		t.Fatal("soft restart did not replace the process")
	}
	if newRec.FirstShard != oldRec.FirstShard || newRec.LastShard != oldRec.LastShard {
		t.Fatalf("shard range changed across restart: %+v", newRec)
	}
}

func TestOrchestrator_RestartAll(t *testing.T) {
	run := harnessRun(func() harness.Module { return &testModule{} }, nil)
	f := startTestFleet(t, fleetConfig(), gateway.Info{Shards: 4, MaxConcurrency: 2}, run)
	f.awaitReady(t, 2, 0)

	before := map[int]bool{}
	for _, rec := range f.orch.Clusters() {
		before[rec.ClusterID] = true
	}

	if err := f.orch.RestartAll(context.Background(), false); err != nil {
		t.Fatalf("restart all: %v", err)
	}

	// Every cluster comes back as a fresh process.
	f.awaitReady(t, 2, 0)
	if got := f.spawner.spawnCount(); got != 4 {
		t.Fatalf("expected 4 spawns across a full restart, got %d", got)
	}
	clusters := f.orch.Clusters()
	if len(clusters) != 2 {
		t.Fatalf("fleet shrank across restart: %d clusters", len(clusters))
	}
	for _, rec := range clusters {
		if !before[rec.ClusterID] {
			t.Fatalf("unexpected cluster identity after restart: %+v", rec)
		}
	}
}

// ---------------------------------------------------------------------------
// Admission concurrency groups
// ---------------------------------------------------------------------------

// gatedWorkers runs raw-frame cluster workers that report when they are
// told to connect and hold the connected report until the test releases
// them, exposing exactly when the orchestrator dispatches each group.
type gatedWorkers struct {
	dispatched chan int

	mu       sync.Mutex
	releases map[int]chan struct{}
}

func newGatedWorkers() *gatedWorkers {
	return &gatedWorkers{
		dispatched: make(chan int, 16),
		releases:   make(map[int]chan struct{}),
	}
}

func (g *gatedWorkers) gate(clusterID int) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.releases[clusterID]
	if !ok {
		ch = make(chan struct{})
		g.releases[clusterID] = ch
	}
	return ch
}

func (g *gatedWorkers) release(clusterID int) {
	close(g.gate(clusterID))
}

func (g *gatedWorkers) run(_ string, transport ipc.Transport) error {
	ch := ipc.NewChannel(transport, &ipc.JSONCodec{}, quietLogger())
	if err := ch.Notify(ipc.OpLaunched, nil); err != nil {
		return err
	}
	return ch.Serve(context.Background(), func(frame *ipc.Frame) {
		switch frame.Op {
		case ipc.OpConnect:
			var data ipc.ConnectData
			if err := json.Unmarshal(frame.Data, &data); err != nil {
				return
			}
			g.dispatched <- data.ClusterID
			go func() {
				<-g.gate(data.ClusterID)
				_ = ch.Notify(ipc.OpConnected, nil)
			}()
		case ipc.OpLoadCode:
			_ = ch.Notify(ipc.OpCodeLoaded, nil)
		case ipc.OpShutdown:
			_ = ch.Reply(frame, true)
		}
	})
}

func collectDispatches(t *testing.T, ch chan int, n int) map[int]bool {
	t.Helper()
	got := map[int]bool{}
	for range n {
		select {
		case clusterID := <-ch:
			got[clusterID] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %d dispatches, have %v", n, got)
		}
	}
	return got
}

func assertNoDispatch(t *testing.T, ch chan int, wait time.Duration) {
	t.Helper()
	select {
	case clusterID := <-ch:
		t.Fatalf("cluster %d dispatched before its group was released", clusterID)
	case <-time.After(wait):
	}
}

func TestOrchestrator_NextGroupWaitsForWholeGroupToConnect(t *testing.T) {
	cfg := fleetConfig()
	cfg.ShardCount = 4
	cfg.ClusterCount = 4

	g := newGatedWorkers()
	f := startTestFleet(t, cfg, gateway.Info{Shards: 4, MaxConcurrency: 2}, g.run)

	// Clusters 0 and 1 share a concurrency group and connect together.
	first := collectDispatches(t, g.dispatched, 2)
	if !first[0] || !first[1] {
		t.Fatalf("expected clusters 0 and 1 to co-dispatch, got %v", first)
	}
	assertNoDispatch(t, g.dispatched, 150*time.Millisecond)

	// One connect is not enough: the whole group has to be in.
	g.release(0)
	assertNoDispatch(t, g.dispatched, 150*time.Millisecond)

	g.release(1)
	second := collectDispatches(t, g.dispatched, 2)
	if !second[2] || !second[3] {
		t.Fatalf("expected clusters 2 and 3 to co-dispatch, got %v", second)
	}

	g.release(2)
	g.release(3)
	f.awaitReady(t, 4, 0)
}

// ---------------------------------------------------------------------------
// Crash between dispatch and connect
// ---------------------------------------------------------------------------

// crashBeforeConnectRun boots, then dies the moment it is told to
// connect, before it can report connected.
func crashBeforeConnectRun(transport ipc.Transport) error {
	ch := ipc.NewChannel(transport, &ipc.JSONCodec{}, quietLogger())
	if err := ch.Notify(ipc.OpLaunched, nil); err != nil {
		return err
	}
	got := make(chan struct{})
	go func() {
		_ = ch.Serve(context.Background(), func(frame *ipc.Frame) {
			if frame.Op == ipc.OpConnect {
				close(got)
			}
		})
	}()
	<-got
	return errors.New("gateway handshake failed")
}

func TestOrchestrator_CoDispatchedCrashDoesNotStallQueue(t *testing.T) {
	cfg := fleetConfig()
	cfg.MaxRestarts = 3

	base := harnessRun(func() harness.Module { return &testModule{} }, nil)
	var spawned atomic.Int32
	run := func(role string, transport ipc.Transport) error {
		// The second spawn is cluster 1, released alongside the queue
		// head as part of concurrency group 0. It dies while its launch
		// item is still waiting in the queue.
		if spawned.Add(1) == 2 {
			return crashBeforeConnectRun(transport)
		}
		return base(role, transport)
	}

	f := startTestFleet(t, cfg, gateway.Info{Shards: 4, MaxConcurrency: 2}, run)

	// The dead worker's item must not become a head nobody answers for:
	// the replacement connects and the whole fleet reaches ready.
	f.awaitReady(t, 2, 0)

	if got := f.spawner.spawnCount(); got != 3 {
		t.Fatalf("expected exactly one respawn, got %d spawns", got)
	}
	if got := len(f.orch.Clusters()); got != 2 {
		t.Fatalf("fleet incomplete after the crash: %d clusters", got)
	}
}

func TestOrchestrator_ReshardSurvivesNewWorkerCrash(t *testing.T) {
	cfg := fleetConfig()
	cfg.ShardCount = 0 // size from the gateway so the reshard can grow
	cfg.ClusterCount = 2
	cfg.MaxRestarts = 3

	base := harnessRun(func() harness.Module { return &testModule{} }, nil)
	var spawned atomic.Int32
	run := func(role string, transport ipc.Transport) error {
		// The fourth spawn is the reshard's second replacement worker;
		// it dies before it can report connected.
		if spawned.Add(1) == 4 {
			return crashBeforeConnectRun(transport)
		}
		return base(role, transport)
	}

	f := startTestFleet(t, cfg, gateway.Info{Shards: 2, MaxConcurrency: 1}, run)
	f.awaitReady(t, 2, 0)

	f.gateway.setInfo(gateway.Info{Shards: 4, MaxConcurrency: 1})
	if err := f.orch.Reshard(context.Background()); err != nil {
		t.Fatalf("reshard: %v", err)
	}

	// The crashed replacement respawns with its deferred load intact, so
	// retirement still waits for it and then runs to completion.
	waitCluster(t, f.rec.clusterShutdown, "old cluster shutdown")
	waitCluster(t, f.rec.clusterShutdown, "old cluster shutdown")

	select {
	case <-f.rec.reshardDone:
	case <-time.After(5 * time.Second):
		t.Fatal("resharding never completed after the replacement crash")
	}

	f.awaitReady(t, 2, 0)

	after := f.orch.Clusters()
	if len(after) != 2 {
		t.Fatalf("expected 2 clusters after reshard, got %d", len(after))
	}
	if after[0].FirstShard != 0 || after[0].LastShard != 1 ||
		after[1].FirstShard != 2 || after[1].LastShard != 3 {
		t.Fatalf("reshard did not apply the new layout: %+v %+v", after[0], after[1])
	}
	if got := f.spawner.spawnCount(); got != 5 {
		t.Fatalf("expected one respawn during the reshard, got %d spawns", got)
	}

	// The reshard bookkeeping is fully released: stats resume and a
	// later reshard would not be rejected.
	f.orch.mu.Lock()
	cleared := f.orch.reshard == nil
	paused := f.orch.statsPause
	f.orch.mu.Unlock()
	if !cleared || paused {
		t.Fatal("reshard state not released after completion")
	}
}

// ---------------------------------------------------------------------------
// Soft-kill accounting
// ---------------------------------------------------------------------------

// abruptExitRun handshakes normally but exits on a shutdown request
// without acknowledging it.
func abruptExitRun(_ string, transport ipc.Transport) error {
	ch := ipc.NewChannel(transport, &ipc.JSONCodec{}, quietLogger())
	if err := ch.Notify(ipc.OpLaunched, nil); err != nil {
		return err
	}
	stop := make(chan struct{})
	go func() {
		_ = ch.Serve(context.Background(), func(frame *ipc.Frame) {
			switch frame.Op {
			case ipc.OpConnect:
				_ = ch.Notify(ipc.OpConnected, nil)
			case ipc.OpLoadCode:
				_ = ch.Notify(ipc.OpCodeLoaded, nil)
			case ipc.OpShutdown:
				close(stop)
			}
		})
	}()
	<-stop
	return errors.New("wedged during teardown")
}

func TestOrchestrator_ExitWithoutAckIsNotCooperative(t *testing.T) {
	cfg := fleetConfig()
	cfg.ShardCount = 1
	cfg.ClusterCount = 1

	f := startTestFleet(t, cfg, gateway.Info{Shards: 1, MaxConcurrency: 1}, abruptExitRun)
	waitCluster(t, f.rec.clusterReady, "cluster ready")

	rec, ok := f.orch.registry.ClusterByID(0)
	if !ok {
		t.Fatal("cluster 0 missing")
	}
	conn := f.orch.connByWorker(rec.WorkerID)
	if conn == nil {
		t.Fatal("cluster 0 has no connection")
	}

	coop := make(chan bool, 1)
	f.orch.softKill(conn, func(c bool) { coop <- c })

	select {
	case c := <-coop:
		if c {
			t.Fatal("a death without an acknowledgment must not count as cooperative")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("soft kill never completed")
	}
	waitCluster(t, f.rec.clusterShutdown, "cluster shutdown")
}

// slowAckRun handshakes normally and acknowledges shutdown after a
// delay, holding the soft-kill entry in flight long enough for a second
// caller to pile on.
func slowAckRun(_ string, transport ipc.Transport) error {
	ch := ipc.NewChannel(transport, &ipc.JSONCodec{}, quietLogger())
	if err := ch.Notify(ipc.OpLaunched, nil); err != nil {
		return err
	}
	return ch.Serve(context.Background(), func(frame *ipc.Frame) {
		switch frame.Op {
		case ipc.OpConnect:
			_ = ch.Notify(ipc.OpConnected, nil)
		case ipc.OpLoadCode:
			_ = ch.Notify(ipc.OpCodeLoaded, nil)
		case ipc.OpShutdown:
			go func() {
				time.Sleep(200 * time.Millisecond)
				_ = ch.Reply(frame, true)
			}()
		}
	})
}

func TestOrchestrator_OverlappingSoftKillsBothComplete(t *testing.T) {
	cfg := fleetConfig()
	cfg.ShardCount = 1
	cfg.ClusterCount = 1

	f := startTestFleet(t, cfg, gateway.Info{Shards: 1, MaxConcurrency: 1}, slowAckRun)
	waitCluster(t, f.rec.clusterReady, "cluster ready")

	rec, ok := f.orch.registry.ClusterByID(0)
	if !ok {
		t.Fatal("cluster 0 missing")
	}
	conn := f.orch.connByWorker(rec.WorkerID)
	if conn == nil {
		t.Fatal("cluster 0 has no connection")
	}

	first := make(chan bool, 1)
	second := make(chan bool, 1)
	f.orch.softKill(conn, func(c bool) { first <- c })
	f.orch.softKill(conn, func(c bool) { second <- c })

	for name, ch := range map[string]chan bool{"first": first, "second": second} {
		select {
		case c := <-ch:
			if !c {
				t.Fatalf("%s continuation reported a forced kill", name)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s continuation never ran", name)
		}
	}

	// One worker died once: the shutdown event fires exactly once.
	waitCluster(t, f.rec.clusterShutdown, "cluster shutdown")
	select {
	case <-f.rec.clusterShutdown:
		t.Fatal("shutdown completed twice")
	case <-time.After(100 * time.Millisecond):
	}
}
