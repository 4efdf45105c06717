// Package ipc implements the wire protocol between the orchestrator and
// its workers: a message envelope exchanged over each worker's stdio
// pipe pair.
// Every message is a Frame tagged with an operation; requests carry a
// unique ID and responses echo it back as the correlation ID.
package ipc

import (
	"encoding/json"
	"time"

	"github.com/counting-bot/Aura/id"
)

// Op identifies the operation a frame carries.
type Op string

const (
	// Boot handshake.
	OpLaunched   Op = "launched"
	OpConnect    Op = "connect"
	OpConnected  Op = "connected"
	OpCodeLoaded Op = "codeLoaded"

	// Request/reply.
	OpCommand Op = "command"
	OpEval    Op = "eval"
	OpReturn  Op = "return"

	// Lifecycle.
	OpLoadCode     Op = "loadCode"
	OpShutdown     Op = "shutdown"
	OpCollectStats Op = "collectStats"

	// Central request proxy.
	OpCentralRequest  Op = "centralApiRequest"
	OpCentralResponse Op = "centralApiResponse"

	// Log forwarding.
	OpLog   Op = "log"
	OpInfo  Op = "info"
	OpDebug Op = "debug"
	OpWarn  Op = "warn"
	OpError Op = "error"

	// Central store RPC.
	OpStoreGet    Op = "centralStore.get"
	OpStoreSet    Op = "centralStore.set"
	OpStoreHas    Op = "centralStore.has"
	OpStoreDelete Op = "centralStore.delete"
	OpStoreClear  Op = "centralStore.clear"
	OpStoreCopy   Op = "centralStore.copyMap"

	// Targeted fetch.
	OpFetch       Op = "fetch"
	OpFetchLookup Op = "fetch.lookup"

	// Pub/sub fan-out.
	OpBroadcast Op = "broadcast"
	OpIPCEvent  Op = "ipcEvent"
)

// Frame is the IPC message envelope. Every message exchanged between the
// orchestrator and a worker is a Frame.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Op names the operation.
	Op Op `json:"op" msgpack:"op"`

	// CorrelID links a reply to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Data carries the operation-specific payload.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error carries a reconstructable error for failed replies.
	Error *WireError `json:"error,omitempty" msgpack:"error,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// NewFrame creates a frame with a fresh ID for the given operation.
func NewFrame(op Op, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        id.NewFrameID().String(),
		Op:        op,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewReturnFrame creates a reply to a request frame.
func NewReturnFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        id.NewFrameID().String(),
		Op:        OpReturn,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error reply to a request frame.
func NewErrorFrame(correlID string, werr *WireError) *Frame {
	return &Frame{
		ID:        id.NewFrameID().String(),
		Op:        OpReturn,
		CorrelID:  correlID,
		Error:     werr,
		Timestamp: time.Now().UTC(),
	}
}

// ---------------------------------------------------------------------------
// Operation payloads
// ---------------------------------------------------------------------------

// WorkerKind distinguishes cluster workers from service workers.
type WorkerKind string

const (
	KindCluster WorkerKind = "cluster"
	KindService WorkerKind = "service"
)

// ConnectData assigns identity and launch parameters to a freshly
// spawned process. Everything a worker needs arrives here, not via
// its environment.
type ConnectData struct {
	Kind WorkerKind `json:"kind"`

	// WorkerID is the opaque handle the orchestrator tracks this
	// process under. It changes on every restart.
	WorkerID string `json:"worker_id"`

	// Cluster identity.
	ClusterID  int `json:"cluster_id,omitempty"`
	FirstShard int `json:"first_shard,omitempty"`
	LastShard  int `json:"last_shard,omitempty"`
	ShardCount int `json:"shard_count,omitempty"`

	// Service identity.
	ServiceName string `json:"service_name,omitempty"`
	ServicePath string `json:"service_path,omitempty"`

	Token          string        `json:"token,omitempty"`
	StartupTimeout time.Duration `json:"startup_timeout"`
	Verbosity      string        `json:"verbosity,omitempty"`
}

// LogData is a structured log record forwarded from a worker.
type LogData struct {
	Message string          `json:"message"`
	Attrs   json.RawMessage `json:"attrs,omitempty"`
}

// CommandData invokes an optional user-code hook on a worker.
type CommandData struct {
	Payload json.RawMessage `json:"payload"`
}

// ShardStats describes one gateway shard owned by a cluster.
type ShardStats struct {
	ID      int           `json:"id"`
	Latency time.Duration `json:"latency"`
	Status  string        `json:"status"`
}

// ClusterStats is one cluster's contribution to a stats collection cycle.
type ClusterStats struct {
	ClusterID int           `json:"cluster_id"`
	Guilds    int           `json:"guilds"`
	Users     int           `json:"users"`
	Sessions  int           `json:"sessions"`
	RAM       float64       `json:"ram"`
	Shards    []ShardStats  `json:"shards,omitempty"`
	Uptime    time.Duration `json:"uptime"`
}

// ServiceStats is one service's contribution to a stats collection cycle.
type ServiceStats struct {
	Name   string          `json:"name"`
	RAM    float64         `json:"ram"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// StatsData is the payload of a collectStats reply.
type StatsData struct {
	Cluster *ClusterStats `json:"cluster,omitempty"`
	Service *ServiceStats `json:"service,omitempty"`
}

// StatsSnapshot is one finished stats collection cycle. It is rebuilt
// fully on every cycle, never mutated incrementally.
type StatsSnapshot struct {
	Guilds          int            `json:"guilds"`
	Users           int            `json:"users"`
	Sessions        int            `json:"sessions"`
	RAM             float64        `json:"ram"`
	OrchestratorRAM float64        `json:"orchestrator_ram"`
	Clusters        []ClusterStats `json:"clusters"`
	Services        []ServiceStats `json:"services"`
	CollectedAt     time.Time      `json:"collected_at"`
}

// CentralRequestData describes a rate-limited outbound call a worker
// wants the orchestrator to perform on its behalf.
type CentralRequestData struct {
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Auth     bool            `json:"auth"`
	Body     json.RawMessage `json:"body,omitempty"`
	FileName string          `json:"file_name,omitempty"`
	File     []byte          `json:"file,omitempty"`
	Route    string          `json:"route,omitempty"`
	Priority int             `json:"priority,omitempty"`
}

// StoreRequest is a central store operation.
type StoreRequest struct {
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// StorePair is one key/value entry of a store snapshot.
type StorePair struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// FetchData is a targeted cross-cluster query. Key correlates the
// orchestrator-side bookkeeping; every cluster answers exactly once,
// either with a value or with Found=false.
type FetchData struct {
	Kind  string          `json:"kind"`
	Query json.RawMessage `json:"query"`
	Key   string          `json:"key,omitempty"`
	Found bool            `json:"found,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// EventData is an application event fanned out to the fleet.
type EventData struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
