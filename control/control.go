// Package control exposes an operator WebSocket surface over the
// orchestrator: live stats, restarts, resharding, fleet shutdown,
// command routing, and lifecycle event subscriptions. It reuses the
// IPC frame envelope, so an operator session speaks the same
// request/reply protocol as the workers.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	aura "github.com/counting-bot/Aura"
	"github.com/counting-bot/Aura/event"
	"github.com/counting-bot/Aura/ipc"
)

// Operator frame operations.
const (
	OpAuth           ipc.Op = "auth"
	OpStats          ipc.Op = "stats"
	OpStatsCollect   ipc.Op = "stats.collect"
	OpClusters       ipc.Op = "fleet.clusters"
	OpServices       ipc.Op = "fleet.services"
	OpClusterRestart ipc.Op = "cluster.restart"
	OpServiceRestart ipc.Op = "service.restart"
	OpClusterCommand ipc.Op = "cluster.command"
	OpServiceCommand ipc.Op = "service.command"
	OpReshard        ipc.Op = "fleet.reshard"
	OpShutdown       ipc.Op = "fleet.shutdown"
	OpBroadcast      ipc.Op = "broadcast"
	OpSubscribe      ipc.Op = "subscribe"
	OpEvent          ipc.Op = "fleet.event"
)

// Fleet is the orchestrator surface the control server drives.
// *aura.Orchestrator satisfies it.
type Fleet interface {
	Stats() (ipc.StatsSnapshot, bool)
	CollectStats()
	Clusters() []*aura.ClusterRecord
	Services() []*aura.ServiceRecord
	RestartCluster(ctx context.Context, clusterID int, soft bool) error
	RestartService(ctx context.Context, name string, soft bool) error
	Reshard(ctx context.Context) error
	Stop(ctx context.Context) error
	CommandCluster(ctx context.Context, clusterID int, payload json.RawMessage) (json.RawMessage, error)
	CommandService(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error)
	BroadcastEvent(name string, payload json.RawMessage)
}

// AuthData is the first frame's payload on every operator session.
type AuthData struct {
	Token string `json:"token"`
}

// RestartData selects a restart target.
type RestartData struct {
	ClusterID int    `json:"cluster_id,omitempty"`
	Service   string `json:"service,omitempty"`
	Soft      bool   `json:"soft"`
}

// CommandTarget routes a command payload to one worker.
type CommandTarget struct {
	ClusterID int             `json:"cluster_id,omitempty"`
	Service   string          `json:"service,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Server upgrades operator connections and serves the control
// protocol. It implements http.Handler, and event.Listener so it can
// be registered on the orchestrator to push lifecycle events to
// subscribed sessions.
type Server struct {
	fleet  Fleet
	token  string
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// session is one authenticated operator connection. Event pushes and
// request replies share the connection, so writes take the lock.
type session struct {
	conn       net.Conn
	writeMu    sync.Mutex
	subscribed bool
}

func (s *session) write(frame *ipc.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsutil.WriteServerText(s.conn, data)
}

// Option configures a control server.
type Option func(*Server)

// WithToken requires operator sessions to present this token in their
// auth frame. An empty token accepts every session.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a control server over a fleet.
func NewServer(fleet Fleet, opts ...Option) *Server {
	s := &Server{
		fleet:    fleet,
		logger:   slog.Default(),
		sessions: make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request to a WebSocket operator session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("control upgrade failed", slog.String("error", err.Error()))
		return
	}
	// The request context dies with this handler; the session outlives it.
	go s.serveConn(context.Background(), conn)
}

// serveConn runs one operator session: an auth frame first, then a
// request/reply loop until the connection closes.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	sess := &session{conn: conn}
	defer conn.Close()

	if err := s.authenticate(sess); err != nil {
		s.logger.Warn("control session rejected", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("control session opened", slog.String("remote", conn.RemoteAddr().String()))

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()

	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			s.logger.Debug("control session closed", slog.String("remote", conn.RemoteAddr().String()))
			return
		}

		var frame ipc.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.writeFrame(sess, ipc.NewErrorFrame("", &ipc.WireError{
				Name:    "BadRequest",
				Message: "invalid frame: " + err.Error(),
			}))
			continue
		}

		s.writeFrame(sess, s.handle(ctx, sess, &frame))
	}
}

func (s *Server) authenticate(sess *session) error {
	data, err := wsutil.ReadClientText(sess.conn)
	if err != nil {
		return fmt.Errorf("read auth frame: %w", err)
	}

	var frame ipc.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("parse auth frame: %w", err)
	}
	if frame.Op != OpAuth {
		s.writeFrame(sess, ipc.NewErrorFrame(frame.ID, &ipc.WireError{
			Name:    "BadRequest",
			Message: "first frame must be auth",
		}))
		return fmt.Errorf("expected auth frame, got %q", frame.Op)
	}

	var auth AuthData
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &auth); err != nil {
			return fmt.Errorf("parse auth data: %w", err)
		}
	}
	if s.token != "" && auth.Token != s.token {
		s.writeFrame(sess, ipc.NewErrorFrame(frame.ID, &ipc.WireError{
			Name:    "Unauthorized",
			Message: "authentication failed",
		}))
		return errors.New("bad token")
	}

	reply, err := ipc.NewReturnFrame(frame.ID, map[string]string{"status": "ok"})
	if err != nil {
		return err
	}
	s.writeFrame(sess, reply)
	return nil
}

// handle dispatches one operator request and builds its reply frame.
func (s *Server) handle(ctx context.Context, sess *session, frame *ipc.Frame) *ipc.Frame {
	result, err := s.dispatch(ctx, sess, frame)
	if err != nil {
		return ipc.NewErrorFrame(frame.ID, ipc.CaptureError(err))
	}
	reply, marshalErr := ipc.NewReturnFrame(frame.ID, result)
	if marshalErr != nil {
		return ipc.NewErrorFrame(frame.ID, ipc.CaptureError(marshalErr))
	}
	return reply
}

func (s *Server) dispatch(ctx context.Context, sess *session, frame *ipc.Frame) (any, error) {
	switch frame.Op {
	case OpStats:
		snapshot, ok := s.fleet.Stats()
		if !ok {
			return nil, errors.New("control: no stats collected yet")
		}
		return snapshot, nil

	case OpStatsCollect:
		s.fleet.CollectStats()
		return true, nil

	case OpClusters:
		return s.fleet.Clusters(), nil

	case OpServices:
		return s.fleet.Services(), nil

	case OpClusterRestart:
		var req RestartData
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return nil, err
		}
		return true, s.fleet.RestartCluster(ctx, req.ClusterID, req.Soft)

	case OpServiceRestart:
		var req RestartData
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return nil, err
		}
		return true, s.fleet.RestartService(ctx, req.Service, req.Soft)

	case OpClusterCommand:
		var req CommandTarget
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return nil, err
		}
		return s.fleet.CommandCluster(ctx, req.ClusterID, req.Payload)

	case OpServiceCommand:
		var req CommandTarget
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return nil, err
		}
		return s.fleet.CommandService(ctx, req.Service, req.Payload)

	case OpReshard:
		return true, s.fleet.Reshard(ctx)

	case OpShutdown:
		// Detached: shutdown outlives the operator session.
		go func() {
			if err := s.fleet.Stop(context.Background()); err != nil {
				s.logger.Error("fleet shutdown failed", slog.String("error", err.Error()))
			}
		}()
		return true, nil

	case OpBroadcast:
		var req ipc.EventData
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return nil, err
		}
		s.fleet.BroadcastEvent(req.Name, req.Payload)
		return true, nil

	case OpSubscribe:
		s.mu.Lock()
		sess.subscribed = true
		s.mu.Unlock()
		return true, nil

	default:
		return nil, fmt.Errorf("control: unknown operation %q", frame.Op)
	}
}

func (s *Server) writeFrame(sess *session, frame *ipc.Frame) {
	if err := sess.write(frame); err != nil {
		s.logger.Warn("control write failed", slog.String("error", err.Error()))
	}
}

// ---------------------------------------------------------------------------
// Lifecycle event push
// ---------------------------------------------------------------------------

// Name identifies the server when registered as a fleet listener.
func (s *Server) Name() string { return "control" }

// OnClusterReady pushes the transition to subscribed sessions.
func (s *Server) OnClusterReady(e event.ClusterEvent) { s.publish("cluster.ready", e) }

// OnClusterShutdown pushes the transition to subscribed sessions.
func (s *Server) OnClusterShutdown(e event.ClusterEvent) { s.publish("cluster.shutdown", e) }

// OnServiceReady pushes the transition to subscribed sessions.
func (s *Server) OnServiceReady(e event.ServiceEvent) { s.publish("service.ready", e) }

// OnServiceShutdown pushes the transition to subscribed sessions.
func (s *Server) OnServiceShutdown(e event.ServiceEvent) { s.publish("service.shutdown", e) }

// OnReshardingComplete pushes the transition to subscribed sessions.
func (s *Server) OnReshardingComplete() { s.publish("resharding.complete", nil) }

// publish fans one lifecycle event out to every subscribed session. A
// failed write only logs; the session's read loop notices the broken
// connection and cleans up.
func (s *Server) publish(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame, err := ipc.NewFrame(OpEvent, ipc.EventData{Name: name, Payload: data})
	if err != nil {
		return
	}

	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		if sess.subscribed {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range targets {
		if err := sess.write(frame); err != nil {
			s.logger.Debug("event push failed", slog.String("error", err.Error()))
		}
	}
}
