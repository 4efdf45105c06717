package aura

import (
	"log/slog"

	"github.com/counting-bot/Aura/backoff"
	"github.com/counting-bot/Aura/event"
	"github.com/counting-bot/Aura/gateway"
	"github.com/counting-bot/Aura/ipc"
	"github.com/counting-bot/Aura/proc"
	"github.com/counting-bot/Aura/store"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger. Worker log frames are
// rendered through it, attributed to their source identity.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCodec sets the IPC wire codec for every worker channel.
func WithCodec(codec ipc.Codec) Option {
	return func(o *Orchestrator) { o.codec = codec }
}

// WithSpawner replaces the process spawner. Tests use this to stand up
// a fleet without forking.
func WithSpawner(spawner proc.Spawner) Option {
	return func(o *Orchestrator) { o.spawner = spawner }
}

// WithGateway sets the gateway-info collaborator used to size the
// fleet at launch and on reshard.
func WithGateway(provider gateway.InfoProvider) Option {
	return func(o *Orchestrator) { o.gateway = provider }
}

// WithRequester sets the shared rate-limited request client backing
// the central request proxy.
func WithRequester(requester gateway.Requester) Option {
	return func(o *Orchestrator) { o.requester = requester }
}

// WithStore replaces the central store backend. Defaults to the
// in-memory store.
func WithStore(s store.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithListener registers a lifecycle event listener.
func WithListener(l event.Listener) Option {
	return func(o *Orchestrator) { o.events.Register(l) }
}

// WithRestartBackoff replaces the delay strategy applied between a
// worker's unplanned exit and its respawn.
func WithRestartBackoff(strategy backoff.Strategy) Option {
	return func(o *Orchestrator) {
		if strategy != nil {
			o.restartBackoff = strategy
		}
	}
}
