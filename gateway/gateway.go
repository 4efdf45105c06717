// Package gateway defines the external collaborator surface of the
// orchestrator: the gateway-info lookup used to size the fleet, and the
// rate-limited request client shared by every worker through the
// central request proxy.
package gateway

import (
	"context"
	"encoding/json"
)

// Info is the provider's recommendation for fleet sizing, fetched once
// at launch and again on every reshard.
type Info struct {
	// Shards is the recommended shard count.
	Shards int `json:"shards"`

	// MaxConcurrency is how many sessions may be established
	// simultaneously (the admission-concurrency limit).
	MaxConcurrency int `json:"max_concurrency"`
}

// InfoProvider answers gateway sizing queries.
type InfoProvider interface {
	GatewayInfo(ctx context.Context) (Info, error)
}

// Request describes one outbound call.
type Request struct {
	Method string
	URL    string

	// Auth indicates the shared credential should be attached.
	Auth bool

	Body json.RawMessage

	// FileName/File attach an upload when non-empty.
	FileName string
	File     []byte

	// Route is the rate-limit bucket key; empty means the URL path.
	Route string

	// Priority lets lifecycle-critical calls jump the shared budget.
	Priority int
}

// Requester performs rate-limited outbound calls. Exactly one Requester
// instance exists per fleet; workers reach it through the orchestrator's
// central request proxy so the whole fleet shares one budget.
type Requester interface {
	Request(ctx context.Context, req Request) (json.RawMessage, error)
}
