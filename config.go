package aura

import (
	"fmt"
	"path/filepath"
	"time"
)

// ServiceConfig declares one auxiliary singleton worker.
type ServiceConfig struct {
	// Name uniquely identifies the service across the fleet.
	Name string

	// Path locates the service's code for workers that load it from
	// disk. Must be absolute when set; empty means the module is
	// registered in-binary with the harness.
	Path string
}

// Config holds the orchestrator's launch parameters. The zero value of
// most fields means "decide automatically"; DefaultConfig fills the
// rest.
type Config struct {
	// Token is the shared gateway credential handed to every worker.
	Token string

	// ShardCount is the total number of gateway shards. Zero asks the
	// gateway for its recommendation at launch.
	ShardCount int

	// ClusterCount is the number of cluster workers. Zero means one
	// per CPU.
	ClusterCount int

	// MaxConcurrency overrides the provider's session admission limit.
	// Zero uses the value the gateway reports.
	MaxConcurrency int

	// StartupTimeout bounds a worker module's startup. Zero disables
	// the deadline.
	StartupTimeout time.Duration

	// KillTimeout is how long a soft-killed worker may take to
	// acknowledge before it is force-terminated.
	KillTimeout time.Duration

	// MaxRestarts is the sequential-failure ceiling per identity.
	// Reaching it drops the identity instead of respawning it.
	MaxRestarts int

	// StatsInterval drives periodic stats collection. Zero disables it.
	StatsInterval time.Duration

	// FetchTimeout bounds a targeted fetch before it resolves to no
	// value.
	FetchTimeout time.Duration

	// ServicesStartTogether releases all service connects as one
	// concurrency group instead of strictly one at a time.
	ServicesStartTogether bool

	// SyncedShutdown retires workers one at a time during fleet
	// shutdown instead of soft-killing them all at once.
	SyncedShutdown bool

	// BroadcastLifecycle fans worker lifecycle transitions out to the
	// whole fleet as application events.
	BroadcastLifecycle bool

	// Verbosity is the minimum log level workers forward.
	Verbosity string

	// Services to launch alongside the clusters.
	Services []ServiceConfig
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		KillTimeout:   10 * time.Second,
		MaxRestarts:   5,
		StatsInterval: time.Minute,
		FetchTimeout:  10 * time.Second,
		Verbosity:     "info",
	}
}

// Validate rejects configurations that must not spawn any process.
func (c *Config) Validate() error {
	if c.KillTimeout <= 0 {
		c.KillTimeout = 10 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	}

	seen := make(map[string]struct{}, len(c.Services))
	for _, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("%w: service with empty name", ErrDuplicateName)
		}
		if _, dup := seen[svc.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateName, svc.Name)
		}
		seen[svc.Name] = struct{}{}

		if svc.Path != "" && !filepath.IsAbs(svc.Path) {
			return fmt.Errorf("%w: service %q path %q", ErrRelativePath, svc.Name, svc.Path)
		}
	}
	return nil
}
