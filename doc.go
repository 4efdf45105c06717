// Package aura is a process-fleet orchestrator for horizontally sharded
// gateway services. It spawns one OS process per cluster (a worker owning a
// contiguous range of gateway shards) or service (an auxiliary singleton
// worker), supervises their lifecycle, and coordinates session establishment
// against the provider's admission-concurrency limit.
//
// Aura is designed as a library, not a service. Import it, register the
// module your workers should run, and start the orchestrator.
//
// # Quick Start
//
//	client := &gateway.RESTClient{BaseURL: base, Token: token}
//
//	if aura.IsWorker() {
//	    err := aura.RunWorker(ctx, harness.Options{
//	        ClusterModule: func() harness.Module { return &MyCluster{} },
//	    })
//	    // exit; the orchestrator handles recovery
//	}
//
//	o, err := aura.New(aura.DefaultConfig(),
//	    aura.WithGateway(client),
//	    aura.WithRequester(client),
//	)
//	err = o.Start(ctx)
//
// # Architecture
//
// The orchestrator keeps a registry of live workers and drives every
// lifecycle operation (connect, restart, reshard, shutdown) through an
// ordered launch queue that releases at most one concurrency group at a
// time. Workers talk back over a correlated request/reply IPC channel; the
// orchestrator holds the single rate-limited gateway client and proxies
// outbound calls on behalf of every worker so the whole fleet shares one
// rate budget.
//
// The same binary hosts both roles: the parent process runs the
// Orchestrator, while spawned children detect the worker role flag in their
// environment and run a cluster or service harness instead.
package aura
