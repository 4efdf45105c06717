// Package observability exposes fleet telemetry as Prometheus metrics.
// The Exporter is a lifecycle listener: register it with the
// orchestrator and every finished stats snapshot updates the gauges.
package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/counting-bot/Aura/event"
	"github.com/counting-bot/Aura/ipc"
)

// Exporter publishes stats snapshots and lifecycle counters to a
// Prometheus registry.
type Exporter struct {
	registry *prometheus.Registry

	guilds   prometheus.Gauge
	users    prometheus.Gauge
	sessions prometheus.Gauge
	ram      prometheus.Gauge
	ownRAM   prometheus.Gauge

	clusterRAM     *prometheus.GaugeVec
	clusterGuilds  *prometheus.GaugeVec
	shardLatency   *prometheus.GaugeVec
	serviceRAM     *prometheus.GaugeVec
	clusterReady   *prometheus.CounterVec
	workerShutdown *prometheus.CounterVec
	resharding     prometheus.Counter
}

// NewExporter creates an exporter with its own registry.
func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		guilds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aura", Name: "guilds_total",
			Help: "Guilds served across the fleet.",
		}),
		users: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aura", Name: "users_total",
			Help: "Users visible across the fleet.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aura", Name: "sessions_total",
			Help: "Active gateway sessions.",
		}),
		ram: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aura", Name: "ram_megabytes",
			Help: "Fleet memory usage including the orchestrator.",
		}),
		ownRAM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aura", Name: "orchestrator_ram_megabytes",
			Help: "Orchestrator process memory usage.",
		}),
		clusterRAM: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aura", Name: "cluster_ram_megabytes",
			Help: "Per-cluster memory usage.",
		}, []string{"cluster"}),
		clusterGuilds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aura", Name: "cluster_guilds",
			Help: "Per-cluster guild count.",
		}, []string{"cluster"}),
		shardLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aura", Name: "shard_latency_seconds",
			Help: "Per-shard gateway latency.",
		}, []string{"cluster", "shard"}),
		serviceRAM: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aura", Name: "service_ram_megabytes",
			Help: "Per-service memory usage.",
		}, []string{"service"}),
		clusterReady: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aura", Name: "worker_ready_total",
			Help: "Worker readiness transitions.",
		}, []string{"kind"}),
		workerShutdown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aura", Name: "worker_shutdown_total",
			Help: "Worker shutdowns.",
		}, []string{"kind"}),
		resharding: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aura", Name: "resharding_total",
			Help: "Completed reshards.",
		}),
	}

	e.registry.MustRegister(
		e.guilds, e.users, e.sessions, e.ram, e.ownRAM,
		e.clusterRAM, e.clusterGuilds, e.shardLatency, e.serviceRAM,
		e.clusterReady, e.workerShutdown, e.resharding,
	)
	return e
}

// Name implements event.Listener.
func (e *Exporter) Name() string { return "prometheus" }

// OnStatsCollected refreshes every gauge from a finished snapshot.
func (e *Exporter) OnStatsCollected(snapshot ipc.StatsSnapshot) {
	e.guilds.Set(float64(snapshot.Guilds))
	e.users.Set(float64(snapshot.Users))
	e.sessions.Set(float64(snapshot.Sessions))
	e.ram.Set(snapshot.RAM)
	e.ownRAM.Set(snapshot.OrchestratorRAM)

	e.clusterRAM.Reset()
	e.clusterGuilds.Reset()
	e.shardLatency.Reset()
	for _, c := range snapshot.Clusters {
		cluster := strconv.Itoa(c.ClusterID)
		e.clusterRAM.WithLabelValues(cluster).Set(c.RAM)
		e.clusterGuilds.WithLabelValues(cluster).Set(float64(c.Guilds))
		for _, s := range c.Shards {
			e.shardLatency.WithLabelValues(cluster, strconv.Itoa(s.ID)).Set(s.Latency.Seconds())
		}
	}

	e.serviceRAM.Reset()
	for _, s := range snapshot.Services {
		e.serviceRAM.WithLabelValues(s.Name).Set(s.RAM)
	}
}

// OnClusterReady counts cluster readiness transitions.
func (e *Exporter) OnClusterReady(event.ClusterEvent) {
	e.clusterReady.WithLabelValues("cluster").Inc()
}

// OnServiceReady counts service readiness transitions.
func (e *Exporter) OnServiceReady(event.ServiceEvent) {
	e.clusterReady.WithLabelValues("service").Inc()
}

// OnClusterShutdown counts cluster shutdowns.
func (e *Exporter) OnClusterShutdown(event.ClusterEvent) {
	e.workerShutdown.WithLabelValues("cluster").Inc()
}

// OnServiceShutdown counts service shutdowns.
func (e *Exporter) OnServiceShutdown(event.ServiceEvent) {
	e.workerShutdown.WithLabelValues("service").Inc()
}

// OnReshardingComplete counts finished reshards.
func (e *Exporter) OnReshardingComplete() { e.resharding.Inc() }

// Handler serves the metrics endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
