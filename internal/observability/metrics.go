// Package observability — metrics.go
//
// Prometheus metrics for the safeswitchd daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9092 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback by default; the listen address comes from config and is
// not restricted to loopback.
//
// Metric naming convention: safeswitch_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - State labels use the string state name (7 values max for SwitchState,
//     3 for WatcherStateKind, 6 for FleetPhase).
//   - Session/watcher/proposal ids are NOT used as labels (unbounded
//     cardinality) — only aggregate counts and latencies are recorded.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for safeswitchd.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Switch Engine ────────────────────────────────────────────────────

	// SwitchesByState is the current count of SwitchSessions in each state.
	// Labels: state (Pending, Activating, Probation, Committed, RollingBack,
	// RolledBack, Failed)
	SwitchesByState *prometheus.GaugeVec

	// SwitchTransitionsTotal counts switch state transitions.
	// Labels: from_state, to_state
	SwitchTransitionsTotal *prometheus.CounterVec

	// SwitchBeginTotal counts begin() calls, by outcome (accepted, rejected).
	SwitchBeginTotal *prometheus.CounterVec

	// ─── Health Prober ────────────────────────────────────────────────────

	// ProbeLatencySeconds records per-check probe latency.
	// Labels: kind (ServiceUnit, TcpPort, HttpGet, Command)
	ProbeLatencySeconds *prometheus.HistogramVec

	// ProbesTotal counts completed probes, by outcome (passed, failed).
	ProbesTotal *prometheus.CounterVec

	// ─── Watcher Engine ───────────────────────────────────────────────────

	// WatchersByState is the current count of Watchers in each state.
	// Labels: state (Healthy, Degraded, Escalated)
	WatchersByState *prometheus.GaugeVec

	// WatcherEscalationsTotal counts transitions into Escalated.
	WatcherEscalationsTotal prometheus.Counter

	// WatcherActionsTotal counts remediation actions executed.
	// Labels: kind (RestartServiceUnit, RollbackGeneration, Notify, RunCommand), outcome (ok, error)
	WatcherActionsTotal *prometheus.CounterVec

	// ─── Fleet Coordinator ────────────────────────────────────────────────

	// FleetProposalsByPhase is the current count of FleetProposals in each
	// phase. Labels: phase (Proposed, Quorum, Executing, Committed, RolledBack, Failed)
	FleetProposalsByPhase *prometheus.GaugeVec

	// FleetOutcomesTotal counts terminal fleet proposal outcomes.
	// Labels: outcome (committed, rolled_back, failed)
	FleetOutcomesTotal *prometheus.CounterVec

	// FleetPeerUnreachableTotal counts peer-unreachable events observed
	// during a fleet proposal's poll loop.
	FleetPeerUnreachableTotal prometheus.Counter

	// ─── Persistence ──────────────────────────────────────────────────────

	// PersistenceWriteLatency records per-entity atomic-write latency.
	PersistenceWriteLatency prometheus.Histogram

	// PersistenceFailuresTotal counts writes that exhausted their retry
	// budget, per spec §7's "refuses further mutations on that entity."
	PersistenceFailuresTotal prometheus.Counter

	// ─── Daemon ───────────────────────────────────────────────────────────

	// DaemonUptimeSeconds is the number of seconds since the daemon started.
	DaemonUptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all safeswitchd Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		SwitchesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "safeswitch",
			Subsystem: "switch",
			Name:      "sessions_by_state",
			Help:      "Current number of switch sessions in each state.",
		}, []string{"state"}),

		SwitchTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safeswitch",
			Subsystem: "switch",
			Name:      "transitions_total",
			Help:      "Total switch session state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		SwitchBeginTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safeswitch",
			Subsystem: "switch",
			Name:      "begin_total",
			Help:      "Total begin() calls, by outcome.",
		}, []string{"outcome"}),

		ProbeLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "safeswitch",
			Subsystem: "health",
			Name:      "probe_latency_seconds",
			Help:      "Per-check health probe latency in seconds, by check kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safeswitch",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Total completed health probes, by outcome.",
		}, []string{"outcome"}),

		WatchersByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "safeswitch",
			Subsystem: "watcher",
			Name:      "watchers_by_state",
			Help:      "Current number of watchers in each state.",
		}, []string{"state"}),

		WatcherEscalationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safeswitch",
			Subsystem: "watcher",
			Name:      "escalations_total",
			Help:      "Total transitions of a watcher into the Escalated state.",
		}),

		WatcherActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safeswitch",
			Subsystem: "watcher",
			Name:      "actions_total",
			Help:      "Total remediation actions executed, by kind and outcome.",
		}, []string{"kind", "outcome"}),

		FleetProposalsByPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "safeswitch",
			Subsystem: "fleet",
			Name:      "proposals_by_phase",
			Help:      "Current number of fleet proposals in each phase.",
		}, []string{"phase"}),

		FleetOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safeswitch",
			Subsystem: "fleet",
			Name:      "outcomes_total",
			Help:      "Total terminal fleet proposal outcomes, by outcome.",
		}, []string{"outcome"}),

		FleetPeerUnreachableTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safeswitch",
			Subsystem: "fleet",
			Name:      "peer_unreachable_total",
			Help:      "Total peer-unreachable observations during fleet proposal polling.",
		}),

		PersistenceWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "safeswitch",
			Subsystem: "persistence",
			Name:      "write_latency_seconds",
			Help:      "Atomic per-entity JSON write latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		PersistenceFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safeswitch",
			Subsystem: "persistence",
			Name:      "failures_total",
			Help:      "Total entity writes that exhausted their retry budget.",
		}),

		DaemonUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "safeswitch",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.SwitchesByState,
		m.SwitchTransitionsTotal,
		m.SwitchBeginTotal,
		m.ProbeLatencySeconds,
		m.ProbesTotal,
		m.WatchersByState,
		m.WatcherEscalationsTotal,
		m.WatcherActionsTotal,
		m.FleetProposalsByPhase,
		m.FleetOutcomesTotal,
		m.FleetPeerUnreachableTotal,
		m.PersistenceWriteLatency,
		m.PersistenceFailuresTotal,
		m.DaemonUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address, per SPEC_FULL.md §12's loopback-bound /metrics endpoint. Blocks
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the DaemonUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.DaemonUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
