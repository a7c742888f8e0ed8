// Package metrics defines the Prometheus collectors of the repository server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "causalrepo"

// Commit reasons used as the "reason" label of commits_total.
const (
	CommitExplicit = "explicit"
	CommitUnload   = "unload"
	CommitAutoSave = "auto_save"
	CommitRestore  = "restore"
)

// Metrics holds the server collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections     prometheus.Gauge
	loadedBranches  prometheus.Gauge
	atoms           *prometheus.CounterVec
	commits         *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	droppedMessages prometheus.Counter
	limitedCommands *prometheus.CounterVec
}

// New registers the collectors in reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		// connections tracks currently open websocket connections.
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections",
			Help:      "Number of open connections",
		}),
		loadedBranches: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "loaded_branches",
			Help:      "Number of branches loaded in memory",
		}),
		// atoms counts atoms by outcome.
		// Labels: result (added, rejected, removed)
		atoms: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "weave",
			Name:      "atoms_total",
			Help:      "Atoms processed by outcome",
		}, []string{"result"}),
		// commits counts created commits.
		// Labels: reason (explicit, unload, auto_save, restore)
		commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repo",
			Name:      "commits_total",
			Help:      "Commits created by reason",
		}, []string{"reason"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "command_duration_seconds",
			Help:      "Command handling latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"command"}),
		droppedMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "dropped_connections_total",
			Help:      "Connections closed because their send queue was full",
		}),
		limitedCommands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "limited_commands_total",
			Help:      "Commands refused by the per-device rate limit",
		}, []string{"command"}),
	}
}

// ConnectionOpened increments the connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

// ConnectionClosed decrements the connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// BranchLoaded increments the loaded branches gauge.
func (m *Metrics) BranchLoaded() {
	if m != nil {
		m.loadedBranches.Inc()
	}
}

// BranchUnloaded decrements the loaded branches gauge.
func (m *Metrics) BranchUnloaded() {
	if m != nil {
		m.loadedBranches.Dec()
	}
}

// AtomsAdded counts atoms inserted into a weave.
func (m *Metrics) AtomsAdded(n int) {
	if m != nil && n > 0 {
		m.atoms.WithLabelValues("added").Add(float64(n))
	}
}

// AtomsRejected counts atoms rejected by a weave.
func (m *Metrics) AtomsRejected(n int) {
	if m != nil && n > 0 {
		m.atoms.WithLabelValues("rejected").Add(float64(n))
	}
}

// AtomsRemoved counts atoms removed from a weave.
func (m *Metrics) AtomsRemoved(n int) {
	if m != nil && n > 0 {
		m.atoms.WithLabelValues("removed").Add(float64(n))
	}
}

// CommitCreated counts a commit.
func (m *Metrics) CommitCreated(reason string) {
	if m != nil {
		m.commits.WithLabelValues(reason).Inc()
	}
}

// ObserveCommand records how long a command took.
func (m *Metrics) ObserveCommand(command string, started time.Time) {
	if m != nil {
		m.commandDuration.WithLabelValues(command).Observe(time.Since(started).Seconds())
	}
}

// ConnectionDropped counts a connection closed for a full send queue.
func (m *Metrics) ConnectionDropped() {
	if m != nil {
		m.droppedMessages.Inc()
	}
}

// CommandLimited counts a command refused by the rate limit.
func (m *Metrics) CommandLimited(command string) {
	if m != nil {
		m.limitedCommands.WithLabelValues(command).Inc()
	}
}
