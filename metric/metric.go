// Package metric exposes the replication engine counters to Prometheus.
// A nil *Metrics is valid and records nothing, so components can run without a registry.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "spaces"

// Metrics contains the engine level counters
type Metrics struct {
	registry *prometheus.Registry

	CredentialsProcessed  *prometheus.CounterVec
	DataMessagesApplied   *prometheus.CounterVec
	DataFeedCredentials   *prometheus.CounterVec
	EpochsApplied         *prometheus.CounterVec
	AuthSessions          *prometheus.CounterVec
	BlocksReplicated      *prometheus.CounterVec
	SpacesOpen            prometheus.Gauge
	SessionsOpen          prometheus.Gauge
	TimeframePersistences *prometheus.CounterVec
}

// New creates the metrics and registers them, plus the Go runtime collectors, on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		CredentialsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "credentials_processed_total",
				Help:      "Credentials processed by the admission state machine",
			},
			[]string{"space", "result"},
		),
		DataMessagesApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "data",
				Name:      "messages_applied_total",
				Help:      "Data messages applied to the database",
			},
			[]string{"space"},
		),
		DataFeedCredentials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "data",
				Name:      "ignored_credentials_total",
				Help:      "Credentials found on data feeds and dropped",
			},
			[]string{"space"},
		),
		EpochsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "data",
				Name:      "epochs_total",
				Help:      "Epoch applications by result (applied, preempted, failed)",
			},
			[]string{"space", "result"},
		),
		AuthSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "auth_sessions_total",
				Help:      "Session authentications by result",
			},
			[]string{"result"},
		),
		BlocksReplicated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "blocks_replicated_total",
				Help:      "Feed blocks exchanged with peers",
			},
			[]string{"direction"},
		),
		SpacesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "spaces_open",
			Help:      "Spaces currently open",
		}),
		SessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "sessions_open",
			Help:      "Peer sessions currently open",
		}),
		TimeframePersistences: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "metadata",
				Name:      "timeframe_writes_total",
				Help:      "Persisted timeframe writes by pipeline and result",
			},
			[]string{"pipeline", "result"},
		),
	}

	m.registry.MustRegister(
		m.CredentialsProcessed,
		m.DataMessagesApplied,
		m.DataFeedCredentials,
		m.EpochsApplied,
		m.AuthSessions,
		m.BlocksReplicated,
		m.SpacesOpen,
		m.SessionsOpen,
		m.TimeframePersistences,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CredentialProcessed(space, result string) {
	if m == nil {
		return
	}
	m.CredentialsProcessed.WithLabelValues(space, result).Inc()
}

func (m *Metrics) DataMessageApplied(space string) {
	if m == nil {
		return
	}
	m.DataMessagesApplied.WithLabelValues(space).Inc()
}

func (m *Metrics) DataFeedCredentialIgnored(space string) {
	if m == nil {
		return
	}
	m.DataFeedCredentials.WithLabelValues(space).Inc()
}

func (m *Metrics) EpochApplied(space, result string) {
	if m == nil {
		return
	}
	m.EpochsApplied.WithLabelValues(space, result).Inc()
}

func (m *Metrics) AuthSession(result string) {
	if m == nil {
		return
	}
	m.AuthSessions.WithLabelValues(result).Inc()
}

func (m *Metrics) BlockReplicated(direction string) {
	if m == nil {
		return
	}
	m.BlocksReplicated.WithLabelValues(direction).Inc()
}

func (m *Metrics) SpaceOpened() {
	if m == nil {
		return
	}
	m.SpacesOpen.Inc()
}

func (m *Metrics) SpaceClosed() {
	if m == nil {
		return
	}
	m.SpacesOpen.Dec()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpen.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsOpen.Dec()
}

func (m *Metrics) TimeframePersisted(pipeline string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TimeframePersistences.WithLabelValues(pipeline, result).Inc()
}
