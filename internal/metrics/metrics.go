package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sawpanic/tradeguard/internal/mode"
)

// Registry holds all Prometheus metrics for the degradation control plane.
type Registry struct {
	reg *prometheus.Registry

	// Mode metrics
	CurrentMode     prometheus.Gauge
	ModeTransitions *prometheus.CounterVec

	// Bus metrics, set from transport counters on a sampling tick
	BusPublished prometheus.Gauge
	BusDropped   prometheus.Gauge
	BusRescued   prometheus.Gauge
	BusDepth     prometheus.Gauge

	// Breaker metrics
	BreakerLevel *prometheus.GaugeVec

	// WAL metrics
	WALEntries prometheus.Gauge
	WALBytes   prometheus.Gauge

	// Recovery metrics
	RecoveryStage prometheus.Gauge
	RecoveryRuns  *prometheus.CounterVec
}

// NewRegistry creates the metric set on a fresh Prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		CurrentMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeguard_mode",
			Help: "Current system mode priority (0=NORMAL .. 50=HALT)",
		}),
		ModeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeguard_mode_transitions_total",
			Help: "Mode transitions by target mode and reason code",
		}, []string{"to", "reason"}),
		BusPublished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeguard_bus_published_total",
			Help: "Events accepted by the bus queue",
		}),
		BusDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeguard_bus_dropped_total",
			Help: "Non-critical events dropped on a full queue",
		}),
		BusRescued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeguard_bus_rescued_total",
			Help: "Must-deliver events routed through the local emergency path",
		}),
		BusDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeguard_bus_depth",
			Help: "Current bus queue depth",
		}),
		BreakerLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradeguard_breaker_level",
			Help: "Breaker hysteresis level per source (0=HEALTHY 1=UNSTABLE 2=TRIPPED)",
		}, []string{"source"}),
		WALEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeguard_wal_entries",
			Help: "Buffered (unflushed) WAL entries",
		}),
		WALBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeguard_wal_bytes",
			Help: "Serialized size of buffered WAL entries",
		}),
		RecoveryStage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeguard_recovery_stage",
			Help: "Current recovery stage (0=IDLE .. 4=READY)",
		}),
		RecoveryRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeguard_recovery_runs_total",
			Help: "Recovery runs started, by trigger",
		}, []string{"trigger"}),
	}

	r.reg.MustRegister(
		r.CurrentMode, r.ModeTransitions,
		r.BusPublished, r.BusDropped, r.BusRescued, r.BusDepth,
		r.BreakerLevel,
		r.WALEntries, r.WALBytes,
		r.RecoveryStage, r.RecoveryRuns,
	)
	return r
}

// Prometheus exposes the underlying registry for the /metrics handler and for
// tests that gather metric families.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}

// ObserveMode records the current mode on the gauge.
func (r *Registry) ObserveMode(m mode.SystemMode) {
	r.CurrentMode.Set(float64(m.Priority()))
}
