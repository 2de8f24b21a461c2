// Package metrics exports healing session counters in the Prometheus format.
package metrics

import (
	"time"

	"github.com/Ship-Gate/ShipGate-sub013/internal/guard"
	"github.com/Ship-Gate/ShipGate-sub013/internal/heal"
	"github.com/Ship-Gate/ShipGate-sub013/internal/recorder"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shipgate"

// Collector implements heal.Observer on top of a Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	iterations       *prometheus.CounterVec
	patchesApplied   prometheus.Counter
	guardFindings    *prometheus.CounterVec
	sessionDuration  prometheus.Histogram
}

var _ heal.Observer = (*Collector)(nil)

// New registers the healing metrics on reg, or on a fresh registry when reg
// is nil.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heal",
			Name:      "sessions_started_total",
			Help:      "Healing sessions started",
		}),
		sessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heal",
			Name:      "sessions_finished_total",
			Help:      "Healing sessions finished by terminal reason",
		}, []string{"reason"}),
		iterations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heal",
			Name:      "iterations_total",
			Help:      "Recorded iterations by outcome",
		}, []string{"outcome"}),
		patchesApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heal",
			Name:      "patches_applied_total",
			Help:      "Patches committed by accepted iterations",
		}),
		guardFindings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "findings_total",
			Help:      "Weakening findings by category",
		}, []string{"category"}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "heal",
			Name:      "session_duration_seconds",
			Help:      "Wall time of healing sessions",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) SessionStarted() {
	c.sessionsStarted.Inc()
}

func (c *Collector) IterationRecorded(s recorder.Snapshot) {
	c.iterations.WithLabelValues(string(s.Outcome)).Inc()
	if s.Outcome == recorder.OutcomeAccepted {
		c.patchesApplied.Add(float64(len(s.Applied)))
	}
}

func (c *Collector) GuardRejected(findings []guard.Finding) {
	for _, f := range findings {
		c.guardFindings.WithLabelValues(string(f.Category)).Inc()
	}
}

func (c *Collector) SessionFinished(r heal.Result, elapsed time.Duration) {
	c.sessionsFinished.WithLabelValues(string(r.Reason)).Inc()
	c.sessionDuration.Observe(elapsed.Seconds())
}

// WriteTextfile writes the current values in the node_exporter textfile
// format.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}
