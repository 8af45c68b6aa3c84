// Package telemetry exposes session activity as Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/ramlink/internal/delivery"
	"github.com/roach88/ramlink/internal/game"
)

const namespace = "ramlink"

// Label names.
const (
	LabelCategory = "category"
	LabelOutcome  = "outcome"
	LabelResult   = "result"
	LabelState    = "state"
)

// Metrics is a game.Observer that records into its own registry.
type Metrics struct {
	registry *prometheus.Registry

	classified  *prometheus.CounterVec
	applied     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	checks      prometheus.Counter
	state       *prometheus.GaugeVec
	pending     prometheus.Gauge
	lastIndex   prometheus.Gauge
	progress    *prometheus.GaugeVec
}

var _ game.Observer = (*Metrics)(nil)

// New creates and registers every metric.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.classified = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "delivery",
		Name:      "classified_total",
		Help:      "Inbound events by category and classification outcome",
	}, []string{LabelCategory, LabelOutcome})

	m.applied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "delivery",
		Name:      "attempts_total",
		Help:      "Delivery attempts by category and result",
	}, []string{LabelCategory, LabelResult})

	m.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "state_transitions_total",
		Help:      "Process state transitions by destination state",
	}, []string{LabelState})

	m.checks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "locations",
		Name:      "checked_total",
		Help:      "Locations reported to the coordinator",
	})

	m.state = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "state",
		Help:      "1 for the current process state, 0 otherwise",
	}, []string{LabelState})

	m.pending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "delivery",
		Name:      "pending",
		Help:      "Events waiting in all queues",
	})

	m.lastIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "delivery",
		Name:      "last_index",
		Help:      "Highest item index processed",
	})

	m.progress = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "progress",
		Help:      "Session progress counters",
	}, []string{"counter"})

	m.registry.MustRegister(
		m.classified, m.applied, m.transitions, m.checks,
		m.state, m.pending, m.lastIndex, m.progress,
	)
	return m
}

// Registry returns the registry the metrics live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StateChanged implements game.Observer.
func (m *Metrics) StateChanged(from, to game.State) {
	m.state.WithLabelValues(from.String()).Set(0)
	m.state.WithLabelValues(to.String()).Set(1)
	m.transitions.WithLabelValues(to.String()).Inc()
}

// Classified implements game.Observer.
func (m *Metrics) Classified(e delivery.Event, o game.Outcome) {
	m.classified.WithLabelValues(categoryLabel(e, o), string(o)).Inc()
}

// Applied implements game.Observer.
func (m *Metrics) Applied(e delivery.Event, ok bool) {
	result := "failed"
	if ok {
		result = "ok"
	}
	m.applied.WithLabelValues(e.Category.String(), result).Inc()
}

// LocationChecked implements game.Observer.
func (m *Metrics) LocationChecked(int64) {
	m.checks.Inc()
}

// SetStatus updates the gauges from a controller snapshot.
func (m *Metrics) SetStatus(s game.Status) {
	m.pending.Set(float64(s.Pending))
	m.lastIndex.Set(float64(s.LastIndex))
	m.progress.WithLabelValues("pieces").Set(float64(s.Counters.Pieces))
	m.progress.WithLabelValues("keys").Set(float64(s.Counters.Keys))
	m.progress.WithLabelValues("map_reveals").Set(float64(s.Counters.Reveals))
}

// categoryLabel is "none" for events dropped before they had a category.
func categoryLabel(e delivery.Event, o game.Outcome) string {
	switch o {
	case game.OutcomeQueued, game.OutcomeReplayDropped:
		return e.Category.String()
	}
	return "none"
}
