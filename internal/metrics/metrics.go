// Package metrics exposes Prometheus counters for routing, formation,
// phase transitions and lessons. A nil *Metrics records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "crew"

type Metrics struct {
	routes            *prometheus.CounterVec
	formationFailures *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	lessons           *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_decisions_total",
			Help:      "Routing decisions by kind.",
		}, []string{"decision"}),
		formationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "formation_failures_total",
			Help:      "Team formation attempts that produced no team.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Phase transition requests by target and result.",
		}, []string{"to", "result"}),
		lessons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lessons_total",
			Help:      "Lesson candidates by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.routes, m.formationFailures, m.transitions, m.lessons)
	return m
}

func (m *Metrics) Route(decision string) {
	if m == nil {
		return
	}
	m.routes.WithLabelValues(decision).Inc()
}

func (m *Metrics) FormationFailed(reason string) {
	if m == nil {
		return
	}
	m.formationFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Transition(to, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to, result).Inc()
}

func (m *Metrics) Lessons(generated, published int) {
	if m == nil {
		return
	}
	m.lessons.WithLabelValues("generated").Add(float64(generated))
	m.lessons.WithLabelValues("published").Add(float64(published))
	m.lessons.WithLabelValues("duplicate").Add(float64(generated - published))
}
