package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Route("team")
	m.Route("team")
	m.Route("anti_chatter")
	m.FormationFailed("no_suitable_agents")
	m.Transition("plan", "ok")
	m.Lessons(3, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.routes.WithLabelValues("team")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routes.WithLabelValues("anti_chatter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.formationFailures.WithLabelValues("no_suitable_agents")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("plan", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.lessons.WithLabelValues("duplicate")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Route("team")
	m.FormationFailed("x")
	m.Transition("plan", "ok")
	m.Lessons(1, 1)
}
