package models

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeStrategy(t *testing.T) {
	tests := map[string]Strategy{
		"hierarchical":        StrategyHierarchical,
		"Parallel-Execution":  StrategyParallelExecution,
		"  phased delivery  ": StrategyPhasedDelivery,
		"SINGLE_RESPONDER":    StrategySingleResponder,
		"exploratory":         StrategyExploratory,
		"swarm":               StrategyHierarchical,
		"":                    StrategyHierarchical,
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeStrategy(in), "input %q", in)
	}
}

func TestAddReflectionKeepsMostRecentTen(t *testing.T) {
	var m Metadata
	for i := 0; i < 25; i++ {
		m.AddReflection(ReflectionRecord{TriggerID: fmt.Sprintf("t%d", i)})
		assert.LessOrEqual(t, len(m.Reflections), MaxReflections)
	}
	assert.Len(t, m.Reflections, MaxReflections)
	assert.Equal(t, "t15", m.Reflections[0].TriggerID)
	assert.Equal(t, "t24", m.Reflections[9].TriggerID)
}

func TestAddParticipantDeduplicates(t *testing.T) {
	var m Metadata
	m.AddParticipant("alice")
	m.AddParticipant("backend")
	m.AddParticipant("alice")
	m.AddParticipant("")
	assert.Equal(t, []string{"alice", "backend"}, m.Participants)
}

func TestTeamMembersExcept(t *testing.T) {
	team := &Team{Lead: "backend", Members: []string{"backend", "dba"}}
	assert.Equal(t, []string{"dba"}, team.MembersExcept("backend"))
	assert.Equal(t, []string{"backend", "dba"}, team.MembersExcept("alice"))
	assert.True(t, team.HasMember("dba"))
	assert.False(t, team.HasMember("frontend"))
}

func TestCurrentPhaseDefaultsToChat(t *testing.T) {
	var m Metadata
	assert.Equal(t, PhaseChat, m.CurrentPhase())
	m.Phase = PhaseReview
	assert.Equal(t, PhaseReview, m.CurrentPhase())
	assert.False(t, PhaseEnd.Valid())
}

func TestMetadataCloneIsDeep(t *testing.T) {
	m := Metadata{
		Team:         &Team{Lead: "backend", Members: []string{"backend"}},
		Participants: []string{"alice"},
	}
	c := m.Clone()
	c.Team.Members[0] = "dba"
	c.Team.Lead = "dba"
	c.Participants[0] = "bob"
	assert.Equal(t, "backend", m.Team.Lead)
	assert.Equal(t, []string{"backend"}, m.Team.Members)
	assert.Equal(t, []string{"alice"}, m.Participants)
}
