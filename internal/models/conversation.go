package models

import "time"

// MaxReflections bounds the reflection history kept in metadata.
const MaxReflections = 10

// Ref addresses one view of a conversation. An empty Agent is the shared
// view the coordinator reads; agent views hold each member's local copy.
type Ref struct {
	ID    string
	Agent string
}

func SharedRef(id string) Ref {
	return Ref{ID: id}
}

type ReflectionRecord struct {
	TriggerID        string    `json:"trigger_id"`
	LessonsGenerated int       `json:"lessons_generated"`
	LessonsPublished int       `json:"lessons_published"`
	At               time.Time `json:"at"`
}

type Metadata struct {
	Team         *Team              `json:"team,omitempty"`
	Phase        Phase              `json:"phase"`
	Ended        bool               `json:"ended,omitempty"`
	Reflections  []ReflectionRecord `json:"reflections,omitempty"`
	Participants []string           `json:"participants,omitempty"`
}

// CurrentPhase treats an unset phase as chat.
func (m *Metadata) CurrentPhase() Phase {
	if m.Phase == "" {
		return PhaseChat
	}
	return m.Phase
}

// AddReflection appends rec and drops the oldest entries past MaxReflections.
func (m *Metadata) AddReflection(rec ReflectionRecord) {
	m.Reflections = append(m.Reflections, rec)
	if n := len(m.Reflections); n > MaxReflections {
		m.Reflections = append([]ReflectionRecord(nil), m.Reflections[n-MaxReflections:]...)
	}
}

// AddParticipant records key once, preserving first-seen order.
func (m *Metadata) AddParticipant(key string) {
	if key == "" {
		return
	}
	for _, p := range m.Participants {
		if p == key {
			return
		}
	}
	m.Participants = append(m.Participants, key)
}

type Conversation struct {
	ID        string
	Agent     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  Metadata
	Messages  []*Message
}

// HasAgentActivity reports whether any recorded participant satisfies isAgent.
func (c *Conversation) HasAgentActivity(isAgent func(string) bool) bool {
	for _, p := range c.Metadata.Participants {
		if isAgent(p) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate freely.
func (m Metadata) Clone() Metadata {
	out := m
	if m.Team != nil {
		team := *m.Team
		team.Members = append([]string(nil), m.Team.Members...)
		out.Team = &team
	}
	out.Reflections = append([]ReflectionRecord(nil), m.Reflections...)
	out.Participants = append([]string(nil), m.Participants...)
	return out
}
