package models

import "time"

// Lesson is a unit of learned behavior scoped to one agent.
type Lesson struct {
	ID                 string    `json:"id"`
	AgentName          string    `json:"agent_name"`
	Text               string    `json:"text"`
	SourceCorrectionID string    `json:"source_correction_id"`
	CreatedAt          time.Time `json:"created_at"`
}
