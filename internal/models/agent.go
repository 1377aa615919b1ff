package models

// AgentDescriptor is supplied read-only by the agent registry.
type AgentDescriptor struct {
	Name          string `json:"name" yaml:"name"`
	Key           string `json:"key" yaml:"key"`
	Role          string `json:"role" yaml:"role"`
	Description   string `json:"description" yaml:"description"`
	CanTransition bool   `json:"can_transition" yaml:"can_transition"`
}

type ProjectContext struct {
	Title      string `json:"title,omitempty" yaml:"title"`
	Repository string `json:"repository,omitempty" yaml:"repository"`
}
