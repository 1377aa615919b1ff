package models

type Phase string

const (
	PhaseChat       Phase = "chat"
	PhasePlan       Phase = "plan"
	PhaseExecute    Phase = "execute"
	PhaseReview     Phase = "review"
	PhaseReflection Phase = "reflection"
	PhaseChores     Phase = "chores"

	// PhaseEnd is only ever a transition target. It marks the conversation
	// ended and is never stored as the current phase.
	PhaseEnd Phase = "end"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseChat, PhasePlan, PhaseExecute, PhaseReview, PhaseReflection, PhaseChores:
		return true
	}
	return false
}
