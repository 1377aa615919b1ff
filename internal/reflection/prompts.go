package reflection

import (
	"fmt"
	"strings"

	"github.com/mpataki/crew/internal/models"
)

const transcriptWindow = 10

const classifierSystemPrompt = `You detect corrections in conversations between people and AI agents.
A correction is a message telling an agent that what it did or said was wrong, or how it should have done it.
Reply with a single JSON object and nothing else:
{"is_correction": true|false, "confidence": 0.0-1.0, "summary": "what was corrected, in one sentence"}`

const lessonSystemPrompt = `You distill lessons for one AI agent from a correction it received.
A lesson is a single imperative sentence the agent can follow next time.
Do not repeat a lesson the agent already knows. If nothing new applies to this agent, use an empty string.
Reply with a single JSON object and nothing else:
{"lesson": "..."}`

func classifierUserPrompt(msg *models.Message, conv *models.Conversation) string {
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	history := conv.Messages
	if len(history) > transcriptWindow {
		history = history[len(history)-transcriptWindow:]
	}
	for _, m := range history {
		if m.ID == msg.ID {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", m.Author, m.Content)
	}
	fmt.Fprintf(&b, "\nLatest message from %s:\n%s", msg.Author, msg.Content)
	return b.String()
}

func lessonUserPrompt(agent models.AgentDescriptor, trigger *Trigger, known []models.Lesson) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s\n", agent.Name)
	if agent.Role != "" {
		fmt.Fprintf(&b, "Role: %s\n", agent.Role)
	}
	if trigger.Phase != "" {
		fmt.Fprintf(&b, "Phase when corrected: %s\n", trigger.Phase)
	}
	fmt.Fprintf(&b, "\nCorrection: %s\n", trigger.Summary)
	if trigger.Message != nil {
		fmt.Fprintf(&b, "Original message: %s\n", trigger.Message.Content)
	}
	if len(known) > 0 {
		b.WriteString("\nLessons this agent already knows:\n")
		for _, l := range known {
			fmt.Fprintf(&b, "- %s\n", l.Text)
		}
	}
	return b.String()
}
