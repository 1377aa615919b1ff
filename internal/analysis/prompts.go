package analysis

import (
	"fmt"
	"strings"

	"github.com/mpataki/crew/internal/models"
)

const analysisSystemPrompt = `You analyze inbound requests for a network of cooperating AI agents.
Reply with a single JSON object and nothing else:
{
  "request_type": "short label for the kind of request",
  "required_capabilities": ["capability", "..."],
  "complexity": 1-10,
  "strategy": "single_responder | hierarchical | parallel_execution | phased_delivery | exploratory",
  "rationale": "one or two sentences"
}`

const selectionSystemPrompt = `You assemble agent teams for incoming requests.
Pick a lead and the members who should work on the request, using only agent names from the catalogue.
The lead must also appear in members.
Reply with a single JSON object and nothing else:
{"lead": "agent name", "members": ["agent name", "..."], "rationale": "why this team"}`

func analysisUserPrompt(msg *models.Message, project models.ProjectContext) string {
	var b strings.Builder
	writeProject(&b, project)
	if msg.InThread() {
		b.WriteString("This message is part of an ongoing conversation.\n")
	}
	if msg.IsTask() {
		b.WriteString("This message is a delegated task from another agent.\n")
	}
	b.WriteString("\nRequest:\n")
	b.WriteString(msg.Content)
	return b.String()
}

func selectionUserPrompt(msg *models.Message, project models.ProjectContext, analysis *models.RequestAnalysis, agents []models.AgentDescriptor, maxTeamSize int) string {
	var b strings.Builder
	writeProject(&b, project)

	b.WriteString("Analysis:\n")
	fmt.Fprintf(&b, "- request type: %s\n", analysis.RequestType)
	fmt.Fprintf(&b, "- required capabilities: %s\n", strings.Join(analysis.RequiredCapabilities, ", "))
	fmt.Fprintf(&b, "- complexity: %d/10\n", analysis.Complexity)
	fmt.Fprintf(&b, "- strategy: %s\n", analysis.Strategy)
	if analysis.Rationale != "" {
		fmt.Fprintf(&b, "- rationale: %s\n", analysis.Rationale)
	}

	b.WriteString("\nCatalogue:\n")
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s", a.Name)
		if a.Role != "" {
			fmt.Fprintf(&b, " (%s)", a.Role)
		}
		if a.Description != "" {
			fmt.Fprintf(&b, ": %s", a.Description)
		}
		b.WriteString("\n")
	}

	if maxTeamSize > 0 {
		fmt.Fprintf(&b, "\nKeep the team to at most %d agents.\n", maxTeamSize)
	}

	b.WriteString("\nRequest:\n")
	b.WriteString(msg.Content)
	return b.String()
}

func writeProject(b *strings.Builder, project models.ProjectContext) {
	if project.Title != "" {
		fmt.Fprintf(b, "Project: %s\n", project.Title)
	}
	if project.Repository != "" {
		fmt.Fprintf(b, "Repository: %s\n", project.Repository)
	}
}
