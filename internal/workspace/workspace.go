// Package workspace resolves the project a conversation is about and lays
// down the .crew directory agents read their protocol from.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/phase"
)

const (
	crewDir     = ".crew"
	projectFile = "project.yaml"
)

// Resolve builds the project context for dir. .crew/project.yaml wins;
// otherwise the title is the directory name and the repository is the
// origin remote, when there is one.
func Resolve(dir string) (models.ProjectContext, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return models.ProjectContext{}, fmt.Errorf("failed to resolve project path: %w", err)
	}

	var project models.ProjectContext
	data, err := os.ReadFile(filepath.Join(absDir, crewDir, projectFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return models.ProjectContext{}, fmt.Errorf("failed to read project file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &project); err != nil {
			return models.ProjectContext{}, fmt.Errorf("failed to parse project file: %w", err)
		}
	}

	if project.Title == "" {
		project.Title = filepath.Base(absDir)
	}
	if project.Repository == "" {
		project.Repository = originRemote(absDir)
	}
	return project, nil
}

// originRemote returns "" outside a git checkout or without an origin.
func originRemote(dir string) string {
	cmd := exec.Command("git", "remote", "get-url", "origin")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// Init writes .crew/project.yaml, the agents directory and the protocol
// file agents follow.
func Init(dir string, project models.ProjectContext) error {
	base := filepath.Join(dir, crewDir)
	for _, d := range []string{base, filepath.Join(base, "agents")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}

	data, err := yaml.Marshal(project)
	if err != nil {
		return fmt.Errorf("failed to marshal project: %w", err)
	}
	if err := os.WriteFile(filepath.Join(base, projectFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write project.yaml: %w", err)
	}

	if err := os.WriteFile(filepath.Join(base, "PROTOCOL.md"), []byte(Protocol()), 0644); err != nil {
		return fmt.Errorf("failed to write PROTOCOL.md: %w", err)
	}
	return nil
}

// Protocol renders the agent-facing description of the phase workflow.
func Protocol() string {
	var b strings.Builder
	b.WriteString(protocolHeader)
	b.WriteString("\n## Phases\n\n")
	for _, p := range []models.Phase{
		models.PhaseChat, models.PhasePlan, models.PhaseExecute,
		models.PhaseReview, models.PhaseReflection, models.PhaseChores,
	} {
		fmt.Fprintf(&b, "- `%s` → %s\n", p, joinPhases(phase.Next(p)))
	}
	b.WriteString(protocolFooter)
	return b.String()
}

// PhaseGuide is the one-paragraph reminder given to an agent in phase p.
func PhaseGuide(p models.Phase) string {
	next := phase.Next(p)
	if len(next) == 0 {
		return fmt.Sprintf("The conversation is in %s. No further transitions are possible.", p)
	}
	guide := fmt.Sprintf("The conversation is in %s. Legal next phases: %s.", p, joinPhases(next))
	if s := phase.SuggestNext(p); s != "" {
		guide += fmt.Sprintf(" Unless waived, move to %s next.", s)
	}
	return guide
}

func joinPhases(phases []models.Phase) string {
	parts := make([]string, 0, len(phases))
	for _, p := range phases {
		parts = append(parts, "`"+string(p)+"`")
	}
	return strings.Join(parts, ", ")
}

const protocolHeader = `---
name: crew-protocol
description: Protocol for agents working in a crew conversation. Use when .crew/ exists.
---

# Crew Conversation Protocol

You are one agent on a team assembled for this conversation. The team lead
coordinates; members answer when the conversation routes to them.

## Routing

- Messages from people reach the whole team unless they mention someone.
- Agent messages reach nobody unless they mention an agent. Mention the
  agent you need; do not reply just to acknowledge.
`

const protocolFooter = `
Only agents with the transition privilege may move the conversation.
After execute, go through review, reflection and chores before ending.

## Lessons

When a person corrects the team, each member may receive a new lesson.
Follow your lessons; they are not repeated once you know them.
`
