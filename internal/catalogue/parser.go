package catalogue

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/crew/internal/models"
)

// file is the on-disk shape: either a single agent or an agents list.
type file struct {
	models.AgentDescriptor `yaml:",inline"`
	Agents                 []models.AgentDescriptor `yaml:"agents"`
}

func Parse(path string) ([]models.AgentDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent file: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse agent YAML: %w", err)
	}

	agents := f.Agents
	if f.Name != "" {
		agents = append(agents, f.AgentDescriptor)
	}
	if len(agents) == 0 {
		name := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".yaml"), ".yml")
		return nil, fmt.Errorf("agent file %s defines no agents", name)
	}
	return agents, nil
}

// LoadAll reads every YAML file in dirs, earlier dirs taking precedence on
// name clashes.
func LoadAll(dirs []string) ([]models.AgentDescriptor, error) {
	var agents []models.AgentDescriptor
	seen := make(map[string]bool)

	for _, dir := range dirs {
		found, err := loadFromDir(dir)
		if err != nil {
			// Skip directories that don't exist
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, a := range found {
			lower := strings.ToLower(a.Name)
			if seen[lower] {
				continue
			}
			seen[lower] = true
			agents = append(agents, a)
		}
	}

	return agents, nil
}

func loadFromDir(dir string) ([]models.AgentDescriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var agents []models.AgentDescriptor
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		found, err := Parse(path)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		agents = append(agents, found...)
	}

	return agents, nil
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
