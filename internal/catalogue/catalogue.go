// Package catalogue is the read-only agent registry the engine resolves
// identities against.
package catalogue

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mpataki/crew/internal/models"
)

// Registry resolves agent identity keys and lists the known agents.
type Registry interface {
	Resolve(key string) (models.AgentDescriptor, bool)
	List() []models.AgentDescriptor
}

// Catalogue is a Registry over a fixed or reloadable agent set. It is safe
// for concurrent use.
type Catalogue struct {
	mu     sync.RWMutex
	agents []models.AgentDescriptor
	byKey  map[string]int
	byName map[string]int
}

// New builds a catalogue from agents, which must pass Validate.
func New(agents ...models.AgentDescriptor) (*Catalogue, error) {
	c := &Catalogue{}
	if err := c.replace(agents); err != nil {
		return nil, err
	}
	return c, nil
}

// MustNew is New for fixed agent sets known to be valid.
func MustNew(agents ...models.AgentDescriptor) *Catalogue {
	c, err := New(agents...)
	if err != nil {
		panic(err)
	}
	return c
}

// Resolve matches the identity key exactly, then the name case-insensitively.
func (c *Catalogue) Resolve(key string) (models.AgentDescriptor, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return models.AgentDescriptor{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if i, ok := c.byKey[key]; ok {
		return c.agents[i], true
	}
	if i, ok := c.byName[strings.ToLower(key)]; ok {
		return c.agents[i], true
	}
	return models.AgentDescriptor{}, false
}

// List returns the agents sorted by name.
func (c *Catalogue) List() []models.AgentDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.AgentDescriptor(nil), c.agents...)
}

func (c *Catalogue) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.agents)
}

func (c *Catalogue) replace(agents []models.AgentDescriptor) error {
	if err := Validate(agents); err != nil {
		return err
	}

	sorted := append([]models.AgentDescriptor(nil), agents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	byKey := make(map[string]int, len(sorted))
	byName := make(map[string]int, len(sorted))
	for i, a := range sorted {
		if a.Key != "" {
			byKey[a.Key] = i
		}
		byName[strings.ToLower(a.Name)] = i
	}

	c.mu.Lock()
	c.agents, c.byKey, c.byName = sorted, byKey, byName
	c.mu.Unlock()
	return nil
}

// Validate checks names are present and neither names nor keys collide.
func Validate(agents []models.AgentDescriptor) error {
	names := make(map[string]bool, len(agents))
	keys := make(map[string]bool, len(agents))
	for _, a := range agents {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("agent must have a name")
		}
		lower := strings.ToLower(a.Name)
		if names[lower] {
			return fmt.Errorf("duplicate agent name %q", a.Name)
		}
		names[lower] = true

		if a.Key == "" {
			continue
		}
		if keys[a.Key] {
			return fmt.Errorf("duplicate agent key %q", a.Key)
		}
		keys[a.Key] = true
	}
	return nil
}
