package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mpataki/crew/internal/models"
)

// Memory is an in-process ConversationStore and LessonBook.
type Memory struct {
	mu       sync.RWMutex
	views    map[models.Ref]*memoryView
	messages map[string][]*models.Message
	lessons  map[string][]models.Lesson
	now      func() time.Time
}

type memoryView struct {
	createdAt time.Time
	updatedAt time.Time
	metadata  models.Metadata
}

func NewMemory() *Memory {
	return &Memory{
		views:    make(map[models.Ref]*memoryView),
		messages: make(map[string][]*models.Message),
		lessons:  make(map[string][]models.Lesson),
		now:      time.Now,
	}
}

func (m *Memory) Get(_ context.Context, ref models.Ref) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.views[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.ID)
	}
	conv := m.conversation(ref, v)
	for _, msg := range m.messages[ref.ID] {
		cp := *msg
		conv.Messages = append(conv.Messages, &cp)
	}
	return conv, nil
}

func (m *Memory) AppendMessage(_ context.Context, id string, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.messages[id] {
		if existing.ID == msg.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
		}
	}

	v := m.ensure(models.SharedRef(id))
	cp := *msg
	cp.Mentions = append([]string(nil), msg.Mentions...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.messages[id] = append(m.messages[id], &cp)
	v.updatedAt = m.now()
	return nil
}

func (m *Memory) UpdateMetadata(_ context.Context, ref models.Ref, fn MetadataFunc) (models.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, existed := m.views[ref]
	v := m.ensure(ref)
	md := v.metadata.Clone()
	if err := fn(&md); err != nil {
		if !existed {
			delete(m.views, ref)
		}
		return models.Metadata{}, err
	}
	v.metadata = md
	v.updatedAt = m.now()
	return md.Clone(), nil
}

func (m *Memory) List(_ context.Context, limit int) ([]*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var convs []*models.Conversation
	for ref, v := range m.views {
		if ref.Agent != "" {
			continue
		}
		convs = append(convs, m.conversation(ref, v))
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for ref := range m.views {
		if ref.ID == id {
			delete(m.views, ref)
		}
	}
	delete(m.messages, id)
	return nil
}

func (m *Memory) Lessons(_ context.Context, agent string) ([]models.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Lesson(nil), m.lessons[agent]...), nil
}

func (m *Memory) Publish(_ context.Context, lesson models.Lesson) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lessons[lesson.AgentName] = append(m.lessons[lesson.AgentName], lesson)
	return nil
}

func (m *Memory) ensure(ref models.Ref) *memoryView {
	v, ok := m.views[ref]
	if !ok {
		now := m.now()
		v = &memoryView{
			createdAt: now,
			updatedAt: now,
			metadata:  models.Metadata{Phase: models.PhaseChat},
		}
		m.views[ref] = v
	}
	return v
}

func (m *Memory) conversation(ref models.Ref, v *memoryView) *models.Conversation {
	return &models.Conversation{
		ID:        ref.ID,
		Agent:     ref.Agent,
		CreatedAt: v.createdAt,
		UpdatedAt: v.updatedAt,
		Metadata:  v.metadata.Clone(),
	}
}
