// Package storage persists conversations, their typed metadata and the
// per-agent lesson book.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/crew/internal/models"
)

var (
	ErrNotFound         = errors.New("conversation not found")
	ErrDuplicateMessage = errors.New("message already recorded")
)

// MetadataFunc mutates metadata inside the store's critical section. It must
// not block on I/O.
type MetadataFunc func(md *models.Metadata) error

// ConversationStore is durable and consistent per conversation id. Views
// share the message log of their conversation; metadata is kept per view.
type ConversationStore interface {
	Get(ctx context.Context, ref models.Ref) (*models.Conversation, error)
	AppendMessage(ctx context.Context, id string, msg *models.Message) error
	UpdateMetadata(ctx context.Context, ref models.Ref, fn MetadataFunc) (models.Metadata, error)
	List(ctx context.Context, limit int) ([]*models.Conversation, error)
	Delete(ctx context.Context, id string) error
}

// LessonBook holds each agent's known lessons and accepts new ones.
type LessonBook interface {
	Lessons(ctx context.Context, agent string) ([]models.Lesson, error)
	Publish(ctx context.Context, lesson models.Lesson) error
}

// FormatTimeAgo renders t relative to now for listings.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
