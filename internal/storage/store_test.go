package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/crew/internal/models"
)

type backend interface {
	ConversationStore
	LessonBook
}

func backends(t *testing.T) map[string]backend {
	t.Helper()
	sqlite, err := New(filepath.Join(t.TempDir(), "crew.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]backend{
		"sqlite": sqlite,
		"memory": NewMemory(),
	}
}

func TestGetMissingConversation(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), models.SharedRef("nope"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAppendMessageCreatesConversation(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			msg := &models.Message{
				ID:         "m1",
				Author:     "alice",
				Content:    "Fix the login bug",
				CreatedAt:  at,
				Mentions:   []string{"npub-frontend"},
				ThreadRoot: "root",
				Kind:       models.MessageKindTask,
			}
			require.NoError(t, s.AppendMessage(ctx, "c1", msg))
			require.NoError(t, s.AppendMessage(ctx, "c1", &models.Message{ID: "m2", Author: "backend", Content: "on it"}))

			conv, err := s.Get(ctx, models.SharedRef("c1"))
			require.NoError(t, err)
			assert.Equal(t, models.PhaseChat, conv.Metadata.Phase)
			require.Len(t, conv.Messages, 2)
			got := conv.Messages[0]
			assert.Equal(t, "m1", got.ID)
			assert.Equal(t, []string{"npub-frontend"}, got.Mentions)
			assert.Equal(t, "root", got.ThreadRoot)
			assert.True(t, got.IsTask())
			assert.True(t, got.CreatedAt.Equal(at))
			assert.Equal(t, "m2", conv.Messages[1].ID)
		})
	}
}

func TestAppendDuplicateMessage(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			msg := &models.Message{ID: "m1", Author: "alice", Content: "hi"}
			require.NoError(t, s.AppendMessage(ctx, "c1", msg))
			err := s.AppendMessage(ctx, "c1", msg)
			assert.ErrorIs(t, err, ErrDuplicateMessage)

			// Same id in another conversation is fine.
			assert.NoError(t, s.AppendMessage(ctx, "c2", msg))
		})
	}
}

func TestUniqueViolationUsesDriverCode(t *testing.T) {
	ctx := context.Background()
	s, err := New(filepath.Join(t.TempDir(), "crew.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	insert := `INSERT INTO messages (conversation_id, id, author, content, created_at, refs) VALUES ('c1', 'm1', 'alice', 'hi', ?, '[]')`
	_, err = s.db.ExecContext(ctx, insert, time.Now())
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, insert, time.Now())
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))

	_, err = s.db.ExecContext(ctx, `INSERT INTO lessons (id) VALUES (NULL)`)
	require.Error(t, err)
	assert.False(t, isUniqueViolation(err), "a NOT NULL failure is not a duplicate")

	assert.False(t, isUniqueViolation(errors.New("UNIQUE constraint failed: messages.id")))
	assert.False(t, isUniqueViolation(fmt.Errorf("wrapped: %w", errors.New("UNIQUE constraint failed"))))
}

func TestUpdateMetadataPerView(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			team := &models.Team{Lead: "backend", Members: []string{"backend", "dba"}, Strategy: models.StrategyHierarchical}
			for _, ref := range []models.Ref{models.SharedRef("c1"), {ID: "c1", Agent: "backend"}} {
				_, err := s.UpdateMetadata(ctx, ref, func(md *models.Metadata) error {
					md.Team = team
					return nil
				})
				require.NoError(t, err)
			}

			view, err := s.Get(ctx, models.Ref{ID: "c1", Agent: "backend"})
			require.NoError(t, err)
			require.NotNil(t, view.Metadata.Team)
			assert.Equal(t, []string{"backend", "dba"}, view.Metadata.Team.Members)

			_, err = s.Get(ctx, models.Ref{ID: "c1", Agent: "dba"})
			assert.ErrorIs(t, err, ErrNotFound)

			list, err := s.List(ctx, 10)
			require.NoError(t, err)
			require.Len(t, list, 1, "agent views are not listed")
			assert.Equal(t, "c1", list[0].ID)
		})
	}
}

func TestUpdateMetadataErrorLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.UpdateMetadata(ctx, models.SharedRef("c1"), func(md *models.Metadata) error {
				md.Phase = models.PhasePlan
				return nil
			})
			require.NoError(t, err)

			_, err = s.UpdateMetadata(ctx, models.SharedRef("c1"), func(md *models.Metadata) error {
				md.Phase = models.PhaseExecute
				return boom
			})
			assert.ErrorIs(t, err, boom)

			conv, err := s.Get(ctx, models.SharedRef("c1"))
			require.NoError(t, err)
			assert.Equal(t, models.PhasePlan, conv.Metadata.Phase)

			_, err = s.UpdateMetadata(ctx, models.SharedRef("c2"), func(md *models.Metadata) error {
				return boom
			})
			assert.ErrorIs(t, err, boom)
			_, err = s.Get(ctx, models.SharedRef("c2"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestConcurrentMetadataUpdatesAreSerialized(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := s.UpdateMetadata(ctx, models.SharedRef("c1"), func(md *models.Metadata) error {
						md.AddParticipant(fmt.Sprintf("p%d", i))
						return nil
					})
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			conv, err := s.Get(ctx, models.SharedRef("c1"))
			require.NoError(t, err)
			assert.Len(t, conv.Metadata.Participants, 20)
		})
	}
}

func TestDeleteRemovesAllViews(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.AppendMessage(ctx, "c1", &models.Message{ID: "m1", Author: "alice"}))
			_, err := s.UpdateMetadata(ctx, models.Ref{ID: "c1", Agent: "dba"}, func(*models.Metadata) error { return nil })
			require.NoError(t, err)

			require.NoError(t, s.Delete(ctx, "c1"))
			_, err = s.Get(ctx, models.SharedRef("c1"))
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Get(ctx, models.Ref{ID: "c1", Agent: "dba"})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLessonBook(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			require.NoError(t, s.Publish(ctx, models.Lesson{ID: "l1", AgentName: "dba", Text: "Check indexes first", SourceCorrectionID: "t1", CreatedAt: at}))
			require.NoError(t, s.Publish(ctx, models.Lesson{ID: "l2", AgentName: "dba", Text: "Use migrations", SourceCorrectionID: "t1", CreatedAt: at.Add(time.Minute)}))
			require.NoError(t, s.Publish(ctx, models.Lesson{ID: "l3", AgentName: "backend", Text: "Write tests", SourceCorrectionID: "t1", CreatedAt: at}))

			lessons, err := s.Lessons(ctx, "dba")
			require.NoError(t, err)
			require.Len(t, lessons, 2)
			assert.Equal(t, "Check indexes first", lessons[0].Text)
			assert.Equal(t, "t1", lessons[1].SourceCorrectionID)

			none, err := s.Lessons(ctx, "frontend")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestFormatTimeAgo(t *testing.T) {
	assert.Equal(t, "just now", FormatTimeAgo(time.Now()))
	assert.Equal(t, "5m ago", FormatTimeAgo(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h ago", FormatTimeAgo(time.Now().Add(-3*time.Hour-time.Minute)))
}
