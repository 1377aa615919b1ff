// Package reflection detects corrections and turns them into deduplicated,
// agent-scoped lessons.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/crew/internal/catalogue"
	"github.com/mpataki/crew/internal/inflight"
	"github.com/mpataki/crew/internal/logging"
	"github.com/mpataki/crew/internal/metrics"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/oracle"
	"github.com/mpataki/crew/internal/storage"
)

const (
	DefaultThreshold   = 0.6
	DefaultConcurrency = 4
)

// Trigger is a detected correction awaiting reflection.
type Trigger struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Message        *models.Message `json:"message"`
	Summary        string          `json:"summary"`
	Confidence     float64         `json:"confidence"`
	Phase          models.Phase    `json:"phase"`
	CreatedAt      time.Time       `json:"created_at"`

	// Guard, when set, is checked before lessons are published.
	Guard inflight.Guard `json:"-"`
}

type Outcome struct {
	LessonsGenerated int
	LessonsPublished int
	Published        []models.Lesson
}

type classification struct {
	IsCorrection bool    `json:"is_correction"`
	Confidence   float64 `json:"confidence"`
	Summary      string  `json:"summary"`
}

type candidate struct {
	Lesson string `json:"lesson"`
}

type Options struct {
	// Threshold is the minimum classifier confidence for a trigger.
	Threshold float64
	// Similarity is the token Jaccard score treated as a duplicate.
	Similarity float64
	// Concurrency bounds simultaneous lesson generation calls.
	Concurrency int
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

type System struct {
	oracle   oracle.Oracle
	registry catalogue.Registry
	store    storage.ConversationStore
	book     storage.LessonBook
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

func New(o oracle.Oracle, registry catalogue.Registry, store storage.ConversationStore, book storage.LessonBook, opts Options) *System {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Similarity <= 0 {
		opts.Similarity = DefaultSimilarity
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &System{
		oracle:   o,
		registry: registry,
		store:    store,
		book:     book,
		opts:     opts,
		logger:   logging.OrNop(opts.Logger).Named("reflection"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// CheckForReflection returns a trigger when msg corrects earlier agent work
// in conv. Empty and agent-authored messages, and conversations no agent has
// spoken in, return nil without consulting the oracle. Oracle failures also
// return nil.
func (s *System) CheckForReflection(ctx context.Context, msg *models.Message, conv *models.Conversation) *Trigger {
	if msg == nil || conv == nil || strings.TrimSpace(msg.Content) == "" {
		return nil
	}
	if s.isAgent(msg.Author) {
		return nil
	}
	if !conv.HasAgentActivity(s.isAgent) {
		return nil
	}

	logger := s.logger.With(
		zap.String("conversation_id", conv.ID),
		zap.String("message_id", msg.ID),
	)

	out, err := oracle.Call(ctx, s.oracle, oracle.Prompt(classifierSystemPrompt, classifierUserPrompt(msg, conv)))
	if err != nil {
		logger.Warn("correction check failed", zap.Error(err))
		return nil
	}
	var c classification
	if err := oracle.DecodeJSON(out, &c); err != nil {
		logger.Warn("unreadable correction verdict", zap.Error(err))
		return nil
	}
	if !c.IsCorrection || c.Confidence < s.opts.Threshold {
		logger.Debug("not a correction",
			zap.Bool("is_correction", c.IsCorrection),
			zap.Float64("confidence", c.Confidence),
		)
		return nil
	}

	summary := strings.TrimSpace(c.Summary)
	if summary == "" {
		summary = msg.Content
	}
	t := &Trigger{
		ID:             s.newID(),
		ConversationID: conv.ID,
		Message:        msg,
		Summary:        summary,
		Confidence:     c.Confidence,
		Phase:          conv.Metadata.CurrentPhase(),
		CreatedAt:      s.now(),
	}
	logger.Info("correction detected",
		zap.String("trigger_id", t.ID),
		zap.Float64("confidence", t.Confidence),
	)
	return t
}

// OrchestrateReflection asks every selected agent for one lesson, drops
// lessons the agent already knows, publishes the rest and appends a
// reflection record to the conversation.
func (s *System) OrchestrateReflection(ctx context.Context, trigger *Trigger) (*Outcome, error) {
	if trigger == nil {
		return nil, errors.New("reflection: nil trigger")
	}
	logger := s.logger.With(
		zap.String("conversation_id", trigger.ConversationID),
		zap.String("trigger_id", trigger.ID),
	)

	conv, err := s.store.Get(ctx, models.SharedRef(trigger.ConversationID))
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	agents := s.selectAgents(conv)

	known := make([][]models.Lesson, len(agents))
	for i, a := range agents {
		known[i], err = s.book.Lessons(ctx, a.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to load lessons for %s: %w", a.Name, err)
		}
	}

	candidates := s.generate(ctx, trigger, agents, known, logger)

	outcome := &Outcome{}
	for i, a := range agents {
		if candidates[i] == "" {
			continue
		}
		outcome.LessonsGenerated++

		texts := make([]string, 0, len(known[i]))
		for _, l := range known[i] {
			texts = append(texts, l.Text)
		}
		index := newLessonIndex(s.opts.Similarity, texts)
		for _, p := range outcome.Published {
			if p.AgentName == a.Name {
				index.add(p.Text)
			}
		}
		if index.contains(candidates[i]) {
			logger.Debug("duplicate lesson dropped", zap.String("agent", a.Name))
			continue
		}
		outcome.Published = append(outcome.Published, models.Lesson{
			ID:                 s.newID(),
			AgentName:          a.Name,
			Text:               candidates[i],
			SourceCorrectionID: trigger.ID,
			CreatedAt:          s.now(),
		})
	}
	outcome.LessonsPublished = len(outcome.Published)

	if err := inflight.Check(trigger.Guard); err != nil {
		logger.Info("discarding stale reflection", zap.Int("lessons", outcome.LessonsPublished))
		return nil, err
	}

	for _, l := range outcome.Published {
		if err := s.book.Publish(ctx, l); err != nil {
			return nil, fmt.Errorf("failed to publish lesson for %s: %w", l.AgentName, err)
		}
	}

	record := models.ReflectionRecord{
		TriggerID:        trigger.ID,
		LessonsGenerated: outcome.LessonsGenerated,
		LessonsPublished: outcome.LessonsPublished,
		At:               s.now(),
	}
	if _, err := s.store.UpdateMetadata(ctx, models.SharedRef(trigger.ConversationID), func(md *models.Metadata) error {
		md.AddReflection(record)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to record reflection: %w", err)
	}

	s.opts.Metrics.Lessons(outcome.LessonsGenerated, outcome.LessonsPublished)
	logger.Info("reflection complete",
		zap.Int("agents", len(agents)),
		zap.Int("generated", outcome.LessonsGenerated),
		zap.Int("published", outcome.LessonsPublished),
	)
	return outcome, nil
}

// selectAgents prefers the team (lead first), falling back to recorded
// participants that are agents.
func (s *System) selectAgents(conv *models.Conversation) []models.AgentDescriptor {
	var names []string
	if team := conv.Metadata.Team; team != nil {
		names = append([]string{team.Lead}, team.Members...)
	} else {
		names = conv.Metadata.Participants
	}

	var agents []models.AgentDescriptor
	seen := make(map[string]bool)
	for _, n := range names {
		a, ok := s.registry.Resolve(n)
		if !ok || seen[a.Name] {
			continue
		}
		seen[a.Name] = true
		agents = append(agents, a)
	}
	return agents
}

// generate returns one candidate per agent, "" where the oracle had nothing
// or failed.
func (s *System) generate(ctx context.Context, trigger *Trigger, agents []models.AgentDescriptor, known [][]models.Lesson, logger *zap.Logger) []string {
	out := make([]string, len(agents))

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, a := range agents {
		g.Go(func() error {
			prompt := oracle.Prompt(lessonSystemPrompt, lessonUserPrompt(a, trigger, known[i]))
			res, err := oracle.Call(ctx, s.oracle, prompt)
			if err != nil {
				logger.Warn("lesson generation failed", zap.String("agent", a.Name), zap.Error(err))
				return nil
			}
			var c candidate
			if err := oracle.DecodeJSON(res, &c); err != nil {
				logger.Warn("unreadable lesson", zap.String("agent", a.Name), zap.Error(err))
				return nil
			}
			out[i] = strings.TrimSpace(c.Lesson)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *System) isAgent(key string) bool {
	_, ok := s.registry.Resolve(key)
	return ok
}
