// Package phase moves conversations through
// chat → plan → execute → review → reflection → chores.
package phase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mpataki/crew/internal/catalogue"
	"github.com/mpataki/crew/internal/logging"
	"github.com/mpataki/crew/internal/metrics"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/storage"
)

var (
	ErrUnauthorized      = errors.New("agent may not transition phases")
	ErrIllegalTransition = errors.New("illegal phase transition")
	ErrEnded             = errors.New("conversation has ended")
)

var edges = map[models.Phase][]models.Phase{
	models.PhaseChat:       {models.PhasePlan, models.PhaseExecute},
	models.PhasePlan:       {models.PhaseExecute},
	models.PhaseExecute:    {models.PhaseReview},
	models.PhaseReview:     {models.PhaseReflection},
	models.PhaseReflection: {models.PhaseChores},
	models.PhaseChores:     {models.PhaseEnd},
}

// Next lists the legal targets from p.
func Next(p models.Phase) []models.Phase {
	return append([]models.Phase(nil), edges[p]...)
}

func CanTransition(from, to models.Phase) bool {
	for _, t := range edges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// SuggestNext is the conventional successor of p: planning work goes to
// execute, and execute is followed by review, reflection and chores before
// the conversation ends. It returns "" when there is nothing to suggest.
func SuggestNext(p models.Phase) models.Phase {
	switch p {
	case models.PhaseChat, models.PhasePlan:
		return models.PhaseExecute
	case models.PhaseExecute:
		return models.PhaseReview
	case models.PhaseReview:
		return models.PhaseReflection
	case models.PhaseReflection:
		return models.PhaseChores
	case models.PhaseChores:
		return models.PhaseEnd
	}
	return ""
}

// ParsePhase accepts any phase name, including end.
func ParsePhase(s string) (models.Phase, error) {
	p := models.Phase(strings.ToLower(strings.TrimSpace(s)))
	if p.Valid() || p == models.PhaseEnd {
		return p, nil
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

type Options struct {
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Machine applies transitions to the shared conversation view.
type Machine struct {
	store    storage.ConversationStore
	registry catalogue.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func New(store storage.ConversationStore, registry catalogue.Registry, opts Options) *Machine {
	return &Machine{
		store:    store,
		registry: registry,
		metrics:  opts.Metrics,
		logger:   logging.OrNop(opts.Logger).Named("phase"),
	}
}

// Transition moves conversationID to target on behalf of agentKey, which
// must resolve to an agent holding the transition privilege. Targeting end
// from chores ends the conversation.
func (m *Machine) Transition(ctx context.Context, conversationID, agentKey string, target models.Phase, reason string) (models.Metadata, error) {
	md, from, err := m.transition(ctx, conversationID, agentKey, target)
	result := "ok"
	if err != nil {
		result = resultLabel(err)
	}
	m.metrics.Transition(string(target), result)

	logger := m.logger.With(
		zap.String("conversation_id", conversationID),
		zap.String("agent", agentKey),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("reason", reason),
	)
	if err != nil {
		logger.Info("transition rejected", zap.Error(err))
		return models.Metadata{}, err
	}
	logger.Info("phase changed")
	return md, nil
}

func (m *Machine) transition(ctx context.Context, conversationID, agentKey string, target models.Phase) (models.Metadata, models.Phase, error) {
	if target == "" {
		return models.Metadata{}, "", fmt.Errorf("%w: target phase required", ErrIllegalTransition)
	}
	agent, ok := m.registry.Resolve(agentKey)
	if !ok || !agent.CanTransition {
		return models.Metadata{}, "", fmt.Errorf("%w: %q", ErrUnauthorized, agentKey)
	}
	if err := m.exists(ctx, conversationID); err != nil {
		return models.Metadata{}, "", err
	}

	var from models.Phase
	md, err := m.store.UpdateMetadata(ctx, models.SharedRef(conversationID), func(md *models.Metadata) error {
		from = md.CurrentPhase()
		if md.Ended {
			return ErrEnded
		}
		if !CanTransition(from, target) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, target)
		}
		if target == models.PhaseEnd {
			md.Ended = true
			return nil
		}
		md.Phase = target
		return nil
	})
	return md, from, err
}

// End marks the conversation ended from any phase. The phase itself is left
// as it was. Ending twice is not an error.
func (m *Machine) End(ctx context.Context, conversationID string) (models.Metadata, error) {
	if err := m.exists(ctx, conversationID); err != nil {
		return models.Metadata{}, fmt.Errorf("failed to end conversation: %w", err)
	}
	md, err := m.store.UpdateMetadata(ctx, models.SharedRef(conversationID), func(md *models.Metadata) error {
		md.Ended = true
		return nil
	})
	if err != nil {
		return models.Metadata{}, fmt.Errorf("failed to end conversation: %w", err)
	}
	m.metrics.Transition(string(models.PhaseEnd), "ok")
	m.logger.Info("conversation ended",
		zap.String("conversation_id", conversationID),
		zap.String("phase", string(md.CurrentPhase())),
	)
	return md, nil
}

// exists keeps transitions from creating conversations; only a first
// message does that.
func (m *Machine) exists(ctx context.Context, conversationID string) error {
	_, err := m.store.Get(ctx, models.SharedRef(conversationID))
	return err
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal"
	case errors.Is(err, ErrEnded):
		return "ended"
	default:
		return "error"
	}
}
