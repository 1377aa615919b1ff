// Package orchestrator is the entry point the message network drives: it
// records messages, routes them, runs reflection and applies phase changes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mpataki/crew/internal/catalogue"
	"github.com/mpataki/crew/internal/inflight"
	"github.com/mpataki/crew/internal/logging"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/phase"
	"github.com/mpataki/crew/internal/reflection"
	"github.com/mpataki/crew/internal/routing"
	"github.com/mpataki/crew/internal/storage"
)

// ErrStale is returned when a newer message or an end signal overtook the
// message being handled. Nothing from the stale work was committed.
var ErrStale = inflight.ErrStale

// MessageContext carries what the network knows about a message beyond its
// own fields.
type MessageContext struct {
	// ConversationID defaults to the message's thread root, then its own id.
	ConversationID     string
	MentionedAgentKeys []string
	IsTask             bool
	Project            models.ProjectContext
}

type Outcome struct {
	ConversationID string
	RoutedAgents   []models.AgentDescriptor
	Team           *models.Team
	Decision       routing.Decision
	Trigger        *reflection.Trigger
	Reflection     *reflection.Outcome
	// Duplicate is set when the message had already been handled.
	Duplicate bool
	// Ended is set when the conversation had ended; the message is recorded
	// but neither routed nor reflected on.
	Ended bool
}

type Deps struct {
	Store      storage.ConversationStore
	Registry   catalogue.Registry
	Router     *routing.Service
	Phases     *phase.Machine
	Reflection *reflection.System
	Logger     *zap.Logger
}

type Coordinator struct {
	store      storage.ConversationStore
	registry   catalogue.Registry
	router     *routing.Service
	phases     *phase.Machine
	reflection *reflection.System
	inflight   *inflight.Registry
	locks      *ConversationLocks
	logger     *zap.Logger
}

func New(deps Deps) *Coordinator {
	return &Coordinator{
		store:      deps.Store,
		registry:   deps.Registry,
		router:     deps.Router,
		phases:     deps.Phases,
		reflection: deps.Reflection,
		inflight:   inflight.NewRegistry(),
		locks:      NewConversationLocks(),
		logger:     logging.OrNop(deps.Logger).Named("coordinator"),
	}
}

// HandleMessage records msg, routes it and, when it corrects earlier agent
// work, runs reflection. A message already recorded is a no-op, and a
// message on an ended conversation is recorded without being routed.
func (c *Coordinator) HandleMessage(ctx context.Context, msg *models.Message, mc MessageContext) (*Outcome, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	if msg.ID == "" {
		cp := *msg
		cp.ID = uuid.NewString()
		msg = &cp
	}
	convID := conversationID(msg, mc)
	logger := c.logger.With(
		zap.String("conversation_id", convID),
		zap.String("message_id", msg.ID),
	)

	// A redelivered message is not newer work, so it is rejected before it
	// can supersede the delivery still in flight.
	if err := c.store.AppendMessage(ctx, convID, msg); err != nil {
		if errors.Is(err, storage.ErrDuplicateMessage) {
			logger.Debug("duplicate message ignored")
			return &Outcome{ConversationID: convID, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("failed to record message: %w", err)
	}

	token := c.inflight.Begin(convID, msg.ID)
	defer token.Done()

	md, err := c.store.UpdateMetadata(ctx, models.SharedRef(convID), func(md *models.Metadata) error {
		md.AddParticipant(msg.Author)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record participant: %w", err)
	}
	if md.Ended {
		logger.Debug("conversation ended, message recorded only")
		return &Outcome{ConversationID: convID, Decision: routing.DecisionNone, Ended: true}, nil
	}

	route, err := c.router.Route(ctx, routing.Request{
		Message:            msg,
		ConversationID:     convID,
		MentionedAgentKeys: mc.MentionedAgentKeys,
		IsTaskMessage:      mc.IsTask || msg.IsTask(),
		Project:            mc.Project,
		Guard:              token,
	})
	if err != nil {
		return nil, fmt.Errorf("route message: %w", err)
	}

	out := &Outcome{
		ConversationID: convID,
		RoutedAgents:   route.Agents,
		Team:           route.Team,
		Decision:       route.Decision,
	}

	if c.reflection == nil {
		return out, nil
	}

	conv, err := c.store.Get(ctx, models.SharedRef(convID))
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	trigger := c.reflection.CheckForReflection(ctx, msg, conv)
	if trigger == nil {
		return out, nil
	}
	trigger.Guard = token
	out.Trigger = trigger

	res, err := c.reflection.OrchestrateReflection(ctx, trigger)
	switch {
	case errors.Is(err, ErrStale):
		return nil, fmt.Errorf("reflect: %w", err)
	case err != nil:
		// Routing already happened; a failed reflection only loses lessons.
		logger.Warn("reflection failed", zap.String("trigger_id", trigger.ID), zap.Error(err))
	default:
		out.Reflection = res
	}
	return out, nil
}

// GetTeamForConversation returns the stored team, or nil when the
// conversation is unknown or has none.
func (c *Coordinator) GetTeamForConversation(ctx context.Context, conversationID string) (*models.Team, error) {
	conv, err := c.store.Get(ctx, models.SharedRef(conversationID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return conv.Metadata.Team, nil
}

// RequestTransition applies an agent's phase change. Reaching end closes any
// in-flight work on the conversation.
func (c *Coordinator) RequestTransition(ctx context.Context, conversationID, agentKey string, target models.Phase, reason string) (models.Metadata, error) {
	md, err := c.phases.Transition(ctx, conversationID, agentKey, target, reason)
	if err != nil {
		return models.Metadata{}, err
	}
	if md.Ended {
		c.inflight.Close(conversationID)
	}
	return md, nil
}

func (c *Coordinator) EndConversation(ctx context.Context, conversationID string) (models.Metadata, error) {
	c.inflight.Close(conversationID)
	return c.phases.End(ctx, conversationID)
}

func (c *Coordinator) DeleteConversation(ctx context.Context, conversationID string) error {
	c.inflight.Close(conversationID)
	if err := c.store.Delete(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// Locks returns the keyed mutex callers use to serialize work per
// conversation.
func (c *Coordinator) Locks() *ConversationLocks {
	return c.locks
}

// Read methods for TUI

func (c *Coordinator) Conversation(ctx context.Context, id string) (*models.Conversation, error) {
	return c.store.Get(ctx, models.SharedRef(id))
}

func (c *Coordinator) AgentView(ctx context.Context, id, agent string) (*models.Conversation, error) {
	return c.store.Get(ctx, models.Ref{ID: id, Agent: agent})
}

func (c *Coordinator) ListConversations(ctx context.Context, limit int) ([]*models.Conversation, error) {
	return c.store.List(ctx, limit)
}

func (c *Coordinator) Agents() []models.AgentDescriptor {
	return c.registry.List()
}

func conversationID(msg *models.Message, mc MessageContext) string {
	switch {
	case mc.ConversationID != "":
		return mc.ConversationID
	case msg.ThreadRoot != "":
		return msg.ThreadRoot
	default:
		return msg.ID
	}
}
