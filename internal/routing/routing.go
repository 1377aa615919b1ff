// Package routing decides which agents receive an inbound message.
package routing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/crew/internal/analysis"
	"github.com/mpataki/crew/internal/catalogue"
	"github.com/mpataki/crew/internal/inflight"
	"github.com/mpataki/crew/internal/logging"
	"github.com/mpataki/crew/internal/metrics"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/oracle"
	"github.com/mpataki/crew/internal/storage"
)

type Decision string

const (
	DecisionAntiChatter Decision = "anti_chatter"
	DecisionMention     Decision = "mention"
	DecisionTeam        Decision = "team"
	DecisionFormed      Decision = "formed"
	DecisionNone        Decision = "none"
)

// DefaultMaxTeamSize is the advisory size handed to formation.
const DefaultMaxTeamSize = 3

// TeamFormer is satisfied by *analysis.Former.
type TeamFormer interface {
	FormTeam(ctx context.Context, msg *models.Message, project models.ProjectContext, agents []models.AgentDescriptor, maxTeamSize int) (*analysis.Formation, error)
}

type Request struct {
	Message        *models.Message
	ConversationID string
	// MentionedAgentKeys defaults to Message.Mentions when nil.
	MentionedAgentKeys []string
	IsTaskMessage      bool
	Project            models.ProjectContext
	Guard              inflight.Guard
}

type Result struct {
	Agents   []models.AgentDescriptor
	Team     *models.Team
	Analysis *models.RequestAnalysis
	Decision Decision
}

// Names returns the routed agent names in order.
func (r *Result) Names() []string {
	names := make([]string, 0, len(r.Agents))
	for _, a := range r.Agents {
		names = append(names, a.Name)
	}
	return names
}

type Options struct {
	MaxTeamSize int
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

type Service struct {
	registry    catalogue.Registry
	store       storage.ConversationStore
	former      TeamFormer
	maxTeamSize int
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

func New(registry catalogue.Registry, store storage.ConversationStore, former TeamFormer, opts Options) *Service {
	if opts.MaxTeamSize <= 0 {
		opts.MaxTeamSize = DefaultMaxTeamSize
	}
	return &Service{
		registry:    registry,
		store:       store,
		former:      former,
		maxTeamSize: opts.MaxTeamSize,
		metrics:     opts.Metrics,
		logger:      logging.OrNop(opts.Logger).Named("routing"),
	}
}

// Route applies, in order: anti-chatter, explicit mentions, the stored team,
// then formation of a new team. The first step that yields agents wins.
// Formation failures are logged and produce DecisionNone with a nil error.
// A formed team whose guard has gone stale is discarded with
// inflight.ErrStale.
func (s *Service) Route(ctx context.Context, req Request) (*Result, error) {
	msg := req.Message
	if msg == nil {
		return nil, errors.New("route: nil message")
	}
	logger := s.logger.With(
		zap.String("conversation_id", req.ConversationID),
		zap.String("message_id", msg.ID),
		zap.String("author", msg.Author),
	)

	res, err := s.route(ctx, req, logger)
	if err != nil {
		return nil, err
	}
	s.metrics.Route(string(res.Decision))
	logger.Debug("routed",
		zap.String("decision", string(res.Decision)),
		zap.Strings("agents", res.Names()),
	)
	return res, nil
}

func (s *Service) route(ctx context.Context, req Request, logger *zap.Logger) (*Result, error) {
	msg := req.Message
	author, authorIsAgent := s.registry.Resolve(msg.Author)

	keys := req.MentionedAgentKeys
	if keys == nil {
		keys = msg.Mentions
	}
	mentioned := s.resolveMentions(keys, author.Name, authorIsAgent)

	if authorIsAgent && len(mentioned) == 0 {
		return &Result{Decision: DecisionAntiChatter}, nil
	}
	if len(mentioned) > 0 {
		return &Result{Agents: mentioned, Decision: DecisionMention}, nil
	}

	conv, err := s.store.Get(ctx, models.SharedRef(req.ConversationID))
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	case conv.Metadata.Team != nil:
		team := conv.Metadata.Team
		if agents := s.resolveMembers(team.MembersExcept(msg.Author), logger); len(agents) > 0 {
			return &Result{Agents: agents, Team: team, Decision: DecisionTeam}, nil
		}
		logger.Info("stored team has no routable members, forming a new one",
			zap.String("lead", team.Lead),
			zap.Strings("members", team.Members),
		)
	}

	return s.form(ctx, req, logger)
}

func (s *Service) form(ctx context.Context, req Request, logger *zap.Logger) (*Result, error) {
	msg := req.Message
	if req.IsTaskMessage && !msg.IsTask() {
		cp := *msg
		cp.Kind = models.MessageKindTask
		msg = &cp
	}

	formation, err := s.former.FormTeam(ctx, msg, req.Project, s.registry.List(), s.maxTeamSize)
	if err != nil {
		s.metrics.FormationFailed(failureReason(err))
		logger.Warn("team formation failed", zap.Error(err))
		return &Result{Decision: DecisionNone}, nil
	}

	if err := inflight.Check(req.Guard); err != nil {
		logger.Info("discarding stale team",
			zap.String("lead", formation.Team.Lead),
			zap.Strings("members", formation.Team.Members),
		)
		return nil, err
	}

	if err := s.persistTeam(ctx, req.ConversationID, formation.Team); err != nil {
		return nil, err
	}

	return &Result{
		Agents:   s.resolveMembers(formation.Team.MembersExcept(msg.Author), logger),
		Team:     formation.Team,
		Analysis: formation.Analysis,
		Decision: DecisionFormed,
	}, nil
}

// persistTeam writes team to the shared view and every member's view.
func (s *Service) persistTeam(ctx context.Context, conversationID string, team *models.Team) error {
	refs := []models.Ref{models.SharedRef(conversationID)}
	for _, m := range team.Members {
		refs = append(refs, models.Ref{ID: conversationID, Agent: m})
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, ref := range refs {
		g.Go(func() error {
			_, err := s.store.UpdateMetadata(ctx, ref, func(md *models.Metadata) error {
				cp := *team
				cp.Members = append([]string(nil), team.Members...)
				md.Team = &cp
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to store team on %s/%s: %w", ref.ID, ref.Agent, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) resolveMentions(keys []string, self string, authorIsAgent bool) []models.AgentDescriptor {
	var out []models.AgentDescriptor
	seen := make(map[string]bool)
	for _, k := range keys {
		a, ok := s.registry.Resolve(k)
		if !ok || seen[a.Name] {
			continue
		}
		if authorIsAgent && a.Name == self {
			continue
		}
		seen[a.Name] = true
		out = append(out, a)
	}
	return out
}

func (s *Service) resolveMembers(names []string, logger *zap.Logger) []models.AgentDescriptor {
	out := make([]models.AgentDescriptor, 0, len(names))
	for _, n := range names {
		a, ok := s.registry.Resolve(n)
		if !ok {
			logger.Warn("team member left the catalogue", zap.String("member", n))
			continue
		}
		out = append(out, a)
	}
	return out
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, analysis.ErrNoSuitableAgents):
		return "no_suitable_agents"
	case errors.Is(err, analysis.ErrMalformedAnalysis):
		return "malformed"
	case errors.Is(err, oracle.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
