package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/crew/internal/logging"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/oracle"
)

type selection struct {
	Lead      string   `json:"lead"`
	Members   []string `json:"members"`
	Rationale string   `json:"rationale"`
}

type Formation struct {
	Analysis *models.RequestAnalysis
	Team     *models.Team
}

// Former runs analysis and agent selection back to back.
type Former struct {
	analyzer *Analyzer
	oracle   oracle.Oracle
	logger   *zap.Logger
	hardCap  int
	now      func() time.Time
}

type FormerOption func(*Former)

// WithHardCap truncates teams larger than n to the lead plus the first n-1
// other members. Zero disables the cap.
func WithHardCap(n int) FormerOption {
	return func(f *Former) { f.hardCap = n }
}

func WithClock(now func() time.Time) FormerOption {
	return func(f *Former) { f.now = now }
}

func NewFormer(o oracle.Oracle, logger *zap.Logger, opts ...FormerOption) *Former {
	logger = logging.OrNop(logger)
	f := &Former{
		analyzer: NewAnalyzer(o, logger),
		oracle:   o,
		logger:   logger.Named("formation"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FormTeam analyzes msg and then asks the oracle to pick a team from agents.
// maxTeamSize is passed to the oracle as guidance only.
func (f *Former) FormTeam(ctx context.Context, msg *models.Message, project models.ProjectContext, agents []models.AgentDescriptor, maxTeamSize int) (*Formation, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("%w: catalogue is empty", ErrNoSuitableAgents)
	}

	analysis, err := f.analyzer.Analyze(ctx, msg, project)
	if err != nil {
		return nil, err
	}

	prompt := selectionUserPrompt(msg, project, analysis, agents, maxTeamSize)
	out, err := oracle.Call(ctx, f.oracle, oracle.Prompt(selectionSystemPrompt, prompt))
	if err != nil {
		return nil, fmt.Errorf("select team: %w", err)
	}

	var sel selection
	if err := oracle.DecodeJSON(out, &sel); err != nil {
		return nil, fmt.Errorf("%w: team selection: %w", ErrMalformedAnalysis, err)
	}

	team, err := f.buildTeam(sel, agents)
	if err != nil {
		f.logger.Warn("no team formed",
			zap.String("message_id", msg.ID),
			zap.String("lead", sel.Lead),
			zap.Strings("members", sel.Members),
			zap.Error(err),
		)
		return nil, err
	}
	team.Strategy = analysis.Strategy
	team.FormedAt = f.now()

	f.logger.Info("team formed",
		zap.String("message_id", msg.ID),
		zap.String("lead", team.Lead),
		zap.Strings("members", team.Members),
		zap.String("strategy", string(team.Strategy)),
	)
	return &Formation{Analysis: analysis, Team: team}, nil
}

// buildTeam resolves the selection against the catalogue. Unknown members
// are dropped and a lead missing from members is put first.
func (f *Former) buildTeam(sel selection, agents []models.AgentDescriptor) (*models.Team, error) {
	resolve := resolver(agents)

	var members []string
	seen := make(map[string]bool)
	for _, raw := range sel.Members {
		name, ok := resolve(raw)
		if !ok {
			f.logger.Debug("dropping unknown member", zap.String("member", raw))
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		members = append(members, name)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: selection named no known members", ErrNoSuitableAgents)
	}

	lead, ok := resolve(sel.Lead)
	if !ok {
		return nil, fmt.Errorf("%w: lead %q is not in the catalogue", ErrNoSuitableAgents, sel.Lead)
	}
	if !seen[lead] {
		members = append([]string{lead}, members...)
	}

	if f.hardCap > 0 && len(members) > f.hardCap {
		members = truncate(members, lead, f.hardCap)
	}

	return &models.Team{
		Lead:      lead,
		Members:   members,
		Rationale: strings.TrimSpace(sel.Rationale),
	}, nil
}

// truncate keeps the lead and the first n-1 other members, in order.
func truncate(members []string, lead string, n int) []string {
	out := make([]string, 0, n)
	others := 0
	for _, m := range members {
		if m == lead {
			out = append(out, m)
			continue
		}
		if others < n-1 {
			out = append(out, m)
			others++
		}
	}
	return out
}

// resolver matches names case-insensitively, then identity keys, returning
// the canonical agent name.
func resolver(agents []models.AgentDescriptor) func(string) (string, bool) {
	byName := make(map[string]string, len(agents))
	byKey := make(map[string]string, len(agents))
	for _, a := range agents {
		byName[strings.ToLower(a.Name)] = a.Name
		if a.Key != "" {
			byKey[a.Key] = a.Name
		}
	}
	return func(raw string) (string, bool) {
		s := strings.TrimSpace(raw)
		if s == "" {
			return "", false
		}
		if name, ok := byName[strings.ToLower(s)]; ok {
			return name, true
		}
		name, ok := byKey[s]
		return name, ok
	}
}
