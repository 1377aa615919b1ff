// Package analysis turns an inbound request into a structured analysis and,
// from that, a team drawn from the agent catalogue.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/mpataki/crew/internal/logging"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/oracle"
)

var (
	ErrMalformedAnalysis = errors.New("malformed analysis")
	ErrNoSuitableAgents  = errors.New("no suitable agents")
)

const (
	minComplexity = 1
	maxComplexity = 10
)

// rawAnalysis mirrors the oracle's answer. Pointers distinguish a missing
// field from a zero value.
type rawAnalysis struct {
	RequestType          *string   `json:"request_type"`
	RequiredCapabilities *[]string `json:"required_capabilities"`
	Complexity           *float64  `json:"complexity"`
	Strategy             *string   `json:"strategy"`
	Rationale            *string   `json:"rationale"`
}

type Analyzer struct {
	oracle oracle.Oracle
	logger *zap.Logger
}

func NewAnalyzer(o oracle.Oracle, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		oracle: o,
		logger: logging.OrNop(logger).Named("analyzer"),
	}
}

// Analyze asks the oracle once for a structured view of msg.
func (a *Analyzer) Analyze(ctx context.Context, msg *models.Message, project models.ProjectContext) (*models.RequestAnalysis, error) {
	out, err := oracle.Call(ctx, a.oracle, oracle.Prompt(analysisSystemPrompt, analysisUserPrompt(msg, project)))
	if err != nil {
		return nil, fmt.Errorf("analyze request: %w", err)
	}

	analysis, err := parseAnalysis(out)
	if err != nil {
		a.logger.Warn("discarding analysis",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return nil, err
	}

	a.logger.Debug("request analyzed",
		zap.String("message_id", msg.ID),
		zap.String("request_type", analysis.RequestType),
		zap.Int("complexity", analysis.Complexity),
		zap.String("strategy", string(analysis.Strategy)),
	)
	return analysis, nil
}

func parseAnalysis(completion string) (*models.RequestAnalysis, error) {
	var raw rawAnalysis
	if err := oracle.DecodeJSON(completion, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedAnalysis, err)
	}

	var missing []string
	if raw.RequestType == nil {
		missing = append(missing, "request_type")
	}
	if raw.RequiredCapabilities == nil {
		missing = append(missing, "required_capabilities")
	}
	if raw.Complexity == nil {
		missing = append(missing, "complexity")
	}
	if raw.Strategy == nil {
		missing = append(missing, "strategy")
	}
	if raw.Rationale == nil {
		missing = append(missing, "rationale")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedAnalysis, strings.Join(missing, ", "))
	}

	return &models.RequestAnalysis{
		RequestType:          strings.TrimSpace(*raw.RequestType),
		RequiredCapabilities: *raw.RequiredCapabilities,
		Complexity:           clampComplexity(*raw.Complexity),
		Strategy:             models.NormalizeStrategy(*raw.Strategy),
		Rationale:            strings.TrimSpace(*raw.Rationale),
	}, nil
}

func clampComplexity(v float64) int {
	c := int(math.Round(v))
	if c < minComplexity {
		return minComplexity
	}
	if c > maxComplexity {
		return maxComplexity
	}
	return c
}
