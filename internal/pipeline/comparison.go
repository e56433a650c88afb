package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/fitcheck/internal/ai"
	"github.com/spigell/fitcheck/internal/prompts"
)

type comparisonPhase struct{}

func (comparisonPhase) Phase() Phase { return PhaseSkepticalComparison }

func (comparisonPhase) Execute(ctx context.Context, run *Run) Update {
	u := Update{Phase: PhaseSkepticalComparison}

	data, err := run.Ask(ctx, prompts.SkepticalComparison, map[string]string{
		"QUERY":    run.State.Query,
		"PROFILE":  run.Deps.Profile.Render(),
		"EVIDENCE": renderEvidence(promptEvidence(run.State)),
	})
	if err != nil {
		run.Logger.Warn("skeptical comparison unavailable", zap.Error(err))
		u.Errors = append(u.Errors, newPhaseError(PhaseSkepticalComparison, KindOf(err), fmt.Errorf("compare: %w", err)))
		u.QualityFlags = append(u.QualityFlags, "comparison_unavailable")
		u.Comparison = &Comparison{Degraded: true}
		u.Summary = map[string]any{"degraded": true}
		return u
	}

	c := &Comparison{
		Strengths: ai.CoerceStrings(data["strengths"]),
		Gaps:      ai.CoerceStrings(data["gaps"]),
		Risks:     ai.CoerceStrings(data["risks"]),
		Summary:   strings.TrimSpace(ai.CoerceString(data["summary"])),
	}
	u.Comparison = c
	u.Summary = map[string]any{
		"strengths": len(c.Strengths),
		"gaps":      len(c.Gaps),
		"risks":     len(c.Risks),
	}
	return u
}

// renderComparison formats a comparison for later prompts.
func renderComparison(c *Comparison) string {
	if c == nil || c.Degraded {
		return "(comparison unavailable)"
	}
	lines := []string{
		renderList("Strengths", c.Strengths),
		renderList("Gaps", c.Gaps),
		renderList("Risks", c.Risks),
	}
	if c.Summary != "" {
		lines = append(lines, "Summary: "+c.Summary)
	}
	return strings.Join(lines, "\n")
}
