package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/fitcheck/internal/ai"
	"github.com/spigell/fitcheck/internal/prompts"
)

type skillsPhase struct{}

func (skillsPhase) Phase() Phase { return PhaseSkillsMatching }

// Execute matches the candidate against the target. Without the model it falls
// back to keyword matching of the profile skills.
func (skillsPhase) Execute(ctx context.Context, run *Run) Update {
	st := run.State
	u := Update{Phase: PhaseSkillsMatching}

	var required []string
	if st.Classification != nil {
		required = st.Classification.Skills
	}

	evidence := promptEvidence(st)

	match, err := matchWithModel(ctx, run, required, evidence)
	if err != nil {
		run.Logger.Warn("skills matching failed; using keyword matching", zap.Error(err))
		u.Errors = append(u.Errors, newPhaseError(PhaseSkillsMatching, KindOf(err), fmt.Errorf("match skills: %w", err)))
		match = keywordMatch(run.Deps.Profile.AllSkills(), required, evidence)
	}

	u.Skills = match
	u.Summary = map[string]any{
		"matched": len(match.Matched),
		"missing": len(match.Missing),
		"score":   match.Score,
		"source":  match.Source,
	}
	return u
}

func matchWithModel(ctx context.Context, run *Run, required []string, evidence []Evidence) (*SkillsMatch, error) {
	requiredText := "(none named)"
	if len(required) > 0 {
		requiredText = strings.Join(required, ", ")
	}

	data, err := run.Ask(ctx, prompts.SkillsMatching, map[string]string{
		"QUERY":           run.State.Query,
		"REQUIRED_SKILLS": requiredText,
		"PROFILE":         run.Deps.Profile.Render(),
		"EVIDENCE":        renderEvidence(evidence),
	})
	if err != nil {
		return nil, err
	}

	m := &SkillsMatch{
		Required:     required,
		Matched:      ai.CoerceStrings(data["matched"]),
		Missing:      ai.CoerceStrings(data["missing"]),
		Transferable: ai.CoerceStrings(data["transferable"]),
		Source:       SourceModel,
	}

	score := ai.CoerceFloat(data["score"])
	if math.IsNaN(score) {
		score = coverage(len(m.Matched), len(m.Missing))
	}
	m.Score = ai.Clamp01(score)

	return m, nil
}

// keywordMatch compares the candidate skills with the required ones, or with
// the skills mentioned in the evidence when the query named none.
func keywordMatch(have, required []string, evidence []Evidence) *SkillsMatch {
	m := &SkillsMatch{Required: required, Source: SourceHeuristic}

	haveSet := make(map[string]bool, len(have))
	for _, s := range have {
		haveSet[strings.ToLower(strings.TrimSpace(s))] = true
	}

	if len(required) == 0 {
		var corpus strings.Builder
		for _, e := range evidence {
			corpus.WriteString(e.Title)
			corpus.WriteByte(' ')
			corpus.WriteString(e.Text())
			corpus.WriteByte(' ')
		}
		m.Matched = mentionedSkills(corpus.String(), have)
		m.Score = ai.Clamp01(float64(len(m.Matched)) / float64(max(len(have), 1)))
		return m
	}

	for _, s := range required {
		if haveSet[strings.ToLower(strings.TrimSpace(s))] {
			m.Matched = append(m.Matched, s)
		} else {
			m.Missing = append(m.Missing, s)
		}
	}
	m.Score = coverage(len(m.Matched), len(m.Missing))

	return m
}

func coverage(matched, missing int) float64 {
	if matched+missing == 0 {
		return 0
	}
	return float64(matched) / float64(matched+missing)
}

func renderSkills(m *SkillsMatch) string {
	if m == nil {
		return "(skills match unavailable)"
	}
	return strings.Join([]string{
		renderList("Matched", m.Matched),
		renderList("Missing", m.Missing),
		renderList("Transferable", m.Transferable),
		fmt.Sprintf("Coverage: %.2f", m.Score),
	}, "\n")
}
