package pipeline

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/fitcheck/internal/ai"
	"github.com/spigell/fitcheck/internal/prompts"
)

// Confidence levels.
const (
	LevelLow    = "low"
	LevelMedium = "medium"
	LevelHigh   = "high"
)

const reasonLowConfidence = "There is not enough reliable information to give a trustworthy answer."

type confidencePhase struct{}

func (confidencePhase) Phase() Phase { return PhaseConfidenceGate }

// Execute rates how well the analysis is supported and stops the run when the
// rating is below the configured floor.
func (confidencePhase) Execute(ctx context.Context, run *Run) Update {
	st := run.State
	settings := run.Deps.Settings
	u := Update{Phase: PhaseConfidenceGate}

	kept := len(st.Active())

	conf, err := rateWithModel(ctx, run, kept)
	if err != nil {
		run.Logger.Warn("confidence rating failed; using heuristic", zap.Error(err))
		u.Errors = append(u.Errors, newPhaseError(PhaseConfidenceGate, KindOf(err), fmt.Errorf("rate confidence: %w", err)))
		conf = heuristicConfidence(kept, st.Skills, st.Comparison, settings)
	}

	u.Confidence = conf
	u.Summary = map[string]any{
		"confidence": conf.Score,
		"level":      conf.Level,
		"source":     conf.Source,
	}

	if conf.Score < settings.ConfidenceFloor() {
		u.QualityFlags = append(u.QualityFlags, "low_confidence")
		u.Abort = &Abort{Code: CodeInsufficientEvidence, Message: reasonLowConfidence}
	}

	return u
}

func rateWithModel(ctx context.Context, run *Run, kept int) (*Confidence, error) {
	data, err := run.Ask(ctx, prompts.ConfidenceGate, map[string]string{
		"QUERY":          run.State.Query,
		"EVIDENCE_COUNT": strconv.Itoa(kept),
		"COMPARISON":     renderComparison(run.State.Comparison),
		"SKILLS":         renderSkills(run.State.Skills),
	})
	if err != nil {
		return nil, err
	}

	score := ai.CoerceFloat(data["confidence"])
	if math.IsNaN(score) {
		return nil, fmt.Errorf("confidence reply has no score")
	}
	score = ai.Clamp01(score)

	level := strings.ToLower(strings.TrimSpace(ai.CoerceString(data["level"])))
	if level != LevelLow && level != LevelMedium && level != LevelHigh {
		level = levelFor(score)
	}

	return &Confidence{
		Score:  score,
		Level:  level,
		Reason: strings.TrimSpace(ai.CoerceString(data["reason"])),
		Source: SourceModel,
	}, nil
}

// heuristicConfidence weighs evidence volume against the evidence floor and the skills coverage.
func heuristicConfidence(kept int, skills *SkillsMatch, comparison *Comparison, settings Settings) *Confidence {
	volume := ai.Clamp01(float64(kept) / float64(2*settings.MinEvidence))
	skillsScore := 0.0
	if skills != nil {
		skillsScore = skills.Score
	}

	score := volume*0.6 + skillsScore*0.4
	if comparison == nil || comparison.Degraded {
		score -= 0.1
	}
	score = ai.Clamp01(score)

	return &Confidence{
		Score:  score,
		Level:  levelFor(score),
		Reason: fmt.Sprintf("estimated from %d evidence items", kept),
		Source: SourceHeuristic,
	}
}

func levelFor(score float64) string {
	switch {
	case score < 0.4:
		return LevelLow
	case score < 0.7:
		return LevelMedium
	default:
		return LevelHigh
	}
}

func renderConfidence(c *Confidence) string {
	if c == nil {
		return "unknown"
	}
	out := fmt.Sprintf("%s (%.2f)", c.Level, c.Score)
	if c.Reason != "" {
		out += ": " + c.Reason
	}
	return out
}
