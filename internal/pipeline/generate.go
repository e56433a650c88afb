package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/fitcheck/internal/ai"
	"github.com/spigell/fitcheck/internal/breaker"
	"github.com/spigell/fitcheck/internal/prompts"
	"github.com/spigell/fitcheck/internal/stream"
)

const reasonGenerationUnavailable = "The analysis could not be written right now. Please try again later."

type generatePhase struct{}

func (generatePhase) Phase() Phase { return PhaseGenerateResults }

// Execute streams the final narrative to the caller. There is no fallback:
// any failure aborts the run.
func (generatePhase) Execute(ctx context.Context, run *Run) Update {
	st := run.State
	u := Update{Phase: PhaseGenerateResults}

	prompt, err := run.Template(prompts.GenerateResults, map[string]string{
		"QUERY":      st.Query,
		"PROFILE":    run.Deps.Profile.Render(),
		"EVIDENCE":   renderEvidence(promptEvidence(st)),
		"COMPARISON": renderComparison(st.Comparison),
		"SKILLS":     renderSkills(st.Skills),
		"CONFIDENCE": renderConfidence(st.Confidence),
	})
	if err != nil {
		run.Logger.Error("results template unavailable", zap.Error(err))
		u.Errors = append(u.Errors, newPhaseError(PhaseGenerateResults, KindFatal, err))
		u.Abort = &Abort{Code: CodeInternal, Message: "The analysis could not be prepared."}
		return u
	}

	var text strings.Builder
	err = run.Deps.Breakers.Generation.Execute(ctx, func(ctx context.Context) error {
		for chunk, err := range run.Deps.Generator.GenerateStream(ctx, prompt) {
			if err != nil {
				return err
			}
			if chunk == "" {
				continue
			}
			text.WriteString(chunk)
			run.Emit(stream.Response(chunk))
		}
		if strings.TrimSpace(text.String()) == "" {
			return ai.ErrEmptyResponse
		}
		return nil
	})
	if err != nil {
		run.Logger.Error("results generation failed",
			zap.Int("streamed_chars", text.Len()),
			zap.Bool("breaker_open", errors.Is(err, breaker.ErrOpen)),
			zap.Error(err),
		)
		u.Errors = append(u.Errors, newPhaseError(PhaseGenerateResults, KindFatal, fmt.Errorf("generate results: %w", err)))
		u.Abort = &Abort{Code: CodeGenerationUnavailable, Message: reasonGenerationUnavailable}
		return u
	}

	u.Report = &Report{Text: text.String(), Variant: run.Deps.Variant}
	u.Summary = map[string]any{"characters": len([]rune(u.Report.Text))}
	return u
}
