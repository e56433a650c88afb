package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/spigell/fitcheck/internal/ai"
	"github.com/spigell/fitcheck/internal/breaker"
	"github.com/spigell/fitcheck/internal/prompts"
)

// Verdict is the judgment on one evidence item.
type Verdict struct {
	ID     string
	Keep   bool
	Reason string
}

// Judgment is the quality gate oracle output. Items without a verdict are treated as unverified.
type Judgment struct {
	Verdicts   []Verdict
	Fabricated bool
	Flags      []string
}

// Judge decides which evidence is reliable enough to keep.
type Judge interface {
	Judge(ctx context.Context, query string, evidence []Evidence) (Judgment, error)
}

// ModelJudge asks the generation service for a judgment.
type ModelJudge struct {
	generator ai.Generator
	breaker   *breaker.Breaker
	template  string
}

var _ Judge = (*ModelJudge)(nil)

// NewModelJudge renders template (see prompts.QualityGate) and calls generator through b.
func NewModelJudge(generator ai.Generator, b *breaker.Breaker, template string) *ModelJudge {
	return &ModelJudge{generator: generator, breaker: b, template: template}
}

func (j *ModelJudge) Judge(ctx context.Context, query string, evidence []Evidence) (Judgment, error) {
	prompt := prompts.Render(j.template, map[string]string{
		"QUERY":    query,
		"EVIDENCE": renderCandidates(evidence),
	})

	raw, err := breaker.Call(ctx, j.breaker, func(ctx context.Context) (string, error) {
		return j.generator.Generate(ctx, prompt)
	})
	if err != nil {
		return Judgment{}, err
	}

	return parseJudgment(raw)
}

func parseJudgment(raw string) (Judgment, error) {
	data, err := ai.DecodeObject(raw)
	if err != nil {
		return Judgment{}, err
	}

	items, ok := data["verdicts"].([]any)
	if !ok {
		return Judgment{}, fmt.Errorf("judgment has no verdicts")
	}

	j := Judgment{
		Fabricated: ai.CoerceBool(data["fabricated"]),
		Flags:      ai.CoerceStrings(data["flags"]),
	}
	for _, item := range items {
		v, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id := strings.TrimSpace(ai.CoerceString(v["id"]))
		if id == "" {
			continue
		}
		j.Verdicts = append(j.Verdicts, Verdict{
			ID:     id,
			Keep:   ai.CoerceBool(v["keep"]),
			Reason: strings.TrimSpace(ai.CoerceString(v["reason"])),
		})
	}

	return j, nil
}
