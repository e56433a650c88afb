package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/spigell/fitcheck/internal/ai"
	"github.com/spigell/fitcheck/internal/breaker"
	"github.com/spigell/fitcheck/internal/prompts"
	"github.com/spigell/fitcheck/internal/utils"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrent bounds the in-flight scoring calls of one batch.
const DefaultMaxConcurrent = 5

const (
	DropGenerate = "generate"
	DropParse    = "parse"
	DropPanic    = "panic"
)

var errUnscorable = errors.New("reply has no usable scores")

// DropHook is told about every document that did not receive a score.
type DropHook func(reason string)

type Scorer struct {
	generator ai.Generator
	breaker   *breaker.Breaker
	template  string
	logger    *zap.Logger
	onDrop    DropHook
	maxLogLen int
}

type Option func(*Scorer)

func WithDropHook(h DropHook) Option {
	return func(s *Scorer) { s.onDrop = h }
}

func WithMaxLogLength(n int) Option {
	return func(s *Scorer) {
		if n > 0 {
			s.maxLogLen = n
		}
	}
}

// NewScorer builds a scorer that renders template (see prompts.ScoreDocument)
// for every document and calls generator through the generation breaker.
func NewScorer(generator ai.Generator, gen *breaker.Breaker, template string, logger *zap.Logger, opts ...Option) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scorer{
		generator: generator,
		breaker:   gen,
		template:  template,
		logger:    logger,
		maxLogLen: 200,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ScoreBatch scores docs concurrently with at most maxConcurrent calls in flight.
// Documents whose call fails or whose reply cannot be parsed are left out; the
// rest keep their input order.
func (s *Scorer) ScoreBatch(ctx context.Context, docs []Document, query string, maxConcurrent int) []DocumentScore {
	if len(docs) == 0 {
		return nil
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	results := make([]*DocumentScore, len(docs))

	var g errgroup.Group
	g.SetLimit(maxConcurrent)

	for i, doc := range docs {
		g.Go(func() error {
			score, err := s.guardedScore(ctx, doc, query)
			if err != nil {
				s.logger.Debug("dropping unscored document",
					zap.String("document_id", doc.ID),
					zap.String("url", doc.URL),
					zap.Error(err),
				)
				return nil
			}
			results[i] = &score
			return nil
		})
	}

	// Workers never return errors; failures only shrink the result.
	_ = g.Wait()

	scored := make([]DocumentScore, 0, len(docs))
	for _, r := range results {
		if r != nil {
			scored = append(scored, *r)
		}
	}

	s.logger.Debug("scored batch",
		zap.Int("initial", len(docs)),
		zap.Int("scored", len(scored)),
		zap.Int("dropped", len(docs)-len(scored)),
	)

	return scored
}

// guardedScore keeps a panic in one scoring call from taking down the batch.
func (s *Scorer) guardedScore(ctx context.Context, doc Document, query string) (score DocumentScore, err error) {
	defer func() {
		if err != nil && errors.Is(err, utils.ErrPanic) {
			s.drop(DropPanic)
		}
	}()
	defer utils.CatchPanic(&err)
	return s.score(ctx, doc, query)
}

func (s *Scorer) score(ctx context.Context, doc Document, query string) (DocumentScore, error) {
	prompt := prompts.Render(s.template, map[string]string{
		"QUERY":   query,
		"TITLE":   utils.SingleLine(doc.Title),
		"URL":     doc.URL,
		"SNIPPET": utils.SingleLine(doc.Snippet),
	})

	raw, err := breaker.Call(ctx, s.breaker, func(ctx context.Context) (string, error) {
		return s.generator.Generate(ctx, prompt)
	})
	if err != nil {
		s.drop(DropGenerate)
		return DocumentScore{}, fmt.Errorf("score %s: %w", doc.ID, err)
	}

	score, err := parseScore(doc, raw)
	if err != nil {
		s.drop(DropParse)
		s.logger.Debug("unparsable score reply",
			zap.String("document_id", doc.ID),
			zap.String("response_preview", utils.TruncateForLog(raw, s.maxLogLen)),
		)
		return DocumentScore{}, err
	}

	return score, nil
}

func (s *Scorer) drop(reason string) {
	if s.onDrop != nil {
		s.onDrop(reason)
	}
}

func parseScore(doc Document, raw string) (DocumentScore, error) {
	data, err := ai.DecodeObject(raw)
	if err != nil {
		return DocumentScore{}, err
	}

	relevance := ai.Clamp01(ai.CoerceFloat(data["relevance"]))
	quality := ai.Clamp01(ai.CoerceFloat(data["quality"]))
	usefulness := ai.Clamp01(ai.CoerceFloat(data["usefulness"]))

	if math.IsNaN(relevance) || math.IsNaN(quality) || math.IsNaN(usefulness) {
		return DocumentScore{}, errUnscorable
	}

	return NewScore(doc, relevance, quality, usefulness, strings.TrimSpace(ai.CoerceString(data["reasoning"]))), nil
}
