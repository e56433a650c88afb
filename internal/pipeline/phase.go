package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/fitcheck/internal/ai"
	"github.com/spigell/fitcheck/internal/breaker"
	"github.com/spigell/fitcheck/internal/fetch"
	"github.com/spigell/fitcheck/internal/profile"
	"github.com/spigell/fitcheck/internal/prompts"
	"github.com/spigell/fitcheck/internal/scoring"
	"github.com/spigell/fitcheck/internal/search"
	"github.com/spigell/fitcheck/internal/stream"
	"github.com/spigell/fitcheck/internal/utils"
)

// Phase names a pipeline stage.
type Phase string

const (
	PhaseConnecting          Phase = "connecting"
	PhaseDeepResearch        Phase = "deep_research"
	PhaseQualityGate         Phase = "quality_gate"
	PhaseContentEnrich       Phase = "content_enrich"
	PhaseSkepticalComparison Phase = "skeptical_comparison"
	PhaseSkillsMatching      Phase = "skills_matching"
	PhaseConfidenceGate      Phase = "confidence_gate"
	PhaseGenerateResults     Phase = "generate_results"

	// Terminal states.
	PhaseComplete Phase = "complete"
	PhaseAborted  Phase = "aborted"
)

// Routing is the quality gate decision.
type Routing string

const (
	RouteContinue  Routing = "continue"
	RouteEnhance   Routing = "enhance_search"
	RouteEarlyExit Routing = "early_exit"
)

// Executor runs one phase. Execute must not panic or return errors for
// expected failures; it classifies them in the returned Update instead.
type Executor interface {
	Phase() Phase
	Execute(ctx context.Context, run *Run) Update
}

// Settings tune a run.
type Settings struct {
	MaxIterations  int           `mapstructure:"max-iterations"`
	MinEvidence    int           `mapstructure:"min-evidence"`
	MaxConcurrent  int           `mapstructure:"max-concurrent"`
	RequestTimeout time.Duration `mapstructure:"request-timeout"`
	EnrichLimit    int           `mapstructure:"enrich-limit"`
	FetchTimeout   time.Duration `mapstructure:"fetch-timeout"`
	// MinConfidence is the score under which a run aborts. Nil means
	// DefaultMinConfidence; zero or a negative value turns the floor off.
	MinConfidence  *float64      `mapstructure:"min-confidence"`
}

// DefaultMinConfidence is the confidence floor of an unset MinConfidence.
const DefaultMinConfidence = 0.15

func DefaultSettings() Settings {
	minConfidence := DefaultMinConfidence
	return Settings{
		MaxIterations:  3,
		MinEvidence:    3,
		MaxConcurrent:  scoring.DefaultMaxConcurrent,
		RequestTimeout: 3 * time.Minute,
		EnrichLimit:    5,
		FetchTimeout:   10 * time.Second,
		MinConfidence:  &minConfidence,
	}
}

// WithDefaults fills zero values and an unset MinConfidence.
func (s Settings) WithDefaults() Settings {
	d := DefaultSettings()
	if s.MaxIterations <= 0 {
		s.MaxIterations = d.MaxIterations
	}
	if s.MinEvidence <= 0 {
		s.MinEvidence = d.MinEvidence
	}
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = d.MaxConcurrent
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = d.RequestTimeout
	}
	if s.EnrichLimit <= 0 {
		s.EnrichLimit = d.EnrichLimit
	}
	if s.FetchTimeout <= 0 {
		s.FetchTimeout = d.FetchTimeout
	}
	if s.MinConfidence == nil {
		s.MinConfidence = d.MinConfidence
	}
	return s
}

// ConfidenceFloor returns MinConfidence, or DefaultMinConfidence when it is unset.
func (s Settings) ConfidenceFloor() float64 {
	if s.MinConfidence == nil {
		return DefaultMinConfidence
	}
	return *s.MinConfidence
}

// Recorder receives run metrics. *metrics.Metrics implements it.
type Recorder interface {
	ObservePhase(phase string, d time.Duration)
	RecordRun(terminal, code string, d time.Duration)
	RecordEnhance()
}

// Deps aggregates the collaborators shared by all phases. Everything in it is
// safe for concurrent use and outlives a single run.
type Deps struct {
	Generator ai.Generator
	Searcher  search.Searcher
	Fetcher   fetch.Fetcher
	Prompts   prompts.Provider
	Variant   string
	Profile   *profile.Profile
	Breakers  *breaker.Set
	Scorer    *scoring.Scorer
	// Judge defaults to a model-backed judge using the quality_gate template.
	Judge    Judge
	Logger   *zap.Logger
	Settings Settings
	Metrics  Recorder
}

func (d *Deps) validate() error {
	switch {
	case d.Generator == nil:
		return fmt.Errorf("generator is required")
	case d.Searcher == nil:
		return fmt.Errorf("searcher is required")
	case d.Fetcher == nil:
		return fmt.Errorf("fetcher is required")
	case d.Prompts == nil:
		return fmt.Errorf("prompt provider is required")
	case d.Breakers == nil:
		return fmt.Errorf("breakers are required")
	case d.Scorer == nil:
		return fmt.Errorf("scorer is required")
	}
	return nil
}

// Run is what an executor sees of the current request.
type Run struct {
	ID     string
	State  *State
	Deps   *Deps
	Logger *zap.Logger

	emitter stream.Emitter
}

// Emit publishes ev. Failures are logged; a phase never stops because the consumer is gone.
func (r *Run) Emit(ev stream.Event) {
	if err := r.emitter.Emit(ev); err != nil {
		r.Logger.Debug("event not delivered", zap.String("event", string(ev.Type)), zap.Error(err))
	}
}

// Template loads and renders a prompt template for the configured variant.
func (r *Run) Template(name string, values map[string]string) (string, error) {
	tmpl, err := r.Deps.Prompts.Load(name, r.Deps.Variant)
	if err != nil {
		return "", fmt.Errorf("load %s template: %w", name, err)
	}
	return prompts.Render(tmpl, values), nil
}

// guarded runs fn on a worker goroutine, where a panic would otherwise take
// the process down, and reports a panic as the call's error.
func guarded[T any](fn func() (T, error)) (result T, err error) {
	defer utils.CatchPanic(&err)
	return fn()
}

// Generate calls the generation service through the generation breaker.
func (r *Run) Generate(ctx context.Context, prompt string) (string, error) {
	return breaker.Call(ctx, r.Deps.Breakers.Generation, func(ctx context.Context) (string, error) {
		return r.Deps.Generator.Generate(ctx, prompt)
	})
}

// Ask renders template name, sends it to the model and decodes the JSON reply.
func (r *Run) Ask(ctx context.Context, name string, values map[string]string) (map[string]any, error) {
	prompt, err := r.Template(name, values)
	if err != nil {
		return nil, err
	}

	raw, err := r.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	data, err := ai.DecodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s reply: %w", name, err)
	}
	return data, nil
}
