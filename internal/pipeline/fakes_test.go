package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spigell/fitcheck/internal/breaker"
	"github.com/spigell/fitcheck/internal/profile"
	"github.com/spigell/fitcheck/internal/prompts"
	"github.com/spigell/fitcheck/internal/scoring"
	"github.com/spigell/fitcheck/internal/search"
	"github.com/spigell/fitcheck/internal/stream"
)

// templates are reduced to "<name>|<values>" so the fake model can tell prompts apart.
type fakeProvider struct{}

func (fakeProvider) Load(name, _ string) (string, error) {
	switch name {
	case prompts.ScoreDocument:
		return name + "|{{URL}}", nil
	case prompts.QualityGate:
		return name + "|{{EVIDENCE}}", nil
	case prompts.SkillsMatching:
		return name + "|{{REQUIRED_SKILLS}}", nil
	default:
		return name + "|{{QUERY}}", nil
	}
}

var errUpstream = errors.New("upstream unavailable")

type fakeGenerator struct {
	mu      sync.Mutex
	replies map[string]func(prompt string) (string, error)
	chunks  []string
	// streamErr is returned after chunks.
	streamErr error
	calls     map[string]int
}

func newFakeGenerator() *fakeGenerator {
	g := &fakeGenerator{
		calls:  make(map[string]int),
		chunks: []string{"You fit ", "well [1]."},
	}
	g.replies = make(map[string]func(string) (string, error))
	g.replies[prompts.ClassifyQuery] = reply(`{"type": "company", "company_name": "Acme", "skills": ["Go"], "industry": "software"}`)
	g.replies[prompts.ScoreDocument] = reply(`{"relevance": 0.9, "quality": 0.8, "usefulness": 0.7, "reasoning": "relevant"}`)
	g.replies[prompts.QualityGate] = keepAll
	g.replies[prompts.SkepticalComparison] = reply(`{"strengths": ["Go"], "gaps": ["Rust"], "risks": [], "summary": "Solid."}`)
	g.replies[prompts.SkillsMatching] = reply(`{"matched": ["Go"], "missing": ["Rust"], "transferable": [], "score": 0.5}`)
	g.replies[prompts.ConfidenceGate] = reply(`{"confidence": 0.8, "level": "high", "reason": "plenty of sources"}`)
	return g
}

func reply(s string) func(string) (string, error) {
	return func(string) (string, error) { return s, nil }
}

func fail(string) (string, error) { return "", errUpstream }

// keepAll keeps every candidate listed in a quality gate prompt.
func keepAll(prompt string) (string, error) {
	var verdicts []string
	for _, line := range strings.Split(strings.TrimPrefix(prompt, prompts.QualityGate+"|"), "\n") {
		id, _, ok := strings.Cut(line, " | ")
		if !ok {
			continue
		}
		verdicts = append(verdicts, fmt.Sprintf(`{"id": %q, "keep": true, "reason": "ok"}`, id))
	}
	return fmt.Sprintf(`{"verdicts": [%s], "fabricated": false, "flags": []}`, strings.Join(verdicts, ",")), nil
}

func (g *fakeGenerator) set(name string, fn func(string) (string, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies[name] = fn
}

func (g *fakeGenerator) count(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[name]
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, _, _ := strings.Cut(prompt, "|")

	g.mu.Lock()
	g.calls[name]++
	fn := g.replies[name]
	g.mu.Unlock()

	if fn == nil {
		return "", fmt.Errorf("unexpected prompt %q", name)
	}
	return fn(prompt)
}

func (g *fakeGenerator) GenerateStream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		name, _, _ := strings.Cut(prompt, "|")
		g.mu.Lock()
		g.calls[name]++
		chunks := append([]string(nil), g.chunks...)
		streamErr := g.streamErr
		g.mu.Unlock()

		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
		if streamErr != nil {
			yield("", streamErr)
		}
	}
}

type fakeSearcher struct {
	perQuery   int
	err        error
	block      bool
	panicFirst bool
	calls      atomic.Int32
}

func (s *fakeSearcher) Search(ctx context.Context, query string) ([]search.Result, error) {
	if s.calls.Add(1) == 1 && s.panicFirst {
		panic("search client bug")
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}

	slug := url.PathEscape(query)
	out := make([]search.Result, s.perQuery)
	for i := range out {
		out[i] = search.Result{
			Title:   fmt.Sprintf("Result %d for %s", i, query),
			URL:     fmt.Sprintf("https://example.com/%s/%d", slug, i),
			Snippet: "Acme builds Go services.",
		}
	}
	return out, nil
}

type fakeFetcher struct {
	err   error
	panic bool
}

func (f fakeFetcher) Fetch(_ context.Context, rawURL string, _ time.Duration) (string, error) {
	if f.panic {
		panic("fetch client bug")
	}
	if f.err != nil {
		return "", f.err
	}
	return "Full text of " + rawURL, nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	phases   []string
	runs     []string
	enhances int
}

func (m *recordingMetrics) ObservePhase(phase string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phases = append(m.phases, phase)
}

func (m *recordingMetrics) RecordRun(terminal, code string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, terminal+"/"+code)
}

func (m *recordingMetrics) RecordEnhance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enhances++
}

type judgeFunc func(ctx context.Context, query string, evidence []Evidence) (Judgment, error)

func (f judgeFunc) Judge(ctx context.Context, query string, evidence []Evidence) (Judgment, error) {
	return f(ctx, query, evidence)
}

type fixture struct {
	gen      *fakeGenerator
	searcher *fakeSearcher
	fetcher  fakeFetcher
	metrics  *recordingMetrics
	deps     Deps
}

func newFixture() *fixture {
	gen := newFakeGenerator()
	breakers := breaker.NewSet(breaker.SetConfig{
		Search:     breaker.Config{FailureThreshold: 100},
		Fetch:      breaker.Config{FailureThreshold: 100},
		Generation: breaker.Config{FailureThreshold: 100},
	}, nil)

	f := &fixture{
		gen:      gen,
		searcher: &fakeSearcher{perQuery: 4},
		metrics:  &recordingMetrics{},
	}
	f.deps = Deps{
		Generator: gen,
		Searcher:  f.searcher,
		Prompts:   fakeProvider{},
		Profile: &profile.Profile{
			Name:   "Jane",
			Skills: []string{"Go", "Kubernetes", "PostgreSQL"},
		},
		Breakers: breakers,
		Scorer:   scoring.NewScorer(gen, breakers.Generation, prompts.ScoreDocument+"|{{URL}}", nil),
		Metrics:  f.metrics,
	}
	return f
}

func (f *fixture) orchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	deps := f.deps
	deps.Fetcher = f.fetcher
	o, err := New(deps, opts...)
	require.NoError(t, err)
	return o
}

// run executes the pipeline and returns the result with every delivered event.
func (f *fixture) run(t *testing.T, ctx context.Context, query string, opts ...Option) (Result, []stream.Event) {
	t.Helper()
	bridge := stream.NewBridge(nil)
	res := f.orchestrator(t, opts...).Run(ctx, query, bridge)

	var events []stream.Event
	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bridge.Drain(drainCtx, func(ev stream.Event) error {
		events = append(events, ev)
		return nil
	}))
	return res, events
}

func phasesStarted(events []stream.Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == stream.EventPhase {
			out = append(out, ev.Payload.Phase)
		}
	}
	return out
}

func terminals(events []stream.Event) []stream.Event {
	var out []stream.Event
	for _, ev := range events {
		if ev.Type.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}
