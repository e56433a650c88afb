package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/fitcheck/internal/breaker"
	"github.com/spigell/fitcheck/internal/fetch"
	"github.com/spigell/fitcheck/internal/prompts"
	"github.com/spigell/fitcheck/internal/queries"
	"github.com/spigell/fitcheck/internal/stream"
	"github.com/spigell/fitcheck/internal/utils"
)

var allPhases = []string{
	string(PhaseConnecting),
	string(PhaseDeepResearch),
	string(PhaseQualityGate),
	string(PhaseContentEnrich),
	string(PhaseSkepticalComparison),
	string(PhaseSkillsMatching),
	string(PhaseConfidenceGate),
	string(PhaseGenerateResults),
}

func TestRunCompletes(t *testing.T) {
	f := newFixture()

	res, events := f.run(t, context.Background(), "Acme")

	require.Equal(t, stream.EventComplete, res.Terminal)
	assert.Empty(t, res.Code)
	assert.Equal(t, allPhases, phasesStarted(events))

	require.Len(t, terminals(events), 1)
	last := events[len(events)-1]
	assert.Equal(t, stream.EventComplete, last.Type)
	assert.Equal(t, "complete", last.Payload.Status)

	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq)
	}

	var response strings.Builder
	for _, ev := range events {
		if ev.Type == stream.EventResponse {
			response.WriteString(ev.Payload.Chunk)
		}
	}
	assert.Equal(t, "You fit well [1].", response.String())

	st := res.State
	require.NotNil(t, st.Report)
	assert.Equal(t, "You fit well [1].", st.Report.Text)
	assert.Equal(t, prompts.DefaultVariant, st.Report.Variant)
	assert.Equal(t, SourceModel, st.Classification.Source)
	assert.Equal(t, "Acme", st.Classification.CompanyName)
	assert.Zero(t, st.Iteration)
	require.Len(t, st.Research, 1)
	require.Len(t, st.Gates, 1)
	assert.Equal(t, RouteContinue, st.Gates[0].Routing)
	assert.GreaterOrEqual(t, len(st.Research[0].Queries), queries.MinQueries)
	assert.Len(t, st.Evidence, 4*len(st.Research[0].Queries))
	assert.Equal(t, 5, st.Enrichment.Enriched)
	assert.Equal(t, 0.8, st.Confidence.Score)
	assert.False(t, st.ShouldAbort)
	assert.Empty(t, st.ProcessingErrors)

	enriched := 0
	for _, e := range st.Evidence {
		if strings.HasPrefix(e.Content, "Full text of ") {
			enriched++
		}
	}
	assert.Equal(t, 5, enriched)

	assert.Equal(t, allPhases, f.metrics.phases)
	assert.Equal(t, []string{"complete/"}, f.metrics.runs)
	assert.NotEmpty(t, res.RequestID)
}

func TestRunPhaseCompleteCarriesSummary(t *testing.T) {
	f := newFixture()

	_, events := f.run(t, context.Background(), "Acme")

	summaries := map[string]map[string]any{}
	for _, ev := range events {
		if ev.Type == stream.EventPhaseComplete {
			summaries[ev.Payload.Phase] = ev.Payload.Summary
		}
	}

	require.Len(t, summaries, len(allPhases))
	assert.Equal(t, "company", summaries[string(PhaseConnecting)]["type"])
	assert.Equal(t, string(RouteContinue), summaries[string(PhaseQualityGate)]["routing"])
	assert.Equal(t, LevelHigh, summaries[string(PhaseConfidenceGate)]["level"])
}

func TestRunEnhanceSearchIsBounded(t *testing.T) {
	f := newFixture()
	f.searcher.perQuery = 0

	res, events := f.run(t, context.Background(), "Acme")

	require.Equal(t, stream.EventError, res.Terminal)
	assert.Equal(t, CodeInsufficientEvidence, res.Code)
	require.Len(t, terminals(events), 1)
	assert.Equal(t, stream.EventError, events[len(events)-1].Type)
	assert.Equal(t, reasonNotEnough, events[len(events)-1].Payload.Message)

	st := res.State
	assert.Equal(t, 3, st.Iteration)
	require.Len(t, st.Research, 4)
	require.Len(t, st.Gates, 4)
	assert.Equal(t, RouteEarlyExit, st.Gates[3].Routing)
	assert.Equal(t, 3, f.metrics.enhances)

	for _, q := range st.Research[1].Queries {
		assert.Equal(t, queries.StrategyBroaden, q.Strategy)
		assert.NotContains(t, q.Text, `"`)
		assert.Equal(t, 1, q.Iteration)
	}
	for _, q := range st.Research[2].Queries {
		assert.Equal(t, queries.StrategySynonym, q.Strategy)
	}

	research := 0
	for _, p := range phasesStarted(events) {
		if p == string(PhaseDeepResearch) {
			research++
		}
	}
	assert.Equal(t, 4, research)
	assert.NotContains(t, phasesStarted(events), string(PhaseContentEnrich))
}

// insistentGate always asks for another search.
type insistentGate struct{ calls int }

func (g *insistentGate) Phase() Phase { return PhaseQualityGate }

func (g *insistentGate) Execute(context.Context, *Run) Update {
	g.calls++
	return Update{Gate: &GateResult{Routing: RouteEnhance}}
}

func TestRunForcesEarlyExitAfterMaxIterations(t *testing.T) {
	f := newFixture()
	gate := &insistentGate{}

	res := f.orchestrator(t, WithExecutor(gate)).Run(context.Background(), "Acme", stream.Discard)

	assert.Equal(t, stream.EventError, res.Terminal)
	assert.Equal(t, CodeInsufficientEvidence, res.Code)
	assert.Equal(t, 3, res.State.Iteration)
	assert.Equal(t, 4, gate.calls)
	assert.Equal(t, 3, f.metrics.enhances)
}

func TestRunRespectsConfiguredMaxIterations(t *testing.T) {
	f := newFixture()
	f.deps.Settings.MaxIterations = 1
	gate := &insistentGate{}

	res := f.orchestrator(t, WithExecutor(gate)).Run(context.Background(), "Acme", stream.Discard)

	assert.Equal(t, CodeInsufficientEvidence, res.Code)
	assert.Equal(t, 2, gate.calls)
}

func TestRunJudgmentUnavailablePrunesEverything(t *testing.T) {
	f := newFixture()
	f.gen.set(prompts.QualityGate, fail)

	res, events := f.run(t, context.Background(), "Acme")

	require.Equal(t, stream.EventError, res.Terminal)
	assert.Equal(t, CodeInsufficientEvidence, res.Code)
	require.Len(t, terminals(events), 1)

	st := res.State
	require.Len(t, st.Gates, 4)
	for _, g := range st.Gates[:3] {
		assert.Equal(t, RouteEnhance, g.Routing)
	}
	assert.Contains(t, st.QualityFlags, FlagJudgmentUnavailable)

	require.NotEmpty(t, st.Evidence)
	for _, e := range st.Evidence {
		assert.True(t, e.Excluded)
		assert.Equal(t, ReasonJudgmentUnavailable, e.ExclusionReason)
	}
	assert.Empty(t, st.Active())
	assert.Equal(t, KindExternal, KindOf(st.ProcessingErrors[0]))
}

func TestRunFabricatedEvidenceExitsEarly(t *testing.T) {
	f := newFixture()
	f.deps.Judge = judgeFunc(func(_ context.Context, _ string, evidence []Evidence) (Judgment, error) {
		j := Judgment{Fabricated: true}
		for _, e := range evidence {
			j.Verdicts = append(j.Verdicts, Verdict{ID: e.ID, Keep: true})
		}
		return j, nil
	})

	res, _ := f.run(t, context.Background(), "Acme")

	assert.Equal(t, CodeInsufficientEvidence, res.Code)
	assert.Equal(t, reasonFabricated, res.Message)
	assert.Zero(t, res.State.Iteration)
	assert.True(t, res.State.Gates[0].Fabricated)
	assert.Zero(t, f.gen.count(prompts.GenerateResults))
}

func TestRunGenerationFailureIsFatal(t *testing.T) {
	f := newFixture()
	f.gen.streamErr = errUpstream

	res, events := f.run(t, context.Background(), "Acme")

	require.Equal(t, stream.EventError, res.Terminal)
	assert.Equal(t, CodeGenerationUnavailable, res.Code)
	assert.Equal(t, reasonGenerationUnavailable, res.Message)
	assert.NotContains(t, res.Message, errUpstream.Error())
	require.Len(t, terminals(events), 1)
	assert.Nil(t, res.State.Report)

	last := res.State.ProcessingErrors[len(res.State.ProcessingErrors)-1]
	assert.Equal(t, KindFatal, last.Kind)
	assert.Equal(t, PhaseGenerateResults, last.Phase)
}

func TestRunDegradesWhenAnalysisCallsFail(t *testing.T) {
	f := newFixture()
	f.gen.set(prompts.ClassifyQuery, fail)
	f.gen.set(prompts.SkepticalComparison, fail)
	f.gen.set(prompts.SkillsMatching, fail)
	f.gen.set(prompts.ConfidenceGate, fail)
	f.fetcher = fakeFetcher{err: errUpstream}

	res, _ := f.run(t, context.Background(), "Acme")

	require.Equal(t, stream.EventComplete, res.Terminal)

	st := res.State
	assert.Equal(t, SourceHeuristic, st.Classification.Source)
	assert.Equal(t, "Acme", st.Classification.CompanyName)
	assert.True(t, st.Comparison.Degraded)
	assert.Equal(t, SourceHeuristic, st.Skills.Source)
	assert.Equal(t, SourceHeuristic, st.Confidence.Source)
	assert.Equal(t, 5, st.Enrichment.Failed)
	for _, e := range st.Evidence {
		assert.Empty(t, e.Content)
	}
	assert.GreaterOrEqual(t, len(st.ProcessingErrors), 9)
	assert.NotNil(t, st.Report)
}

func TestRunLowConfidenceAborts(t *testing.T) {
	f := newFixture()
	f.gen.set(prompts.ConfidenceGate, reply(`{"confidence": 0.05, "reason": "thin"}`))

	res, _ := f.run(t, context.Background(), "Acme")

	assert.Equal(t, CodeInsufficientEvidence, res.Code)
	assert.Equal(t, LevelLow, res.State.Confidence.Level)
	assert.Zero(t, f.gen.count(prompts.GenerateResults))
}

func TestRunZeroConfidenceFloorNeverAborts(t *testing.T) {
	f := newFixture()
	f.gen.set(prompts.ConfidenceGate, reply(`{"confidence": 0.05, "reason": "thin"}`))
	zero := 0.0
	f.deps.Settings.MinConfidence = &zero

	res, _ := f.run(t, context.Background(), "Acme")

	require.Equal(t, stream.EventComplete, res.Terminal)
	assert.Empty(t, res.Code)
	assert.Equal(t, LevelLow, res.State.Confidence.Level)
	assert.NotContains(t, res.State.QualityFlags, "low_confidence")
	assert.Positive(t, f.gen.count(prompts.GenerateResults))
}

func TestRunTimeout(t *testing.T) {
	f := newFixture()
	f.searcher.block = true
	f.deps.Settings.RequestTimeout = 50 * time.Millisecond

	start := time.Now()
	res, events := f.run(t, context.Background(), "Acme")

	assert.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, stream.EventError, res.Terminal)
	assert.Equal(t, CodeTimeout, res.Code)
	require.Len(t, terminals(events), 1)
	assert.Equal(t, CodeTimeout, events[len(events)-1].Payload.Code)

	// Cancelled calls say nothing about search health.
	assert.Equal(t, "closed", f.deps.Breakers.Search.State().String())
}

func TestRunCancelledBeforeStart(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, events := f.run(t, ctx, "Acme")

	assert.Equal(t, CodeCancelled, res.Code)
	require.Len(t, events, 1)
	assert.Equal(t, stream.EventError, events[0].Type)
	assert.Zero(t, f.searcher.calls.Load())
}

type panickingPhase struct{}

func (panickingPhase) Phase() Phase { return PhaseSkillsMatching }

func (panickingPhase) Execute(context.Context, *Run) Update {
	var m map[string]int
	m["boom"]++
	return Update{}
}

func TestRunRecoversPanickingPhase(t *testing.T) {
	f := newFixture()

	res, events := f.run(t, context.Background(), "Acme", WithExecutor(panickingPhase{}))

	assert.Equal(t, CodeInternal, res.Code)
	require.Len(t, terminals(events), 1)
	assert.NotContains(t, phasesStarted(events), string(PhaseConfidenceGate))
	assert.Equal(t, KindFatal, res.State.ProcessingErrors[0].Kind)
	assert.Equal(t, []string{"error/internal_error"}, f.metrics.runs)
}

func TestRunSurvivesPanickingSearch(t *testing.T) {
	f := newFixture()
	f.searcher.panicFirst = true

	var res Result
	require.NotPanics(t, func() {
		res, _ = f.run(t, context.Background(), "Acme")
	})

	require.Equal(t, stream.EventComplete, res.Terminal)
	round := res.State.Research[0]
	assert.Len(t, round.FailedQueries, 1)
	assert.Len(t, res.State.Evidence, 4*(len(round.Queries)-1))
	assert.True(t, panicRecorded(res.State, PhaseDeepResearch))
}

func TestRunSurvivesPanickingFetch(t *testing.T) {
	f := newFixture()
	f.fetcher = fakeFetcher{panic: true}

	var res Result
	require.NotPanics(t, func() {
		res, _ = f.run(t, context.Background(), "Acme")
	})

	require.Equal(t, stream.EventComplete, res.Terminal)
	assert.Equal(t, 5, res.State.Enrichment.Failed)
	for _, e := range res.State.Evidence {
		assert.Empty(t, e.Content)
	}
	assert.True(t, panicRecorded(res.State, PhaseContentEnrich))
}

func panicRecorded(st *State, phase Phase) bool {
	for _, pe := range st.ProcessingErrors {
		if pe.Phase == phase && errors.Is(pe, utils.ErrPanic) {
			return true
		}
	}
	return false
}

func TestRunPageFailuresKeepFetchBreakerClosed(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		state breaker.State
	}{
		{name: "unsupported content", err: &fetch.Error{Kind: fetch.KindUnsupported, Err: errors.New("image/png")}, state: breaker.StateClosed},
		{name: "not found", err: &fetch.Error{Kind: fetch.KindStatus, Status: 404}, state: breaker.StateClosed},
		{name: "server error", err: &fetch.Error{Kind: fetch.KindStatus, Status: 503}, state: breaker.StateOpen},
		{name: "network", err: &fetch.Error{Kind: fetch.KindNetwork, Err: errors.New("connection refused")}, state: breaker.StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.deps.Breakers.Fetch = breaker.New(breaker.NameFetch, breaker.Config{FailureThreshold: 2}, nil)
			f.fetcher = fakeFetcher{err: tt.err}

			res, _ := f.run(t, context.Background(), "Acme")

			require.Equal(t, stream.EventComplete, res.Terminal)
			assert.Equal(t, 5, res.State.Enrichment.Failed)
			assert.Equal(t, tt.state, f.deps.Breakers.Fetch.State())
		})
	}
}

// lateEmitter tries to emit a terminal event of its own.
type lateEmitter struct{}

func (lateEmitter) Phase() Phase { return PhaseGenerateResults }

func (lateEmitter) Execute(_ context.Context, run *Run) Update {
	run.Emit(stream.Complete(1))
	return Update{Report: &Report{Text: "done"}}
}

func TestRunNeverDeliversEventsAfterTerminal(t *testing.T) {
	f := newFixture()

	_, events := f.run(t, context.Background(), "Acme", WithExecutor(lateEmitter{}))

	require.Len(t, terminals(events), 1)
	assert.Equal(t, stream.EventComplete, events[len(events)-1].Type)
	assert.Equal(t, int64(1), events[len(events)-1].Payload.Duration())
}

func TestStream(t *testing.T) {
	f := newFixture()
	o := f.orchestrator(t)

	bridge, done := o.Stream(context.Background(), "Acme")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var last stream.Event
	require.NoError(t, bridge.Drain(ctx, func(ev stream.Event) error {
		last = ev
		return nil
	}))
	assert.Equal(t, stream.EventComplete, last.Type)

	res := <-done
	assert.Equal(t, stream.EventComplete, res.Terminal)
}

func TestNewValidatesDeps(t *testing.T) {
	f := newFixture()
	deps := f.deps
	deps.Fetcher = fakeFetcher{}

	missing := deps
	missing.Scorer = nil
	_, err := New(missing)
	require.Error(t, err)

	o, err := New(deps)
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), o.Settings())
	assert.IsType(t, &ModelJudge{}, o.deps.Judge)
}

func TestNewFailsWithoutGateTemplate(t *testing.T) {
	f := newFixture()
	deps := f.deps
	deps.Fetcher = fakeFetcher{}
	deps.Prompts = missingProvider{}

	_, err := New(deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quality gate")
}

type missingProvider struct{}

func (missingProvider) Load(name, _ string) (string, error) {
	return "", errors.New("no template " + name)
}

func TestRunReportsDuration(t *testing.T) {
	f := newFixture()
	var ticks int64
	clock := func() time.Time {
		ticks++
		return time.Unix(0, 0).Add(time.Duration(ticks) * time.Second)
	}

	res, events := f.run(t, context.Background(), "Acme", WithClock(clock))

	require.Equal(t, stream.EventComplete, res.Terminal)
	assert.Positive(t, res.Duration)
	assert.Equal(t, res.Duration.Milliseconds(), events[len(events)-1].Payload.Duration())
}
