// Package pipeline runs a query through the analysis phases and streams the
// progress as events.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/fitcheck/internal/logger"
	"github.com/spigell/fitcheck/internal/prompts"
	"github.com/spigell/fitcheck/internal/stream"
)

// order lists the forward transitions. QUALITY_GATE is resolved by its routing decision.
var order = map[Phase]Phase{
	PhaseConnecting:          PhaseDeepResearch,
	PhaseDeepResearch:        PhaseQualityGate,
	PhaseQualityGate:         PhaseContentEnrich,
	PhaseContentEnrich:       PhaseSkepticalComparison,
	PhaseSkepticalComparison: PhaseSkillsMatching,
	PhaseSkillsMatching:      PhaseConfidenceGate,
	PhaseConfidenceGate:      PhaseGenerateResults,
	PhaseGenerateResults:     PhaseComplete,
}

// Result describes a finished run.
type Result struct {
	RequestID string
	// Terminal is the type of the last event: complete or error.
	Terminal stream.EventType
	Code     string
	Message  string
	Duration time.Duration
	State    *State
}

type Option func(*Orchestrator)

// WithExecutor replaces the executor of e.Phase().
func WithExecutor(e Executor) Option {
	return func(o *Orchestrator) { o.executors[e.Phase()] = e }
}

// WithClock replaces the time source used for durations.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator is safe for concurrent use; every Run gets its own State.
type Orchestrator struct {
	deps      Deps
	executors map[Phase]Executor
	now       func() time.Time
}

// New validates deps and fills defaults.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Variant == "" {
		deps.Variant = prompts.DefaultVariant
	}
	deps.Settings = deps.Settings.WithDefaults()

	if deps.Judge == nil {
		tmpl, err := deps.Prompts.Load(prompts.QualityGate, deps.Variant)
		if err != nil {
			return nil, fmt.Errorf("load quality gate template: %w", err)
		}
		deps.Judge = NewModelJudge(deps.Generator, deps.Breakers.Generation, tmpl)
	}

	o := &Orchestrator{
		deps: deps,
		executors: map[Phase]Executor{
			PhaseConnecting:          connectingPhase{},
			PhaseDeepResearch:        researchPhase{},
			PhaseQualityGate:         gatePhase{},
			PhaseContentEnrich:       enrichPhase{},
			PhaseSkepticalComparison: comparisonPhase{},
			PhaseSkillsMatching:      skillsPhase{},
			PhaseConfidenceGate:      confidencePhase{},
			PhaseGenerateResults:     generatePhase{},
		},
		now: time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

// Settings returns the effective settings.
func (o *Orchestrator) Settings() Settings {
	return o.deps.Settings
}

// Run executes the pipeline for query and emits exactly one terminal event.
// The query is expected to have passed ValidateQuery.
func (o *Orchestrator) Run(ctx context.Context, query string, emitter stream.Emitter) Result {
	start := o.now()
	id := uuid.NewString()
	log := logger.WithFields(o.deps.Logger, logger.PhaseFields(id, "", 0)...)

	ctx, cancel := context.WithTimeout(ctx, o.deps.Settings.RequestTimeout)
	defer cancel()

	st := NewState(query)
	run := &Run{ID: id, State: st, Deps: &o.deps, Logger: log, emitter: emitter}

	log.Info("pipeline started", zap.Int("query_length", len([]rune(query))))

	phase := PhaseConnecting
	for phase != PhaseComplete && phase != PhaseAborted {
		if err := ctx.Err(); err != nil {
			st.abort(terminalAbort(err))
			break
		}

		u := o.execute(ctx, run, phase)

		// A phase that failed because the run ran out of time reports the timeout, not its own failure.
		if err := ctx.Err(); err != nil {
			st.abort(terminalAbort(err))
		}
		if err := st.Merge(u); err != nil {
			log.Error("phase update refused", zap.String(logger.FieldPhase, string(phase)), zap.Error(err))
		}
		run.Emit(stream.PhaseComplete(string(phase), u.Summary))

		if st.ShouldAbort {
			break
		}

		phase = o.next(phase, st, log)
	}

	return o.finish(run, start)
}

// execute runs one phase, converting a panic into a fatal abort.
func (o *Orchestrator) execute(ctx context.Context, run *Run, phase Phase) (u Update) {
	started := o.now()
	phaseRun := *run
	phaseRun.Logger = run.Logger.With(logger.PhaseFields("", string(phase), run.State.Iteration)...)

	run.Emit(stream.Phase(string(phase)))

	defer func() {
		if r := recover(); r != nil {
			phaseRun.Logger.Error("phase panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			u = Update{
				Phase:  phase,
				Errors: []*PhaseError{newPhaseError(phase, KindFatal, fmt.Errorf("panic: %v", r))},
				Abort:  &Abort{Code: CodeInternal, Message: "An internal error interrupted the analysis."},
			}
		}

		elapsed := o.now().Sub(started)
		if o.deps.Metrics != nil {
			o.deps.Metrics.ObservePhase(string(phase), elapsed)
		}
		phaseRun.Logger.Debug("phase finished", zap.Duration("duration", elapsed))
	}()

	u = o.executors[phase].Execute(ctx, &phaseRun)
	u.Phase = phase
	return u
}

// next resolves the transition after phase. Only QUALITY_GATE branches.
func (o *Orchestrator) next(phase Phase, st *State, log *zap.Logger) Phase {
	if phase != PhaseQualityGate {
		return order[phase]
	}

	gate := st.LastGate()
	if gate == nil {
		st.abort(Abort{Code: CodeInternal, Message: "An internal error interrupted the analysis."})
		return PhaseAborted
	}

	switch gate.Routing {
	case RouteEnhance:
		if st.Iteration >= o.deps.Settings.MaxIterations {
			log.Info("enhance limit reached; stopping", zap.Int(logger.FieldIteration, st.Iteration))
			st.abort(Abort{Code: CodeInsufficientEvidence, Message: reasonNotEnough})
			return PhaseAborted
		}
		st.Iteration++
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordEnhance()
		}
		log.Info("searching again", zap.Int(logger.FieldIteration, st.Iteration))
		return PhaseDeepResearch
	case RouteEarlyExit:
		reason := gate.Reason
		if reason == "" {
			reason = reasonNotEnough
		}
		st.abort(Abort{Code: CodeInsufficientEvidence, Message: reason})
		return PhaseAborted
	default:
		return order[phase]
	}
}

func (o *Orchestrator) finish(run *Run, start time.Time) Result {
	st := run.State
	elapsed := o.now().Sub(start)

	res := Result{RequestID: run.ID, Duration: elapsed, State: st}

	if st.ShouldAbort {
		res.Terminal = stream.EventError
		res.Code = st.AbortCode
		res.Message = st.AbortReason
		run.Emit(stream.Error(st.AbortCode, st.AbortReason))
		run.Logger.Warn("pipeline aborted",
			zap.String("code", st.AbortCode),
			zap.Int(logger.FieldIteration, st.Iteration),
			zap.Int("processing_errors", len(st.ProcessingErrors)),
			zap.Duration("duration", elapsed),
		)
	} else {
		res.Terminal = stream.EventComplete
		run.Emit(stream.Complete(elapsed.Milliseconds()))
		run.Logger.Info("pipeline completed",
			zap.Int(logger.FieldIteration, st.Iteration),
			zap.Int("evidence", len(st.Active())),
			zap.Int("processing_errors", len(st.ProcessingErrors)),
			zap.Duration("duration", elapsed),
		)
	}

	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordRun(string(res.Terminal), res.Code, elapsed)
	}

	return res
}

// Stream starts Run in a goroutine and returns the bridge to drain. The result
// channel receives one value after the terminal event was emitted.
func (o *Orchestrator) Stream(ctx context.Context, query string) (*stream.Bridge, <-chan Result) {
	bridge := stream.NewBridge(o.deps.Logger)
	done := make(chan Result, 1)

	go func() {
		done <- o.Run(ctx, query, bridge)
	}()

	return bridge, done
}
