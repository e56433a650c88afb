package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/fitcheck/internal/scoring"
	"github.com/spigell/fitcheck/internal/stream"
)

// Quality flags raised by the gate.
const (
	FlagJudgmentUnavailable = "judgment_unavailable"
	FlagFabricated          = "fabricated"
	FlagNoCandidates        = "no_candidates"
)

const (
	reasonNotEnough  = "Not enough reliable information was found to produce an analysis."
	reasonFabricated = "The information found looked unreliable, so no analysis was produced."
)

type gatePhase struct{}

func (gatePhase) Phase() Phase { return PhaseQualityGate }

// Execute prunes the active evidence and decides whether to continue, search
// again or stop. It never lets unjudged evidence through.
func (gatePhase) Execute(ctx context.Context, run *Run) Update {
	st := run.State
	settings := run.Deps.Settings
	u := Update{Phase: PhaseQualityGate}

	active := st.Active()

	var scored []scoring.DocumentScore
	for _, e := range active {
		if e.Scored {
			scored = append(scored, e.DocumentScore)
		}
	}
	threshold := scoring.AdaptiveThreshold(len(scored), scoring.SocialRatio(scored))

	var candidates []Evidence
	for _, e := range active {
		switch {
		case !e.Scored:
			u.Exclusions = append(u.Exclusions, Exclusion{ID: e.ID, Reason: ReasonUnscored})
		case e.Final < threshold:
			u.Exclusions = append(u.Exclusions, Exclusion{ID: e.ID, Reason: ReasonBelowThreshold})
		default:
			candidates = append(candidates, e)
		}
	}

	gate := &GateResult{Threshold: threshold, Candidates: len(candidates)}
	u.Gate = gate

	if len(candidates) == 0 {
		u.QualityFlags = append(u.QualityFlags, FlagNoCandidates)
		gate.Routing, gate.Reason = route(st.Iteration, 0, settings)
		u.Summary = gateSummary(gate, len(u.Exclusions))
		return u
	}

	judgment, err := run.Deps.Judge.Judge(ctx, st.Query, candidates)
	if err != nil {
		run.Logger.Warn("evidence judgment failed; pruning unverified evidence", zap.Error(err))
		u.Errors = append(u.Errors, newPhaseError(PhaseQualityGate, KindOf(err), fmt.Errorf("judge evidence: %w", err)))
		u.QualityFlags = append(u.QualityFlags, FlagJudgmentUnavailable)
		for _, e := range candidates {
			u.Exclusions = append(u.Exclusions, Exclusion{ID: e.ID, Reason: ReasonJudgmentUnavailable})
		}
		gate.Routing, gate.Reason = route(st.Iteration, 0, settings)
		run.Emit(stream.Thought(string(PhaseQualityGate), "verdict", "", "", "evidence could not be verified"))
		u.Summary = gateSummary(gate, len(u.Exclusions))
		return u
	}

	verdicts := make(map[string]Verdict, len(judgment.Verdicts))
	for _, v := range judgment.Verdicts {
		verdicts[v.ID] = v
	}

	for _, e := range candidates {
		v, ok := verdicts[e.ID]
		switch {
		case !ok:
			u.Exclusions = append(u.Exclusions, Exclusion{ID: e.ID, Reason: ReasonUnverified})
		case !v.Keep:
			u.Exclusions = append(u.Exclusions, Exclusion{ID: e.ID, Reason: ReasonRejected})
			run.Emit(stream.Thought(string(PhaseQualityGate), "verdict", "", e.URL, "dropped: "+v.Reason))
		default:
			gate.Kept++
		}
	}

	u.QualityFlags = append(u.QualityFlags, judgment.Flags...)

	if judgment.Fabricated {
		gate.Fabricated = true
		gate.Routing = RouteEarlyExit
		gate.Reason = reasonFabricated
		u.QualityFlags = append(u.QualityFlags, FlagFabricated)
	} else {
		gate.Routing, gate.Reason = route(st.Iteration, gate.Kept, settings)
	}

	run.Emit(stream.Thought(string(PhaseQualityGate), "verdict", "", "",
		fmt.Sprintf("kept %d of %d candidates, routing %s", gate.Kept, len(candidates), gate.Routing)))

	u.Summary = gateSummary(gate, len(u.Exclusions))
	return u
}

// route applies the evidence floor. Searching again is only offered while
// iterations remain.
func route(iteration, usable int, settings Settings) (Routing, string) {
	switch {
	case usable >= settings.MinEvidence:
		return RouteContinue, ""
	case iteration < settings.MaxIterations:
		return RouteEnhance, ""
	default:
		return RouteEarlyExit, reasonNotEnough
	}
}

func gateSummary(g *GateResult, excluded int) map[string]any {
	return map[string]any{
		"threshold":  g.Threshold,
		"candidates": g.Candidates,
		"kept":       g.Kept,
		"excluded":   excluded,
		"routing":    string(g.Routing),
	}
}
