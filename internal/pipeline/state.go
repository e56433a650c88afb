package pipeline

import (
	"errors"
	"fmt"

	"github.com/spigell/fitcheck/internal/queries"
	"github.com/spigell/fitcheck/internal/scoring"
)

// Exclusion reasons set by the quality gate.
const (
	ReasonUnscored            = "unscored"
	ReasonBelowThreshold      = "below_threshold"
	ReasonUnverified          = "unverified"
	ReasonRejected            = "rejected"
	ReasonJudgmentUnavailable = "judgment_unavailable"
)

// Where a phase result came from.
const (
	SourceModel     = "model"
	SourceHeuristic = "heuristic"
)

// Evidence is one search result gathered during research. Items are never
// removed from the state; the quality gate marks them excluded instead.
type Evidence struct {
	scoring.DocumentScore

	// Scored is false when the scorer dropped the document.
	Scored bool
	Query  string
	// Iteration is the enhance-loop round that found the item.
	Iteration int
	// Content is the fetched page text, empty until enrichment.
	Content string

	Excluded        bool
	ExclusionReason string
}

// Text is the best available body of the item.
func (e Evidence) Text() string {
	if e.Content != "" {
		return e.Content
	}
	return e.Snippet
}

type Classification struct {
	queries.Classification
	Source string
}

// ResearchRound records one pass of DEEP_RESEARCH.
type ResearchRound struct {
	Iteration     int
	Queries       []queries.Expanded
	Results       int
	New           int
	Scored        int
	FailedQueries []string
}

// GateResult records one pass of QUALITY_GATE.
type GateResult struct {
	Iteration  int
	Threshold  float64
	Candidates int
	Kept       int
	Routing    Routing
	Fabricated bool
	// Reason explains an EARLY_EXIT to the caller.
	Reason string
}

type Enrichment struct {
	Attempted int
	Enriched  int
	Failed    int
}

type Comparison struct {
	Strengths []string
	Gaps      []string
	Risks     []string
	Summary   string
	// Degraded is set when no comparison could be produced.
	Degraded bool
}

type SkillsMatch struct {
	Required     []string
	Matched      []string
	Missing      []string
	Transferable []string
	Score        float64
	Source       string
}

type Confidence struct {
	Score  float64
	Level  string
	Reason string
	Source string
}

type Report struct {
	Text    string
	Variant string
}

// Exclusion marks evidence item ID as pruned.
type Exclusion struct {
	ID     string
	Reason string
}

// ContentUpdate attaches fetched text to evidence item ID.
type ContentUpdate struct {
	ID      string
	Content string
}

// State is the accumulated result of one run. Executors read it; only Merge
// and the orchestrator write to it.
type State struct {
	Query     string
	Iteration int

	Classification *Classification
	Research       []ResearchRound
	Gates          []GateResult
	Enrichment     *Enrichment
	Comparison     *Comparison
	Skills         *SkillsMatch
	Confidence     *Confidence
	Report         *Report

	Evidence         []Evidence
	QualityFlags     []string
	ProcessingErrors []*PhaseError

	ShouldAbort bool
	AbortCode   string
	AbortReason string

	index map[string]int
}

func NewState(query string) *State {
	return &State{Query: query, index: make(map[string]int)}
}

// Update is the partial result of one phase execution.
type Update struct {
	Phase Phase

	Classification *Classification
	Research       *ResearchRound
	Gate           *GateResult
	Enrichment     *Enrichment
	Comparison     *Comparison
	Skills         *SkillsMatch
	Confidence     *Confidence
	Report         *Report

	NewEvidence  []Evidence
	Exclusions   []Exclusion
	Contents     []ContentUpdate
	QualityFlags []string
	Errors       []*PhaseError
	Abort        *Abort

	// Summary is published with the phase_complete event.
	Summary map[string]any
}

// Merge applies u. Writes to a slot the phase does not own, or to a slot that
// was already written, are refused, recorded as processing errors and returned.
func (s *State) Merge(u Update) error {
	var errs []error

	if u.Classification != nil {
		errs = append(errs, s.claim("classification", PhaseConnecting, u.Phase, s.Classification != nil, func() {
			s.Classification = u.Classification
		}))
	}
	if u.Research != nil {
		errs = append(errs, s.claim("research", PhaseDeepResearch, u.Phase, len(s.Research) > s.Iteration, func() {
			round := *u.Research
			round.Iteration = s.Iteration
			s.Research = append(s.Research, round)
		}))
	}
	if u.Gate != nil {
		errs = append(errs, s.claim("gate", PhaseQualityGate, u.Phase, len(s.Gates) > s.Iteration, func() {
			gate := *u.Gate
			gate.Iteration = s.Iteration
			s.Gates = append(s.Gates, gate)
		}))
	}
	if u.Enrichment != nil {
		errs = append(errs, s.claim("enrichment", PhaseContentEnrich, u.Phase, s.Enrichment != nil, func() {
			s.Enrichment = u.Enrichment
		}))
	}
	if u.Comparison != nil {
		errs = append(errs, s.claim("comparison", PhaseSkepticalComparison, u.Phase, s.Comparison != nil, func() {
			s.Comparison = u.Comparison
		}))
	}
	if u.Skills != nil {
		errs = append(errs, s.claim("skills", PhaseSkillsMatching, u.Phase, s.Skills != nil, func() {
			s.Skills = u.Skills
		}))
	}
	if u.Confidence != nil {
		errs = append(errs, s.claim("confidence", PhaseConfidenceGate, u.Phase, s.Confidence != nil, func() {
			s.Confidence = u.Confidence
		}))
	}
	if u.Report != nil {
		errs = append(errs, s.claim("report", PhaseGenerateResults, u.Phase, s.Report != nil, func() {
			s.Report = u.Report
		}))
	}

	if len(u.NewEvidence) > 0 {
		errs = append(errs, s.claim("evidence", PhaseDeepResearch, u.Phase, false, func() {
			for _, e := range u.NewEvidence {
				s.appendEvidence(e)
			}
		}))
	}
	if len(u.Exclusions) > 0 {
		errs = append(errs, s.claim("exclusions", PhaseQualityGate, u.Phase, false, func() {
			for _, ex := range u.Exclusions {
				s.exclude(ex)
			}
		}))
	}
	if len(u.Contents) > 0 {
		errs = append(errs, s.claim("contents", PhaseContentEnrich, u.Phase, false, func() {
			for _, c := range u.Contents {
				if i, ok := s.index[c.ID]; ok && !s.Evidence[i].Excluded {
					s.Evidence[i].Content = c.Content
				}
			}
		}))
	}

	s.QualityFlags = append(s.QualityFlags, u.QualityFlags...)
	s.ProcessingErrors = append(s.ProcessingErrors, u.Errors...)

	if u.Abort != nil {
		s.abort(*u.Abort)
	}

	err := errors.Join(errs...)
	if err != nil {
		s.ProcessingErrors = append(s.ProcessingErrors, newPhaseError(u.Phase, KindRecoverable, err))
	}
	return err
}

func (s *State) claim(slot string, owner, writer Phase, written bool, apply func()) error {
	if writer != owner {
		return fmt.Errorf("%s may not write %s", writer, slot)
	}
	if written {
		return fmt.Errorf("%s already written", slot)
	}
	apply()
	return nil
}

func (s *State) appendEvidence(e Evidence) {
	if s.index == nil {
		s.index = make(map[string]int)
	}
	if _, ok := s.index[e.ID]; ok {
		return
	}
	e.Excluded = false
	e.ExclusionReason = ""
	s.index[e.ID] = len(s.Evidence)
	s.Evidence = append(s.Evidence, e)
}

func (s *State) exclude(ex Exclusion) {
	i, ok := s.index[ex.ID]
	if !ok || s.Evidence[i].Excluded {
		return
	}
	s.Evidence[i].Excluded = true
	s.Evidence[i].ExclusionReason = ex.Reason
}

// abort keeps the first reason it is given.
func (s *State) abort(a Abort) {
	if s.ShouldAbort {
		return
	}
	s.ShouldAbort = true
	s.AbortCode = a.Code
	s.AbortReason = a.Message
}

// Active returns the evidence items that are not excluded, in gathering order.
func (s *State) Active() []Evidence {
	out := make([]Evidence, 0, len(s.Evidence))
	for _, e := range s.Evidence {
		if !e.Excluded {
			out = append(out, e)
		}
	}
	return out
}

// Seen reports whether an evidence item with this id was gathered already.
func (s *State) Seen(id string) bool {
	_, ok := s.index[id]
	return ok
}

// LastGate returns the most recent quality gate result.
func (s *State) LastGate() *GateResult {
	if len(s.Gates) == 0 {
		return nil
	}
	return &s.Gates[len(s.Gates)-1]
}
