package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/fitcheck/internal/breaker"
	"github.com/spigell/fitcheck/internal/queries"
	"github.com/spigell/fitcheck/internal/scoring"
	"github.com/spigell/fitcheck/internal/search"
	"github.com/spigell/fitcheck/internal/stream"
)

type researchPhase struct{}

func (researchPhase) Phase() Phase { return PhaseDeepResearch }

type queryResult struct {
	results []search.Result
	err     error
}

// Execute searches the web for the current round's queries, de-duplicates the
// results against earlier rounds and scores the new documents.
func (researchPhase) Execute(ctx context.Context, run *Run) Update {
	st := run.State
	settings := run.Deps.Settings
	u := Update{Phase: PhaseDeepResearch}

	qs := roundQueries(st)
	round := &ResearchRound{Queries: qs}
	u.Research = round

	for _, q := range qs {
		run.Emit(stream.Thought(string(PhaseDeepResearch), "tool_call", "search", q.Text, string(q.Strategy)))
	}

	found := make([]queryResult, len(qs))
	var g errgroup.Group
	g.SetLimit(settings.MaxConcurrent)
	for i, q := range qs {
		g.Go(func() error {
			results, err := guarded(func() ([]search.Result, error) {
				return breaker.Call(ctx, run.Deps.Breakers.Search, func(ctx context.Context) ([]search.Result, error) {
					return run.Deps.Searcher.Search(ctx, q.Text)
				})
			})
			found[i] = queryResult{results: results, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var docs []scoring.Document
	origin := make(map[string]string)
	for i, q := range qs {
		r := found[i]
		if r.err != nil {
			run.Logger.Warn("search query failed", zap.String("query", q.Text), zap.Error(r.err))
			round.FailedQueries = append(round.FailedQueries, q.Text)
			u.Errors = append(u.Errors, newPhaseError(PhaseDeepResearch, KindOf(r.err), fmt.Errorf("search %q: %w", q.Text, r.err)))
			run.Emit(stream.Thought(string(PhaseDeepResearch), "tool_error", "search", q.Text, "search failed"))
			continue
		}

		round.Results += len(r.results)
		run.Emit(stream.Thought(string(PhaseDeepResearch), "tool_result", "search", q.Text, fmt.Sprintf("%d results", len(r.results))))

		for _, res := range r.results {
			id := EvidenceID(res.URL)
			if st.Seen(id) || origin[id] != "" {
				continue
			}
			origin[id] = q.Text
			docs = append(docs, scoring.Document{ID: id, URL: res.URL, Title: res.Title, Snippet: res.Snippet})
		}
	}

	scores := run.Deps.Scorer.ScoreBatch(ctx, docs, st.Query, settings.MaxConcurrent)
	byID := make(map[string]scoring.DocumentScore, len(scores))
	for _, s := range scores {
		byID[s.ID] = s
	}

	for _, doc := range docs {
		e := Evidence{Query: origin[doc.ID], Iteration: st.Iteration}
		if s, ok := byID[doc.ID]; ok {
			e.DocumentScore = s
			e.Scored = true
		} else {
			e.DocumentScore = scoring.DocumentScore{Document: doc}
		}
		u.NewEvidence = append(u.NewEvidence, e)
	}

	round.New = len(docs)
	round.Scored = len(scores)

	if len(qs) > 0 && len(round.FailedQueries) == len(qs) {
		u.QualityFlags = append(u.QualityFlags, "search_unavailable")
	}

	u.Summary = map[string]any{
		"iteration":      st.Iteration,
		"queries":        len(qs),
		"failed_queries": len(round.FailedQueries),
		"results":        round.Results,
		"new_evidence":   round.New,
		"scored":         round.Scored,
	}

	return u
}

// roundQueries expands the classification on the first round and reformulates
// the initial queries afterwards.
func roundQueries(st *State) []queries.Expanded {
	class := queries.Classification{}
	if st.Classification != nil {
		class = st.Classification.Classification
	}

	if st.Iteration == 0 || len(st.Research) == 0 {
		return queries.Expand(class, st.Query)
	}

	qs := queries.Reformulate(st.Research[0].Queries, st.Iteration+1)
	if len(qs) == 0 {
		return queries.Expand(class, st.Query)
	}
	return qs
}
