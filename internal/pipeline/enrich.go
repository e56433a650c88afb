package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/fitcheck/internal/breaker"
	"github.com/spigell/fitcheck/internal/fetch"
	"github.com/spigell/fitcheck/internal/stream"
)

type enrichPhase struct{}

func (enrichPhase) Phase() Phase { return PhaseContentEnrich }

// Execute fetches the full text of the best evidence. Items that cannot be
// fetched keep their search snippet.
func (enrichPhase) Execute(ctx context.Context, run *Run) Update {
	settings := run.Deps.Settings
	u := Update{Phase: PhaseContentEnrich}

	targets := rankByScore(run.State.Active())
	if len(targets) > settings.EnrichLimit {
		targets = targets[:settings.EnrichLimit]
	}

	for _, e := range targets {
		run.Emit(stream.Thought(string(PhaseContentEnrich), "tool_call", "fetch", e.URL, ""))
	}

	texts := make([]string, len(targets))
	errs := make([]error, len(targets))

	var g errgroup.Group
	g.SetLimit(settings.MaxConcurrent)
	for i, e := range targets {
		g.Go(func() error {
			texts[i], errs[i] = guarded(func() (string, error) {
				return fetchPage(ctx, run, e.URL)
			})
			return nil
		})
	}
	_ = g.Wait()

	enrichment := &Enrichment{Attempted: len(targets)}
	for i, e := range targets {
		if err := errs[i]; err != nil {
			enrichment.Failed++
			run.Logger.Debug("keeping snippet for evidence", zap.String("url", e.URL), zap.Error(err))
			u.Errors = append(u.Errors, newPhaseError(PhaseContentEnrich, KindOf(err), fmt.Errorf("fetch %s: %w", e.URL, err)))
			run.Emit(stream.Thought(string(PhaseContentEnrich), "tool_error", "fetch", e.URL, "using search snippet"))
			continue
		}
		if texts[i] == "" {
			enrichment.Failed++
			continue
		}

		enrichment.Enriched++
		u.Contents = append(u.Contents, ContentUpdate{ID: e.ID, Content: texts[i]})
		run.Emit(stream.Thought(string(PhaseContentEnrich), "tool_result", "fetch", e.URL, fmt.Sprintf("%d characters", len([]rune(texts[i])))))
	}

	u.Enrichment = enrichment
	u.Summary = map[string]any{
		"attempted": enrichment.Attempted,
		"enriched":  enrichment.Enriched,
		"failed":    enrichment.Failed,
	}
	return u
}

// fetchPage calls the fetcher through the fetch breaker. Only failures of the
// network or of the remote side count against the breaker.
func fetchPage(ctx context.Context, run *Run, url string) (string, error) {
	var pageErr error
	text, err := breaker.Call(ctx, run.Deps.Breakers.Fetch, func(ctx context.Context) (string, error) {
		text, err := run.Deps.Fetcher.Fetch(ctx, url, run.Deps.Settings.FetchTimeout)
		if err != nil && !fetch.IsDependencyFailure(err) {
			pageErr = err
			return "", nil
		}
		return text, err
	})
	if pageErr != nil {
		return "", pageErr
	}
	return text, err
}
