package pipeline

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/fitcheck/internal/ai"
	"github.com/spigell/fitcheck/internal/prompts"
	"github.com/spigell/fitcheck/internal/queries"
	"github.com/spigell/fitcheck/internal/stream"
)

// jobHints mark a query as a job title or description rather than a company name.
var jobHints = regexp.MustCompile(`(?i)\b(engineer|developer|programmer|manager|lead|architect|analyst|designer|scientist|intern|director|specialist|consultant|administrator|requirements|responsibilities|position|vacancy|hiring|role)\b`)

type connectingPhase struct{}

func (connectingPhase) Phase() Phase { return PhaseConnecting }

// Execute classifies the query. When the model cannot be used the
// classification is guessed from the query text.
func (connectingPhase) Execute(ctx context.Context, run *Run) Update {
	run.Emit(stream.Status("connecting"))

	u := Update{Phase: PhaseConnecting}

	class, err := classifyWithModel(ctx, run)
	if err != nil {
		run.Logger.Warn("query classification failed; using heuristic", zap.Error(err))
		u.Errors = append(u.Errors, newPhaseError(PhaseConnecting, KindOf(err), err))
		class = heuristicClassification(run.State.Query, run.Deps.Profile.AllSkills())
	}

	u.Classification = class
	u.Summary = map[string]any{
		"type":   string(class.Focus),
		"source": class.Source,
	}
	if class.CompanyName != "" {
		u.Summary["company"] = class.CompanyName
	}
	if class.JobTitle != "" {
		u.Summary["job_title"] = class.JobTitle
	}

	run.Emit(stream.Status("connected"))
	return u
}

func classifyWithModel(ctx context.Context, run *Run) (*Classification, error) {
	data, err := run.Ask(ctx, prompts.ClassifyQuery, map[string]string{"QUERY": run.State.Query})
	if err != nil {
		return nil, err
	}

	focus := queries.FocusCompany
	if strings.EqualFold(strings.TrimSpace(ai.CoerceString(data["type"])), string(queries.FocusJob)) {
		focus = queries.FocusJob
	}

	return &Classification{
		Classification: queries.Classification{
			Focus:       focus,
			CompanyName: strings.TrimSpace(ai.CoerceString(data["company_name"])),
			JobTitle:    strings.TrimSpace(ai.CoerceString(data["job_title"])),
			Skills:      ai.CoerceStrings(data["skills"]),
			Industry:    strings.TrimSpace(ai.CoerceString(data["industry"])),
		},
		Source: SourceModel,
	}, nil
}

// heuristicClassification treats long or role-like queries as jobs and picks
// known skills mentioned in the text.
func heuristicClassification(query string, knownSkills []string) *Classification {
	c := queries.Classification{Focus: queries.FocusCompany}

	firstLine := strings.TrimSpace(strings.SplitN(query, "\n", 2)[0])
	if strings.Contains(query, "\n") || len(strings.Fields(query)) > 12 || jobHints.MatchString(firstLine) {
		c.Focus = queries.FocusJob
		c.JobTitle = firstLine
	} else {
		c.CompanyName = firstLine
	}

	c.Skills = mentionedSkills(query, knownSkills)

	return &Classification{Classification: c, Source: SourceHeuristic}
}

// mentionedSkills returns the skills that appear in text as whole words.
func mentionedSkills(text string, skills []string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, skill := range skills {
		s := strings.ToLower(strings.TrimSpace(skill))
		if s == "" {
			continue
		}
		if containsWord(lower, s) {
			out = append(out, skill)
		}
	}
	return out
}

func containsWord(text, word string) bool {
	for start := 0; ; {
		idx := strings.Index(text[start:], word)
		if idx == -1 {
			return false
		}
		idx += start
		end := idx + len(word)
		if (idx == 0 || !isWordByte(text[idx-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		start = idx + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
