// Package queries builds and reformulates the web search queries used to
// gather evidence about a company or role.
package queries

import (
	"strings"
	"unicode"
)

// Focus is what the inbound request is about.
type Focus string

const (
	FocusCompany Focus = "company"
	FocusJob     Focus = "job"
)

// Strategy records how a query was produced.
type Strategy string

const (
	StrategyExact     Strategy = "exact"
	StrategyTitle     Strategy = "intitle"
	StrategyExclusion Strategy = "exclusion"
	StrategySkills    Strategy = "skills"
	StrategyBroaden   Strategy = "broaden"
	StrategySynonym   Strategy = "synonym"
)

// MinQueries is the least number of queries Expand returns.
const MinQueries = 3

// ExcludedDomains hold little extractable text and are filtered from exclusion queries.
var ExcludedDomains = []string{"youtube.com", "tiktok.com", "instagram.com", "facebook.com", "pinterest.com"}

// Classification is the structured reading of a request.
type Classification struct {
	Focus       Focus    `json:"type"`
	CompanyName string   `json:"company_name"`
	JobTitle    string   `json:"job_title"`
	Skills      []string `json:"skills"`
	Industry    string   `json:"industry"`
}

// Expanded is one search query. Iteration is the enhance-loop round it was built for.
type Expanded struct {
	Text      string
	Strategy  Strategy
	Iteration int
}

// Texts returns the query strings.
func Texts(qs []Expanded) []string {
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = q.Text
	}
	return out
}

// Expand builds the initial query set. It always returns at least MinQueries queries.
func Expand(c Classification, original string) []Expanded {
	var qs []Expanded
	switch c.Focus {
	case FocusJob:
		qs = expandJob(c, original)
	default:
		qs = expandCompany(c, original)
	}

	qs = dedup(qs)

	subject := firstNonEmpty(c.CompanyName, c.JobTitle, shorten(original, 8))
	fillers := []Expanded{
		{Text: subject, Strategy: StrategyBroaden},
		{Text: subject + " overview", Strategy: StrategyBroaden},
		{Text: subject + " news", Strategy: StrategyBroaden},
	}
	for i := 0; len(qs) < MinQueries && i < len(fillers); i++ {
		qs = dedup(append(qs, fillers[i]))
	}

	return qs
}

func expandCompany(c Classification, original string) []Expanded {
	name := firstNonEmpty(c.CompanyName, shorten(original, 8))
	phrase := quote(name)

	qs := []Expanded{
		{Text: phrase + " company culture engineering", Strategy: StrategyExact},
		{Text: "intitle:" + phrase + " careers", Strategy: StrategyTitle},
		{Text: phrase + " employee reviews" + exclusions(), Strategy: StrategyExclusion},
	}

	if c.Industry != "" {
		qs = append(qs, Expanded{Text: phrase + " " + c.Industry + " news", Strategy: StrategyExact})
	}

	if len(c.Skills) > 0 {
		qs = append(qs, Expanded{Text: phrase + " tech stack " + strings.Join(topSkills(c.Skills, 3), " "), Strategy: StrategySkills})
	}

	return qs
}

func expandJob(c Classification, original string) []Expanded {
	title := firstNonEmpty(c.JobTitle, shorten(original, 8))
	phrase := quote(title)
	skills := topSkills(c.Skills, 3)

	qs := []Expanded{
		{Text: phrase + " job requirements responsibilities", Strategy: StrategyExact},
	}

	if c.CompanyName != "" {
		qs = append(qs,
			Expanded{Text: "intitle:" + quote(c.CompanyName) + " " + phrase, Strategy: StrategyTitle},
			Expanded{Text: quote(c.CompanyName) + " engineering culture" + exclusions(), Strategy: StrategyExclusion},
		)
	} else {
		qs = append(qs, Expanded{Text: "intitle:" + phrase + " role", Strategy: StrategyTitle})
	}

	if len(skills) > 0 {
		qs = append(qs, Expanded{Text: phrase + " " + strings.Join(skills, " ") + exclusions(), Strategy: StrategySkills})
	} else {
		qs = append(qs, Expanded{Text: phrase + " skills" + exclusions(), Strategy: StrategyExclusion})
	}

	return qs
}

// Reformulate rewrites the previous queries for the given search round. Round 1
// is the initial search and returns prev unchanged. Round 2 broadens every query.
// Later rounds broaden and then substitute role and skill synonyms.
func Reformulate(prev []Expanded, round int) []Expanded {
	if round <= 1 {
		return append([]Expanded(nil), prev...)
	}

	out := make([]Expanded, 0, len(prev))
	for _, q := range prev {
		text := Broaden(q.Text)
		strategy := StrategyBroaden
		if round >= 3 {
			text = substitute(text, round-3)
			strategy = StrategySynonym
		}
		if text == "" {
			continue
		}
		out = append(out, Expanded{Text: text, Strategy: strategy, Iteration: round - 1})
	}

	return dedup(out)
}

// Broaden strips quoting and restrictive operators.
func Broaden(text string) string {
	fields := strings.Fields(text)
	kept := fields[:0]
	for _, f := range fields {
		lower := strings.ToLower(f)
		if strings.HasPrefix(lower, "-site:") || strings.HasPrefix(lower, "site:") {
			continue
		}
		f = strings.TrimPrefix(f, "intitle:")
		f = strings.TrimPrefix(f, "INTITLE:")
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

var synonyms = map[string][]string{
	"engineer":         {"developer", "programmer"},
	"engineers":        {"developers", "programmers"},
	"developer":        {"engineer", "programmer"},
	"developers":       {"engineers", "programmers"},
	"programmer":       {"developer", "engineer"},
	"engineering":      {"development", "technology"},
	"manager":          {"lead", "head"},
	"lead":             {"principal", "manager"},
	"senior":           {"experienced", "staff"},
	"junior":           {"entry-level", "graduate"},
	"careers":          {"jobs", "hiring"},
	"jobs":             {"careers", "openings"},
	"reviews":          {"experiences", "opinions"},
	"culture":          {"workplace", "values"},
	"company":          {"employer", "organization"},
	"requirements":     {"qualifications", "skills"},
	"responsibilities": {"duties", "tasks"},
	"role":             {"position", "job"},
	"skills":           {"competencies", "expertise"},
	"golang":           {"go", "go language"},
	"frontend":         {"front-end", "ui"},
	"backend":          {"back-end", "server-side"},
	"devops":           {"sre", "platform engineering"},
	"ml":               {"machine learning", "ai"},
}

func substitute(text string, variant int) string {
	fields := strings.Fields(text)
	for i, f := range fields {
		alts, ok := synonyms[strings.ToLower(f)]
		if !ok {
			continue
		}
		fields[i] = alts[variant%len(alts)]
	}
	return strings.Join(fields, " ")
}

func exclusions() string {
	var b strings.Builder
	for _, d := range ExcludedDomains {
		b.WriteString(" -site:")
		b.WriteString(d)
	}
	return b.String()
}

func quote(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, `"`, ""))
	if s == "" {
		return ""
	}
	return `"` + s + `"`
}

func topSkills(skills []string, n int) []string {
	out := make([]string, 0, n)
	for _, s := range skills {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == n {
			break
		}
	}
	return out
}

// shorten keeps the first line of s, cut to at most words words.
func shorten(s string, words int) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexAny(s, "\r\n"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimRightFunc(s, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSpace(r) })
	fields := strings.Fields(s)
	if len(fields) > words {
		fields = fields[:words]
	}
	return strings.Join(fields, " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func dedup(qs []Expanded) []Expanded {
	seen := make(map[string]bool, len(qs))
	out := qs[:0]
	for _, q := range qs {
		q.Text = strings.TrimSpace(q.Text)
		key := strings.ToLower(q.Text)
		if q.Text == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
	}
	return out
}
