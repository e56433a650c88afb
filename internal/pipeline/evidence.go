package pipeline

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/spigell/fitcheck/internal/utils"
)

// evidenceTextLimit caps the body of one evidence item inside a prompt.
const evidenceTextLimit = 1500

// NormalizeURL canonicalizes a result URL for de-duplication: lowercase host
// without www, no fragment, no tracking parameters, no trailing slash.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""

	if u.RawQuery != "" {
		values := u.Query()
		for key := range values {
			lower := strings.ToLower(key)
			if strings.HasPrefix(lower, "utm_") || lower == "fbclid" || lower == "gclid" {
				values.Del(key)
			}
		}
		u.RawQuery = values.Encode()
	}

	return u.String()
}

// EvidenceID is a stable id derived from the normalized URL.
func EvidenceID(rawURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(NormalizeURL(rawURL))).String()
}

// rankByScore returns items ordered by final score, highest first. Ties keep gathering order.
func rankByScore(items []Evidence) []Evidence {
	ranked := append([]Evidence(nil), items...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Final > ranked[j].Final
	})
	return ranked
}

// renderEvidence numbers items from 1 for citation.
func renderEvidence(items []Evidence) string {
	if len(items) == 0 {
		return "(no evidence)"
	}

	var b strings.Builder
	for i, e := range items {
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, utils.SingleLine(e.Title), e.URL, utils.TruncateForLog(e.Text(), evidenceTextLimit))
	}
	return strings.TrimSpace(b.String())
}

// renderCandidates lists items by id for the quality gate judgment.
func renderCandidates(items []Evidence) string {
	var b strings.Builder
	for _, e := range items {
		fmt.Fprintf(&b, "%s | %s | %s | %s\n", e.ID, utils.SingleLine(e.Title), e.URL, utils.SingleLine(e.Snippet))
	}
	return strings.TrimSpace(b.String())
}

func renderList(label string, items []string) string {
	if len(items) == 0 {
		return label + ": none"
	}
	return label + ": " + strings.Join(items, "; ")
}

// maxPromptEvidence caps how many items later phases put into a prompt.
const maxPromptEvidence = 10

// promptEvidence returns the best active items in the order they are cited.
func promptEvidence(st *State) []Evidence {
	ranked := rankByScore(st.Active())
	if len(ranked) > maxPromptEvidence {
		ranked = ranked[:maxPromptEvidence]
	}
	return ranked
}
