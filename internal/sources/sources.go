// Package sources classifies evidence URLs by the kind of site that hosts them.
package sources

import (
	"net/url"
	"strings"
)

// Category is the kind of site a document comes from.
type Category string

const (
	CategoryVideo    Category = "video"
	CategorySocial   Category = "social"
	CategoryWiki     Category = "wiki"
	CategoryAcademic Category = "academic"
	CategoryForum    Category = "forum"
	CategoryNews     Category = "news"
	CategoryGeneral  Category = "general"
)

// multipliers weight a document by how much usable text a page of that kind usually has.
var multipliers = map[Category]float64{
	CategoryVideo:    0.20,
	CategorySocial:   0.50,
	CategoryWiki:     1.10,
	CategoryAcademic: 1.08,
	CategoryForum:    1.00,
	CategoryNews:     0.85,
	CategoryGeneral:  1.00,
}

var domains = map[string]Category{
	"youtube.com":     CategoryVideo,
	"youtu.be":        CategoryVideo,
	"vimeo.com":       CategoryVideo,
	"tiktok.com":      CategoryVideo,
	"twitch.tv":       CategoryVideo,
	"dailymotion.com": CategoryVideo,

	"twitter.com":     CategorySocial,
	"x.com":           CategorySocial,
	"facebook.com":    CategorySocial,
	"instagram.com":   CategorySocial,
	"linkedin.com":    CategorySocial,
	"threads.net":     CategorySocial,
	"mastodon.social": CategorySocial,
	"pinterest.com":   CategorySocial,

	"wikipedia.org": CategoryWiki,
	"wikimedia.org": CategoryWiki,
	"fandom.com":    CategoryWiki,
	"wikia.com":     CategoryWiki,

	"edu":                 CategoryAcademic,
	"ac.uk":               CategoryAcademic,
	"arxiv.org":           CategoryAcademic,
	"scholar.google.com":  CategoryAcademic,
	"researchgate.net":    CategoryAcademic,
	"semanticscholar.org": CategoryAcademic,
	"acm.org":             CategoryAcademic,
	"ieee.org":            CategoryAcademic,
	"springer.com":        CategoryAcademic,
	"nature.com":          CategoryAcademic,

	"reddit.com":           CategoryForum,
	"stackoverflow.com":    CategoryForum,
	"stackexchange.com":    CategoryForum,
	"news.ycombinator.com": CategoryForum,
	"quora.com":            CategoryForum,
	"glassdoor.com":        CategoryForum,
	"blind.com":            CategoryForum,

	"reuters.com":         CategoryNews,
	"bloomberg.com":       CategoryNews,
	"techcrunch.com":      CategoryNews,
	"nytimes.com":         CategoryNews,
	"wsj.com":             CategoryNews,
	"bbc.co.uk":           CategoryNews,
	"bbc.com":             CategoryNews,
	"cnbc.com":            CategoryNews,
	"theverge.com":        CategoryNews,
	"forbes.com":          CategoryNews,
	"businessinsider.com": CategoryNews,
}

// Classification is the outcome of Classify.
type Classification struct {
	Category   Category
	Multiplier float64
	Domain     string
}

// Multiplier returns the extractability weight of a category. Unknown categories weigh 1.
func Multiplier(c Category) float64 {
	if m, ok := multipliers[c]; ok {
		return m
	}
	return 1.0
}

// Classify maps a URL to its category. The most specific known suffix of the host wins;
// anything unknown or unparseable is general.
func Classify(rawURL string) Classification {
	host := hostOf(rawURL)
	if host == "" {
		return Classification{Category: CategoryGeneral, Multiplier: Multiplier(CategoryGeneral)}
	}

	labels := strings.Split(host, ".")
	for i := range labels {
		suffix := strings.Join(labels[i:], ".")
		if category, ok := domains[suffix]; ok {
			return Classification{Category: category, Multiplier: Multiplier(category), Domain: host}
		}
	}

	return Classification{Category: CategoryGeneral, Multiplier: Multiplier(CategoryGeneral), Domain: host}
}

// IsSocial reports whether the category counts toward the social share of a result set.
func IsSocial(c Category) bool {
	return c == CategorySocial || c == CategoryVideo
}

// Domain returns the normalized host of a URL, or "" when it has none.
func Domain(rawURL string) string {
	return hostOf(rawURL)
}

func hostOf(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")
	return host
}
