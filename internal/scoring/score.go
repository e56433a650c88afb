// Package scoring grades candidate evidence documents and decides how strict
// the acceptance threshold should be for a given result set.
package scoring

import (
	"github.com/spigell/fitcheck/internal/sources"
)

const (
	WeightRelevance  = 0.50
	WeightQuality    = 0.30
	WeightUsefulness = 0.20
)

// Document is a search result awaiting a score.
type Document struct {
	ID      string
	URL     string
	Title   string
	Snippet string
}

// DocumentScore is a scored document. Final always equals Composite times Multiplier.
type DocumentScore struct {
	Document

	Relevance  float64
	Quality    float64
	Usefulness float64

	Category   sources.Category
	Multiplier float64
	Final      float64
	Reasoning  string
}

// Composite is the weighted sum of the three sub-scores.
func Composite(relevance, quality, usefulness float64) float64 {
	return relevance*WeightRelevance + quality*WeightQuality + usefulness*WeightUsefulness
}

// NewScore classifies the document source and derives the final score.
func NewScore(doc Document, relevance, quality, usefulness float64, reasoning string) DocumentScore {
	class := sources.Classify(doc.URL)
	return DocumentScore{
		Document:   doc,
		Relevance:  relevance,
		Quality:    quality,
		Usefulness: usefulness,
		Category:   class.Category,
		Multiplier: class.Multiplier,
		Final:      Composite(relevance, quality, usefulness) * class.Multiplier,
		Reasoning:  reasoning,
	}
}

func (s DocumentScore) Composite() float64 {
	return Composite(s.Relevance, s.Quality, s.Usefulness)
}
