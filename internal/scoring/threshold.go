package scoring

import "github.com/spigell/fitcheck/internal/sources"

const (
	baseThreshold    = 0.55
	lenientThreshold = 0.45
	strictThreshold  = 0.60
)

// AdaptiveThreshold returns the minimum final score a document needs to be kept.
// Small result sets are judged leniently and large ones strictly. A set dominated
// by social sources is never judged strictly, and a large set with few social
// sources is never judged leniently.
func AdaptiveThreshold(total int, socialRatio float64) float64 {
	threshold := baseThreshold

	switch {
	case total < 10:
		threshold = lenientThreshold
	case total > 30:
		threshold = strictThreshold
	}

	if socialRatio > 0.5 && threshold > lenientThreshold {
		threshold = lenientThreshold
	}

	if socialRatio < 0.2 && total > 20 && threshold < strictThreshold {
		threshold = strictThreshold
	}

	return threshold
}

// SocialRatio is the share of scores coming from social or video sources.
func SocialRatio(scores []DocumentScore) float64 {
	if len(scores) == 0 {
		return 0
	}

	social := 0
	for _, s := range scores {
		if sources.IsSocial(s.Category) {
			social++
		}
	}

	return float64(social) / float64(len(scores))
}
