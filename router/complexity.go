package router

import (
	"strings"
)

// complexityKeywords is the fixed 6-word set spec.md §4.6 scores keyword
// weight against.
var complexityKeywords = []string{"analyze", "implement", "optimize", "algorithm", "architecture", "debug"}

// domainBonusTerms grant a flat bonus when present, reflecting that these
// domains tend to need a more capable model regardless of raw token count.
var domainBonusTerms = []string{"code", "api", "database", "security", "machine learning", "data science"}

const (
	maxKeywordMatches    = 10
	maxStructuralMatches = 15
)

// analyzeComplexity scores task on [0, 1.0] across four weighted factors:
// token-count (0.3), keyword density (0.3), structural density (0.3), and a
// flat domain bonus (0.1). Grounded on the weighting shape of
// pkg/routing's RoutingContext.Complexity field, generalized into the
// four-factor formula spec.md §4.6 specifies.
func analyzeComplexity(task string) float64 {
	lower := strings.ToLower(task)

	tokenEstimate := float64(len(strings.Fields(task)))
	tokenWeight := clamp(tokenEstimate/1000, 0, 1) * 0.3

	keywordMatches := 0
	for _, kw := range complexityKeywords {
		keywordMatches += strings.Count(lower, kw)
	}
	if keywordMatches > maxKeywordMatches {
		keywordMatches = maxKeywordMatches
	}
	keywordWeight := (float64(keywordMatches) / maxKeywordMatches) * 0.3

	structural := strings.Count(task, "{") + strings.Count(task, "}") +
		strings.Count(task, "(") + strings.Count(task, ")") +
		strings.Count(task, "[") + strings.Count(task, "]")
	if structural > maxStructuralMatches {
		structural = maxStructuralMatches
	}
	structuralWeight := (float64(structural) / maxStructuralMatches) * 0.3

	domainBonus := 0.0
	for _, term := range domainBonusTerms {
		if strings.Contains(lower, term) {
			domainBonus = 0.1
			break
		}
	}

	return tokenWeight + keywordWeight + structuralWeight + domainBonus
}

// complexityTier buckets a raw score into the coarse band candidate
// filtering and capability requirements key off.
func complexityTier(score float64) string {
	switch {
	case score >= 0.7:
		return "high"
	case score >= 0.35:
		return "medium"
	default:
		return "low"
	}
}
