package consensus

import (
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Similarity scores each distinct candidate by its summed edit-distance ratio
// against every candidate, itself included, so the majority cluster wins even
// when no two readings are identical. Confidences are ignored.
type Similarity struct{}

func (Similarity) Vote(_ string, candidates []Candidate) Result {
	texts := make([]string, 0, len(candidates))
	sources := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if text := Normalize(c.Text); text != "" {
			texts = append(texts, text)
			sources = append(sources, c.Source)
		}
	}
	if len(texts) == 0 {
		return Result{}
	}

	var (
		best      string
		bestScore = -1.0
		scored    = make(map[string]bool, len(texts))
	)
	for _, candidate := range texts {
		if scored[candidate] {
			continue
		}
		scored[candidate] = true

		var score float64
		for _, other := range texts {
			score += Ratio(candidate, other)
		}
		if score > bestScore {
			best, bestScore = candidate, score
		}
	}

	var winners []string
	for i, text := range texts {
		if text == best {
			winners = append(winners, sources[i])
		}
	}
	return Result{Text: best, Confidence: bestScore, Sources: winners}
}

// Ratio is 1 minus the rune edit distance over the longer rune length. Two
// empty strings are identical.
func Ratio(a, b string) float64 {
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
