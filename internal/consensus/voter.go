package consensus

import (
	"fmt"
	"strings"
)

// Candidate is one recognizer's reading of a field.
type Candidate struct {
	Source     string
	Text       string
	Confidence float64
}

// Result is the merged reading of a field. Confidence is the winning score,
// kept for diagnostics; it is not bounded by 1 under weighted voting.
type Result struct {
	Text       string
	Confidence float64
	Sources    []string
}

// Empty reports whether no candidate survived.
func (r Result) Empty() bool {
	return r.Text == ""
}

// Voter merges the candidates for one field into a single reading.
type Voter interface {
	Vote(field string, candidates []Candidate) Result
}

// Method names accepted by NewVoter
const (
	MethodWeighted   = "weighted"
	MethodSimilarity = "similarity"
	MethodFallback   = "fallback"
)

// NewVoter builds the voter for method. Weights and defaultWeight apply to the
// weighted method only.
func NewVoter(method string, weights map[string]map[string]float64, defaultWeight float64) (Voter, error) {
	switch strings.ToLower(method) {
	case MethodWeighted:
		return NewWeighted(weights, defaultWeight), nil
	case MethodSimilarity:
		return Similarity{}, nil
	case MethodFallback:
		return Fallback{}, nil
	default:
		return nil, fmt.Errorf("unknown voting method %q", method)
	}
}

// DefaultTable is the weight table used for fields without their own entry.
const DefaultTable = "default"

// Weighted groups candidates by exact normalized text and scores each group by
// the sum of confidence x recognizer weight. Empty texts do not vote.
type Weighted struct {
	weights       map[string]map[string]float64
	defaultWeight float64
}

// NewWeighted creates a weighted voter. Field and recognizer names are matched
// case-insensitively.
func NewWeighted(weights map[string]map[string]float64, defaultWeight float64) *Weighted {
	norm := make(map[string]map[string]float64, len(weights))
	for field, table := range weights {
		t := make(map[string]float64, len(table))
		for name, w := range table {
			t[strings.ToLower(name)] = w
		}
		norm[strings.ToLower(field)] = t
	}
	return &Weighted{weights: norm, defaultWeight: defaultWeight}
}

// Weight returns the weight of recognizer for field: the field's own table
// first, then the default table, then the voter's default weight.
func (v *Weighted) Weight(field, recognizer string) float64 {
	recognizer = strings.ToLower(recognizer)
	if table, ok := v.weights[strings.ToLower(field)]; ok {
		if w, ok := table[recognizer]; ok {
			return w
		}
	}
	if table, ok := v.weights[DefaultTable]; ok {
		if w, ok := table[recognizer]; ok {
			return w
		}
	}
	return v.defaultWeight
}

// Vote picks the group with the highest aggregate score. Ties go to the group
// seen first.
func (v *Weighted) Vote(field string, candidates []Candidate) Result {
	type group struct {
		text    string
		score   float64
		sources []string
	}

	var groups []*group
	index := make(map[string]*group)
	for _, c := range candidates {
		text := Normalize(c.Text)
		if text == "" {
			continue
		}
		g, ok := index[text]
		if !ok {
			g = &group{text: text}
			index[text] = g
			groups = append(groups, g)
		}
		g.score += c.Confidence * v.Weight(field, c.Source)
		g.sources = append(g.sources, c.Source)
	}

	if len(groups) == 0 {
		return Result{}
	}

	best := groups[0]
	for _, g := range groups[1:] {
		if g.score > best.score {
			best = g
		}
	}
	return Result{Text: best.text, Confidence: best.score, Sources: best.sources}
}

// Fallback takes the first non-empty candidate, in the order given.
type Fallback struct{}

func (Fallback) Vote(_ string, candidates []Candidate) Result {
	for _, c := range candidates {
		if text := Normalize(c.Text); text != "" {
			return Result{Text: text, Confidence: c.Confidence, Sources: []string{c.Source}}
		}
	}
	return Result{}
}

// Normalize trims text and collapses internal whitespace runs to one space.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
