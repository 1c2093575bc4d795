package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var formWeights = map[string]map[string]float64{
	"ho_ten":  {"vit5": 0.5, "trocr": 0.4, "crnn": 0.1},
	"default": {"vit5": 0.4, "trocr": 0.4, "crnn": 0.2},
}

func TestWeightedPicksHighestAggregate(t *testing.T) {
	v := NewWeighted(map[string]map[string]float64{
		"f": {"a": 0.5, "b": 0.4, "c": 0.1},
	}, 1.0)

	res := v.Vote("f", []Candidate{
		{Source: "a", Text: "X", Confidence: 0.9},
		{Source: "b", Text: "X", Confidence: 0.8},
		{Source: "c", Text: "Y", Confidence: 0.95},
	})

	assert.Equal(t, "X", res.Text)
	assert.InDelta(t, 0.77, res.Confidence, 1e-9)
	assert.Equal(t, []string{"a", "b"}, res.Sources)
}

func TestWeightedLookupFallsBack(t *testing.T) {
	v := NewWeighted(formWeights, 1.0)

	assert.Equal(t, 0.5, v.Weight("ho_ten", "vit5"))
	assert.Equal(t, 0.5, v.Weight("HO_TEN", "ViT5"))
	assert.Equal(t, 0.2, v.Weight("dia_chi", "crnn"), "unmapped field uses default table")
	assert.Equal(t, 1.0, v.Weight("ho_ten", "tesseract"), "unknown recognizer uses default weight")
}

func TestWeightedTieKeepsFirstSeen(t *testing.T) {
	v := NewWeighted(nil, 1.0)

	res := v.Vote("lop", []Candidate{
		{Source: "a", Text: "6A1", Confidence: 0.5},
		{Source: "b", Text: "6A7", Confidence: 0.5},
	})
	assert.Equal(t, "6A1", res.Text)
}

func TestWeightedNormalizesAndSkipsEmpty(t *testing.T) {
	v := NewWeighted(nil, 1.0)

	res := v.Vote("ho_ten", []Candidate{
		{Source: "a", Text: "  Nguyen  Van A ", Confidence: 0.4},
		{Source: "b", Text: "Nguyen Van A", Confidence: 0.4},
		{Source: "c", Text: "   ", Confidence: 1.0},
		{Source: "d", Text: "Nguyen Van 4", Confidence: 0.7},
	})
	assert.Equal(t, "Nguyen Van A", res.Text)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)
}

func TestVotersOnNoCandidates(t *testing.T) {
	voters := []Voter{NewWeighted(formWeights, 1), Similarity{}, Fallback{}}
	for _, v := range voters {
		res := v.Vote("ho_ten", []Candidate{{Source: "a", Text: ""}, {Source: "b", Text: " \t"}})
		assert.True(t, res.Empty())
		assert.Zero(t, res.Confidence)

		res = v.Vote("ho_ten", nil)
		assert.True(t, res.Empty())
	}
}

func TestSimilarityPicksMajorityCluster(t *testing.T) {
	res := Similarity{}.Vote("ho_ten", []Candidate{
		{Source: "vit5", Text: "Nguyen Van A"},
		{Source: "trocr", Text: "Nguyen Van A"},
		{Source: "crnn", Text: "Nguyen Van 4"},
	})
	assert.Equal(t, "Nguyen Van A", res.Text)
	assert.Equal(t, []string{"vit5", "trocr"}, res.Sources)
	assert.InDelta(t, 2+11.0/12, res.Confidence, 1e-9)
}

func TestSimilarityFavorsClusterWithoutExactMatch(t *testing.T) {
	res := Similarity{}.Vote("ho_ten", []Candidate{
		{Source: "a", Text: "Tran Thi Hoa"},
		{Source: "b", Text: "Tran Thi Hoa."},
		{Source: "c", Text: "Tran Th1 Hoa"},
		{Source: "d", Text: "xyz"},
	})
	assert.Equal(t, "Tran Thi Hoa", res.Text)
}

func TestSimilaritySingleCandidate(t *testing.T) {
	res := Similarity{}.Vote("lop", []Candidate{{Source: "a", Text: "", Confidence: 1}, {Source: "b", Text: "6A1"}})
	assert.Equal(t, "6A1", res.Text)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestFallbackTakesFirstNonEmpty(t *testing.T) {
	res := Fallback{}.Vote("ngay_sinh", []Candidate{
		{Source: "trocr", Text: ""},
		{Source: "vit5", Text: "06/12/2014", Confidence: 0.6},
		{Source: "crnn", Text: "06/12/2011", Confidence: 0.9},
	})
	assert.Equal(t, "06/12/2014", res.Text)
	assert.Equal(t, 0.6, res.Confidence)
	assert.Equal(t, []string{"vit5"}, res.Sources)
}

func TestRatio(t *testing.T) {
	assert.Equal(t, 1.0, Ratio("", ""))
	assert.Equal(t, 0.0, Ratio("abc", ""))
	assert.Equal(t, 1.0, Ratio("Nguyễn", "Nguyễn"))
	assert.InDelta(t, 5.0/6, Ratio("Nguyễn", "Nguyen"), 1e-9)
}

func TestNewVoter(t *testing.T) {
	v, err := NewVoter("Weighted", formWeights, 1)
	require.NoError(t, err)
	assert.IsType(t, &Weighted{}, v)

	v, err = NewVoter("similarity", nil, 0)
	require.NoError(t, err)
	assert.IsType(t, Similarity{}, v)

	v, err = NewVoter("fallback", nil, 0)
	require.NoError(t, err)
	assert.IsType(t, Fallback{}, v)

	_, err = NewVoter("majority", nil, 0)
	assert.Error(t, err)
}
