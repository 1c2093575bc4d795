package recognizer

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/MonsieurNam/handwriting-recognition/internal/errors"
)

func fixed(name, text string, conf float64) *TextFunc {
	return NewTextFunc(name, func(context.Context, gocv.Mat) (string, float64, error) {
		return text, conf, nil
	})
}

func crop() gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), 20, 60, gocv.MatTypeCV8UC3)
}

func sources(results []TextResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Source)
	}
	return out
}

type nameOnly struct{}

func (nameOnly) Name() string { return "mute" }

func TestRegister(t *testing.T) {
	p := NewPool(PoolConfig{}, nil)

	require.NoError(t, p.Register(fixed("VIT5", "a", 1)))
	assert.Error(t, p.Register(fixed("vit5", "b", 1)), "names are case-insensitive")

	err := p.Register(nameOnly{})
	assert.True(t, stderrors.Is(err, errors.ErrNoCapability))

	assert.Equal(t, []string{"vit5"}, p.Names())
	assert.Equal(t, PolicyEnsemble, p.Policy())
}

func TestEligibleOrdering(t *testing.T) {
	p := NewPool(PoolConfig{
		Order:                 []string{"vit5", "trocr"},
		HandwritingRecognizer: "trocr",
	}, nil)
	for _, name := range []string{"tesseract", "trocr", "vit5", "crnn"} {
		require.NoError(t, p.Register(fixed(name, name, 1)))
	}

	names := func(rs []TextRecognizer) []string {
		out := make([]string, 0, len(rs))
		for _, r := range rs {
			out = append(out, r.Name())
		}
		return out
	}

	assert.Equal(t, []string{"vit5", "trocr", "tesseract", "crnn"}, names(p.Eligible(FieldHint{})))
	assert.Equal(t, []string{"trocr", "vit5", "tesseract", "crnn"}, names(p.Eligible(FieldHint{Handwritten: true})))
	assert.Equal(t, []string{"vit5", "crnn"}, names(p.Eligible(FieldHint{Recognizers: []string{"CRNN", "vit5"}})))
}

func TestEnsembleCollectsAllInPriorityOrder(t *testing.T) {
	p := NewPool(PoolConfig{Policy: PolicyEnsemble, Order: []string{"b", "a", "c"}}, nil)
	require.NoError(t, p.Register(fixed("a", "X", 0.9)))
	require.NoError(t, p.Register(fixed("b", "X", 0.8)))
	require.NoError(t, p.Register(fixed("c", "", 0)))

	img := crop()
	defer img.Close()

	results := p.RecognizeText(context.Background(), img, FieldHint{Field: "ho_ten"})
	require.Len(t, results, 3)
	assert.Equal(t, []string{"b", "a", "c"}, sources(results))
	assert.Equal(t, "X", results[0].Text)
	assert.Equal(t, 0.8, results[0].Confidence)
}

func TestEnsembleHandwrittenHintLeadsResults(t *testing.T) {
	p := NewPool(PoolConfig{
		Policy:                PolicyEnsemble,
		Order:                 []string{"vit5", "trocr", "tesseract"},
		HandwritingRecognizer: "trocr",
	}, nil)
	require.NoError(t, p.Register(fixed("tesseract", "X", 0.9)))
	require.NoError(t, p.Register(fixed("vit5", "Y", 0.9)))
	require.NoError(t, p.Register(fixed("trocr", "Z", 0.9)))

	img := crop()
	defer img.Close()

	printed := p.RecognizeText(context.Background(), img, FieldHint{Field: "lop"})
	assert.Equal(t, []string{"vit5", "trocr", "tesseract"}, sources(printed))

	handwritten := p.RecognizeText(context.Background(), img, FieldHint{Field: "ho_ten", Handwritten: true})
	assert.Equal(t, []string{"trocr", "vit5", "tesseract"}, sources(handwritten))
}

func TestFallbackStopsAtFirstNonEmpty(t *testing.T) {
	var called atomic.Int32
	counting := func(name, text string) *TextFunc {
		return NewTextFunc(name, func(context.Context, gocv.Mat) (string, float64, error) {
			called.Add(1)
			return text, 0.7, nil
		})
	}

	p := NewPool(PoolConfig{Policy: PolicyFallback, Order: []string{"first", "second", "third"}}, nil)
	require.NoError(t, p.Register(counting("first", "  ")))
	require.NoError(t, p.Register(NewTextFunc("second", func(context.Context, gocv.Mat) (string, float64, error) {
		called.Add(1)
		return "", 0, stderrors.New("model missing")
	})))
	require.NoError(t, p.Register(counting("third", "6A1")))
	require.NoError(t, p.Register(counting("fourth", "never")))

	img := crop()
	defer img.Close()

	results := p.RecognizeText(context.Background(), img, FieldHint{})
	assert.Equal(t, []string{"first", "second", "third"}, sources(results))
	assert.Equal(t, "6A1", results[2].Text)
	assert.Error(t, results[1].Err)
	assert.Equal(t, int32(3), called.Load())
}

func TestFailuresBecomeEmptyResults(t *testing.T) {
	p := NewPool(PoolConfig{Timeout: 30 * time.Millisecond}, nil)
	require.NoError(t, p.Register(NewTextFunc("panics", func(context.Context, gocv.Mat) (string, float64, error) {
		panic("weights not loaded")
	})))
	require.NoError(t, p.Register(NewTextFunc("errors", func(context.Context, gocv.Mat) (string, float64, error) {
		return "garbage", 0.9, stderrors.New("cuda out of memory")
	})))
	require.NoError(t, p.Register(NewTextFunc("slow", func(context.Context, gocv.Mat) (string, float64, error) {
		time.Sleep(300 * time.Millisecond)
		return "late", 1, nil
	})))
	require.NoError(t, p.Register(fixed("good", "Nguyen Van A", 1.7)))

	img := crop()
	defer img.Close()

	results := p.RecognizeText(context.Background(), img, FieldHint{Field: "ho_ten"})
	require.Len(t, results, 4)

	byName := make(map[string]TextResult)
	for _, r := range results {
		byName[r.Source] = r
	}

	for _, name := range []string{"panics", "errors", "slow"} {
		r := byName[name]
		assert.Error(t, r.Err, name)
		assert.Empty(t, r.Text, name)
		assert.Zero(t, r.Confidence, name)
	}
	assert.Equal(t, errors.ErrorRecognizerFailed, errors.CodeOf(byName["panics"].Err))
	assert.Equal(t, errors.ErrorRecognizerFailed, errors.CodeOf(byName["errors"].Err))
	assert.Equal(t, errors.ErrorRecognizerTimeout, errors.CodeOf(byName["slow"].Err))

	assert.NoError(t, byName["good"].Err)
	assert.Equal(t, 1.0, byName["good"].Confidence, "confidence is clamped to 1")
}

func TestDeviceSerializesCalls(t *testing.T) {
	var active, peak atomic.Int32
	busy := func(name string) *TextFunc {
		return NewTextFunc(name, func(context.Context, gocv.Mat) (string, float64, error) {
			n := active.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return name, 1, nil
		})
	}

	p := NewPool(PoolConfig{Devices: map[string]string{"gpu-a": "cuda:0", "gpu-b": "cuda:0", "gpu-c": "cuda:0"}}, nil)
	for _, name := range []string{"gpu-a", "gpu-b", "gpu-c"} {
		require.NoError(t, p.Register(busy(name)))
	}

	img := crop()
	defer img.Close()

	results := p.RecognizeText(context.Background(), img, FieldHint{})
	require.Len(t, results, 3)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
	assert.Equal(t, int32(1), peak.Load())
}

func TestRecognizeCheckboxUsesInkArea(t *testing.T) {
	p := NewPool(PoolConfig{}, nil)

	img := crop()
	defer img.Close()

	res := p.RecognizeCheckbox(context.Background(), img, FieldHint{Field: "gioi_tinh_nam"})
	assert.Equal(t, "ink_area", res.Source)
	assert.NoError(t, res.Err)
	assert.False(t, res.Checked)
}

func TestNoEligibleRecognizers(t *testing.T) {
	p := NewPool(PoolConfig{}, nil)
	img := crop()
	defer img.Close()
	assert.Empty(t, p.RecognizeText(context.Background(), img, FieldHint{}))
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, clampConfidence(-0.2))
	assert.Equal(t, 1.0, clampConfidence(3))
	assert.Equal(t, 0.42, clampConfidence(0.42))
}
