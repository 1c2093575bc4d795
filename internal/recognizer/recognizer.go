package recognizer

import (
	"context"

	"gocv.io/x/gocv"
)

// Recognizer is a named recognition capability. A usable recognizer also
// implements TextRecognizer, CheckboxRecognizer or both.
type Recognizer interface {
	Name() string
}

// TextRecognizer reads the text in a field crop. Confidence is in [0, 1].
// Implementations must not retain img after returning.
type TextRecognizer interface {
	Recognizer
	RecognizeText(ctx context.Context, img gocv.Mat) (string, float64, error)
}

// CheckboxRecognizer decides whether a checkbox crop is ticked.
type CheckboxRecognizer interface {
	Recognizer
	RecognizeCheckbox(ctx context.Context, img gocv.Mat) (bool, error)
}

// TextResult is one recognizer's contribution for a text field. A failed,
// panicking or timed-out call carries Err and an empty Text.
type TextResult struct {
	Source     string
	Text       string
	Confidence float64
	Err        error
}

// CheckboxResult is the checkbox recognizer's verdict for a field.
type CheckboxResult struct {
	Source  string
	Checked bool
	Err     error
}

// FieldHint carries the per-field routing hints into a recognition call.
type FieldHint struct {
	Field       string
	Handwritten bool
	Numeric     bool

	// Recognizers restricts the eligible recognizers by name. Empty means all.
	Recognizers []string
}

type hintKey struct{}

// WithFieldHint returns a context carrying hint for recognizers that route
// on field metadata.
func WithFieldHint(ctx context.Context, hint FieldHint) context.Context {
	return context.WithValue(ctx, hintKey{}, hint)
}

// FieldHintFrom returns the hint stored in ctx, if any.
func FieldHintFrom(ctx context.Context) (FieldHint, bool) {
	hint, ok := ctx.Value(hintKey{}).(FieldHint)
	return hint, ok
}

// TextFunc adapts a function to the TextRecognizer interface.
type TextFunc struct {
	name string
	fn   func(context.Context, gocv.Mat) (string, float64, error)
}

// NewTextFunc creates a TextRecognizer named name that calls fn.
func NewTextFunc(name string, fn func(context.Context, gocv.Mat) (string, float64, error)) *TextFunc {
	return &TextFunc{name: name, fn: fn}
}

func (f *TextFunc) Name() string { return f.name }

func (f *TextFunc) RecognizeText(ctx context.Context, img gocv.Mat) (string, float64, error) {
	return f.fn(ctx, img)
}
