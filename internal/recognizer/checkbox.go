package recognizer

import (
	"context"

	"gocv.io/x/gocv"

	"github.com/MonsieurNam/handwriting-recognition/internal/vision"
)

const (
	// DefaultInkRatio is the blob area, as a fraction of the crop area, that
	// counts as a tick.
	DefaultInkRatio = 0.03
	// DefaultInkThreshold separates ink from paper on the 0-255 gray scale.
	DefaultInkThreshold = 170
)

// InkAreaCheckbox decides a checkbox by measuring ink blobs. It is
// deterministic and needs no model.
type InkAreaCheckbox struct {
	ratio     float64
	threshold float32
}

// NewInkAreaCheckbox creates the recognizer; non-positive ratio uses DefaultInkRatio.
func NewInkAreaCheckbox(ratio float64) *InkAreaCheckbox {
	if ratio <= 0 {
		ratio = DefaultInkRatio
	}
	return &InkAreaCheckbox{ratio: ratio, threshold: DefaultInkThreshold}
}

func (c *InkAreaCheckbox) Name() string { return "ink_area" }

// RecognizeCheckbox reports true when any external ink contour covers at least
// ratio of the crop area. An empty crop is unticked.
func (c *InkAreaCheckbox) RecognizeCheckbox(_ context.Context, img gocv.Mat) (bool, error) {
	if vision.IsEmpty(img) {
		return false, nil
	}

	gray := vision.ToGray(img)
	defer gray.Close()

	ink := gocv.NewMat()
	defer ink.Close()
	gocv.Threshold(gray, &ink, c.threshold, 255, gocv.ThresholdBinaryInv)

	contours := gocv.FindContours(ink, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	minArea := c.ratio * float64(img.Rows()*img.Cols())
	for i := 0; i < contours.Size(); i++ {
		if gocv.ContourArea(contours.At(i)) >= minArea {
			return true, nil
		}
	}
	return false, nil
}
