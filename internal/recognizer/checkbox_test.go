package recognizer

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestInkAreaCheckboxMonotonic(t *testing.T) {
	c := NewInkAreaCheckbox(0)

	// 100x100 crop: the tick threshold is 300 px of blob area.
	sides := []struct {
		side int
		want bool
	}{
		{0, false},
		{10, false},
		{15, false},
		{20, true},
		{40, true},
	}

	for _, tt := range sides {
		img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(240, 240, 240, 0), 100, 100, gocv.MatTypeCV8UC3)
		if tt.side > 0 {
			gocv.Rectangle(&img, image.Rect(30, 30, 30+tt.side, 30+tt.side), color.RGBA{30, 30, 30, 0}, -1)
		}

		got, err := c.RecognizeCheckbox(context.Background(), img)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "side %d", tt.side)
		img.Close()
	}
}

func TestInkAreaCheckboxIgnoresLightMarks(t *testing.T) {
	c := NewInkAreaCheckbox(DefaultInkRatio)

	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(250, 250, 250, 0), 50, 50, gocv.MatTypeCV8UC3)
	defer img.Close()
	// Pencil smudge lighter than the ink threshold.
	gocv.Rectangle(&img, image.Rect(5, 5, 45, 45), color.RGBA{200, 200, 200, 0}, -1)

	got, err := c.RecognizeCheckbox(context.Background(), img)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestInkAreaCheckboxEmptyCrop(t *testing.T) {
	img := gocv.NewMat()
	defer img.Close()

	got, err := NewInkAreaCheckbox(0.05).RecognizeCheckbox(context.Background(), img)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestCalculateTesseractConfidence(t *testing.T) {
	assert.InDelta(t, 0.7, calculateTesseractConfidence("Nguyễn Văn A"), 1e-9)
	assert.InDelta(t, 0.6, calculateTesseractConfidence("6A"), 1e-9)
	assert.InDelta(t, 0.4, calculateTesseractConfidence("#$%@!"), 1e-9)
	assert.LessOrEqual(t, calculateTesseractConfidence("06/12/2014 lop 6A1"), 0.75)
}
