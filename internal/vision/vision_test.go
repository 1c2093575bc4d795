package vision

import (
	stderrors "errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/MonsieurNam/handwriting-recognition/internal/errors"
)

func whiteCanvas(w, h int) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), h, w, gocv.MatTypeCV8UC3)
}

func fillQuad(img *gocv.Mat, pts []image.Point, c color.RGBA) {
	pv := gocv.NewPointsVectorFromPoints([][]image.Point{pts})
	defer pv.Close()
	gocv.FillPoly(img, pv, c)
}

func identical(t *testing.T, a, b gocv.Mat) bool {
	t.Helper()
	if a.Rows() != b.Rows() || a.Cols() != b.Cols() || a.Channels() != b.Channels() {
		return false
	}
	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(a, b, &diff)
	gray := ToGray(diff)
	defer gray.Close()
	return gocv.CountNonZero(gray) == 0
}

func TestOrderPoints(t *testing.T) {
	quads := [][4]Point{
		{{0, 0}, {100, 0}, {100, 50}, {0, 50}},
		{{120, 80}, {680, 130}, {650, 540}, {90, 500}},
		{{30, 10}, {300, 40}, {280, 260}, {15, 240}},
	}

	perms := [][4]int{
		{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}, {1, 3, 0, 2}, {2, 3, 0, 1},
	}

	for _, q := range quads {
		for _, p := range perms {
			in := [4]Point{q[p[0]], q[p[1]], q[p[2]], q[p[3]]}
			got := OrderPoints(in)

			for _, pt := range in {
				assert.LessOrEqual(t, got[0].X+got[0].Y, pt.X+pt.Y)
				assert.GreaterOrEqual(t, got[2].X+got[2].Y, pt.X+pt.Y)
				assert.LessOrEqual(t, got[1].Y-got[1].X, pt.Y-pt.X)
				assert.GreaterOrEqual(t, got[3].Y-got[3].X, pt.Y-pt.X)
			}
			assert.Equal(t, Quad(q), got)
		}
	}
}

func TestOrderPointsDegenerate(t *testing.T) {
	same := Point{X: 5, Y: 5}
	got := OrderPoints([4]Point{same, same, same, same})
	assert.Equal(t, Quad{same, same, same, same}, got)
}

func TestLocateNoQuadPassesThrough(t *testing.T) {
	img := whiteCanvas(320, 240)
	defer img.Close()

	locator := NewQuadLocator(DefaultLocatorConfig())
	_, ok := locator.Locate(img)
	assert.False(t, ok)

	aligner := NewPerspectiveAligner(locator, 200, 100, nil)
	res := aligner.Align(img)
	defer res.Image.Close()

	assert.False(t, res.Aligned)
	assert.True(t, identical(t, img, res.Image), "unaligned image must pass through unchanged")
}

func TestLocateEmptyImage(t *testing.T) {
	img := gocv.NewMat()
	defer img.Close()

	_, ok := NewQuadLocator(LocatorConfig{}).Locate(img)
	assert.False(t, ok)
}

func TestLocateRejectsSmallContours(t *testing.T) {
	img := whiteCanvas(400, 400)
	defer img.Close()
	fillQuad(&img, []image.Point{{10, 10}, {60, 10}, {60, 60}, {10, 60}}, color.RGBA{0, 0, 0, 0})

	_, ok := NewQuadLocator(DefaultLocatorConfig()).Locate(img)
	assert.False(t, ok, "contour below min area ratio must be ignored")

	cfg := DefaultLocatorConfig()
	cfg.MinAreaRatio = 0
	_, ok = NewQuadLocator(cfg).Locate(img)
	assert.True(t, ok)
}

func TestAlignSkewedFrame(t *testing.T) {
	corners := []image.Point{{120, 80}, {680, 130}, {650, 540}, {90, 500}}

	img := whiteCanvas(800, 600)
	defer img.Close()
	fillQuad(&img, corners, color.RGBA{0, 0, 0, 0})

	const w, h = 500, 400
	aligner := NewPerspectiveAligner(NewQuadLocator(DefaultLocatorConfig()), w, h, nil)
	res := aligner.Align(img)
	defer res.Image.Close()

	require.True(t, res.Aligned)
	assert.Equal(t, w, res.Image.Cols())
	assert.Equal(t, h, res.Image.Rows())

	targets := []Point{{0, 0}, {w - 1, 0}, {w - 1, h - 1}, {0, h - 1}}
	for i, c := range corners {
		x, y := res.Homography.Apply(float64(c.X), float64(c.Y))
		assert.InDelta(t, targets[i].X, x, 4, "corner %d x", i)
		assert.InDelta(t, targets[i].Y, y, 4, "corner %d y", i)
	}
}

func TestHomographyApplyIdentity(t *testing.T) {
	id := Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}
	x, y := id.Apply(12.5, 7)
	assert.Equal(t, 12.5, x)
	assert.Equal(t, 7.0, y)

	shift := Homography{1, 0, 3, 0, 1, -2, 0, 0, 1}
	x, y = shift.Apply(1, 1)
	assert.False(t, math.IsNaN(x))
	assert.Equal(t, 4.0, x)
	assert.Equal(t, -1.0, y)
}

func TestExtractROI(t *testing.T) {
	img := whiteCanvas(100, 50)
	defer img.Close()

	tests := []struct {
		name    string
		rect    image.Rectangle
		wantW   int
		wantH   int
		wantErr bool
	}{
		{"inside", image.Rect(10, 10, 40, 30), 30, 20, false},
		{"clipped at edge", image.Rect(80, 40, 120, 70), 20, 10, false},
		{"zero width", image.Rect(10, 10, 10, 30), 0, 0, true},
		{"fully outside", image.Rect(200, 200, 240, 230), 0, 0, true},
		{"negative size", image.Rectangle{Min: image.Pt(30, 30), Max: image.Pt(10, 10)}, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roi, err := ExtractROI(img, tt.rect)
			defer roi.Close()

			if tt.wantErr {
				assert.True(t, stderrors.Is(err, errors.ErrEmptyROI))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantW, roi.Cols())
			assert.Equal(t, tt.wantH, roi.Rows())
		})
	}
}
