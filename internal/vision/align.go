package vision

import (
	"image"

	"gocv.io/x/gocv"

	"github.com/MonsieurNam/handwriting-recognition/internal/logging"
)

// Homography is a row-major 3x3 projective transform.
type Homography [9]float64

// Apply maps (x, y) through the homography.
func (h Homography) Apply(x, y float64) (float64, float64) {
	w := h[6]*x + h[7]*y + h[8]
	if w == 0 {
		return x, y
	}
	return (h[0]*x + h[1]*y + h[2]) / w, (h[3]*x + h[4]*y + h[5]) / w
}

// AlignResult is the outcome of aligning one photograph.
type AlignResult struct {
	// Image is the canonical image when Aligned, else a copy of the input.
	// The caller owns it.
	Image gocv.Mat

	// Aligned is false when no quad was located and the input passed through.
	Aligned bool

	// Quad is the ordered source quad; zero when not aligned.
	Quad Quad

	// Homography maps source pixels onto the canonical frame; zero when not aligned.
	Homography Homography
}

// PerspectiveAligner warps photographs onto the canonical template frame.
type PerspectiveAligner struct {
	locator *QuadLocator
	size    image.Point
	logger  *logging.Logger
}

// NewPerspectiveAligner creates an aligner targeting a width x height canonical frame.
func NewPerspectiveAligner(locator *QuadLocator, width, height int, logger *logging.Logger) *PerspectiveAligner {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &PerspectiveAligner{
		locator: locator,
		size:    image.Pt(width, height),
		logger:  logger,
	}
}

// Size returns the canonical frame size.
func (a *PerspectiveAligner) Size() image.Point {
	return a.size
}

// Align locates the page quad in img and resamples img into the canonical frame.
// When no quad is found the input is passed through unchanged with a warning.
func (a *PerspectiveAligner) Align(img gocv.Mat) AlignResult {
	raw, ok := a.locator.Locate(img)
	if !ok {
		a.logger.Warn("No page quadrilateral found, skipping alignment",
			"strategy", a.locator.Strategy(),
			"width", img.Cols(),
			"height", img.Rows())
		return AlignResult{Image: img.Clone()}
	}

	quad := OrderPoints(raw)
	warped, h := a.Warp(img, quad)
	a.logger.Debug("Aligned image to template frame",
		"tl", quad[0], "tr", quad[1], "br", quad[2], "bl", quad[3])

	return AlignResult{
		Image:      warped,
		Aligned:    true,
		Quad:       quad,
		Homography: h,
	}
}

// Warp maps the ordered quad onto the canonical rectangle corners
// (0,0), (w-1,0), (w-1,h-1), (0,h-1) and resamples img through it.
func (a *PerspectiveAligner) Warp(img gocv.Mat, quad Quad) (gocv.Mat, Homography) {
	w, h := float32(a.size.X-1), float32(a.size.Y-1)

	src := gocv.NewPoint2fVectorFromPoints([]gocv.Point2f{
		{X: float32(quad[0].X), Y: float32(quad[0].Y)},
		{X: float32(quad[1].X), Y: float32(quad[1].Y)},
		{X: float32(quad[2].X), Y: float32(quad[2].Y)},
		{X: float32(quad[3].X), Y: float32(quad[3].Y)},
	})
	defer src.Close()

	dst := gocv.NewPoint2fVectorFromPoints([]gocv.Point2f{
		{X: 0, Y: 0},
		{X: w, Y: 0},
		{X: w, Y: h},
		{X: 0, Y: h},
	})
	defer dst.Close()

	m := gocv.GetPerspectiveTransform2f(src, dst)
	defer m.Close()

	var hm Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			hm[r*3+c] = m.GetDoubleAt(r, c)
		}
	}

	warped := gocv.NewMat()
	gocv.WarpPerspective(img, &warped, m, a.size)
	return warped, hm
}
