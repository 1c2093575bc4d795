package restore

import (
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"

	"github.com/MonsieurNam/handwriting-recognition/internal/logging"
	"github.com/MonsieurNam/handwriting-recognition/internal/vision"
)

/**
 * ROI restoration pipeline
 *
 * Every crop runs through the same ordered transforms before it reaches a
 * recognizer: guide-line removal, median denoise, binarization, morphological
 * cleanup, deskew, sharpening and luminance-only contrast equalization.
 * Each step returns a fresh Mat and passes empty input through.
 */

// Binarization selects the thresholding used in step 3.
type Binarization string

const (
	BinarizeAdaptive Binarization = "adaptive"
	BinarizeOtsu     Binarization = "otsu"
)

// Config tunes the restoration pipeline
type Config struct {
	// LineKernelDivisor sets the guide-line opening width to ROI width / divisor.
	// Clamped to [10, 20].
	LineKernelDivisor int

	// MinLineKernel disables guide-line removal on crops too narrow to tell a
	// guide-line from a stroke.
	MinLineKernel int

	MedianKernel      int
	Binarization      Binarization
	AdaptiveBlockSize int
	AdaptiveC         float32

	// DeskewThreshold is the minimum skew in degrees that triggers a rotation.
	DeskewThreshold float64

	UnsharpSigma   float64
	CLAHEClipLimit float64
	CLAHETileGrid  int
}

// DefaultConfig returns the settings tuned for handwritten school forms.
func DefaultConfig() Config {
	return Config{
		LineKernelDivisor: 15,
		MinLineKernel:     8,
		MedianKernel:      3,
		Binarization:      BinarizeAdaptive,
		AdaptiveBlockSize: 11,
		AdaptiveC:         2,
		DeskewThreshold:   0.5,
		UnsharpSigma:      1.0,
		CLAHEClipLimit:    2.0,
		CLAHETileGrid:     8,
	}
}

// Options are the per-field hints that change step parameters.
type Options struct {
	// Handwritten selects unsharp masking instead of the fixed sharpen kernel.
	Handwritten bool
	// Numeric selects the horizontal-emphasis cleanup kernel for digit fields.
	Numeric bool
}

type step struct {
	name string
	fn   func(gocv.Mat, Options) gocv.Mat
}

// Restorer applies the restoration pipeline to field crops. It holds no
// per-call state and is safe for concurrent use.
type Restorer struct {
	cfg    Config
	steps  []step
	logger *logging.Logger
}

// NewRestorer creates a restorer, filling zero fields of cfg with defaults.
func NewRestorer(cfg Config, logger *logging.Logger) *Restorer {
	def := DefaultConfig()
	if cfg.LineKernelDivisor == 0 {
		cfg.LineKernelDivisor = def.LineKernelDivisor
	}
	cfg.LineKernelDivisor = clampInt(cfg.LineKernelDivisor, 10, 20)
	if cfg.MinLineKernel <= 0 {
		cfg.MinLineKernel = def.MinLineKernel
	}
	if cfg.MedianKernel <= 1 || cfg.MedianKernel%2 == 0 {
		cfg.MedianKernel = def.MedianKernel
	}
	if cfg.Binarization == "" {
		cfg.Binarization = def.Binarization
	}
	if cfg.AdaptiveBlockSize < 3 || cfg.AdaptiveBlockSize%2 == 0 {
		cfg.AdaptiveBlockSize = def.AdaptiveBlockSize
	}
	if cfg.DeskewThreshold <= 0 {
		cfg.DeskewThreshold = def.DeskewThreshold
	}
	if cfg.UnsharpSigma <= 0 {
		cfg.UnsharpSigma = def.UnsharpSigma
	}
	if cfg.CLAHEClipLimit <= 0 {
		cfg.CLAHEClipLimit = def.CLAHEClipLimit
	}
	if cfg.CLAHETileGrid <= 0 {
		cfg.CLAHETileGrid = def.CLAHETileGrid
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	r := &Restorer{cfg: cfg, logger: logger}
	r.steps = []step{
		{"remove_guide_lines", r.RemoveGuideLines},
		{"denoise", r.Denoise},
		{"binarize", r.Binarize},
		{"cleanup", r.Cleanup},
		{"deskew", r.Deskew},
		{"invert", invert},
		{"sharpen", r.Sharpen},
		{"contrast", r.EnhanceContrast},
	}
	return r
}

// Restore runs the full pipeline on roi and returns a 3-channel image with dark
// ink on a light background. The caller owns the result. An empty roi yields an
// empty Mat.
func (r *Restorer) Restore(roi gocv.Mat, opts Options) gocv.Mat {
	if vision.IsEmpty(roi) {
		return gocv.NewMat()
	}

	current := vision.ToGray(roi)
	for _, s := range r.steps {
		next := s.fn(current, opts)
		current.Close()
		current = next
	}
	return current
}

// RemoveGuideLines erases printed horizontal rules and dot leaders from a
// grayscale crop by painting them white.
func (r *Restorer) RemoveGuideLines(src gocv.Mat, _ Options) gocv.Mat {
	if vision.IsEmpty(src) {
		return src.Clone()
	}
	length := src.Cols() / r.cfg.LineKernelDivisor
	if length < r.cfg.MinLineKernel {
		return src.Clone()
	}

	gray := vision.ToGray(src)
	defer gray.Close()

	binary := gocv.NewMat()
	defer binary.Close()
	gocv.Threshold(gray, &binary, 0, 255, gocv.ThresholdBinaryInv|gocv.ThresholdOtsu)

	// Join the dots of a leader before looking for long runs.
	joinKernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 1))
	defer joinKernel.Close()
	joined := gocv.NewMat()
	defer joined.Close()
	gocv.MorphologyEx(binary, &joined, gocv.MorphClose, joinKernel)

	lineKernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(length, 1))
	defer lineKernel.Close()
	lines := gocv.NewMat()
	defer lines.Close()
	gocv.MorphologyEx(joined, &lines, gocv.MorphOpen, lineKernel)

	out := gray.Clone()
	if gocv.CountNonZero(lines) == 0 {
		return out
	}

	white := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), gray.Rows(), gray.Cols(), gocv.MatTypeCV8UC1)
	defer white.Close()
	white.CopyToWithMask(&out, lines)
	return out
}

// Denoise removes salt-and-pepper paper texture with a small median filter.
func (r *Restorer) Denoise(src gocv.Mat, _ Options) gocv.Mat {
	if vision.IsEmpty(src) {
		return src.Clone()
	}
	dst := gocv.NewMat()
	gocv.MedianBlur(src, &dst, r.cfg.MedianKernel)
	return dst
}

// Binarize thresholds a grayscale crop so ink becomes white foreground on black.
// Crops with a dark background keep their light ink as foreground.
func (r *Restorer) Binarize(src gocv.Mat, _ Options) gocv.Mat {
	if vision.IsEmpty(src) {
		return src.Clone()
	}
	gray := vision.ToGray(src)
	defer gray.Close()

	typ := gocv.ThresholdBinaryInv
	if gray.Mean().Val1 < 128 {
		typ = gocv.ThresholdBinary
	}

	dst := gocv.NewMat()
	switch r.cfg.Binarization {
	case BinarizeOtsu:
		gocv.Threshold(gray, &dst, 0, 255, typ|gocv.ThresholdOtsu)
	default:
		gocv.AdaptiveThreshold(gray, &dst, 255, gocv.AdaptiveThresholdGaussian, typ, r.cfg.AdaptiveBlockSize, r.cfg.AdaptiveC)
	}
	return dst
}

// Cleanup closes small stroke gaps then opens away isolated specks.
func (r *Restorer) Cleanup(src gocv.Mat, opts Options) gocv.Mat {
	if vision.IsEmpty(src) {
		return src.Clone()
	}
	size := image.Pt(2, 1)
	if opts.Numeric {
		size = image.Pt(1, 2)
	}
	kernel := gocv.GetStructuringElement(gocv.MorphRect, size)
	defer kernel.Close()

	closed := gocv.NewMat()
	defer closed.Close()
	gocv.MorphologyEx(src, &closed, gocv.MorphClose, kernel)

	dst := gocv.NewMat()
	gocv.MorphologyEx(closed, &dst, gocv.MorphOpen, kernel)
	return dst
}

// Deskew rotates a binary ink-foreground crop so its dominant ink block is level.
// Skews at or below the configured threshold leave the crop unchanged.
func (r *Restorer) Deskew(src gocv.Mat, _ Options) gocv.Mat {
	if vision.IsEmpty(src) {
		return src.Clone()
	}
	angle, ok := EstimateSkew(src)
	if !ok || math.Abs(angle) <= r.cfg.DeskewThreshold {
		return src.Clone()
	}

	r.logger.Debug("Deskewing ROI", "angle", angle)
	return rotate(src, -angle)
}

// Sharpen applies an unsharp mask to handwritten crops and a fixed 3x3
// sharpening kernel to everything else.
func (r *Restorer) Sharpen(src gocv.Mat, opts Options) gocv.Mat {
	if vision.IsEmpty(src) {
		return src.Clone()
	}
	dst := gocv.NewMat()

	if opts.Handwritten {
		blurred := gocv.NewMat()
		defer blurred.Close()
		gocv.GaussianBlur(src, &blurred, image.Pt(0, 0), r.cfg.UnsharpSigma, r.cfg.UnsharpSigma, gocv.BorderDefault)
		gocv.AddWeighted(src, 1.5, blurred, -0.5, 0, &dst)
		return dst
	}

	kernel := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV32F)
	defer kernel.Close()
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			kernel.SetFloatAt(row, col, -1)
		}
	}
	kernel.SetFloatAt(1, 1, 9)

	gocv.Filter2D(src, &dst, -1, kernel, image.Pt(-1, -1), 0, gocv.BorderDefault)
	return dst
}

// EnhanceContrast equalizes the L channel of the Lab representation with CLAHE
// and returns a BGR image. Chroma channels are left untouched.
func (r *Restorer) EnhanceContrast(src gocv.Mat, _ Options) gocv.Mat {
	if vision.IsEmpty(src) {
		return src.Clone()
	}
	bgr := vision.ToBGR(src)
	defer bgr.Close()

	lab := gocv.NewMat()
	defer lab.Close()
	gocv.CvtColor(bgr, &lab, gocv.ColorBGRToLab)

	channels := gocv.Split(lab)
	defer func() {
		for _, c := range channels {
			c.Close()
		}
	}()

	clahe := gocv.NewCLAHEWithParams(r.cfg.CLAHEClipLimit, image.Pt(r.cfg.CLAHETileGrid, r.cfg.CLAHETileGrid))
	defer clahe.Close()

	equalized := gocv.NewMat()
	clahe.Apply(channels[0], &equalized)
	channels[0].Close()
	channels[0] = equalized

	merged := gocv.NewMat()
	defer merged.Close()
	gocv.Merge(channels, &merged)

	dst := gocv.NewMat()
	gocv.CvtColor(merged, &dst, gocv.ColorLabToBGR)
	return dst
}

// EstimateSkew returns the rotation of the largest foreground contour of a
// binary image in degrees, counter-clockwise positive, within (-45, 45]. The
// boolean is false when the image holds no foreground.
func EstimateSkew(binary gocv.Mat) (float64, bool) {
	if vision.IsEmpty(binary) {
		return 0, false
	}
	contours := gocv.FindContours(binary, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()
	if contours.Size() == 0 {
		return 0, false
	}

	largest, largestArea := 0, -1.0
	for i := 0; i < contours.Size(); i++ {
		if area := gocv.ContourArea(contours.At(i)); area > largestArea {
			largest, largestArea = i, area
		}
	}

	rect := gocv.MinAreaRect(contours.At(largest))
	if len(rect.Points) != 4 {
		return 0, false
	}
	return skewFromCorners(rect.Points), true
}

// skewFromCorners measures the longest edge of a rotated rectangle and folds
// its direction into a deviation from horizontal.
func skewFromCorners(pts []image.Point) float64 {
	var dx, dy, best float64
	for i := range pts {
		a, b := pts[i], pts[(i+1)%len(pts)]
		ex, ey := float64(b.X-a.X), float64(b.Y-a.Y)
		if l := ex*ex + ey*ey; l > best {
			best, dx, dy = l, ex, ey
		}
	}
	if best == 0 {
		return 0
	}
	// Image rows grow downwards; negate for counter-clockwise positive.
	return normalizeSkew(-math.Atan2(dy, dx) * 180 / math.Pi)
}

// normalizeSkew folds any angle into (-45, 45].
func normalizeSkew(angle float64) float64 {
	angle = math.Mod(angle, 90)
	if angle > 45 {
		angle -= 90
	} else if angle <= -45 {
		angle += 90
	}
	return angle
}

// rotate turns src by angle degrees counter-clockwise around its center,
// keeping the original size.
func rotate(src gocv.Mat, angle float64) gocv.Mat {
	center := image.Pt(src.Cols()/2, src.Rows()/2)
	m := gocv.GetRotationMatrix2D(center, angle, 1.0)
	defer m.Close()

	dst := gocv.NewMat()
	gocv.WarpAffineWithParams(src, &dst, m, image.Pt(src.Cols(), src.Rows()),
		gocv.InterpolationCubic, gocv.BorderReplicate, color.RGBA{})
	return dst
}

func invert(src gocv.Mat, _ Options) gocv.Mat {
	dst := gocv.NewMat()
	if vision.IsEmpty(src) {
		return dst
	}
	gocv.BitwiseNot(src, &dst)
	return dst
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
