package vision

import (
	"image"
	"sort"

	"gocv.io/x/gocv"
)

// Strategy selects how the binary mask for contour search is produced.
type Strategy string

const (
	// StrategyOtsu applies an inverted global Otsu threshold: dark content frames
	// on light paper become foreground.
	StrategyOtsu Strategy = "otsu"
	// StrategyOtsuBright applies a non-inverted Otsu threshold: a bright page on a
	// dark desk becomes foreground.
	StrategyOtsuBright Strategy = "otsu_bright"
	// StrategyAdaptive applies an inverted local Gaussian threshold, tolerant of
	// uneven lighting.
	StrategyAdaptive Strategy = "adaptive"
	// StrategyCanny uses Canny edges closed by a small dilation.
	StrategyCanny Strategy = "canny"
)

// LocatorConfig configures a QuadLocator
type LocatorConfig struct {
	Strategy Strategy

	// BlurKernel is the Gaussian kernel size used to suppress paper texture. Must be odd.
	BlurKernel int

	// MinAreaRatio drops contours smaller than this fraction of the image area.
	// Zero disables the filter.
	MinAreaRatio float64

	// ApproxEpsilon is the polygon approximation tolerance as a fraction of the
	// contour perimeter.
	ApproxEpsilon float64
}

// DefaultLocatorConfig returns the settings used for photographed A4 forms.
func DefaultLocatorConfig() LocatorConfig {
	return LocatorConfig{
		Strategy:      StrategyOtsu,
		BlurKernel:    7,
		MinAreaRatio:  0.2,
		ApproxEpsilon: 0.02,
	}
}

// QuadLocator finds the 4-corner polygon of a page or content frame.
type QuadLocator struct {
	cfg LocatorConfig
}

// NewQuadLocator creates a locator, filling zero fields with defaults.
func NewQuadLocator(cfg LocatorConfig) *QuadLocator {
	def := DefaultLocatorConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.BlurKernel <= 0 {
		cfg.BlurKernel = def.BlurKernel
	}
	if cfg.BlurKernel%2 == 0 {
		cfg.BlurKernel++
	}
	if cfg.ApproxEpsilon <= 0 {
		cfg.ApproxEpsilon = def.ApproxEpsilon
	}
	if cfg.MinAreaRatio < 0 {
		cfg.MinAreaRatio = 0
	}
	return &QuadLocator{cfg: cfg}
}

// Strategy returns the configured mask strategy.
func (l *QuadLocator) Strategy() Strategy {
	return l.cfg.Strategy
}

type contourCandidate struct {
	index int
	area  float64
}

// Locate returns the unordered corners of the largest external contour whose
// polygon approximation has exactly four vertices. The boolean is false when no
// such contour exists; that is not an error.
func (l *QuadLocator) Locate(img gocv.Mat) ([4]Point, bool) {
	if IsEmpty(img) {
		return [4]Point{}, false
	}

	gray := ToGray(img)
	defer gray.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(l.cfg.BlurKernel, l.cfg.BlurKernel), 0, 0, gocv.BorderDefault)

	mask := l.binarize(blurred)
	defer mask.Close()

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	candidates := make([]contourCandidate, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		candidates = append(candidates, contourCandidate{index: i, area: gocv.ContourArea(contours.At(i))})
	}

	// Stable: equal areas keep discovery order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].area > candidates[j].area
	})

	minArea := l.cfg.MinAreaRatio * float64(img.Rows()*img.Cols())
	for _, c := range candidates {
		if c.area < minArea {
			break
		}

		contour := contours.At(c.index)
		peri := gocv.ArcLength(contour, true)
		approx := gocv.ApproxPolyDP(contour, l.cfg.ApproxEpsilon*peri, true)
		if approx.Size() == 4 {
			pts := approx.ToPoints()
			approx.Close()
			return QuadFromImagePoints(pts), true
		}
		approx.Close()
	}

	return [4]Point{}, false
}

func (l *QuadLocator) binarize(blurred gocv.Mat) gocv.Mat {
	mask := gocv.NewMat()
	switch l.cfg.Strategy {
	case StrategyOtsuBright:
		gocv.Threshold(blurred, &mask, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)
	case StrategyAdaptive:
		gocv.AdaptiveThreshold(blurred, &mask, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinaryInv, 11, 2)
	case StrategyCanny:
		edges := gocv.NewMat()
		defer edges.Close()
		gocv.Canny(blurred, &edges, 75, 200)

		kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
		defer kernel.Close()
		gocv.Dilate(edges, &mask, kernel)
	default:
		gocv.Threshold(blurred, &mask, 0, 255, gocv.ThresholdBinaryInv|gocv.ThresholdOtsu)
	}
	return mask
}
