package vision

import (
	"image"

	"gocv.io/x/gocv"

	"github.com/MonsieurNam/handwriting-recognition/internal/errors"
)

// ExtractROI returns an owned copy of the sub-image at rect in canonical
// coordinates. Rectangles reaching past the image edge are clipped; a degenerate
// rectangle or one lying fully outside the image yields errors.ErrEmptyROI.
func ExtractROI(img gocv.Mat, rect image.Rectangle) (gocv.Mat, error) {
	if rect.Dx() <= 0 || rect.Dy() <= 0 || IsEmpty(img) {
		return gocv.NewMat(), errors.ErrEmptyROI
	}

	clipped := rect.Intersect(image.Rect(0, 0, img.Cols(), img.Rows()))
	if clipped.Empty() {
		return gocv.NewMat(), errors.ErrEmptyROI
	}

	region := img.Region(clipped)
	defer region.Close()
	return region.Clone(), nil
}
