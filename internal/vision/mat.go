package vision

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"

	// Extra decoders for scanner and phone exports.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ToGray returns a single-channel copy of src. The caller owns the result.
func ToGray(src gocv.Mat) gocv.Mat {
	dst := gocv.NewMat()
	if src.Empty() {
		return dst
	}
	switch src.Channels() {
	case 1:
		src.CopyTo(&dst)
	case 4:
		gocv.CvtColor(src, &dst, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(src, &dst, gocv.ColorBGRToGray)
	}
	return dst
}

// ToBGR returns a 3-channel copy of src. The caller owns the result.
func ToBGR(src gocv.Mat) gocv.Mat {
	dst := gocv.NewMat()
	if src.Empty() {
		return dst
	}
	switch src.Channels() {
	case 1:
		gocv.CvtColor(src, &dst, gocv.ColorGrayToBGR)
	case 4:
		gocv.CvtColor(src, &dst, gocv.ColorBGRAToBGR)
	default:
		src.CopyTo(&dst)
	}
	return dst
}

// IsEmpty reports whether m holds no pixels.
func IsEmpty(m gocv.Mat) bool {
	return m.Empty() || m.Rows() == 0 || m.Cols() == 0
}

// LoadImage reads a photograph from disk into a BGR Mat, applying the EXIF
// orientation phones record instead of rotating pixels.
func LoadImage(path string) (gocv.Mat, error) {
	f, err := os.Open(path)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	return decode(f)
}

// DecodeImage decodes an encoded image (JPEG, PNG, TIFF, BMP, WebP) into a BGR Mat.
func DecodeImage(data []byte) (gocv.Mat, error) {
	if len(data) == 0 {
		return gocv.NewMat(), fmt.Errorf("image data is empty")
	}
	return decode(bytes.NewReader(data))
}

func decode(r io.Reader) (gocv.Mat, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to decode image: %w", err)
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to convert image: %w", err)
	}
	return mat, nil
}

// EncodePNG encodes m as PNG bytes owned by Go.
func EncodePNG(m gocv.Mat) ([]byte, error) {
	if IsEmpty(m) {
		return nil, fmt.Errorf("cannot encode empty image")
	}
	buf, err := gocv.IMEncode(gocv.PNGFileExt, m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	defer buf.Close()

	data := buf.GetBytes()
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// ToImage converts m to a Go image for encoders outside OpenCV.
func ToImage(m gocv.Mat) (image.Image, error) {
	if IsEmpty(m) {
		return nil, fmt.Errorf("cannot convert empty image")
	}
	return m.ToImage()
}
