package processor

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"

	"github.com/MonsieurNam/handwriting-recognition/internal/logging"
	"github.com/MonsieurNam/handwriting-recognition/internal/vision"
)

// DiagnosticsSink receives intermediate images for inspection. Implementations
// must be safe for concurrent use and must not retain the Mats.
type DiagnosticsSink interface {
	SavePage(imageName string, page gocv.Mat)
	SaveROI(imageName, field string, roi gocv.Mat)
}

// DirSink writes diagnostics as PNG files under <dir>/<image>/.
type DirSink struct {
	dir    string
	logger *logging.Logger
}

// NewDirSink creates a sink rooted at dir.
func NewDirSink(dir string, logger *logging.Logger) *DirSink {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &DirSink{dir: dir, logger: logger}
}

// SavePage writes the aligned page as _aligned.png.
func (s *DirSink) SavePage(imageName string, page gocv.Mat) {
	s.save(imageName, "_aligned", page)
}

// SaveROI writes a restored field region as <field>.png.
func (s *DirSink) SaveROI(imageName, field string, roi gocv.Mat) {
	s.save(imageName, field, roi)
}

// Path returns the file a diagnostic image named name is written to.
func (s *DirSink) Path(imageName, name string) string {
	return filepath.Join(s.dir, baseName(imageName), sanitizeName(name)+".png")
}

func (s *DirSink) save(imageName, name string, m gocv.Mat) {
	img, err := vision.ToImage(m)
	if err != nil {
		s.logger.Debug("Skipping diagnostic image", "image", imageName, "name", name, "error", err)
		return
	}

	path := s.Path(imageName, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.Warn("Failed to create diagnostics directory", "path", path, "error", err)
		return
	}
	if err := imaging.Save(img, path); err != nil {
		s.logger.Warn("Failed to write diagnostic image", "path", path, "error", err)
	}
}

// baseName strips directories and the extension from an image name.
func baseName(imageName string) string {
	base := filepath.Base(imageName)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "image"
	}
	return base
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}
