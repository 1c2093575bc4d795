package processor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestDirSinkWritesPNGs(t *testing.T) {
	dir := t.TempDir()
	sink := NewDirSink(dir, nil)

	roi := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), 20, 60, gocv.MatTypeCV8UC1)
	defer roi.Close()
	page := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(200, 200, 200, 0), 40, 30, gocv.MatTypeCV8UC3)
	defer page.Close()

	sink.SaveROI("scans/form 01.jpg", "ho_ten", roi)
	sink.SavePage("scans/form 01.jpg", page)

	roiPath := filepath.Join(dir, "form 01", "ho_ten.png")
	assert.Equal(t, roiPath, sink.Path("scans/form 01.jpg", "ho_ten"))

	img, err := imaging.Open(roiPath)
	require.NoError(t, err)
	assert.Equal(t, 60, img.Bounds().Dx())
	assert.Equal(t, 20, img.Bounds().Dy())

	img, err = imaging.Open(filepath.Join(dir, "form 01", "_aligned.png"))
	require.NoError(t, err)
	assert.Equal(t, 30, img.Bounds().Dx())
}

func TestDirSinkSkipsEmptyMats(t *testing.T) {
	dir := t.TempDir()
	sink := NewDirSink(dir, nil)

	empty := gocv.NewMat()
	defer empty.Close()
	sink.SaveROI("a.jpg", "lop", empty)

	_, err := os.Stat(sink.Path("a.jpg", "lop"))
	assert.True(t, os.IsNotExist(err))
}

func TestDiagnosticNames(t *testing.T) {
	assert.Equal(t, "form", baseName("/data/in/form.jpeg"))
	assert.Equal(t, "image", baseName(""))
	assert.Equal(t, "a_b_c", sanitizeName("a/b:c"))
}
