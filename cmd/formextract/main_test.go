package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestCollectImages(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "b.JPG"), nil)
	touch(t, filepath.Join(dir, "a.png"), nil)
	touch(t, filepath.Join(dir, "notes.txt"), nil)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.jpg"), 0o755))

	extra := filepath.Join(t.TempDir(), "scan.heic")
	touch(t, extra, nil)

	got, err := collectImages([]string{dir, extra, filepath.Join(dir, "a.png")})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.png"),
		filepath.Join(dir, "b.JPG"),
		extra,
	}, got)

	_, err = collectImages([]string{filepath.Join(dir, "missing.jpg")})
	assert.Error(t, err)

	empty := t.TempDir()
	_, err = collectImages([]string{empty})
	assert.Error(t, err)
}

func TestNewPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "form.jpg")
	touch(t, path, []byte{0xff, 0xd8, 0xff})

	byRef, err := newPayload(path, false)
	require.NoError(t, err)
	assert.Equal(t, "form.jpg", byRef.ImageName)
	assert.True(t, filepath.IsAbs(byRef.ImagePath))
	assert.Nil(t, byRef.ImageBuffer)

	inline, err := newPayload(path, true)
	require.NoError(t, err)
	assert.Empty(t, inline.ImagePath)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, inline.ImageBuffer)
	assert.Equal(t, int64(3), inline.ImageSize)
	assert.NoError(t, inline.Validate())
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	t.Setenv("TEMPLATE_IMAGE_PATH", "env.jpg")
	t.Setenv("FIELD_TABLE_PATH", "env.json")

	templatePath, fieldsPath, routingPath = "flag.jpg", "", "routing.yaml"
	t.Cleanup(func() { templatePath, fieldsPath, routingPath = "", "", "" })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "flag.jpg", cfg.TemplateImagePath)
	assert.Equal(t, "env.json", cfg.FieldTablePath)
	assert.Equal(t, "routing.yaml", cfg.RoutingConfigPath)
}
