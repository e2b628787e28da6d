package util

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-rl/images"
)

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 0, 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestLoadLabeledImages(t *testing.T) {
	dir := t.TempDir()

	writePNG(t, filepath.Join(dir, "b.png"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.box"), []byte("2 3 10 8\n"), 0o644))

	writePNG(t, filepath.Join(dir, "a.png"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.box"), []byte("0 0 16 12\n"), 0o644))

	// No annotation: skipped, not an error.
	writePNG(t, filepath.Join(dir, "unlabeled.png"))

	samples, err := LoadLabeledImages(dir)
	require.NoError(t, err)
	require.Len(t, samples, 2)

	assert.Equal(t, filepath.Join(dir, "a.png"), samples[0].Path, "samples must be ordered by name")
	assert.Equal(t, images.NewBox(0, 0, 16, 12), samples[0].Truth)
	assert.Equal(t, images.NewBox(2, 3, 10, 8), samples[1].Truth)
	assert.Equal(t, 16, samples[0].Image.Bounds().Dx())
}

func TestLoadLabeledImagesBadAnnotation(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.box"), []byte("1 2 3\n"), 0o644))

	_, err := LoadLabeledImages(dir)
	assert.Error(t, err)
}

func TestLoadLabeledImagesMissingDir(t *testing.T) {
	_, err := LoadLabeledImages(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
