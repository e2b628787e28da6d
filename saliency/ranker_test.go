package saliency

import (
	"image"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-rl/images"
)

type stubRanker struct {
	candidates []Candidate
	err        error
}

func (s stubRanker) Rank(image.Image) ([]Candidate, error) { return s.candidates, s.err }

func TestSeedBoxUsesTopCandidate(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 80))
	ranker := stubRanker{candidates: []Candidate{
		{Box: images.Box{X1: 10, Y1: 10, X2: 50, Y2: 40}, Score: 0.9},
		{Box: images.Box{X1: 0, Y1: 0, X2: 100, Y2: 80}, Score: 0.2},
	}}

	box := SeedBox(img, ranker)
	assert.Equal(t, images.Box{X1: 10, Y1: 10, X2: 50, Y2: 40}, box)
}

func TestSeedBoxClipsCandidate(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 80))
	ranker := stubRanker{candidates: []Candidate{
		{Box: images.Box{X1: -20, Y1: 30, X2: 140, Y2: 200}, Score: 1},
	}}

	box := SeedBox(img, ranker)
	assert.GreaterOrEqual(t, box.X1, float32(0))
	assert.GreaterOrEqual(t, box.Y1, float32(0))
	assert.LessOrEqual(t, box.X2, float32(100))
	assert.LessOrEqual(t, box.Y2, float32(80))
}

func TestSeedBoxFallsBackToFullImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 80))
	full := images.FullImage(100, 80)

	assert.Equal(t, full, SeedBox(img, nil))
	assert.Equal(t, full, SeedBox(img, stubRanker{}))
	assert.Equal(t, full, SeedBox(img, stubRanker{err: errors.New("model unavailable")}))
}

func TestNewDNNRankerValidation(t *testing.T) {
	_, err := NewDNNRanker(DNNConfig{})
	assert.Error(t, err, "a model path is required")

	_, err = NewDNNRanker(DNNConfig{ModelPath: "testdata/does-not-exist.onnx"})
	assert.Error(t, err, "a missing model file must be caught before loading")

	_, err = NewDNNRanker(DNNConfig{ModelPath: "testdata/does-not-exist.onnx", MapThreshold: 1.5})
	assert.Error(t, err)
}

func TestSalientBoundsFindsRegion(t *testing.T) {
	salMap := newFloatMap(8, 8, func(x, y int) float32 {
		if x >= 2 && x <= 5 && y >= 3 && y <= 4 {
			return 1.0
		}
		return 0.05
	})
	defer salMap.Close()

	box, score, ok := salientBounds(salMap, 0.5)
	require.True(t, ok)
	assert.Equal(t, images.Box{X1: 2, Y1: 3, X2: 6, Y2: 5}, box)
	assert.InDelta(t, 1.0, float64(score), 1e-6)
}

func TestSalientBoundsEmptyMap(t *testing.T) {
	salMap := newFloatMap(4, 4, func(int, int) float32 { return 0 })
	defer salMap.Close()

	_, _, ok := salientBounds(salMap, 0.5)
	assert.False(t, ok)
}
