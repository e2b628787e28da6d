package images

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIoUIdentical(t *testing.T) {
	b := NewBox(10, 20, 110, 220)
	assert.InDelta(t, 1.0, IoU(b, b), 1e-6, "IoU of a box with itself should be 1")
}

func TestIoUSymmetric(t *testing.T) {
	a := NewBox(0, 0, 100, 100)
	b := NewBox(50, 50, 150, 150)
	assert.Equal(t, IoU(a, b), IoU(b, a), "IoU should be symmetric")
}

func TestIoUDisjoint(t *testing.T) {
	tests := []struct {
		name string
		a, b Box
	}{
		{"separated", NewBox(0, 0, 10, 10), NewBox(20, 20, 30, 30)},
		{"touching edge", NewBox(0, 0, 10, 10), NewBox(10, 0, 20, 10)},
		{"touching corner", NewBox(0, 0, 10, 10), NewBox(10, 10, 20, 20)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, float32(0), IoU(tt.a, tt.b), "disjoint boxes should have zero IoU")
		})
	}
}

func TestIoUPartialOverlap(t *testing.T) {
	// 50x50 overlap, union = 100*100 + 100*100 - 2500 = 17500.
	a := NewBox(0, 0, 100, 100)
	b := NewBox(50, 50, 150, 150)
	assert.InDelta(t, 2500.0/17500.0, IoU(a, b), 1e-6)
}

func TestClipContainsAndPositiveArea(t *testing.T) {
	const w, h = 640, 480
	tests := []struct {
		name string
		box  Box
	}{
		{"inside", NewBox(10, 10, 100, 100)},
		{"overflows right", NewBox(600, 10, 700, 100)},
		{"overflows all", NewBox(-50, -50, 700, 500)},
		{"fully outside", NewBox(700, 500, 800, 600)},
		{"fully negative", NewBox(-100, -100, -10, -10)},
		{"zero width", NewBox(50, 10, 50, 100)},
		{"zero area", NewBox(50, 50, 50, 50)},
		{"inverted corners", Box{X1: 100, Y1: 100, X2: 10, Y2: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Clip(tt.box, w, h)
			assert.GreaterOrEqual(t, c.X1, float32(0))
			assert.GreaterOrEqual(t, c.Y1, float32(0))
			assert.LessOrEqual(t, c.X2, float32(w))
			assert.LessOrEqual(t, c.Y2, float32(h))
			assert.LessOrEqual(t, c.X1, c.X2)
			assert.LessOrEqual(t, c.Y1, c.Y2)
			assert.Greater(t, c.Area(), float32(0), "clipped box must keep positive area")
		})
	}
}

func TestClipIdempotentForValidBox(t *testing.T) {
	b := NewBox(10, 10, 100, 100)
	assert.Equal(t, b, Clip(b, 640, 480))
}

func TestFullImage(t *testing.T) {
	b := FullImage(640, 480)
	assert.Equal(t, float32(640), b.Width())
	assert.Equal(t, float32(480), b.Height())
	assert.InDelta(t, 1.0, IoU(b, FullImage(640, 480)), 1e-6)
}

func TestToRect(t *testing.T) {
	r := NewBox(10.6, 20.2, 110.9, 220.1).ToRect()
	require.False(t, r.Empty())
	assert.Equal(t, 10, r.Min.X)
	assert.Equal(t, 20, r.Min.Y)
	assert.Equal(t, 110, r.Max.X)
	assert.Equal(t, 220, r.Max.Y)
}

func TestCenterPreservedByCanon(t *testing.T) {
	b := Box{X1: 100, Y1: 200, X2: 0, Y2: 0}.Canon()
	cx, cy := b.Center()
	assert.Equal(t, float32(50), cx)
	assert.Equal(t, float32(100), cy)
}
