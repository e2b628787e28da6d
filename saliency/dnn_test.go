package saliency

import (
	"gocv.io/x/gocv"
)

// newFloatMap builds a single-channel float Mat filled by fn, mirroring the
// shape of a decoded saliency blob channel.
func newFloatMap(rows, cols int, fn func(x, y int) float32) gocv.Mat {
	m := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			m.SetFloatAt(y, x, fn(x, y))
		}
	}
	return m
}
