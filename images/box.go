// Package images - Bounding box geometry for localization.
package images

import (
	"fmt"
	"image"

	"github.com/chewxy/math32"
)

// MinSide is the smallest box side length Clip will produce. Clipping never
// yields a zero-area box because IoU is undefined for degenerate boxes.
const MinSide float32 = 1.0

// Box is an axis-aligned bounding box in pixel coordinates.
//
// It is a value type: every transformation returns a new Box so that
// before/after comparisons (e.g. IoU deltas for reward computation) are
// unambiguous. A well-formed Box satisfies X1 <= X2 and Y1 <= Y2.
type Box struct {
	X1, Y1, X2, Y2 float32
}

// NewBox returns a canonicalized Box with corners ordered.
func NewBox(x1, y1, x2, y2 float32) Box {
	return Box{X1: x1, Y1: y1, X2: x2, Y2: y2}.Canon()
}

// FullImage returns the box covering an entire width x height image.
func FullImage(width, height float32) Box {
	return Box{X1: 0, Y1: 0, X2: width, Y2: height}
}

// Canon returns the box with X1 <= X2 and Y1 <= Y2.
func (b Box) Canon() Box {
	if b.X1 > b.X2 {
		b.X1, b.X2 = b.X2, b.X1
	}
	if b.Y1 > b.Y2 {
		b.Y1, b.Y2 = b.Y2, b.Y1
	}
	return b
}

// Width returns the horizontal extent of the box.
func (b Box) Width() float32 { return b.X2 - b.X1 }

// Height returns the vertical extent of the box.
func (b Box) Height() float32 { return b.Y2 - b.Y1 }

// Area returns the area of the box in square pixels.
func (b Box) Area() float32 { return b.Width() * b.Height() }

// Center returns the center point of the box.
func (b Box) Center() (x, y float32) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

func (b Box) String() string {
	return fmt.Sprintf("(%.1f, %.1f)-(%.1f, %.1f)", b.X1, b.Y1, b.X2, b.Y2)
}

// ToRect converts the box to an image.Rectangle for region cropping.
//
// This won't be entirely precise due to conversion to the integral rectangles
// from the image.Image library, but region crops feed a downsampling feature
// extractor, so sub-pixel imprecision is OK.
func (b Box) ToRect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)).Canon()
}

// Intersection returns the overlap area between two boxes, 0 if disjoint.
func Intersection(a, o Box) float32 {
	ix1 := math32.Max(a.X1, o.X1)
	iy1 := math32.Max(a.Y1, o.Y1)
	ix2 := math32.Min(a.X2, o.X2)
	iy2 := math32.Min(a.Y2, o.Y2)

	interW := ix2 - ix1
	interH := iy2 - iy1
	if interW <= 0 || interH <= 0 {
		return 0
	}
	return interW * interH
}

// IoU (Intersection over Union) measures the overlap between two boxes as a
// value in [0, 1]: 1.0 for identical boxes, 0.0 for disjoint ones. It is
// symmetric. Union is computed by inclusion-exclusion:
//
//	Union(A, B) = Area(A) + Area(B) - Intersection(A, B)
//
// See also:
//   - http://ronny.rest/tutorials/module/localization_001/iou
func IoU(a, o Box) float32 {
	inter := Intersection(a, o)
	if inter <= 0 {
		return 0
	}
	union := a.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Clip projects the box into the [0, width] x [0, height] image bounds.
//
// If clipping collapses a side to (or below) zero, that side is expanded to
// MinSide, pushed back inside the bounds, so the result always has positive
// area and IoU against it stays defined.
func Clip(b Box, width, height float32) Box {
	b = b.Canon()
	b.X1 = clamp(b.X1, 0, width)
	b.X2 = clamp(b.X2, 0, width)
	b.Y1 = clamp(b.Y1, 0, height)
	b.Y2 = clamp(b.Y2, 0, height)

	if b.Width() < MinSide {
		b.X1, b.X2 = expandSide(b.X1, b.X2, width)
	}
	if b.Height() < MinSide {
		b.Y1, b.Y2 = expandSide(b.Y1, b.Y2, height)
	}
	return b
}

// expandSide grows a collapsed interval to MinSide around its midpoint,
// shifting it inward when it would cross the [0, limit] bounds.
func expandSide(lo, hi, limit float32) (float32, float32) {
	mid := (lo + hi) / 2
	lo = mid - MinSide/2
	hi = mid + MinSide/2
	if lo < 0 {
		hi -= lo
		lo = 0
	}
	if hi > limit {
		lo -= hi - limit
		hi = limit
		if lo < 0 {
			lo = 0
		}
	}
	return lo, hi
}

func clamp(v, lo, hi float32) float32 {
	return math32.Min(math32.Max(v, lo), hi)
}
