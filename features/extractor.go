// Package features - Pretrained feature extraction for localization states.
//
// The extractor is an external collaborator: a frozen backbone that maps an
// image region to a fixed-length embedding. It is consumed as a black box
// and never trained here.
package features

import (
	"image"
)

// Extractor produces a fixed-length embedding for an image region.
//
// Implementations must be deterministic given fixed weights: the same region
// always yields the same embedding, since localization states are recomputed
// on every environment transition.
type Extractor interface {
	// Embed returns the embedding of the given region. The returned slice
	// has length Dim().
	Embed(region image.Image) ([]float32, error)

	// Dim returns the embedding length.
	Dim() int
}
