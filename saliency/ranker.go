// Package saliency - Saliency-ranked seeding of the initial search box.
//
// The ranker is an external collaborator that orders candidate regions by
// perceptual importance. Only its top candidate is consumed here, to seed
// an episode's starting box; the historically used random or full-image
// start is kept as a deterministic fallback.
package saliency

import (
	"image"

	"github.com/nvr-ai/go-rl/images"
)

// Candidate is a region proposed by a saliency ranker.
type Candidate struct {
	Box   images.Box
	Score float32
}

// Ranker proposes candidate regions for an image, ordered best-first.
// An empty slice is a valid result and means the ranker found nothing.
type Ranker interface {
	Rank(img image.Image) ([]Candidate, error)
}

// SeedBox returns the initial box for a localization episode: the ranker's
// top candidate, clipped to the image bounds. When the ranker is nil, errors,
// or returns no candidates, the full-image box is used instead — a ranker
// failure seeds a worse start, it never aborts the episode.
func SeedBox(img image.Image, ranker Ranker) images.Box {
	bounds := img.Bounds()
	w := float32(bounds.Dx())
	h := float32(bounds.Dy())

	if ranker == nil {
		return images.FullImage(w, h)
	}
	candidates, err := ranker.Rank(img)
	if err != nil || len(candidates) == 0 {
		return images.FullImage(w, h)
	}
	return images.Clip(candidates[0].Box, w, h)
}
