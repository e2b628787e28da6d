// Package env - Markov decision process for bounding-box localization.
//
// The environment holds one localization episode: a current box over an
// image, refined step by step by discrete geometric actions until the agent
// triggers (committing the box as its prediction) or the step cap is hit.
package env

import (
	"github.com/nvr-ai/go-rl/images"
)

// Action is one of the discrete box transformations available to the agent.
type Action int

const (
	// MoveRight shifts the box right by a fraction of its width.
	MoveRight Action = iota
	// MoveLeft shifts the box left by a fraction of its width.
	MoveLeft
	// MoveUp shifts the box up by a fraction of its height.
	MoveUp
	// MoveDown shifts the box down by a fraction of its height.
	MoveDown
	// Bigger grows the box in both axes, preserving its center.
	Bigger
	// Smaller shrinks the box in both axes, preserving its center.
	Smaller
	// Fatter shrinks the box vertically only, preserving its center.
	Fatter
	// Taller shrinks the box horizontally only, preserving its center.
	Taller
	// Trigger ends the episode and commits the current box as the
	// final localization.
	Trigger

	// NumActions is the size of the action set.
	NumActions = int(Trigger) + 1
)

var actionNames = [NumActions]string{
	"move-right", "move-left", "move-up", "move-down",
	"bigger", "smaller", "fatter", "taller", "trigger",
}

func (a Action) String() string {
	if a < 0 || int(a) >= NumActions {
		return "invalid"
	}
	return actionNames[a]
}

// Valid reports whether a is within the enumerated action set.
func (a Action) Valid() bool { return a >= 0 && int(a) < NumActions }

// Apply transforms box by the given non-trigger action and clips the result
// to the width x height image bounds. The step size in each axis is alpha
// times the current side length, so transforms are scale-invariant.
//
// Apply is pure and total: every action on every well-formed box yields a
// well-formed, positive-area box. Trigger leaves the box unchanged.
func Apply(box images.Box, action Action, alpha, width, height float32) images.Box {
	dw := alpha * box.Width()
	dh := alpha * box.Height()

	switch action {
	case MoveRight:
		box.X1 += dw
		box.X2 += dw
	case MoveLeft:
		box.X1 -= dw
		box.X2 -= dw
	case MoveUp:
		box.Y1 -= dh
		box.Y2 -= dh
	case MoveDown:
		box.Y1 += dh
		box.Y2 += dh
	case Bigger:
		box.X1 -= dw
		box.X2 += dw
		box.Y1 -= dh
		box.Y2 += dh
	case Smaller:
		box.X1 += dw
		box.X2 -= dw
		box.Y1 += dh
		box.Y2 -= dh
	case Fatter:
		box.Y1 += dh
		box.Y2 -= dh
	case Taller:
		box.X1 += dw
		box.X2 -= dw
	}

	return images.Clip(box, width, height)
}
