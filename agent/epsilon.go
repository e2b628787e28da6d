// Package agent - Epsilon-greedy DQN trainer for box localization.
package agent

import (
	"github.com/chewxy/math32"
)

// Schedule selects how epsilon decays from its start value to its floor.
type Schedule string

const (
	// DecayLinear interpolates epsilon linearly over EpsilonDecaySteps.
	DecayLinear Schedule = "linear"
	// DecayExponential decays epsilon exponentially, reaching within 1%
	// of the floor by EpsilonDecaySteps.
	DecayExponential Schedule = "exponential"
)

// expHorizon makes exp(-expHorizon) < 1%, so the exponential schedule is
// effectively at its floor once EpsilonDecaySteps have elapsed.
const expHorizon = 5.0

// epsilonAt returns the exploration rate for a global step. It is a pure
// function of the step count — never of wall-clock time — so identical runs
// explore identically. It is non-increasing in step and never drops below
// the floor.
func epsilonAt(schedule Schedule, start, floor float32, decaySteps, step int) float32 {
	if step <= 0 || decaySteps <= 0 {
		return start
	}
	switch schedule {
	case DecayExponential:
		eps := floor + (start-floor)*math32.Exp(-expHorizon*float32(step)/float32(decaySteps))
		return math32.Max(eps, floor)
	default: // DecayLinear
		if step >= decaySteps {
			return floor
		}
		frac := float32(step) / float32(decaySteps)
		return start - (start-floor)*frac
	}
}
