// Package dqn - Value networks for box-localization reinforcement learning.
//
// The networks estimate Q(s, a), the expected discounted return of every
// discrete refinement action in a given state. Training maintains two
// instances of the same architecture: the policy network, updated on every
// training step, and a target network that is only overwritten wholesale at
// fixed intervals. Decoupling Bellman targets from the rapidly-changing
// policy estimates is what keeps the updates from chasing their own tail.
package dqn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrDiverged is returned by Fit when the loss is NaN or infinite. It is
// fatal to the training run: the weights can no longer be trusted and the
// last good checkpoint should be kept instead.
var ErrDiverged = errors.New("dqn: non-finite training loss")

// Arch selects the network architecture at construction time.
type Arch string

const (
	// ArchPlain is the standard feed-forward DQN head.
	ArchPlain Arch = "dqn"
	// ArchDueling splits the head into state-value and action-advantage
	// streams, recombined as Q = V + A - mean(A).
	ArchDueling Arch = "dueling"
)

// Network is a function approximator for action values. Implementations are
// selected at construction and hidden behind this interface; the trainer
// never inspects the concrete variant.
//
// A Network is not safe for concurrent use. Parallel action selection while
// another goroutine calls Fit requires external serialization.
type Network interface {
	// Predict returns one row of action values per input state.
	Predict(states [][]float32) ([][]float32, error)

	// Fit performs one gradient step pulling Q(state, action) towards the
	// corresponding Bellman target, using a Huber loss, and returns the
	// batch loss. A non-finite loss returns ErrDiverged.
	Fit(states [][]float32, actions []int, targets []float32) (float32, error)

	// Weights returns a deep copy of the current weight tensors, ordered.
	Weights() []*tensor.Dense

	// SetWeights overwrites the weight tensors in place. Shapes must match
	// the network's own; this is the hard target-sync primitive.
	SetWeights(weights []*tensor.Dense) error

	// InputDim returns the expected state vector length.
	InputDim() int

	// NumActions returns the size of the action-value output.
	NumActions() int

	// Close releases the underlying virtual machines.
	Close() error
}

// Config holds the network hyperparameters.
type Config struct {
	// InputDim is the state vector length (embedding + action history).
	InputDim int
	// NumActions is the number of discrete actions.
	NumActions int
	// Hidden lists the hidden layer widths. Defaults to the reference
	// 1024-512-256-128 stack.
	Hidden []int
	// Arch selects the architecture variant. Defaults to ArchPlain.
	Arch Arch
	// LearningRate for the Adam solver. Defaults to 1e-4.
	LearningRate float64
	// HuberDelta is the quadratic/linear crossover of the loss.
	// Defaults to 1.
	HuberDelta float32
	// Seed drives the weight initialization.
	Seed int64
}

// defaultHidden is the reference trunk; checkpoints written by a
// default-configured network are stamped with it so the fingerprint check
// on load does not depend on whether the widths were spelled out.
var defaultHidden = []int{1024, 512, 256, 128}

func (c Config) withDefaults() Config {
	if len(c.Hidden) == 0 {
		c.Hidden = defaultHidden
	}
	if c.Arch == "" {
		c.Arch = ArchPlain
	}
	if c.LearningRate == 0 {
		c.LearningRate = 1e-4
	}
	if c.HuberDelta == 0 {
		c.HuberDelta = 1
	}
	return c
}

// Validate reports the first malformed field.
func (c Config) Validate() error {
	if c.InputDim <= 0 {
		return errors.Errorf("dqn: input dim must be positive, got %d", c.InputDim)
	}
	if c.NumActions <= 0 {
		return errors.Errorf("dqn: action count must be positive, got %d", c.NumActions)
	}
	for i, h := range c.Hidden {
		if h <= 0 {
			return errors.Errorf("dqn: hidden layer %d must be positive, got %d", i, h)
		}
	}
	switch c.Arch {
	case "", ArchPlain, ArchDueling:
	default:
		return errors.Errorf("dqn: unknown architecture %q", c.Arch)
	}
	if c.LearningRate < 0 {
		return errors.Errorf("dqn: learning rate must be non-negative, got %f", c.LearningRate)
	}
	return nil
}

// New constructs the configured network variant.
func New(cfg Config) (Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newMLP(cfg.withDefaults())
}

// glorotUniform fills a weight slice with Glorot-uniform noise so layer
// activations start with comparable variance.
func glorotUniform(rng *rand.Rand, fanIn, fanOut int) []float32 {
	limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	data := make([]float32, fanIn*fanOut)
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * limit
	}
	return data
}
