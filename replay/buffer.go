// Package replay - Fixed-capacity experience replay for value-based training.
//
// The buffer decorrelates gradient updates by sampling uniformly over past
// transitions instead of training on the (highly correlated) most recent
// trajectory.
package replay

import (
	"bytes"
	"encoding/gob"
	"math/rand"

	"github.com/pkg/errors"
)

// ErrInsufficientData is returned by Sample when the buffer holds fewer
// transitions than the requested batch size. Callers should treat it as
// recoverable: skip the training step and keep collecting.
var ErrInsufficientData = errors.New("replay: not enough transitions buffered")

// Transition is one (s, a, r, s', done) tuple. It is immutable once stored;
// callers must not reuse the state slices they pass in.
type Transition struct {
	State     []float32
	Action    int
	Reward    float32
	NextState []float32
	Done      bool
}

// Buffer is a fixed-capacity ring of transitions. Add is O(1) and overwrites
// the oldest entry once the capacity is reached. The buffer is not
// goroutine-safe; a training run writes to it from a single loop.
type Buffer struct {
	transitions []Transition
	capacity    int
	next        int
	size        int
	rng         *rand.Rand
}

// NewBuffer returns an empty buffer with the given capacity. The rng drives
// sampling and is threaded explicitly so runs are reproducible.
func NewBuffer(capacity int, rng *rand.Rand) (*Buffer, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("replay: capacity must be positive, got %d", capacity)
	}
	if rng == nil {
		return nil, errors.New("replay: rng is required")
	}
	return &Buffer{
		transitions: make([]Transition, 0, capacity),
		capacity:    capacity,
		rng:         rng,
	}, nil
}

// Add stores a transition, evicting the oldest once at capacity.
func (b *Buffer) Add(t Transition) {
	if b.size < b.capacity {
		b.transitions = append(b.transitions, t)
		b.size++
	} else {
		b.transitions[b.next] = t
	}
	b.next = (b.next + 1) % b.capacity
}

// Len returns the number of stored transitions.
func (b *Buffer) Len() int { return b.size }

// Cap returns the configured capacity.
func (b *Buffer) Cap() int { return b.capacity }

// Sample returns batchSize transitions drawn uniformly without replacement.
// It fails with ErrInsufficientData when the buffer is underfilled rather
// than returning a short batch.
func (b *Buffer) Sample(batchSize int) ([]Transition, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("replay: batch size must be positive, got %d", batchSize)
	}
	if b.size < batchSize {
		return nil, errors.Wrapf(ErrInsufficientData, "have %d, want %d", b.size, batchSize)
	}

	// Partial Fisher-Yates over an index permutation: only the first
	// batchSize positions are needed.
	idx := make([]int, b.size)
	for i := range idx {
		idx[i] = i
	}
	out := make([]Transition, batchSize)
	for i := 0; i < batchSize; i++ {
		j := i + b.rng.Intn(b.size-i)
		idx[i], idx[j] = idx[j], idx[i]
		out[i] = b.transitions[idx[i]]
	}
	return out, nil
}

// MarshalBinary implements encoding.BinaryMarshaler so a run's buffer can
// be checkpointed alongside the network weights.
func (b *Buffer) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	if err := enc.Encode(b.capacity); err != nil {
		return nil, err
	}
	if err := enc.Encode(b.next); err != nil {
		return nil, err
	}
	if err := enc.Encode(b.transitions); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. The sampling rng is
// not part of the encoding; the buffer keeps the one it was constructed with.
func (b *Buffer) UnmarshalBinary(data []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(data))

	if err := dec.Decode(&b.capacity); err != nil {
		return err
	}
	if err := dec.Decode(&b.next); err != nil {
		return err
	}
	if err := dec.Decode(&b.transitions); err != nil {
		return err
	}
	b.size = len(b.transitions)
	return nil
}
