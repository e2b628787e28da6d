package env

import (
	"image"
	"image/draw"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-rl/features"
	"github.com/nvr-ai/go-rl/images"
	"github.com/nvr-ai/go-rl/saliency"
)

var (
	// ErrNotReset is returned by Step when no episode has been started.
	ErrNotReset = errors.New("env: step before reset")
	// ErrEpisodeDone is returned by Step once the episode is terminal.
	ErrEpisodeDone = errors.New("env: episode is terminal, call Reset")
	// ErrInvalidAction is returned by Step for an out-of-range action id.
	ErrInvalidAction = errors.New("env: action id out of range")
)

// State is the observation handed to the agent: the feature embedding of the
// current box region concatenated with the flattened action history.
type State []float32

// Config holds the environment hyperparameters. The zero value of any field
// falls back to the defaults below, which match the reference system.
type Config struct {
	// MaxSteps caps the episode length; reaching it forces termination.
	MaxSteps int
	// Alpha is the step fraction: each transform moves or resizes the box
	// by Alpha times its current side length.
	Alpha float32
	// Nu is the trigger reward magnitude: +Nu on a successful trigger,
	// -Nu otherwise.
	Nu float32
	// Threshold is the IoU at or above which a trigger counts as success.
	Threshold float32
	// HistoryLength is the number of past actions encoded in the state.
	HistoryLength int
	// TimeoutPenalty is subtracted from the final step's reward when the
	// episode is cut off by MaxSteps instead of a trigger.
	TimeoutPenalty float32
	// ScaledReward switches the per-step reward from the sign of the IoU
	// delta (the default, which is robust to IoU's continuous noise) to
	// the raw delta itself.
	ScaledReward bool
}

const (
	defaultMaxSteps       = 500
	defaultAlpha          = 0.2
	defaultNu             = 3.0
	defaultThreshold      = 0.5
	defaultHistoryLength  = 20
	defaultTimeoutPenalty = 1.0
)

func (c Config) withDefaults() Config {
	if c.MaxSteps == 0 {
		c.MaxSteps = defaultMaxSteps
	}
	if c.Alpha == 0 {
		c.Alpha = defaultAlpha
	}
	if c.Nu == 0 {
		c.Nu = defaultNu
	}
	if c.Threshold == 0 {
		c.Threshold = defaultThreshold
	}
	if c.HistoryLength == 0 {
		c.HistoryLength = defaultHistoryLength
	}
	if c.TimeoutPenalty == 0 {
		c.TimeoutPenalty = defaultTimeoutPenalty
	}
	return c
}

// Validate reports the first malformed hyperparameter.
func (c Config) Validate() error {
	if c.MaxSteps < 0 {
		return errors.Errorf("env: max steps must be positive, got %d", c.MaxSteps)
	}
	if c.Alpha < 0 || c.Alpha >= 1 {
		return errors.Errorf("env: alpha must be in [0, 1), got %f", c.Alpha)
	}
	if c.Nu < 0 {
		return errors.Errorf("env: nu must be non-negative, got %f", c.Nu)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return errors.Errorf("env: threshold must be in [0, 1], got %f", c.Threshold)
	}
	if c.HistoryLength < 0 {
		return errors.Errorf("env: history length must be positive, got %d", c.HistoryLength)
	}
	return nil
}

// Env is one localization MDP. It owns the current episode's box, action
// history and step counter, and nothing else: networks, buffers and epsilon
// belong to the trainer. An Env is not safe for concurrent use; parallel
// data collection uses one Env per goroutine.
type Env struct {
	cfg       Config
	extractor features.Extractor
	ranker    saliency.Ranker

	img      image.Image
	width    float32
	height   float32
	truth    *images.Box
	box      images.Box
	history  *History
	steps    int
	started  bool
	done     bool
	timedOut bool
	cumRew   float32
	episodes int
}

// New constructs an environment around the given collaborators. The ranker
// may be nil, in which case episodes start from the full-image box.
func New(cfg Config, extractor features.Extractor, ranker saliency.Ranker) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if extractor == nil {
		return nil, errors.New("env: extractor is required")
	}
	cfg = cfg.withDefaults()
	return &Env{
		cfg:       cfg,
		extractor: extractor,
		ranker:    ranker,
		history:   NewHistory(cfg.HistoryLength),
	}, nil
}

// StateDim returns the length of the state vector.
func (e *Env) StateDim() int {
	return e.extractor.Dim() + e.cfg.HistoryLength*NumActions
}

// Reset starts a new episode on img. The initial box is the saliency
// ranker's top candidate, or the full image when no candidate is available.
//
// truth is the ground-truth box for training; passing nil puts the episode
// in inference mode, where rewards are not computed and only the trigger
// and the box trajectory are meaningful.
func (e *Env) Reset(img image.Image, truth *images.Box) (State, error) {
	bounds := img.Bounds()
	e.img = img
	e.width = float32(bounds.Dx())
	e.height = float32(bounds.Dy())
	if truth != nil {
		t := images.Clip(*truth, e.width, e.height)
		e.truth = &t
	} else {
		e.truth = nil
	}

	e.box = saliency.SeedBox(img, e.ranker)
	e.history.Reset()
	e.steps = 0
	e.started = true
	e.done = false
	e.timedOut = false
	e.cumRew = 0

	return e.state()
}

// Step applies the action with the given id and advances the episode.
//
// For non-trigger actions the reward is the sign of the IoU change against
// the ground truth (+1 improvement, -1 otherwise). Trigger yields +Nu when
// the final IoU reaches the success threshold and -Nu when it does not.
// Hitting the step cap forces done with an extra TimeoutPenalty, distinct
// from a voluntary trigger.
func (e *Env) Step(actionID int) (reward float32, next State, done bool, err error) {
	if !e.started {
		return 0, nil, false, ErrNotReset
	}
	if e.done {
		return 0, nil, true, ErrEpisodeDone
	}
	action := Action(actionID)
	if !action.Valid() {
		return 0, nil, false, errors.Wrapf(ErrInvalidAction, "got %d, want [0, %d)", actionID, NumActions)
	}

	if action == Trigger {
		if e.truth != nil {
			if images.IoU(e.box, *e.truth) >= e.cfg.Threshold {
				reward = e.cfg.Nu
			} else {
				reward = -e.cfg.Nu
			}
		}
		e.done = true
	} else {
		newBox := Apply(e.box, action, e.cfg.Alpha, e.width, e.height)
		if e.truth != nil {
			reward = e.stepReward(e.box, newBox)
		}
		e.box = newBox
	}

	e.history.Push(action)
	e.steps++

	if !e.done && e.steps >= e.cfg.MaxSteps {
		e.done = true
		e.timedOut = true
		if e.truth != nil {
			reward -= e.cfg.TimeoutPenalty
		}
	}
	if e.done {
		e.episodes++
	}

	e.cumRew += reward
	next, err = e.state()
	if err != nil {
		return 0, nil, false, err
	}
	return reward, next, e.done, nil
}

func (e *Env) stepReward(oldBox, newBox images.Box) float32 {
	delta := images.IoU(newBox, *e.truth) - images.IoU(oldBox, *e.truth)
	if e.cfg.ScaledReward {
		return delta
	}
	if delta > 0 {
		return 1
	}
	return -1
}

// Box returns the current box; after a terminal step it is the committed
// final prediction.
func (e *Env) Box() images.Box { return e.box }

// Done reports whether the current episode is terminal.
func (e *Env) Done() bool { return e.done }

// TimedOut reports whether the episode was terminated by the step cap
// rather than by a trigger.
func (e *Env) TimedOut() bool { return e.timedOut }

// InferenceMode reports whether the episode runs without ground truth.
func (e *Env) InferenceMode() bool { return e.started && e.truth == nil }

// Steps returns the number of steps taken in the current episode.
func (e *Env) Steps() int { return e.steps }

// Episodes returns the number of episodes completed since construction.
func (e *Env) Episodes() int { return e.episodes }

// CumulativeReward returns the reward accumulated in the current episode.
func (e *Env) CumulativeReward() float32 { return e.cumRew }

// FinalIoU returns the IoU of the current box against the ground truth,
// or 0 in inference mode.
func (e *Env) FinalIoU() float32 {
	if e.truth == nil {
		return 0
	}
	return images.IoU(e.box, *e.truth)
}

func (e *Env) state() (State, error) {
	region := cropRegion(e.img, e.box.ToRect())
	embedding, err := e.extractor.Embed(region)
	if err != nil {
		return nil, errors.Wrap(err, "env: embedding current region")
	}
	if len(embedding) != e.extractor.Dim() {
		return nil, errors.Errorf("env: extractor returned %d features, want %d", len(embedding), e.extractor.Dim())
	}

	s := make(State, 0, e.StateDim())
	s = append(s, embedding...)
	s = append(s, e.history.Vector()...)
	return s, nil
}

// cropRegion extracts rect from img, copying when the underlying type does
// not support sub-imaging.
func cropRegion(img image.Image, rect image.Rectangle) image.Image {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		rect = img.Bounds()
	}
	type subImager interface {
		SubImage(image.Rectangle) image.Image
	}
	if si, ok := img.(subImager); ok {
		return si.SubImage(rect)
	}
	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(out, out.Bounds(), img, rect.Min, draw.Src)
	return out
}
