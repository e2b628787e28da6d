package agent

import (
	"image"
	"io"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/nvr-ai/go-rl/dqn"
	"github.com/nvr-ai/go-rl/env"
	"github.com/nvr-ai/go-rl/images"
	"github.com/nvr-ai/go-rl/replay"
)

// Config holds the trainer hyperparameters. Everything a run depends on is
// supplied here explicitly; there is no ambient global state, so independent
// runs can coexist in one process.
type Config struct {
	// Discount is the Bellman discount factor gamma, in [0, 1).
	Discount float32
	// EpsilonStart and EpsilonFloor bound the exploration rate.
	EpsilonStart float32
	EpsilonFloor float32
	// EpsilonDecaySteps is the number of global steps over which epsilon
	// decays from start to floor.
	EpsilonDecaySteps int
	// EpsilonSchedule selects the decay shape. Defaults to DecayLinear.
	EpsilonSchedule Schedule

	// BufferCapacity bounds the replay buffer.
	BufferCapacity int
	// BatchSize is the number of transitions per gradient step.
	BatchSize int
	// TrainEvery runs a gradient step every N environment steps.
	TrainEvery int
	// TargetSyncEvery hard-copies policy weights into the target network
	// every N environment steps.
	TargetSyncEvery int
	// DoubleQ selects actions for the Bellman target with the policy
	// network and evaluates them with the target network, which removes
	// the max-operator overestimation bias of plain DQN.
	DoubleQ bool

	// Seed drives exploration and replay sampling.
	Seed int64
	// Logger receives per-episode progress. Nil disables logging.
	Logger *zerolog.Logger
}

const (
	defaultEpsilonStart      = 1.0
	defaultBufferCapacity    = 10000
	defaultBatchSize         = 64
	defaultTrainEvery        = 4
	defaultTargetSyncEvery   = 1000
	defaultEpsilonDecaySteps = 10000
)

func (c Config) withDefaults() Config {
	if c.EpsilonStart == 0 {
		c.EpsilonStart = defaultEpsilonStart
	}
	if c.EpsilonDecaySteps == 0 {
		c.EpsilonDecaySteps = defaultEpsilonDecaySteps
	}
	if c.EpsilonSchedule == "" {
		c.EpsilonSchedule = DecayLinear
	}
	if c.BufferCapacity == 0 {
		c.BufferCapacity = defaultBufferCapacity
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.TrainEvery == 0 {
		c.TrainEvery = defaultTrainEvery
	}
	if c.TargetSyncEvery == 0 {
		c.TargetSyncEvery = defaultTargetSyncEvery
	}
	return c
}

// Validate fails fast on malformed hyperparameters.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Discount < 0 || c.Discount >= 1 {
		return errors.Errorf("agent: discount must be in [0, 1), got %f", c.Discount)
	}
	if c.EpsilonStart < 0 || c.EpsilonStart > 1 {
		return errors.Errorf("agent: epsilon start must be in [0, 1], got %f", c.EpsilonStart)
	}
	if c.EpsilonFloor < 0 || c.EpsilonFloor > c.EpsilonStart {
		return errors.Errorf("agent: epsilon floor must be in [0, %f], got %f", c.EpsilonStart, c.EpsilonFloor)
	}
	if c.EpsilonDecaySteps < 0 {
		return errors.Errorf("agent: epsilon decay steps must be positive, got %d", c.EpsilonDecaySteps)
	}
	switch c.EpsilonSchedule {
	case "", DecayLinear, DecayExponential:
	default:
		return errors.Errorf("agent: unknown epsilon schedule %q", c.EpsilonSchedule)
	}
	if c.BufferCapacity <= 0 {
		return errors.Errorf("agent: buffer capacity must be positive, got %d", c.BufferCapacity)
	}
	if c.BatchSize <= 0 || c.BatchSize > c.BufferCapacity {
		return errors.Errorf("agent: batch size must be in (0, %d], got %d", c.BufferCapacity, c.BatchSize)
	}
	if c.TrainEvery <= 0 {
		return errors.Errorf("agent: train interval must be positive, got %d", c.TrainEvery)
	}
	if c.TargetSyncEvery <= 0 {
		return errors.Errorf("agent: target sync interval must be positive, got %d", c.TargetSyncEvery)
	}
	return nil
}

// Sample is one training example: an image and its ground-truth box.
type Sample struct {
	Image image.Image
	Truth images.Box
}

// EpisodeStats summarizes one completed episode.
type EpisodeStats struct {
	Steps     int
	Reward    float32
	FinalIoU  float32
	Triggered bool
	TimedOut  bool
	Epsilon   float32
	LastLoss  float32
}

// Trainer runs the training loop. It owns the replay buffer, both network
// weight sets and the epsilon/step counters for the duration of a run; the
// environment owns only the current episode.
type Trainer struct {
	cfg     Config
	netCfg  dqn.Config
	environ *env.Env
	policy  dqn.Network
	target  dqn.Network
	buffer  *replay.Buffer
	rng     *rand.Rand
	log     zerolog.Logger

	globalStep int
	epsilon    float32
	lastLoss   float32
}

// NewTrainer builds the network pair from netCfg and wires the training
// state. netCfg.InputDim and NumActions are filled in from the environment
// when zero, and must match it when set.
func NewTrainer(cfg Config, environ *env.Env, netCfg dqn.Config) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if environ == nil {
		return nil, errors.New("agent: environment is required")
	}

	if netCfg.InputDim == 0 {
		netCfg.InputDim = environ.StateDim()
	} else if netCfg.InputDim != environ.StateDim() {
		return nil, errors.Errorf("agent: network input dim %d does not match state dim %d",
			netCfg.InputDim, environ.StateDim())
	}
	if netCfg.NumActions == 0 {
		netCfg.NumActions = env.NumActions
	} else if netCfg.NumActions != env.NumActions {
		return nil, errors.Errorf("agent: network action count %d does not match action set %d",
			netCfg.NumActions, env.NumActions)
	}
	// Pin the arch so checkpoints written by a default-configured trainer
	// restore against the same fingerprint.
	if netCfg.Arch == "" {
		netCfg.Arch = dqn.ArchPlain
	}

	policy, err := dqn.New(netCfg)
	if err != nil {
		return nil, errors.Wrap(err, "agent: building policy network")
	}
	targetCfg := netCfg
	targetCfg.Seed = netCfg.Seed + 1
	target, err := dqn.New(targetCfg)
	if err != nil {
		policy.Close()
		return nil, errors.Wrap(err, "agent: building target network")
	}
	// Start the pair in agreement.
	if err := target.SetWeights(policy.Weights()); err != nil {
		policy.Close()
		target.Close()
		return nil, errors.Wrap(err, "agent: initial target sync")
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	buffer, err := replay.NewBuffer(cfg.BufferCapacity, rand.New(rand.NewSource(cfg.Seed+1)))
	if err != nil {
		policy.Close()
		target.Close()
		return nil, err
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	return &Trainer{
		cfg:     cfg,
		netCfg:  netCfg,
		environ: environ,
		policy:  policy,
		target:  target,
		buffer:  buffer,
		rng:     rng,
		log:     log,
		epsilon: cfg.EpsilonStart,
	}, nil
}

// Close releases both networks.
func (t *Trainer) Close() error {
	if err := t.policy.Close(); err != nil {
		return err
	}
	return t.target.Close()
}

// GlobalStep returns the number of environment steps taken in this run.
func (t *Trainer) GlobalStep() int { return t.globalStep }

// Epsilon returns the current exploration rate.
func (t *Trainer) Epsilon() float32 { return t.epsilon }

// Buffer exposes the replay buffer, mainly for checkpoint plumbing.
func (t *Trainer) Buffer() *replay.Buffer { return t.buffer }

// SelectAction picks an action epsilon-greedily: a uniformly random action
// with probability epsilon, otherwise the argmax of the policy network's
// action values, ties broken by the lowest action index.
func (t *Trainer) SelectAction(state env.State) (int, error) {
	if t.rng.Float32() < t.epsilon {
		return t.rng.Intn(t.policy.NumActions()), nil
	}
	return t.GreedyAction(state)
}

// GreedyAction returns the argmax action for a state, without exploration.
func (t *Trainer) GreedyAction(state env.State) (int, error) {
	q, err := t.policy.Predict([][]float32{state})
	if err != nil {
		return 0, errors.Wrap(err, "agent: action selection")
	}
	return argmax(q[0]), nil
}

// RunEpisode plays one full episode against sample, storing transitions,
// training every TrainEvery steps and hard-syncing the target network every
// TargetSyncEvery steps. Numerical divergence aborts with dqn.ErrDiverged.
func (t *Trainer) RunEpisode(sample Sample) (EpisodeStats, error) {
	state, err := t.environ.Reset(sample.Image, &sample.Truth)
	if err != nil {
		return EpisodeStats{}, err
	}

	var stats EpisodeStats
	for {
		action, err := t.SelectAction(state)
		if err != nil {
			return stats, err
		}
		reward, next, done, err := t.environ.Step(action)
		if err != nil {
			return stats, err
		}

		t.buffer.Add(replay.Transition{
			State:     append([]float32(nil), state...),
			Action:    action,
			Reward:    reward,
			NextState: append([]float32(nil), next...),
			Done:      done,
		})

		t.globalStep++
		t.epsilon = epsilonAt(t.cfg.EpsilonSchedule, t.cfg.EpsilonStart, t.cfg.EpsilonFloor,
			t.cfg.EpsilonDecaySteps, t.globalStep)

		if t.globalStep%t.cfg.TrainEvery == 0 {
			if err := t.trainStep(); err != nil {
				return stats, err
			}
		}
		if t.globalStep%t.cfg.TargetSyncEvery == 0 {
			if err := t.target.SetWeights(t.policy.Weights()); err != nil {
				return stats, errors.Wrap(err, "agent: target sync")
			}
			t.log.Debug().Int("step", t.globalStep).Msg("target network synced")
		}

		stats.Steps++
		stats.Reward += reward
		state = next
		if done {
			break
		}
	}

	stats.FinalIoU = t.environ.FinalIoU()
	stats.TimedOut = t.environ.TimedOut()
	stats.Triggered = !stats.TimedOut
	stats.Epsilon = t.epsilon
	stats.LastLoss = t.lastLoss
	return stats, nil
}

// Train runs one episode per sample and returns per-episode statistics.
func (t *Trainer) Train(samples []Sample) ([]EpisodeStats, error) {
	out := make([]EpisodeStats, 0, len(samples))
	for i, sample := range samples {
		stats, err := t.RunEpisode(sample)
		if err != nil {
			return out, errors.Wrapf(err, "agent: episode %d", i)
		}
		out = append(out, stats)
		t.log.Info().
			Int("episode", i).
			Int("steps", stats.Steps).
			Float32("reward", stats.Reward).
			Float32("iou", stats.FinalIoU).
			Float32("epsilon", stats.Epsilon).
			Bool("timed_out", stats.TimedOut).
			Msg("episode finished")
	}
	return out, nil
}

// trainStep samples a batch and applies one Bellman update to the policy
// network. An underfilled buffer is not an error; the step is skipped and
// collection continues.
func (t *Trainer) trainStep() error {
	batch, err := t.buffer.Sample(t.cfg.BatchSize)
	if err != nil {
		if errors.Is(errors.Cause(err), replay.ErrInsufficientData) {
			return nil
		}
		return err
	}

	states := make([][]float32, len(batch))
	nextStates := make([][]float32, len(batch))
	actions := make([]int, len(batch))
	for i, tr := range batch {
		states[i] = tr.State
		nextStates[i] = tr.NextState
		actions[i] = tr.Action
	}

	targets, err := t.bellmanTargets(batch, nextStates)
	if err != nil {
		return err
	}

	loss, err := t.policy.Fit(states, actions, targets)
	if err != nil {
		if errors.Is(errors.Cause(err), dqn.ErrDiverged) {
			t.log.Error().Float32("loss", loss).Int("step", t.globalStep).
				Msg("training diverged, aborting run")
		}
		return err
	}
	t.lastLoss = loss
	return nil
}

// bellmanTargets computes y = r for terminal transitions and
// y = r + gamma * Q_target(s', a') otherwise, where a' is the target
// network's own max (plain DQN) or the policy network's argmax (double DQN).
func (t *Trainer) bellmanTargets(batch []replay.Transition, nextStates [][]float32) ([]float32, error) {
	targetQ, err := t.target.Predict(nextStates)
	if err != nil {
		return nil, errors.Wrap(err, "agent: target prediction")
	}

	var policyQ [][]float32
	if t.cfg.DoubleQ {
		policyQ, err = t.policy.Predict(nextStates)
		if err != nil {
			return nil, errors.Wrap(err, "agent: double-Q selection")
		}
	}

	targets := make([]float32, len(batch))
	for i, tr := range batch {
		if tr.Done {
			targets[i] = tr.Reward
			continue
		}
		var future float32
		if t.cfg.DoubleQ {
			future = targetQ[i][argmax(policyQ[i])]
		} else {
			future = targetQ[i][argmax(targetQ[i])]
		}
		targets[i] = tr.Reward + t.cfg.Discount*future
	}
	return targets, nil
}

// WriteCheckpoint persists both weight sets, the global step and epsilon.
func (t *Trainer) WriteCheckpoint(w io.Writer) error {
	cp := &dqn.Checkpoint{
		Arch:       t.netCfg.Arch,
		InputDim:   t.policy.InputDim(),
		NumActions: t.policy.NumActions(),
		Hidden:     t.netCfg.Hidden,
		GlobalStep: t.globalStep,
		Epsilon:    t.epsilon,
		Policy:     dqn.BlobsFromTensors(t.policy.Weights()),
		Target:     dqn.BlobsFromTensors(t.target.Weights()),
	}
	return dqn.WriteCheckpoint(w, cp)
}

// RestoreCheckpoint loads a checkpoint written by a compatible run. Schema,
// state-dimension, action-count and architecture mismatches are errors.
func (t *Trainer) RestoreCheckpoint(r io.Reader) error {
	cp, err := dqn.ReadCheckpoint(r, t.netCfg)
	if err != nil {
		return err
	}
	policyW, err := dqn.TensorsFromBlobs(cp.Policy)
	if err != nil {
		return err
	}
	targetW, err := dqn.TensorsFromBlobs(cp.Target)
	if err != nil {
		return err
	}
	if err := t.policy.SetWeights(policyW); err != nil {
		return err
	}
	if err := t.target.SetWeights(targetW); err != nil {
		return err
	}
	t.globalStep = cp.GlobalStep
	t.epsilon = cp.Epsilon
	return nil
}

// argmax returns the index of the largest value, preferring the lowest
// index on ties so greedy selection is deterministic.
func argmax(values []float32) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}
