package env

import (
	"image"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-rl/images"
	"github.com/nvr-ai/go-rl/saliency"
)

// stubExtractor embeds a region as a fixed-length vector derived from its
// size, so states are deterministic without a real backbone.
type stubExtractor struct{ dim int }

func (s stubExtractor) Embed(region image.Image) ([]float32, error) {
	out := make([]float32, s.dim)
	b := region.Bounds()
	out[0] = float32(b.Dx())
	if s.dim > 1 {
		out[1] = float32(b.Dy())
	}
	return out, nil
}

func (s stubExtractor) Dim() int { return s.dim }

type stubRanker struct{ candidates []saliency.Candidate }

func (s stubRanker) Rank(image.Image) ([]saliency.Candidate, error) {
	return s.candidates, nil
}

func testImage(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func newTestEnv(t *testing.T, cfg Config, ranker saliency.Ranker) *Env {
	t.Helper()
	e, err := New(cfg, stubExtractor{dim: 4}, ranker)
	require.NoError(t, err)
	return e
}

func TestResetSeedsFromRanker(t *testing.T) {
	seed := images.NewBox(10, 10, 60, 60)
	e := newTestEnv(t, Config{}, stubRanker{candidates: []saliency.Candidate{{Box: seed, Score: 0.9}}})

	truth := images.NewBox(0, 0, 50, 50)
	_, err := e.Reset(testImage(100, 100), &truth)
	require.NoError(t, err)
	assert.Equal(t, seed, e.Box())
}

func TestResetFallsBackToFullImage(t *testing.T) {
	e := newTestEnv(t, Config{}, stubRanker{}) // ranker returns no candidates

	truth := images.NewBox(0, 0, 50, 50)
	_, err := e.Reset(testImage(100, 100), &truth)
	require.NoError(t, err)
	assert.Equal(t, images.FullImage(100, 100), e.Box())
}

func TestStateShape(t *testing.T) {
	e := newTestEnv(t, Config{HistoryLength: 5}, nil)
	truth := images.NewBox(0, 0, 50, 50)
	s, err := e.Reset(testImage(100, 100), &truth)
	require.NoError(t, err)
	assert.Len(t, s, 4+5*NumActions)
	assert.Equal(t, 4+5*NumActions, e.StateDim())
}

// Starting from the full image over a centered 50x50 target (IoU 0.25),
// shrinking raises IoU and must pay +1; triggering above the threshold must
// pay +Nu and terminate.
func TestRewardSignAndTrigger(t *testing.T) {
	e := newTestEnv(t, Config{}, nil)
	truth := images.NewBox(25, 25, 75, 75)
	_, err := e.Reset(testImage(100, 100), &truth)
	require.NoError(t, err)

	reward, _, done, err := e.Step(int(Smaller))
	require.NoError(t, err)
	assert.Equal(t, float32(1), reward, "IoU-improving action should pay +1")
	assert.False(t, done)

	// Box is now (20,20)-(80,80): IoU vs truth is 2500/3600 > 0.5.
	require.GreaterOrEqual(t, e.FinalIoU(), float32(0.5))
	reward, _, done, err = e.Step(int(Trigger))
	require.NoError(t, err)
	assert.Equal(t, float32(defaultNu), reward)
	assert.True(t, done)
	assert.False(t, e.TimedOut())
	assert.Equal(t, float32(1+defaultNu), e.CumulativeReward(), "cumulative reward sums both steps")
	assert.Equal(t, 1, e.Episodes())
}

func TestEpisodeAccounting(t *testing.T) {
	e := newTestEnv(t, Config{}, nil)
	truth := images.NewBox(25, 25, 75, 75)

	_, err := e.Reset(testImage(100, 100), &truth)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Episodes())
	assert.Equal(t, float32(0), e.CumulativeReward())

	r1, _, _, err := e.Step(int(Smaller))
	require.NoError(t, err)
	assert.Equal(t, r1, e.CumulativeReward())

	r2, _, done, err := e.Step(int(Trigger))
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, r1+r2, e.CumulativeReward())
	assert.Equal(t, 1, e.Episodes())

	// The counter survives reset; the per-episode accumulator does not.
	_, err = e.Reset(testImage(100, 100), &truth)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Episodes())
	assert.Equal(t, float32(0), e.CumulativeReward())

	_, _, done, err = e.Step(int(Trigger))
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, 2, e.Episodes())
}

func TestRewardNegativeOnWorsening(t *testing.T) {
	e := newTestEnv(t, Config{}, stubRanker{candidates: []saliency.Candidate{
		{Box: images.NewBox(25, 25, 75, 75), Score: 1},
	}})
	truth := images.NewBox(25, 25, 75, 75)
	_, err := e.Reset(testImage(100, 100), &truth)
	require.NoError(t, err)

	// Any move off a perfect seed lowers IoU.
	reward, _, _, err := e.Step(int(MoveRight))
	require.NoError(t, err)
	assert.Equal(t, float32(-1), reward)
}

func TestTriggerBelowThresholdPenalized(t *testing.T) {
	e := newTestEnv(t, Config{}, nil)
	truth := images.NewBox(0, 0, 10, 10) // IoU vs full image = 0.01
	_, err := e.Reset(testImage(100, 100), &truth)
	require.NoError(t, err)

	reward, _, done, err := e.Step(int(Trigger))
	require.NoError(t, err)
	assert.Equal(t, float32(-defaultNu), reward)
	assert.True(t, done)
}

func TestScaledReward(t *testing.T) {
	e := newTestEnv(t, Config{ScaledReward: true}, nil)
	truth := images.NewBox(25, 25, 75, 75)
	_, err := e.Reset(testImage(100, 100), &truth)
	require.NoError(t, err)

	before := e.FinalIoU()
	reward, _, _, err := e.Step(int(Smaller))
	require.NoError(t, err)
	assert.InDelta(t, e.FinalIoU()-before, reward, 1e-6)
}

func TestForcedTermination(t *testing.T) {
	e := newTestEnv(t, Config{MaxSteps: 3}, nil)
	truth := images.NewBox(25, 25, 75, 75)
	_, err := e.Reset(testImage(100, 100), &truth)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _, done, err := e.Step(int(MoveRight))
		require.NoError(t, err)
		require.False(t, done)
	}

	// Third step hits the cap: forced done, step reward (-1 here, since
	// moving off-target worsens IoU) plus the timeout penalty.
	reward, _, done, err := e.Step(int(MoveRight))
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, e.TimedOut())
	assert.Equal(t, float32(-1-defaultTimeoutPenalty), reward)
}

func TestStepErrors(t *testing.T) {
	e := newTestEnv(t, Config{}, nil)

	_, _, _, err := e.Step(int(MoveRight))
	assert.ErrorIs(t, err, ErrNotReset)

	truth := images.NewBox(25, 25, 75, 75)
	_, err = e.Reset(testImage(100, 100), &truth)
	require.NoError(t, err)

	_, _, _, err = e.Step(NumActions)
	assert.ErrorIs(t, errors.Cause(err), ErrInvalidAction)
	_, _, _, err = e.Step(-1)
	assert.ErrorIs(t, errors.Cause(err), ErrInvalidAction)

	_, _, done, err := e.Step(int(Trigger))
	require.NoError(t, err)
	require.True(t, done)

	_, _, _, err = e.Step(int(MoveRight))
	assert.ErrorIs(t, err, ErrEpisodeDone)

	// Reset recovers the terminal environment.
	_, err = e.Reset(testImage(100, 100), &truth)
	require.NoError(t, err)
	_, _, _, err = e.Step(int(MoveRight))
	assert.NoError(t, err)
}

func TestInferenceMode(t *testing.T) {
	e := newTestEnv(t, Config{}, nil)
	_, err := e.Reset(testImage(100, 100), nil)
	require.NoError(t, err)
	require.True(t, e.InferenceMode())

	reward, _, done, err := e.Step(int(Smaller))
	require.NoError(t, err)
	assert.Equal(t, float32(0), reward, "no reward is computed without ground truth")
	assert.False(t, done)

	reward, _, done, err = e.Step(int(Trigger))
	require.NoError(t, err)
	assert.Equal(t, float32(0), reward)
	assert.True(t, done)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", Config{}, true},
		{"explicit", Config{MaxSteps: 100, Alpha: 0.3, Nu: 5, Threshold: 0.6, HistoryLength: 20}, true},
		{"negative steps", Config{MaxSteps: -1}, false},
		{"alpha too large", Config{Alpha: 1.5}, false},
		{"negative nu", Config{Nu: -3}, false},
		{"threshold above one", Config{Threshold: 1.5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, stubExtractor{dim: 2}, nil)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
