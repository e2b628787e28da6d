// Command train runs DQN training for bounding-box localization over a
// directory of annotated images.
package main

import (
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/nvr-ai/go-rl/agent"
	"github.com/nvr-ai/go-rl/dqn"
	"github.com/nvr-ai/go-rl/env"
	"github.com/nvr-ai/go-rl/features"
	"github.com/nvr-ai/go-rl/saliency"
	"github.com/nvr-ai/go-rl/util"
)

func main() {
	var (
		dataDir       string
		backbonePath  string
		backboneDim   int
		backboneInput int
		ortLibPath    string
		saliencyPath  string

		checkpointPath  string
		resume          bool
		checkpointEvery int

		epochs       int
		maxSteps     int
		scaledReward bool

		discount     float64
		epsilonDecay int
		batchSize    int
		bufferCap    int
		doubleQ      bool
		dueling      bool
		seed         int64
		verbose      bool
	)
	flag.StringVar(&dataDir, "data", "", "Directory of images with .box annotations")
	flag.StringVar(&backbonePath, "backbone", "", "Path to the ONNX feature backbone")
	flag.IntVar(&backboneDim, "backbone-dim", 512, "Embedding length of the backbone")
	flag.IntVar(&backboneInput, "backbone-input", 224, "Square input size of the backbone")
	flag.StringVar(&ortLibPath, "ort-lib", "", "Path to the onnxruntime shared library")
	flag.StringVar(&saliencyPath, "saliency", "", "Optional saliency model for episode seeding")
	flag.StringVar(&checkpointPath, "checkpoint", "train.ckpt", "Checkpoint file path")
	flag.BoolVar(&resume, "resume", false, "Resume from the checkpoint file if present")
	flag.IntVar(&checkpointEvery, "checkpoint-every", 25, "Write a checkpoint every N episodes")
	flag.IntVar(&epochs, "epochs", 10, "Passes over the dataset")
	flag.IntVar(&maxSteps, "max-steps", 500, "Step cap per episode")
	flag.BoolVar(&scaledReward, "scaled-reward", false, "Use the raw IoU delta as the step reward")
	flag.Float64Var(&discount, "gamma", 0.9, "Bellman discount factor")
	flag.IntVar(&epsilonDecay, "epsilon-decay", 10000, "Steps over which epsilon decays to its floor")
	flag.IntVar(&batchSize, "batch", 64, "Transitions per gradient step")
	flag.IntVar(&bufferCap, "buffer", 10000, "Replay buffer capacity")
	flag.BoolVar(&doubleQ, "double-q", false, "Use double-Q Bellman targets")
	flag.BoolVar(&dueling, "dueling", false, "Use the dueling value/advantage head")
	flag.Int64Var(&seed, "seed", 1, "Seed for exploration and sampling")
	flag.BoolVar(&verbose, "v", false, "Enable debug logging")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	if verbose {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	if dataDir == "" || backbonePath == "" {
		flag.Usage()
		log.Fatal().Msg("-data and -backbone are required")
	}

	if err := run(log, runConfig{
		dataDir:         dataDir,
		backbonePath:    backbonePath,
		backboneDim:     backboneDim,
		backboneInput:   backboneInput,
		ortLibPath:      ortLibPath,
		saliencyPath:    saliencyPath,
		checkpointPath:  checkpointPath,
		resume:          resume,
		checkpointEvery: checkpointEvery,
		epochs:          epochs,
		maxSteps:        maxSteps,
		scaledReward:    scaledReward,
		discount:        float32(discount),
		epsilonDecay:    epsilonDecay,
		batchSize:       batchSize,
		bufferCap:       bufferCap,
		doubleQ:         doubleQ,
		dueling:         dueling,
		seed:            seed,
	}); err != nil {
		log.Fatal().Err(err).Msg("training failed")
	}
}

type runConfig struct {
	dataDir         string
	backbonePath    string
	backboneDim     int
	backboneInput   int
	ortLibPath      string
	saliencyPath    string
	checkpointPath  string
	resume          bool
	checkpointEvery int
	epochs          int
	maxSteps        int
	scaledReward    bool
	discount        float32
	epsilonDecay    int
	batchSize       int
	bufferCap       int
	doubleQ         bool
	dueling         bool
	seed            int64
}

func run(log zerolog.Logger, cfg runConfig) error {
	labeled, err := util.LoadLabeledImages(cfg.dataDir)
	if err != nil {
		return err
	}
	if len(labeled) == 0 {
		return errors.Errorf("no annotated images found in %s", cfg.dataDir)
	}
	log.Info().Int("samples", len(labeled)).Str("dir", cfg.dataDir).Msg("dataset loaded")

	extractor, err := features.NewONNXExtractor(features.ONNXConfig{
		ModelPath:   cfg.backbonePath,
		LibraryPath: cfg.ortLibPath,
		InputSize:   cfg.backboneInput,
		OutputDim:   cfg.backboneDim,
	})
	if err != nil {
		return err
	}
	defer extractor.Close()

	var ranker saliency.Ranker
	if cfg.saliencyPath != "" {
		dnn, err := saliency.NewDNNRanker(saliency.DNNConfig{ModelPath: cfg.saliencyPath})
		if err != nil {
			return err
		}
		defer dnn.Close()
		ranker = dnn
	}

	environ, err := env.New(env.Config{
		MaxSteps:     cfg.maxSteps,
		ScaledReward: cfg.scaledReward,
	}, extractor, ranker)
	if err != nil {
		return err
	}

	arch := dqn.ArchPlain
	if cfg.dueling {
		arch = dqn.ArchDueling
	}
	trainer, err := agent.NewTrainer(agent.Config{
		Discount:          cfg.discount,
		EpsilonFloor:      0.1,
		EpsilonDecaySteps: cfg.epsilonDecay,
		BufferCapacity:    cfg.bufferCap,
		BatchSize:         cfg.batchSize,
		DoubleQ:           cfg.doubleQ,
		Seed:              cfg.seed,
		Logger:            &log,
	}, environ, dqn.Config{Arch: arch, Seed: cfg.seed})
	if err != nil {
		return err
	}
	defer trainer.Close()

	if cfg.resume {
		if err := restoreCheckpoint(trainer, cfg.checkpointPath); err != nil {
			return err
		}
		log.Info().Str("path", cfg.checkpointPath).Int("step", trainer.GlobalStep()).
			Msg("resumed from checkpoint")
	}

	samples := make([]agent.Sample, len(labeled))
	for i, l := range labeled {
		samples[i] = agent.Sample{Image: l.Image, Truth: l.Truth}
	}

	episode := 0
	for epoch := 0; epoch < cfg.epochs; epoch++ {
		for i, sample := range samples {
			stats, err := trainer.RunEpisode(sample)
			if err != nil {
				// A diverged run's weights are unusable; leave the last
				// good checkpoint in place.
				return errors.Wrapf(err, "epoch %d sample %d", epoch, i)
			}
			episode++

			log.Info().
				Int("epoch", epoch).
				Int("episode", episode).
				Int("steps", stats.Steps).
				Float32("reward", stats.Reward).
				Float32("iou", stats.FinalIoU).
				Float32("epsilon", stats.Epsilon).
				Float32("loss", stats.LastLoss).
				Bool("timed_out", stats.TimedOut).
				Msg("episode finished")

			if episode%cfg.checkpointEvery == 0 {
				if err := writeCheckpoint(trainer, cfg.checkpointPath); err != nil {
					return err
				}
				log.Debug().Str("path", cfg.checkpointPath).Msg("checkpoint written")
			}
		}
	}

	return writeCheckpoint(trainer, cfg.checkpointPath)
}

// writeCheckpoint writes to a temp file and renames, so a crash mid-write
// never corrupts the previous checkpoint.
func writeCheckpoint(trainer *agent.Trainer, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating checkpoint temp file")
	}
	defer os.Remove(tmp.Name())

	if err := trainer.WriteCheckpoint(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing checkpoint temp file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "replacing checkpoint")
}

func restoreCheckpoint(trainer *agent.Trainer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening checkpoint %s", path)
	}
	defer f.Close()
	return trainer.RestoreCheckpoint(f)
}
