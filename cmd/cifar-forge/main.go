package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cifar-forge/internal/augment"
	"cifar-forge/internal/checkpoint"
	"cifar-forge/internal/config"
	"cifar-forge/internal/dataset"
	"cifar-forge/internal/eval"
	"cifar-forge/internal/model"
	"cifar-forge/internal/pipeline"
	"cifar-forge/internal/trainer"
)

const usage = `usage: cifar-forge <command> [flags] [data_dir]

commands:
  split   write the train/val split files from train.bin
  train   train the reference classifier and write checkpoints
  eval    evaluate the latest checkpoint on every configured split
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "split":
		runSplit(loadConfig(cmd, args))
	case "train":
		runTrain(ctx, loadConfig(cmd, args))
	case "eval":
		runEval(ctx, loadConfig(cmd, args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}

// loadConfig parses the subcommand flags, reads the YAML config and applies
// the overrides. A positional argument replaces data_dir.
func loadConfig(name string, args []string) *config.Config {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to YAML config (defaults are used when empty)")
	dataDir := fs.String("data-dir", "", "Override the dataset directory")
	evalDir := fs.String("eval-dir", "", "Override the evaluation output directory")
	checkpointDir := fs.String("checkpoint-dir", "", "Override the checkpoint directory")
	steps := fs.Int("steps", 0, "Number of training steps")
	batchSize := fs.Int("batch-size", 0, "Batch size")
	numWorkers := fs.Int("num-workers", 0, "Number of input pipeline workers")
	numExamples := fs.Int("num-examples", 0, "Number of examples per evaluation pass")
	seed := fs.Int64("seed", 0, "PRNG seed")
	logEvery := fs.Int("log-every", 0, "Log every N steps")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parse flags: %v", err)
	}

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	if fs.NArg() > 0 {
		*dataDir = fs.Arg(0)
	}
	cfg.ApplyOverrides(config.Overrides{
		DataDir:       *dataDir,
		EvalDir:       *evalDir,
		CheckpointDir: *checkpointDir,
		Steps:         *steps,
		BatchSize:     *batchSize,
		NumWorkers:    *numWorkers,
		NumExamples:   *numExamples,
		Seed:          *seed,
		LogEvery:      *logEvery,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	return cfg
}

func runSplit(cfg *config.Config) {
	layout := cfg.Layout()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	res, err := dataset.SplitArchive(dataset.SplitOptions{
		Source:        layout.Archive(),
		TrainPath:     layout.TrainSplit(),
		ValPath:       layout.ValSplit(),
		NumExamples:   cfg.NumTrainExamples,
		TrainFraction: cfg.TrainFraction,
		Rand:          rand.New(rand.NewSource(seed)),
	})
	if err != nil {
		log.Fatalf("split failed: %v", err)
	}
	log.Printf("train=%s records=%d val=%s records=%d", res.TrainPath, res.NumTrain, res.ValPath, res.NumVal)
}

func newModel(cfg *config.Config) *model.SimpleCNN {
	return model.NewSimpleCNN(dataset.NumClasses, augment.OutputSize*augment.OutputSize*dataset.Depth, cfg.LearningRate, cfg.Seed)
}

func runTrain(ctx context.Context, cfg *config.Config) {
	mdl := newModel(cfg)
	runCfg := trainer.NewRunConfig(cfg)

	ckpt, err := checkpoint.Latest(cfg.CheckpointDir)
	var none *checkpoint.NoCheckpointError
	switch {
	case err == nil:
		if err := checkpoint.Restore(ckpt.Path, mdl); err != nil {
			log.Fatalf("restore %s: %v", ckpt.Path, err)
		}
		runCfg.StartStep = ckpt.Step
		log.Printf("resuming from %s step=%d", ckpt.Path, ckpt.Step)
	case !errors.As(err, &none):
		log.Fatalf("read checkpoint state: %v", err)
	}

	feeder, err := pipeline.DistortedInputs(ctx, cfg)
	if err != nil {
		log.Fatalf("start input pipeline: %v", err)
	}
	last, err := trainer.Run(ctx, runCfg, feeder, mdl)
	if stopErr := feeder.Stop(cfg.StopGracePeriod); stopErr != nil {
		log.Printf("stop input pipeline: %v", stopErr)
	}
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}
	log.Printf("step=%d checkpoint=%s done", last.Step, last.Path)
}

func runEval(ctx context.Context, cfg *config.Config) {
	restorable := func() model.Restorable {
		m := newModel(cfg)
		m.UseMovingAverages(true)
		return m
	}
	if _, err := eval.Evaluate(ctx, cfg, restorable, os.Stdout); err != nil {
		log.Fatalf("evaluation failed: %v", err)
	}
}
