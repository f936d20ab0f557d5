package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"cifar-forge/internal/batch"
	"cifar-forge/internal/checkpoint"
	"cifar-forge/internal/config"
	"cifar-forge/internal/metrics"
	"cifar-forge/internal/model"
)

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	Steps           int
	LogEvery        int
	CheckpointEvery int
	CheckpointDir   string
	// StartStep is the global step of a restored model. Saved checkpoints are
	// numbered from it.
	StartStep int64
}

// NewRunConfig derives the loop settings from cfg.
func NewRunConfig(cfg *config.Config) RunConfig {
	return RunConfig{
		Steps:           cfg.Steps,
		LogEvery:        cfg.LogEvery,
		CheckpointEvery: cfg.CheckpointEvery,
		CheckpointDir:   cfg.CheckpointDir,
	}
}

// BatchSource yields training batches.
type BatchSource interface {
	Next() (batch.Batch, error)
}

// Run executes cfg.Steps optimization steps over batches from src, saving a
// checkpoint every CheckpointEvery steps and after the last one. It returns
// the last checkpoint written.
func Run(ctx context.Context, cfg RunConfig, src BatchSource, mdl model.Model) (checkpoint.Checkpoint, error) {
	if cfg.Steps <= 0 {
		return checkpoint.Checkpoint{}, errors.New("trainer: steps must be > 0")
	}
	if cfg.CheckpointDir == "" {
		return checkpoint.Checkpoint{}, errors.New("trainer: checkpoint dir is required")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = cfg.Steps
	}

	var (
		window metrics.Window
		last   checkpoint.Checkpoint
	)
	for i := 1; i <= cfg.Steps; i++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		step := cfg.StartStep + int64(i)

		startData := time.Now()
		b, err := src.Next()
		if err != nil {
			return last, fmt.Errorf("trainer: step %d: %w", step, err)
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		loss := mdl.TrainStep(b)
		computeTime := time.Since(startCompute)
		if math.IsNaN(loss) {
			return last, fmt.Errorf("trainer: model diverged with loss = NaN at step %d", step)
		}

		window.Record(b.Size, dataTime, computeTime, loss)

		if i%cfg.LogEvery == 0 {
			snap := window.Snapshot()
			log.Printf("step=%d examples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f",
				step,
				snap.ExamplesPerSec,
				snap.AvgDataMS,
				snap.AvgComputeMS,
				snap.LastLoss,
			)
		}

		if i%cfg.CheckpointEvery == 0 || i == cfg.Steps {
			last, err = checkpoint.Save(cfg.CheckpointDir, step, mdl)
			if err != nil {
				return last, err
			}
			log.Printf("step=%d checkpoint=%s", step, last.Path)
		}
	}

	return last, nil
}
