package eval

import (
	"context"
	"errors"
	"io"
	"log"

	"cifar-forge/internal/checkpoint"
	"cifar-forge/internal/config"
	"cifar-forge/internal/metrics"
	"cifar-forge/internal/model"
)

// ChooseModel returns the latest checkpoint in dir. ok is false when dir has
// none, which is not an error.
func ChooseModel(dir string) (ckpt checkpoint.Checkpoint, ok bool, err error) {
	ckpt, err = checkpoint.Latest(dir)
	if err != nil {
		var none *checkpoint.NoCheckpointError
		if errors.As(err, &none) {
			log.Printf("No checkpoint file found exiting")
			return checkpoint.Checkpoint{}, false, nil
		}
		return checkpoint.Checkpoint{}, false, err
	}
	log.Printf("Using model located at: %s", ckpt.Path)
	return ckpt, true, nil
}

// Evaluate clears cfg.EvalDir, picks the latest checkpoint and evaluates it
// on every configured split with a fresh model from newModel. It returns no
// results and no error when there is no checkpoint to evaluate.
func Evaluate(ctx context.Context, cfg *config.Config, newModel func() model.Restorable, out io.Writer) ([]Result, error) {
	splits, err := cfg.EvalSplits()
	if err != nil {
		return nil, err
	}
	if err := metrics.ResetDir(cfg.EvalDir); err != nil {
		return nil, err
	}
	ckpt, ok, err := ChooseModel(cfg.CheckpointDir)
	if err != nil || !ok {
		return nil, err
	}

	summary, err := metrics.NewSummaryWriter(cfg.EvalDir)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(splits))
	for _, split := range splits {
		h, err := NewHarness(Options{Config: cfg, Model: newModel(), Summary: summary, Out: out})
		if err != nil {
			summary.Close()
			return results, err
		}
		log.Printf("split=%s step=%d evaluating", split, ckpt.Step)
		res, err := h.EvalOnce(ctx, split, ckpt)
		if err != nil {
			summary.Close()
			return results, err
		}
		results = append(results, res)
	}
	if err := summary.Close(); err != nil {
		return results, err
	}
	return results, nil
}
