package eval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/pkg/core/tensors"

	"cifar-forge/internal/batch"
	"cifar-forge/internal/checkpoint"
	"cifar-forge/internal/config"
	"cifar-forge/internal/dataset"
	"cifar-forge/internal/metrics"
	"cifar-forge/internal/model"
	"cifar-forge/internal/pipeline"
)

// State is the lifecycle of one evaluation pass.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EvaluationError wraps a failure inside the evaluation loop.
type EvaluationError struct {
	Split dataset.Split
	Err   error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate %s: %v", e.Split, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Result is the outcome of one pass over a split.
type Result struct {
	Split      dataset.Split
	Step       int64
	NumBatches int
	Correct    int64
	Total      int64
	Precision  float64
}

// Options configures a Harness.
type Options struct {
	Config *config.Config
	Model  model.Restorable
	// Summary receives the precision scalar when set.
	Summary *metrics.SummaryWriter
	// Out receives the accuracy line. Defaults to stdout.
	Out io.Writer
	// Inputs starts the batch feeder for a split. Defaults to pipeline.Inputs.
	Inputs func(ctx context.Context, cfg *config.Config, split dataset.Split) (Feeder, error)
}

// Feeder is the part of pipeline.Feeder the harness consumes.
type Feeder interface {
	Next() (batch.Batch, error)
	Coordinator() *pipeline.Coordinator
	Stop(grace time.Duration) error
}

func pipelineInputs(ctx context.Context, cfg *config.Config, split dataset.Split) (Feeder, error) {
	f, err := pipeline.Inputs(ctx, cfg, split)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Harness runs a single evaluation pass: Idle, then Running, then Completed
// or Failed.
type Harness struct {
	opts Options

	mu    sync.Mutex
	state State
}

// NewHarness returns an idle harness.
func NewHarness(opts Options) (*Harness, error) {
	if opts.Config == nil {
		return nil, errors.New("eval: config is nil")
	}
	if opts.Model == nil {
		return nil, errors.New("eval: model is nil")
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Inputs == nil {
		opts.Inputs = pipelineInputs
	}
	return &Harness{opts: opts}, nil
}

// State reports the harness state.
func (h *Harness) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Harness) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// EvalOnce restores ckpt and runs ceil(num_examples / batch_size) batches of
// split through the model. Precision is the number of correct predictions
// over num_batches * batch_size. The feeder workers are stopped before
// EvalOnce returns, whatever the outcome, and the accuracy is only reported
// once they have stopped.
func (h *Harness) EvalOnce(ctx context.Context, split dataset.Split, ckpt checkpoint.Checkpoint) (res Result, err error) {
	h.mu.Lock()
	if h.state != StateIdle {
		h.mu.Unlock()
		return Result{}, fmt.Errorf("eval: harness is %s, not idle", h.state)
	}
	h.state = StateRunning
	h.mu.Unlock()
	defer func() {
		if err != nil {
			h.setState(StateFailed)
			return
		}
		h.setState(StateCompleted)
	}()

	cfg := h.opts.Config
	files, err := cfg.Layout().Files(split)
	if err != nil {
		return Result{}, err
	}
	if err := dataset.CheckFiles(files...); err != nil {
		return Result{}, err
	}
	if err := checkpoint.Restore(ckpt.Path, h.opts.Model); err != nil {
		return Result{}, err
	}

	feeder, err := h.opts.Inputs(ctx, cfg, split)
	if err != nil {
		return Result{}, err
	}
	res, err = h.run(ctx, split, ckpt, feeder)
	if stopErr := feeder.Stop(cfg.StopGracePeriod); stopErr != nil {
		if err == nil {
			return Result{}, &EvaluationError{Split: split, Err: stopErr}
		}
		log.Printf("split=%s teardown failed: %v", split, stopErr)
	}
	if err != nil {
		return Result{}, err
	}

	fmt.Fprintf(h.opts.Out, "%s Accuracy: %.3f\n", split.DisplayName(), res.Precision)
	if h.opts.Summary != nil {
		if err := h.opts.Summary.AddScalar(string(split), metrics.PrecisionTag, res.Precision, ckpt.Step); err != nil {
			return Result{}, &EvaluationError{Split: split, Err: err}
		}
	}
	return res, nil
}

func (h *Harness) run(ctx context.Context, split dataset.Split, ckpt checkpoint.Checkpoint, feeder Feeder) (Result, error) {
	cfg := h.opts.Config
	numBatches := batch.NumBatches(cfg.NumExamples, cfg.BatchSize)
	prec := metrics.Precision{BatchSize: cfg.BatchSize}
	coord := feeder.Coordinator()
	for step := 0; step < numBatches && !coord.ShouldStop(); step++ {
		if err := ctx.Err(); err != nil {
			return Result{}, &EvaluationError{Split: split, Err: err}
		}
		b, err := feeder.Next()
		if err != nil {
			return Result{}, &EvaluationError{Split: split, Err: err}
		}
		images, _ := b.Tensors()
		logits, err := h.opts.Model.Inference(images)
		if err != nil {
			return Result{}, &EvaluationError{Split: split, Err: err}
		}
		correct, err := CountCorrect(logits, b.Labels)
		if err != nil {
			return Result{}, &EvaluationError{Split: split, Err: err}
		}
		prec.Record(correct)
	}
	if cause := coord.Err(); cause != nil {
		return Result{}, &EvaluationError{Split: split, Err: cause}
	}

	res := Result{
		Split:      split,
		Step:       ckpt.Step,
		NumBatches: numBatches,
		Correct:    prec.Correct(),
		Total:      int64(numBatches) * int64(cfg.BatchSize),
	}
	res.Precision = float64(res.Correct) / float64(res.Total)
	return res, nil
}

// CountCorrect counts rows of a [batch, classes] logits tensor whose label
// scores at least as high as every other class. Rows with a non-finite logit
// or an out of range label count as wrong.
func CountCorrect(logits *tensors.Tensor, labels []int32) (int, error) {
	rows, ok := logits.Value().([][]float32)
	if !ok {
		return 0, fmt.Errorf("eval: logits must be a rank 2 float32 tensor, got %T", logits.Value())
	}
	if len(rows) != len(labels) {
		return 0, fmt.Errorf("eval: %d logit rows for %d labels", len(rows), len(labels))
	}
	correct := 0
	for i, row := range rows {
		if InTopOne(row, labels[i]) {
			correct++
		}
	}
	return correct, nil
}

// InTopOne reports whether label has the highest score in row. Ties count as
// a hit.
func InTopOne(row []float32, label int32) bool {
	if label < 0 || int(label) >= len(row) {
		return false
	}
	target := row[label]
	for _, v := range row {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return false
		}
		if v > target {
			return false
		}
	}
	return true
}
