package eval

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"cifar-forge/internal/augment"
	"cifar-forge/internal/batch"
	"cifar-forge/internal/checkpoint"
	"cifar-forge/internal/config"
	"cifar-forge/internal/dataset"
	"cifar-forge/internal/model"
	"cifar-forge/internal/pipeline"
)

// constModel always predicts class.
type constModel struct {
	class    int
	classes  int
	failAt   int32
	calls    atomic.Int32
	restored []byte
}

func (m *constModel) Inference(images *tensors.Tensor) (*tensors.Tensor, error) {
	if n := m.calls.Add(1); m.failAt > 0 && n == m.failAt {
		return nil, errors.New("device lost")
	}
	rows := make([][]float32, images.Shape().Dimensions[0])
	for i := range rows {
		rows[i] = make([]float32, m.classes)
		rows[i][m.class] = 1
	}
	return tensors.FromAnyValue(rows), nil
}

func (m *constModel) MarshalBinary() ([]byte, error) { return []byte("params"), nil }

func (m *constModel) UnmarshalBinary(data []byte) error {
	m.restored = append([]byte(nil), data...)
	return nil
}

func TestEvaluateCountsWholeBatches(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 4
	cfg.NumExamples = 10
	cfg.NumTestExamples = 10
	mustWriteRecords(t, cfg.Layout().Test(), 10)
	mustSave(t, cfg.CheckpointDir, 42)

	var m *constModel
	var out bytes.Buffer
	results, err := Evaluate(context.Background(), cfg, func() model.Restorable {
		m = &constModel{classes: dataset.NumClasses}
		return m
	}, &out)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	res := results[0]
	// keys 0..9 then 0,1 again; labels are key%20 so class 0 hits twice
	if res.NumBatches != 3 || res.Total != 12 || res.Correct != 2 || res.Step != 42 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(out.String(), "Testing Accuracy: 0.167") {
		t.Fatalf("unexpected output %q", out.String())
	}
	if string(m.restored) != "params" {
		t.Fatalf("model was not restored: %q", m.restored)
	}
	if _, err := os.Stat(filepath.Join(cfg.EvalDir, "events.jsonl")); err != nil {
		t.Fatalf("summary not written: %v", err)
	}
}

func TestEvaluateFullTestSplitDenominator(t *testing.T) {
	if testing.Short() {
		t.Skip("writes a full test split")
	}
	cfg := testConfig(t)
	cfg.NumWorkers = 16
	mustWriteRecords(t, cfg.Layout().Test(), 10000)
	mustSave(t, cfg.CheckpointDir, 1000)

	results, err := Evaluate(context.Background(), cfg, func() model.Restorable {
		return &constModel{classes: dataset.NumClasses}
	}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	res := results[0]
	// 500 zeros in the epoch plus keys 0,20,...,100 in the wrapped tail
	if res.NumBatches != 79 || res.Total != 10112 || res.Correct != 506 {
		t.Fatalf("unexpected result %+v", res)
	}
	if want := 506.0 / 10112; math.Abs(res.Precision-want) > 1e-12 {
		t.Fatalf("precision=%g want %g", res.Precision, want)
	}
}

func TestEvaluateWithoutCheckpointSkips(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.EvalDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.EvalDir, "old"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	called := false
	results, err := Evaluate(context.Background(), cfg, func() model.Restorable {
		called = true
		return &constModel{classes: dataset.NumClasses}
	}, &bytes.Buffer{})
	if err != nil || results != nil {
		t.Fatalf("expected a silent skip, got %v %v", results, err)
	}
	if called {
		t.Fatal("model built without a checkpoint")
	}
	entries, err := os.ReadDir(cfg.EvalDir)
	if err != nil || len(entries) != 0 {
		t.Fatalf("eval dir not reset: %v %v", entries, err)
	}
}

func TestEvalOnceInferenceFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 4
	cfg.NumExamples = 20
	mustWriteRecords(t, cfg.Layout().Test(), 20)
	ckpt := mustSave(t, cfg.CheckpointDir, 5)

	m := &constModel{classes: dataset.NumClasses, failAt: 2}
	h, err := NewHarness(Options{Config: cfg, Model: m, Out: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("NewHarness: %v", err)
	}
	_, err = h.EvalOnce(context.Background(), dataset.SplitTest, ckpt)
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) || evalErr.Split != dataset.SplitTest {
		t.Fatalf("expected EvaluationError, got %v", err)
	}
	if h.State() != StateFailed {
		t.Fatalf("state=%s want failed", h.State())
	}
	if _, err := h.EvalOnce(context.Background(), dataset.SplitTest, ckpt); err == nil {
		t.Fatal("finished harness accepted a second run")
	}
}

// stuckFeeder serves batches of label 0 and never stops its workers in time.
type stuckFeeder struct {
	coord   *pipeline.Coordinator
	stopped bool
}

func (f *stuckFeeder) Next() (batch.Batch, error) {
	ex := batch.Example{Key: "k", Label: 0, Image: augment.New(augment.OutputSize, augment.OutputSize, dataset.Depth)}
	return batch.NewBatch([]batch.Example{ex, ex}), nil
}

func (f *stuckFeeder) Coordinator() *pipeline.Coordinator { return f.coord }

func (f *stuckFeeder) Stop(time.Duration) error {
	f.stopped = true
	return pipeline.ErrJoinTimeout
}

func TestEvalOnceJoinTimeoutReportsNoAccuracy(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 2
	cfg.NumExamples = 4
	mustWriteRecords(t, cfg.Layout().Test(), 4)
	ckpt := mustSave(t, cfg.CheckpointDir, 3)

	feeder := &stuckFeeder{coord: pipeline.NewCoordinator()}
	var out bytes.Buffer
	h, err := NewHarness(Options{
		Config: cfg,
		Model:  &constModel{classes: dataset.NumClasses},
		Out:    &out,
		Inputs: func(context.Context, *config.Config, dataset.Split) (Feeder, error) { return feeder, nil },
	})
	if err != nil {
		t.Fatalf("NewHarness: %v", err)
	}
	_, err = h.EvalOnce(context.Background(), dataset.SplitTest, ckpt)
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) || !errors.Is(err, pipeline.ErrJoinTimeout) {
		t.Fatalf("expected EvaluationError wrapping ErrJoinTimeout, got %v", err)
	}
	if !feeder.stopped || h.State() != StateFailed {
		t.Fatalf("stopped=%v state=%s", feeder.stopped, h.State())
	}
	if out.Len() != 0 {
		t.Fatalf("accuracy reported for a failed pass: %q", out.String())
	}
}

func TestEvalOnceMissingCheckpointFile(t *testing.T) {
	cfg := testConfig(t)
	mustWriteRecords(t, cfg.Layout().Test(), 4)
	m := &constModel{classes: dataset.NumClasses}
	h, err := NewHarness(Options{Config: cfg, Model: m, Out: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("NewHarness: %v", err)
	}
	ckpt := checkpoint.Checkpoint{Path: filepath.Join(cfg.CheckpointDir, "model.ckpt-9"), Step: 9}
	_, err = h.EvalOnce(context.Background(), dataset.SplitTest, ckpt)
	var missing *dataset.MissingFileError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingFileError, got %v", err)
	}
	if h.State() != StateFailed || m.calls.Load() != 0 {
		t.Fatalf("state=%s calls=%d", h.State(), m.calls.Load())
	}
}

func TestEvalOnceMissingSplitFile(t *testing.T) {
	cfg := testConfig(t)
	ckpt := mustSave(t, cfg.CheckpointDir, 1)
	h, err := NewHarness(Options{Config: cfg, Model: &constModel{classes: dataset.NumClasses}})
	if err != nil {
		t.Fatalf("NewHarness: %v", err)
	}
	_, err = h.EvalOnce(context.Background(), dataset.SplitVal, ckpt)
	var missing *dataset.MissingFileError
	if !errors.As(err, &missing) || !strings.Contains(err.Error(), "failed to find file") {
		t.Fatalf("expected MissingFileError, got %v", err)
	}
}

func TestInTopOne(t *testing.T) {
	nan := float32(math.NaN())
	cases := []struct {
		name  string
		row   []float32
		label int32
		want  bool
	}{
		{"max", []float32{0.1, 0.7, 0.2}, 1, true},
		{"lower", []float32{0.1, 0.7, 0.2}, 2, false},
		{"tie", []float32{0.5, 0.5, 0.1}, 1, true},
		{"nan", []float32{0.1, nan, 0.9}, 2, false},
		{"inf", []float32{float32(math.Inf(1)), 0.1}, 0, false},
		{"label out of range", []float32{0.1, 0.2}, 5, false},
		{"negative label", []float32{0.1, 0.2}, -1, false},
	}
	for _, tc := range cases {
		if got := InTopOne(tc.row, tc.label); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestCountCorrect(t *testing.T) {
	logits := tensors.FromAnyValue([][]float32{{1, 0}, {0, 1}, {1, 0}})
	got, err := CountCorrect(logits, []int32{0, 1, 1})
	if err != nil {
		t.Fatalf("CountCorrect: %v", err)
	}
	if got != 2 {
		t.Fatalf("correct=%d want 2", got)
	}
	if _, err := CountCorrect(logits, []int32{0}); err == nil {
		t.Fatal("expected a row count mismatch error")
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(root, "data")
	cfg.EvalDir = filepath.Join(root, "eval")
	cfg.CheckpointDir = filepath.Join(root, "train")
	cfg.NumWorkers = 4
	cfg.Seed = 1
	cfg.Splits = []string{"test"}
	return cfg
}

func mustSave(t *testing.T, dir string, step int64) checkpoint.Checkpoint {
	t.Helper()
	ckpt, err := checkpoint.Save(dir, step, &constModel{})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	return ckpt
}

func mustWriteRecords(t *testing.T, path string, n int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	rng := rand.New(rand.NewSource(7))
	buf := &bytes.Buffer{}
	img := make([]uint8, dataset.ImageBytes)
	for i := 0; i < n; i++ {
		rng.Read(img)
		raw, err := dataset.EncodeRecord(uint8(i%dataset.NumClasses), 0, img)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		buf.Write(raw)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
