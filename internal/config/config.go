package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"cifar-forge/internal/dataset"
)

// Config captures the runtime knobs for splitting, training and evaluation.
type Config struct {
	DataDir       string `yaml:"data_dir"`
	EvalDir       string `yaml:"eval_dir"`
	CheckpointDir string `yaml:"checkpoint_dir"`

	BatchSize  int `yaml:"batch_size"`
	NumWorkers int `yaml:"num_workers"`
	// NumExamples is how many examples one evaluation pass covers.
	NumExamples int `yaml:"num_examples"`
	// NumTrainExamples is the record count of the unsplit training archive.
	NumTrainExamples   int     `yaml:"num_train_examples"`
	NumTestExamples    int     `yaml:"num_test_examples"`
	TrainFraction      float64 `yaml:"train_fraction"`
	MinFractionInQueue float64 `yaml:"min_fraction_in_queue"`

	Steps           int     `yaml:"steps"`
	LogEvery        int     `yaml:"log_every"`
	CheckpointEvery int     `yaml:"checkpoint_every"`
	LearningRate    float64 `yaml:"learning_rate"`

	// Seed fixes every random source. Zero seeds from the clock.
	Seed            int64         `yaml:"seed"`
	StopGracePeriod time.Duration `yaml:"stop_grace_period"`
	Splits          []string      `yaml:"splits"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	DataDir       string
	EvalDir       string
	CheckpointDir string
	Steps         int
	BatchSize     int
	NumWorkers    int
	NumExamples   int
	Seed          int64
	LogEvery      int
}

// Default returns the stock configuration for CIFAR-100.
func Default() *Config {
	return &Config{
		DataDir:            "data",
		EvalDir:            "cifar100_eval",
		CheckpointDir:      "cifar100_train",
		BatchSize:          128,
		NumWorkers:         16,
		NumExamples:        10000,
		NumTrainExamples:   50000,
		NumTestExamples:    10000,
		TrainFraction:      0.9,
		MinFractionInQueue: 0.4,
		Steps:              1000,
		LogEvery:           50,
		CheckpointEvery:    1000,
		LearningRate:       0.05,
		StopGracePeriod:    10 * time.Second,
		Splits:             []string{"train", "val", "test"},
	}
}

// Load reads a YAML file over the defaults and validates the result. Unknown
// keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := parseYAML(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseYAML(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.EvalDir != "" {
		c.EvalDir = o.EvalDir
	}
	if o.CheckpointDir != "" {
		c.CheckpointDir = o.CheckpointDir
	}
	if o.Steps > 0 {
		c.Steps = o.Steps
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.NumExamples > 0 {
		c.NumExamples = o.NumExamples
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
	}
	if c.NumExamples <= 0 {
		return fmt.Errorf("num_examples must be > 0 (got %d)", c.NumExamples)
	}
	if c.NumTrainExamples <= 0 || c.NumTestExamples <= 0 {
		return fmt.Errorf("num_train_examples and num_test_examples must be > 0 (got %d, %d)", c.NumTrainExamples, c.NumTestExamples)
	}
	if c.TrainFraction <= 0 || c.TrainFraction >= 1 {
		return fmt.Errorf("train_fraction must be in (0,1) (got %g)", c.TrainFraction)
	}
	if c.MinFractionInQueue < 0 || c.MinFractionInQueue > 1 {
		return fmt.Errorf("min_fraction_in_queue must be in [0,1] (got %g)", c.MinFractionInQueue)
	}
	if c.Steps < 0 {
		return fmt.Errorf("steps must be >= 0 (got %d)", c.Steps)
	}
	if c.StopGracePeriod <= 0 {
		return fmt.Errorf("stop_grace_period must be > 0 (got %s)", c.StopGracePeriod)
	}
	for _, s := range c.Splits {
		if _, err := dataset.ParseSplit(s); err != nil {
			return err
		}
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = c.Steps
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.05
	}
	return nil
}

// Layout resolves the dataset files under DataDir.
func (c *Config) Layout() dataset.Layout {
	return dataset.Layout{Root: c.DataDir}
}

// EpochSize is the number of examples in one pass over split.
func (c *Config) EpochSize(split dataset.Split) int {
	return dataset.EpochSize(split, c.NumTrainExamples, c.NumTestExamples, c.TrainFraction)
}

// EvalSplits parses Splits.
func (c *Config) EvalSplits() ([]dataset.Split, error) {
	out := make([]dataset.Split, 0, len(c.Splits))
	for _, s := range c.Splits {
		split, err := dataset.ParseSplit(s)
		if err != nil {
			return nil, err
		}
		out = append(out, split)
	}
	return out, nil
}
