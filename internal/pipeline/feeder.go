package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"cifar-forge/internal/augment"
	"cifar-forge/internal/batch"
	"cifar-forge/internal/config"
	"cifar-forge/internal/dataset"
)

// FeederOptions configures a Feeder.
type FeederOptions struct {
	Files      []string
	Mode       augment.Mode
	Shuffle    bool
	BatchSize  int
	NumWorkers int
	// EpochSize sizes the mixing buffer: MinFraction of one epoch is kept
	// queued ahead of the consumer.
	EpochSize   int
	MinFraction float64
	// Seed drives augmentation and shuffling. Zero seeds from the clock.
	Seed int64
}

// Feeder streams batches produced by a pool of record workers.
type Feeder struct {
	src       *dataset.Source
	queue     *batch.Queue
	pool      *Pool
	batchSize int
	minQueue  int
}

// StartFeeder opens the files, builds the queue and launches the workers.
// Missing files are reported before anything starts.
func StartFeeder(ctx context.Context, opts FeederOptions) (*Feeder, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("feeder: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if err := dataset.CheckFiles(opts.Files...); err != nil {
		return nil, err
	}
	src, err := dataset.OpenSource(opts.Files...)
	if err != nil {
		return nil, err
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	minQueue := batch.MinQueueExamples(opts.EpochSize, opts.MinFraction)
	qopts := batch.Options{
		Capacity: batch.DefaultCapacity(minQueue, opts.BatchSize),
		Shuffle:  opts.Shuffle,
		Rand:     rand.New(rand.NewSource(seed)),
	}
	if opts.Shuffle {
		qopts.MinAfterDequeue = minQueue
	}
	queue, err := batch.NewQueue(qopts)
	if err != nil {
		src.Close()
		return nil, err
	}

	f := &Feeder{src: src, queue: queue, batchSize: opts.BatchSize, minQueue: minQueue}
	work := func(ctx context.Context, id int) error {
		rng := rand.New(rand.NewSource(seed + int64(id) + 1))
		for ctx.Err() == nil {
			seq := src.Claim()
			rec, err := src.ReadRecord(seq)
			if err != nil {
				return err
			}
			ex := batch.Example{Key: rec.Key, Label: rec.Label, Image: augment.Transform(opts.Mode, rec, rng)}
			if err := queue.Put(seq, ex); err != nil {
				if errors.Is(err, batch.ErrClosed) {
					return nil
				}
				return err
			}
		}
		return nil
	}
	f.pool = NewPool(opts.NumWorkers, work, queue.Close)
	f.pool.Start(ctx)
	return f, nil
}

// DistortedInputs feeds shuffled, randomly distorted batches from the
// training split.
func DistortedInputs(ctx context.Context, cfg *config.Config) (*Feeder, error) {
	f, err := StartFeeder(ctx, FeederOptions{
		Files:       []string{cfg.Layout().TrainSplit()},
		Mode:        augment.ModeTrain,
		Shuffle:     true,
		BatchSize:   cfg.BatchSize,
		NumWorkers:  cfg.NumWorkers,
		EpochSize:   cfg.EpochSize(dataset.SplitTrain),
		MinFraction: cfg.MinFractionInQueue,
		Seed:        cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("Filling queue with %d CIFAR images before starting to train. This will take a few minutes.", f.minQueue)
	return f, nil
}

// Inputs feeds center-cropped batches from split in file order.
func Inputs(ctx context.Context, cfg *config.Config, split dataset.Split) (*Feeder, error) {
	files, err := cfg.Layout().Files(split)
	if err != nil {
		return nil, err
	}
	return StartFeeder(ctx, FeederOptions{
		Files:       files,
		Mode:        augment.ModeEval,
		BatchSize:   cfg.BatchSize,
		NumWorkers:  cfg.NumWorkers,
		EpochSize:   cfg.EpochSize(split),
		MinFraction: cfg.MinFractionInQueue,
		Seed:        cfg.Seed,
	})
}

// Next blocks for the next batch. Once the workers stop, it returns the error
// that stopped them, or batch.ErrClosed after a clean stop.
func (f *Feeder) Next() (batch.Batch, error) {
	b, err := f.queue.DequeueBatch(f.batchSize)
	if err != nil {
		if errors.Is(err, batch.ErrClosed) {
			if cause := f.pool.Coordinator().Err(); cause != nil {
				return batch.Batch{}, cause
			}
		}
		return batch.Batch{}, err
	}
	return b, nil
}

// Coordinator exposes the workers' stop signal.
func (f *Feeder) Coordinator() *Coordinator { return f.pool.Coordinator() }

// Stop requests the workers to exit and waits up to grace for them. The
// source is closed either way; workers still running after a timeout see
// their reads fail.
func (f *Feeder) Stop(grace time.Duration) error {
	f.pool.RequestStop(nil)
	joinErr := f.pool.JoinWithTimeout(grace)
	closeErr := f.src.Close()
	if joinErr != nil {
		return joinErr
	}
	return closeErr
}
