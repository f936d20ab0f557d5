package model

import (
	"encoding"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"cifar-forge/internal/batch"
)

// MovingAverageDecay is the decay of the parameter averages kept for
// evaluation.
const MovingAverageDecay = 0.9999

// Classifier maps a [batch, height, width, depth] float32 image tensor to
// [batch, classes] float32 logits.
type Classifier interface {
	Inference(images *tensors.Tensor) (*tensors.Tensor, error)
}

// Trainer performs one optimization step and returns the batch loss.
type Trainer interface {
	TrainStep(b batch.Batch) float64
}

// Model is a classifier that can be trained and checkpointed.
type Model interface {
	Classifier
	Trainer
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Restorable is a classifier whose parameters can be loaded from a checkpoint.
type Restorable interface {
	Classifier
	encoding.BinaryUnmarshaler
}
