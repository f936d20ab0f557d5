package batch

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"cifar-forge/internal/augment"
)

// Example is one preprocessed image with its label.
type Example struct {
	Key   string
	Label int32
	Image augment.Image
}

// Batch holds Size examples with their images packed contiguously as
// [Size, Height, Width, Depth].
type Batch struct {
	Size   int
	Height int
	Width  int
	Depth  int
	Images []float32
	Labels []int32
	Keys   []string
}

// NewBatch packs examples. All images must share the first example's shape.
func NewBatch(examples []Example) Batch {
	b := Batch{Size: len(examples)}
	if len(examples) == 0 {
		return b
	}
	first := examples[0].Image
	b.Height, b.Width, b.Depth = first.Height, first.Width, first.Depth
	stride := first.N()
	b.Images = make([]float32, 0, stride*len(examples))
	b.Labels = make([]int32, 0, len(examples))
	b.Keys = make([]string, 0, len(examples))
	for _, ex := range examples {
		b.Images = append(b.Images, ex.Image.Data...)
		b.Labels = append(b.Labels, ex.Label)
		b.Keys = append(b.Keys, ex.Key)
	}
	return b
}

// Image returns the flat pixels of example i.
func (b Batch) Image(i int) []float32 {
	stride := b.Height * b.Width * b.Depth
	return b.Images[i*stride : (i+1)*stride]
}

// Tensors converts the batch to a [Size, Height, Width, Depth] float32 image
// tensor and a [Size] int32 label tensor.
func (b Batch) Tensors() (images, labels *tensors.Tensor) {
	images = tensors.FromFlatDataAndDimensions(b.Images, b.Size, b.Height, b.Width, b.Depth)
	labels = tensors.FromFlatDataAndDimensions(b.Labels, b.Size)
	return images, labels
}

// MinQueueExamples is the number of examples that must be buffered before a
// shuffled batch counts as well mixed: ceil(numExamples * fraction).
func MinQueueExamples(numExamples int, fraction float64) int {
	return int(math.Ceil(float64(numExamples) * fraction))
}

// NumBatches is the number of batches needed to cover numExamples.
func NumBatches(numExamples, batchSize int) int {
	return (numExamples + batchSize - 1) / batchSize
}
