package augment

import (
	"slices"

	"cifar-forge/internal/dataset"
)

// Image is a float32 image stored height, width, channel.
type Image struct {
	Height int
	Width  int
	Depth  int
	Data   []float32
}

// New returns a zero image.
func New(height, width, depth int) Image {
	return Image{
		Height: height,
		Width:  width,
		Depth:  depth,
		Data:   make([]float32, height*width*depth),
	}
}

// FromRecord casts the record's pixels to float32, keeping the 0-255 range.
func FromRecord(rec dataset.Record) Image {
	img := New(dataset.Height, dataset.Width, dataset.Depth)
	for i, v := range rec.Image {
		img.Data[i] = float32(v)
	}
	return img
}

// N is the number of values in the image.
func (img Image) N() int {
	return img.Height * img.Width * img.Depth
}

// At returns the offset of (y, x, c) in Data.
func (img Image) At(y, x, c int) int {
	return (y*img.Width+x)*img.Depth + c
}

// Clone returns a deep copy.
func (img Image) Clone() Image {
	out := img
	out.Data = slices.Clone(img.Data)
	return out
}
