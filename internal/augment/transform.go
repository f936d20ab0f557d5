package augment

import (
	"math/rand"

	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/blas/blas32"

	"cifar-forge/internal/dataset"
)

// Output geometry and distortion ranges. Changing OutputSize changes the
// model's input shape.
const (
	OutputSize         = 24
	MaxBrightnessDelta = 63
	ContrastLower      = 0.2
	ContrastUpper      = 1.8
)

// Mode selects between randomized training and deterministic evaluation
// preprocessing.
type Mode int

const (
	ModeEval Mode = iota
	ModeTrain
)

func (m Mode) String() string {
	if m == ModeTrain {
		return "train"
	}
	return "eval"
}

// Transform decodes rec to floats and applies the preprocessing of mode. rng
// is only consulted in training mode.
func Transform(mode Mode, rec dataset.Record, rng *rand.Rand) Image {
	img := FromRecord(rec)
	if mode == ModeTrain {
		return Distort(img, rng)
	}
	return Evaluate(img)
}

// Distort applies crop, flip, brightness and contrast in that order, then
// standardizes. The steps do not commute.
func Distort(img Image, rng *rand.Rand) Image {
	out := RandomCrop(img, OutputSize, OutputSize, rng)
	out = RandomFlipLeftRight(out, rng)
	out = RandomBrightness(out, MaxBrightnessDelta, rng)
	out = RandomContrast(out, ContrastLower, ContrastUpper, rng)
	return Standardize(out)
}

// Evaluate center crops to OutputSize and standardizes.
func Evaluate(img Image) Image {
	return Standardize(CropOrPad(img, OutputSize, OutputSize))
}

// Crop copies the height x width window whose top-left corner is (y0, x0).
func Crop(img Image, y0, x0, height, width int) Image {
	out := New(height, width, img.Depth)
	for y := 0; y < height; y++ {
		src := img.At(y0+y, x0, 0)
		copy(out.Data[out.At(y, 0, 0):out.At(y+1, 0, 0)], img.Data[src:src+width*img.Depth])
	}
	return out
}

// RandomCrop crops a height x width window at a uniformly random position.
func RandomCrop(img Image, height, width int, rng *rand.Rand) Image {
	y0 := rng.Intn(img.Height - height + 1)
	x0 := rng.Intn(img.Width - width + 1)
	return Crop(img, y0, x0, height, width)
}

// FlipLeftRight mirrors the image horizontally.
func FlipLeftRight(img Image) Image {
	out := New(img.Height, img.Width, img.Depth)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			src := img.At(y, img.Width-1-x, 0)
			copy(out.Data[out.At(y, x, 0):out.At(y, x, 0)+img.Depth], img.Data[src:src+img.Depth])
		}
	}
	return out
}

// RandomFlipLeftRight mirrors the image with probability one half.
func RandomFlipLeftRight(img Image, rng *rand.Rand) Image {
	if rng.Float64() < 0.5 {
		return FlipLeftRight(img)
	}
	return img.Clone()
}

// AdjustBrightness adds delta to every value. No clipping is applied.
func AdjustBrightness(img Image, delta float32) Image {
	out := img.Clone()
	for i := range out.Data {
		out.Data[i] += delta
	}
	return out
}

// RandomBrightness adds a delta drawn uniformly from [-maxDelta, maxDelta).
func RandomBrightness(img Image, maxDelta float32, rng *rand.Rand) Image {
	delta := (rng.Float32()*2 - 1) * maxDelta
	return AdjustBrightness(img, delta)
}

// AdjustContrast scales each channel's distance from that channel's mean by factor.
func AdjustContrast(img Image, factor float32) Image {
	out := img.Clone()
	pixels := img.Height * img.Width
	for c := 0; c < img.Depth; c++ {
		ch := blas32.Vector{N: pixels, Inc: img.Depth, Data: out.Data[c:]}
		var sum float64
		for i := 0; i < pixels; i++ {
			sum += float64(ch.Data[i*img.Depth])
		}
		mean := float32(sum / float64(pixels))
		blas32.Scal(factor, ch)
		shift := (1 - factor) * mean
		for i := 0; i < pixels; i++ {
			ch.Data[i*img.Depth] += shift
		}
	}
	return out
}

// RandomContrast applies a contrast factor drawn uniformly from [lower, upper).
func RandomContrast(img Image, lower, upper float32, rng *rand.Rand) Image {
	factor := lower + rng.Float32()*(upper-lower)
	return AdjustContrast(img, factor)
}

// CropOrPad centers the image in a height x width frame, cropping the excess
// and zero padding any shortfall on each axis independently.
func CropOrPad(img Image, height, width int) Image {
	cropY, padY := centerOffsets(img.Height, height)
	cropX, padX := centerOffsets(img.Width, width)
	h := min(img.Height, height)
	w := min(img.Width, width)

	out := New(height, width, img.Depth)
	for y := 0; y < h; y++ {
		src := img.At(cropY+y, cropX, 0)
		dst := out.At(padY+y, padX, 0)
		copy(out.Data[dst:dst+w*img.Depth], img.Data[src:src+w*img.Depth])
	}
	return out
}

func centerOffsets(size, target int) (crop, pad int) {
	if size > target {
		return (size - target) / 2, 0
	}
	return 0, (target - size) / 2
}

// Standardize subtracts the image mean and divides by its standard deviation.
// The deviation is floored at 1/sqrt(N) so flat images do not blow up.
func Standardize(img Image) Image {
	out := img.Clone()
	n := out.N()
	if n == 0 {
		return out
	}
	var sum float64
	for _, v := range out.Data {
		sum += float64(v)
	}
	mean := float32(sum / float64(n))
	for i := range out.Data {
		out.Data[i] -= mean
	}
	v := blas32.Vector{N: n, Inc: 1, Data: out.Data}
	stddev := blas32.Nrm2(v) / math32.Sqrt(float32(n))
	adjusted := math32.Max(stddev, 1/math32.Sqrt(float32(n)))
	blas32.Scal(1/adjusted, v)
	return out
}
