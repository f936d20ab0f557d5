package dataset

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Dir is the directory under the data root that holds the binary files.
const Dir = "cifar-100-binary"

// Split names a partition of the dataset.
type Split string

const (
	SplitTrain Split = "train"
	SplitVal   Split = "val"
	SplitTest  Split = "test"
)

// ParseSplit validates a split name.
func ParseSplit(s string) (Split, error) {
	switch Split(s) {
	case SplitTrain, SplitVal, SplitTest:
		return Split(s), nil
	}
	return "", fmt.Errorf("unknown split %q", s)
}

// DisplayName is the label used on the console accuracy line.
func (s Split) DisplayName() string {
	switch s {
	case SplitTrain:
		return "Training"
	case SplitVal:
		return "Validation"
	case SplitTest:
		return "Testing"
	}
	return string(s)
}

// Layout resolves dataset file paths beneath a data root.
type Layout struct {
	Root string
}

func (l Layout) path(name string) string {
	return filepath.Join(l.Root, Dir, name)
}

// Archive is the unsplit training file.
func (l Layout) Archive() string { return l.path("train.bin") }

// TrainSplit is the training partition written by SplitArchive.
func (l Layout) TrainSplit() string { return l.path("train-split.bin") }

// ValSplit is the validation partition written by SplitArchive.
func (l Layout) ValSplit() string { return l.path("val-split.bin") }

// Test is the held-out test file.
func (l Layout) Test() string { return l.path("test.bin") }

// Files returns the files backing split.
func (l Layout) Files(split Split) ([]string, error) {
	switch split {
	case SplitTrain:
		return []string{l.TrainSplit()}, nil
	case SplitVal:
		return []string{l.ValSplit()}, nil
	case SplitTest:
		return []string{l.Test()}, nil
	}
	return nil, fmt.Errorf("unknown split %q", split)
}

// TrainCount is the number of records Split assigns to the training partition.
func TrainCount(numExamples int, fraction float64) int {
	return int(math.Floor(float64(numExamples) * fraction))
}

// EpochSize returns the number of examples in one pass over split, given the
// size of the unsplit archive and of the test file.
func EpochSize(split Split, numTrainExamples, numTestExamples int, fraction float64) int {
	switch split {
	case SplitTrain:
		return TrainCount(numTrainExamples, fraction)
	case SplitVal:
		return numTrainExamples - TrainCount(numTrainExamples, fraction)
	case SplitTest:
		return numTestExamples
	}
	return 0
}

// CheckFiles returns a *MissingFileError for the first path that does not exist.
func CheckFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				return &MissingFileError{Path: p, Err: err}
			}
			return errors.Wrapf(err, "stat %s", p)
		}
	}
	return nil
}
