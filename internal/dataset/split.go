package dataset

import (
	"bufio"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// SplitOptions configures SplitArchive.
type SplitOptions struct {
	Source    string
	TrainPath string
	ValPath   string
	// NumExamples is the known record count of Source. Records past it are ignored.
	NumExamples   int
	TrainFraction float64
	// Rand drives the assignment. A time-seeded source is used when nil.
	Rand *rand.Rand
}

// SplitResult describes the files written by SplitArchive.
type SplitResult struct {
	TrainPath string
	ValPath   string
	NumTrain  int
	NumVal    int
}

// Assignments returns floor(n*fraction) zeros followed by the remaining ones,
// shuffled by rng. Zero marks a training record, one a validation record.
func Assignments(n int, fraction float64, rng *rand.Rand) []uint8 {
	numTrain := TrainCount(n, fraction)
	k := make([]uint8, n)
	for i := numTrain; i < n; i++ {
		k[i] = 1
	}
	rng.Shuffle(len(k), func(i, j int) { k[i], k[j] = k[j], k[i] })
	return k
}

// SplitArchive partitions the records of opts.Source into a training and a validation
// file. Records are copied verbatim. Both outputs are staged next to their
// final path and renamed into place only after every record was written.
func SplitArchive(opts SplitOptions) (SplitResult, error) {
	if opts.NumExamples <= 0 {
		return SplitResult{}, errors.Errorf("split: num examples must be > 0 (got %d)", opts.NumExamples)
	}
	if opts.TrainFraction < 0 || opts.TrainFraction > 1 {
		return SplitResult{}, errors.Errorf("split: train fraction must be in [0,1] (got %g)", opts.TrainFraction)
	}
	if err := CheckFiles(opts.Source); err != nil {
		return SplitResult{}, err
	}
	st, err := os.Stat(opts.Source)
	if err != nil {
		return SplitResult{}, errors.Wrapf(err, "stat %s", opts.Source)
	}
	if want := int64(opts.NumExamples) * RecordBytes; st.Size() < want {
		return SplitResult{}, &ShortReadError{Key: opts.Source, Want: int(want), Got: int(st.Size())}
	}

	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	assign := Assignments(opts.NumExamples, opts.TrainFraction, rng)

	src, err := os.Open(opts.Source)
	if err != nil {
		return SplitResult{}, errors.Wrapf(err, "open %s", opts.Source)
	}
	defer src.Close()

	train, err := createStaged(opts.TrainPath)
	if err != nil {
		return SplitResult{}, err
	}
	defer train.discard()
	val, err := createStaged(opts.ValPath)
	if err != nil {
		return SplitResult{}, err
	}
	defer val.discard()

	res := SplitResult{TrainPath: opts.TrainPath, ValPath: opts.ValPath}
	rd := NewReader(src, filepath.Base(opts.Source))
	for _, a := range assign {
		raw, err := rd.NextRaw()
		if err != nil {
			return SplitResult{}, err
		}
		if a == 0 {
			_, err = train.w.Write(raw)
			res.NumTrain++
		} else {
			_, err = val.w.Write(raw)
			res.NumVal++
		}
		if err != nil {
			return SplitResult{}, errors.Wrap(err, "write split record")
		}
	}

	for _, s := range []*stagedFile{train, val} {
		if err := s.finish(); err != nil {
			return SplitResult{}, err
		}
	}
	for _, s := range []*stagedFile{train, val} {
		if err := s.commit(); err != nil {
			return SplitResult{}, err
		}
	}
	return res, nil
}

type stagedFile struct {
	f     *os.File
	w     *bufio.Writer
	final string
	done  bool
}

func createStaged(final string) (*stagedFile, error) {
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", dir)
	}
	f, err := os.CreateTemp(dir, filepath.Base(final)+".tmp-*")
	if err != nil {
		return nil, errors.Wrapf(err, "stage %s", final)
	}
	return &stagedFile{f: f, w: bufio.NewWriterSize(f, 64*RecordBytes), final: final}, nil
}

func (s *stagedFile) finish() error {
	if err := s.w.Flush(); err != nil {
		return errors.Wrapf(err, "flush %s", s.f.Name())
	}
	if err := s.f.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", s.f.Name())
	}
	if err := s.f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", s.f.Name())
	}
	return nil
}

func (s *stagedFile) commit() error {
	if err := os.Rename(s.f.Name(), s.final); err != nil {
		return errors.Wrapf(err, "rename %s", s.final)
	}
	s.done = true
	return nil
}

func (s *stagedFile) discard() {
	if s.done {
		return
	}
	_ = s.f.Close()
	os.Remove(s.f.Name())
}
