package dataset

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Source serves records from a fixed set of files to any number of concurrent
// readers. Each call to Claim hands out the next position in the stream, so
// parallel readers neither duplicate nor skip records. Positions past the end
// wrap around to the first file: the stream cycles over epochs until the
// caller stops pulling.
type Source struct {
	files  []*os.File
	names  []string
	starts []int64
	total  int64
	cursor atomic.Int64
}

// OpenSource opens paths for reading. A file whose length is not a multiple of
// RecordBytes is accepted; reading its trailing record yields a *ShortReadError.
func OpenSource(paths ...string) (*Source, error) {
	if len(paths) == 0 {
		return nil, errors.New("source: no files")
	}
	if err := CheckFiles(paths...); err != nil {
		return nil, err
	}
	s := &Source{}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			s.Close()
			return nil, errors.Wrapf(err, "open %s", p)
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			s.Close()
			return nil, errors.Wrapf(err, "stat %s", p)
		}
		count := (st.Size() + RecordBytes - 1) / RecordBytes
		s.files = append(s.files, f)
		s.names = append(s.names, filepath.Base(p))
		s.starts = append(s.starts, s.total)
		s.total += count
	}
	if s.total == 0 {
		s.Close()
		return nil, errors.Errorf("source: %v holds no records", paths)
	}
	return s, nil
}

// Len is the number of records in one epoch.
func (s *Source) Len() int64 { return s.total }

// Claim reserves the next stream position.
func (s *Source) Claim() int64 { return s.cursor.Add(1) - 1 }

// Reset restarts the stream at the first record.
func (s *Source) Reset() { s.cursor.Store(0) }

// ReadRecord reads the record at stream position seq.
func (s *Source) ReadRecord(seq int64) (Record, error) {
	fileIdx, local := s.locate(seq % s.total)
	key := recordKey(s.names[fileIdx], local)
	buf := make([]byte, RecordBytes)
	got, err := s.files[fileIdx].ReadAt(buf, local*RecordBytes)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, &ShortReadError{Key: key, Want: RecordBytes, Got: got}
		}
		return Record{}, errors.Wrapf(err, "read record %s", key)
	}
	return DecodeRecord(key, buf)
}

func (s *Source) locate(idx int64) (int, int64) {
	i := sort.Search(len(s.starts), func(i int) bool { return s.starts[i] > idx }) - 1
	return i, idx - s.starts[i]
}

// Close releases the underlying files. Reads racing with Close fail with an
// error wrapping os.ErrClosed.
func (s *Source) Close() error {
	var first error
	for _, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
