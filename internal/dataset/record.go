package dataset

import (
	"bufio"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Geometry of a CIFAR-100 binary record. The label prefix carries a coarse and a
// fine label byte; only the coarse one is consumed.
const (
	LabelBytes  = 2
	Height      = 32
	Width       = 32
	Depth       = 3
	ImageBytes  = Height * Width * Depth
	RecordBytes = LabelBytes + ImageBytes

	// NumClasses is the number of coarse classes the classifier predicts.
	NumClasses = 20
)

// Record is one decoded example. Image is laid out height, width, channel.
type Record struct {
	Key   string
	Label int32
	Image []uint8
}

// DecodeRecord parses a raw record. The coarse label byte is returned as is,
// without checking it against NumClasses.
func DecodeRecord(key string, raw []byte) (Record, error) {
	if len(raw) < RecordBytes {
		return Record{}, &ShortReadError{Key: key, Want: RecordBytes, Got: len(raw)}
	}
	img := make([]uint8, ImageBytes)
	depthMajor := raw[LabelBytes:RecordBytes]
	for c := 0; c < Depth; c++ {
		plane := depthMajor[c*Height*Width : (c+1)*Height*Width]
		for y := 0; y < Height; y++ {
			for x := 0; x < Width; x++ {
				img[(y*Width+x)*Depth+c] = plane[y*Width+x]
			}
		}
	}
	return Record{Key: key, Label: int32(raw[0]), Image: img}, nil
}

// EncodeRecord is the inverse of DecodeRecord: hwc is transposed back to
// channel-major order behind the two label bytes.
func EncodeRecord(label, fine uint8, hwc []uint8) ([]byte, error) {
	if len(hwc) != ImageBytes {
		return nil, fmt.Errorf("encode record: image has %d bytes, want %d", len(hwc), ImageBytes)
	}
	raw := make([]byte, RecordBytes)
	raw[0] = label
	raw[1] = fine
	for y := 0; y < Height; y++ {
		for x := 0; x < Width; x++ {
			for c := 0; c < Depth; c++ {
				raw[LabelBytes+c*Height*Width+y*Width+x] = hwc[(y*Width+x)*Depth+c]
			}
		}
	}
	return raw, nil
}

// Reader walks a record stream sequentially.
type Reader struct {
	r    *bufio.Reader
	name string
	n    int64
	buf  []byte
}

// NewReader wraps r. name is used to build record keys.
func NewReader(r io.Reader, name string) *Reader {
	return &Reader{
		r:    bufio.NewReaderSize(r, 64*RecordBytes),
		name: name,
		buf:  make([]byte, RecordBytes),
	}
}

// NextRaw returns the next record's bytes verbatim. The slice is reused by the
// following call. It returns io.EOF at a clean end of stream and a
// *ShortReadError when a trailing record is truncated.
func (rd *Reader) NextRaw() ([]byte, error) {
	got, err := io.ReadFull(rd.r, rd.buf)
	switch {
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, &ShortReadError{Key: rd.key(), Want: RecordBytes, Got: got}
	case err != nil:
		return nil, errors.Wrapf(err, "read record %s", rd.key())
	}
	rd.n++
	return rd.buf, nil
}

// Next decodes the next record.
func (rd *Reader) Next() (Record, error) {
	key := rd.key()
	raw, err := rd.NextRaw()
	if err != nil {
		return Record{}, err
	}
	return DecodeRecord(key, raw)
}

func (rd *Reader) key() string {
	return recordKey(rd.name, rd.n)
}

func recordKey(name string, index int64) string {
	return fmt.Sprintf("%s:%d", name, index)
}
