package dataset

import "fmt"

// MissingFileError reports a dataset file that does not exist. It is raised
// before any processing starts.
type MissingFileError struct {
	Path string
	Err  error
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("failed to find file: %s", e.Path)
}

func (e *MissingFileError) Unwrap() error { return e.Err }

// ShortReadError reports a record stream that ended inside a record.
type ShortReadError struct {
	Key  string
	Want int
	Got  int
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("short read at %s: got %d of %d bytes", e.Key, e.Got, e.Want)
}
