package checkpoint

import (
	"bufio"
	"encoding"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cifar-forge/internal/dataset"
)

const (
	// StateFile names the file recording the most recent checkpoint.
	StateFile = "checkpoint"
	// Prefix is the file name prefix of saved parameters, followed by -<step>.
	Prefix = "model.ckpt"

	stateKey = "model_checkpoint_path"
)

// Checkpoint identifies one saved set of parameters.
type Checkpoint struct {
	Path string
	Step int64
}

// NoCheckpointError reports a directory without a usable state file.
type NoCheckpointError struct {
	Dir string
}

func (e *NoCheckpointError) Error() string {
	return fmt.Sprintf("no checkpoint file found in %s", e.Dir)
}

// Save writes m to dir as model.ckpt-<step> and points the state file at it.
func Save(dir string, step int64, m encoding.BinaryMarshaler) (Checkpoint, error) {
	data, err := m.MarshalBinary()
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: marshal: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: mkdir: %w", err)
	}
	name := fmt.Sprintf("%s-%d", Prefix, step)
	path := filepath.Join(dir, name)
	if err := writeAtomic(path, data); err != nil {
		return Checkpoint{}, err
	}
	state := fmt.Sprintf("%s: %q\n", stateKey, name)
	if err := writeAtomic(filepath.Join(dir, StateFile), []byte(state)); err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{Path: path, Step: step}, nil
}

// Latest returns the checkpoint named by dir's state file, or a
// *NoCheckpointError when there is none.
func Latest(dir string) (Checkpoint, error) {
	f, err := os.Open(filepath.Join(dir, StateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, &NoCheckpointError{Dir: dir}
		}
		return Checkpoint{}, fmt.Errorf("checkpoint: open state: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok || strings.TrimSpace(key) != stateKey {
			continue
		}
		name := strings.Trim(strings.TrimSpace(value), "\"")
		if name == "" {
			break
		}
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, name)
		}
		return Checkpoint{Path: path, Step: parseStep(name)}, nil
	}
	if err := scanner.Err(); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: read state: %w", err)
	}
	return Checkpoint{}, &NoCheckpointError{Dir: dir}
}

// parseStep extracts the global step from a name such as model.ckpt-1000.
// Names without a numeric suffix yield 0.
func parseStep(name string) int64 {
	base := filepath.Base(name)
	i := strings.LastIndex(base, "-")
	if i < 0 {
		return 0
	}
	step, err := strconv.ParseInt(base[i+1:], 10, 64)
	if err != nil {
		return 0
	}
	return step
}

// Restore loads the parameters at path into dst.
func Restore(path string, dst encoding.BinaryUnmarshaler) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &dataset.MissingFileError{Path: path, Err: err}
		}
		return fmt.Errorf("checkpoint: read %s: %w", path, err)
	}
	if err := dst.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("checkpoint: restore %s: %w", path, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: stage %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("checkpoint: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("checkpoint: rename %s: %w", path, err)
	}
	return nil
}
