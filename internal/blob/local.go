package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const dirPerm = 0755

// Local is a Store backed by a directory on the local filesystem. All paths
// are relative to the root directory.
type Local struct {
	root string
}

func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) Create(path string) (io.WriteCloser, error) {
	target := l.abs(path)

	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create target directory: %w", err)
	}

	out, err := os.Create(target)
	if err != nil {
		return nil, fmt.Errorf("failed to create target file: %w", err)
	}

	return out, nil
}

func (l *Local) Exists(path string) bool {
	info, err := os.Stat(l.abs(path))

	return err == nil && !info.IsDir()
}

func (l *Local) Delete(path string) (bool, error) {
	err := os.Remove(l.abs(path))
	if os.IsNotExist(err) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to delete file: %w", err)
	}

	return true, nil
}

func (l *Local) VerifyIntegrity(path string, expectedSize int64) bool {
	info, err := os.Stat(l.abs(path))
	if err != nil || info.IsDir() {
		return false
	}

	return expectedSize <= 0 || info.Size() == expectedSize
}

func (l *Local) PlaybackURL(path string) string {
	return "file://" + l.abs(path)
}

func (l *Local) abs(path string) string {
	return filepath.Join(l.root, path)
}
