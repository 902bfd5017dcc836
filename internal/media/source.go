package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when the named media object does not exist.
var ErrNotFound = errors.New("media not found")

// Source opens stored media by name. Each Open returns a fresh reader, so an
// upload can be retried from the start.
type Source interface {
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
}

// LocalSource serves media from a directory on disk.
type LocalSource struct {
	Root string
}

// Open opens name relative to Root. Names escaping Root are rejected.
func (s LocalSource) Open(_ context.Context, name string) (io.ReadCloser, int64, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open media %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat media %s: %w", name, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("%w: %s is a directory", ErrNotFound, name)
	}
	return f, info.Size(), nil
}

func (s LocalSource) resolve(name string) (string, error) {
	if name == "" || filepath.IsAbs(name) {
		return "", fmt.Errorf("invalid media name %q", name)
	}
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return "", fmt.Errorf("resolve media root: %w", err)
	}
	path := filepath.Join(root, filepath.FromSlash(name))
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid media name %q", name)
	}
	return path, nil
}
