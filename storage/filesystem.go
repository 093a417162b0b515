package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Filesystem stores each document as <Dir>/<ref>.pdf.
type Filesystem struct {
	Dir string
}

// NewFilesystem creates dir if needed.
func NewFilesystem(dir string) (*Filesystem, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create document directory: %w", err)
	}
	return &Filesystem{Dir: dir}, nil
}

func (f *Filesystem) path(ref string) (string, error) {
	// Refs are uuids; anything else could escape Dir.
	if _, err := uuid.Parse(ref); err != nil {
		return "", fmt.Errorf("%w: invalid reference %q", ErrNotFound, ref)
	}
	return filepath.Join(f.Dir, ref+".pdf"), nil
}

func (f *Filesystem) Load(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := f.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", ref, err)
	}
	return data, nil
}

func (f *Filesystem) Store(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := uuid.NewString()
	p, _ := f.path(ref)
	if err := writeFileAtomic(p, data, 0o640); err != nil {
		return "", fmt.Errorf("failed to write document %s: %w", ref, err)
	}
	return ref, nil
}

// writeFileAtomic writes to a temporary file in the same directory and
// renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		return err
	}
	return os.Rename(name, path)
}
