package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/georgepadayatti/goesign/envelope"
)

// staleLockAge is how old a lock file must be before it is taken over.
const staleLockAge = 30 * time.Second

// FileRepository stores each envelope as <Dir>/<id>.json. Writes go to a
// temporary file that is renamed into place, so readers never see a
// partial envelope. Creates and updates hold <Dir>/<id>.lock, created
// with O_EXCL, so version checks also hold between processes sharing Dir.
type FileRepository struct {
	Dir string
	mu  sync.Mutex
}

// NewFileRepository creates dir if needed.
func NewFileRepository(dir string) (*FileRepository, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create envelope directory: %w", err)
	}
	return &FileRepository{Dir: dir}, nil
}

func (r *FileRepository) path(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid envelope id %q", id)
	}
	return filepath.Join(r.Dir, id+".json"), nil
}

// acquire takes the lock file for id. A lock held by another writer is
// reported as a version conflict.
func (r *FileRepository) acquire(id string) (func(), error) {
	p, err := r.path(id)
	if err != nil {
		return nil, notFound(id)
	}
	lp := strings.TrimSuffix(p, ".json") + ".lock"
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(lp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(lp) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to lock envelope %s: %w", id, err)
		}
		if attempt == 0 {
			if fi, err := os.Stat(lp); err == nil && time.Since(fi.ModTime()) > staleLockAge {
				os.Remove(lp)
				continue
			}
		}
		return nil, fmt.Errorf("%w: envelope %s is being written by another process", envelope.ErrVersionConflict, id)
	}
}

func (r *FileRepository) read(id string) (*envelope.Envelope, error) {
	p, err := r.path(id)
	if err != nil {
		return nil, notFound(id)
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope %s: %w", id, err)
	}
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope %s: %w", id, err)
	}
	return &env, nil
}

func (r *FileRepository) write(env *envelope.Envelope) error {
	p, err := r.path(env.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode envelope %s: %w", env.ID, err)
	}
	tmp, err := os.CreateTemp(r.Dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
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
	return os.Rename(tmp.Name(), p)
}

func (r *FileRepository) Create(ctx context.Context, env *envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.path(env.ID)
	if err != nil {
		return err
	}
	unlock, err := r.acquire(env.ID)
	if err != nil {
		return err
	}
	defer unlock()
	if _, err := os.Stat(p); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, env.ID)
	}
	env.Version = 1
	return r.write(env)
}

func (r *FileRepository) Get(ctx context.Context, id string) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.read(id)
}

func (r *FileRepository) Update(ctx context.Context, env *envelope.Envelope, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	unlock, err := r.acquire(env.ID)
	if err != nil {
		return err
	}
	defer unlock()
	cur, err := r.read(env.ID)
	if err != nil {
		return err
	}
	if cur.Version != expectedVersion {
		return conflict(env.ID, expectedVersion, cur.Version)
	}
	next := env.Clone()
	next.Version = expectedVersion + 1
	if err := r.write(next); err != nil {
		return fmt.Errorf("failed to write envelope %s: %w", env.ID, err)
	}
	env.Version = next.Version
	return nil
}

func (r *FileRepository) List(ctx context.Context, opts envelope.ListOptions) ([]*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(r.Dir, "*.json"))
	if err != nil {
		return nil, err
	}
	out := []*envelope.Envelope{}
	for _, m := range matches {
		env, err := r.read(strings.TrimSuffix(filepath.Base(m), ".json"))
		if err != nil {
			return nil, err
		}
		if opts.Match(env) {
			out = append(out, env)
		}
	}
	return sortAndLimit(out, opts), nil
}
