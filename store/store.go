// Package store persists envelopes: in memory, as JSON files and in
// PostgreSQL through gorm. All implementations enforce the optimistic
// version check of envelope.Repository.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/georgepadayatti/goesign/envelope"
)

// ErrExists is returned by Create for a duplicate envelope ID.
var ErrExists = errors.New("envelope already exists")

var (
	_ envelope.Repository = (*Memory)(nil)
	_ envelope.Repository = (*FileRepository)(nil)
	_ envelope.Repository = (*GormRepository)(nil)
)

func notFound(id string) error {
	return fmt.Errorf("%w: envelope %s", envelope.ErrNotFound, id)
}

func conflict(id string, expected, actual int64) error {
	return fmt.Errorf("%w: envelope %s is at version %d, expected %d", envelope.ErrVersionConflict, id, actual, expected)
}

// sortAndLimit orders envelopes oldest first and applies opts.Limit.
func sortAndLimit(out []*envelope.Envelope, opts envelope.ListOptions) []*envelope.Envelope {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// Memory keeps envelopes in a map.
type Memory struct {
	mu        sync.RWMutex
	envelopes map[string]*envelope.Envelope
}

// NewMemory returns an empty repository.
func NewMemory() *Memory {
	return &Memory{envelopes: make(map[string]*envelope.Envelope)}
}

func (m *Memory) Create(ctx context.Context, env *envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.envelopes[env.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, env.ID)
	}
	env.Version = 1
	m.envelopes[env.ID] = env.Clone()
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.envelopes[id]
	if !ok {
		return nil, notFound(id)
	}
	return env.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, env *envelope.Envelope, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.envelopes[env.ID]
	if !ok {
		return notFound(env.ID)
	}
	if cur.Version != expectedVersion {
		return conflict(env.ID, expectedVersion, cur.Version)
	}
	env.Version = expectedVersion + 1
	m.envelopes[env.ID] = env.Clone()
	return nil
}

func (m *Memory) List(ctx context.Context, opts envelope.ListOptions) ([]*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*envelope.Envelope, 0, len(m.envelopes))
	for _, env := range m.envelopes {
		if opts.Match(env) {
			out = append(out, env.Clone())
		}
	}
	return sortAndLimit(out, opts), nil
}
