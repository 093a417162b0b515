// Package storage provides document stores: in memory, on the local
// filesystem and in S3. Every Store call writes a new object under a fresh
// uuid reference; existing objects are never replaced.
package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/georgepadayatti/goesign/envelope"
)

// ErrNotFound is returned by Load for unknown references. It matches
// envelope.ErrNotFound.
var ErrNotFound = fmt.Errorf("document %w", envelope.ErrNotFound)

var (
	_ envelope.DocumentStore = (*Memory)(nil)
	_ envelope.DocumentStore = (*Filesystem)(nil)
	_ envelope.DocumentStore = (*S3)(nil)
)

// Memory keeps documents in a map.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

func (m *Memory) Load(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.docs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Store(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[ref] = append([]byte(nil), data...)
	return ref, nil
}

// Overwrite replaces a stored document in place. It exists to simulate
// storage corruption.
func (m *Memory) Overwrite(ref string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[ref]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	m.docs[ref] = append([]byte(nil), data...)
	return nil
}

// Len returns the number of stored documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}
