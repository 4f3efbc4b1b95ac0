package state

import (
	"slices"
	"sync"
)

// Memory stores the config record in memory. Closing it does not discard the
// record, so it can be reused by another [Store].
type Memory struct {
	mu  sync.Mutex
	buf []byte
}

var _ Backend = (*Memory)(nil)

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return new(Memory)
}

func (m *Memory) Load() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.buf), nil
}

func (m *Memory) Save(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = slices.Clone(b)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
