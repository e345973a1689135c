package payload

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MemoryProvider keeps payloads in memory
type MemoryProvider struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryProvider creates an empty in-memory provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{data: make(map[string][]byte)}
}

type memoryWriter struct {
	bytes.Buffer
	id string
	m  *MemoryProvider
}

func (w *memoryWriter) Close() error {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	w.m.data[w.id] = append([]byte(nil), w.Bytes()...)
	return nil
}

// Create implements Provider. Content becomes visible on Close.
func (m *MemoryProvider) Create(_ context.Context, id string) (io.WriteCloser, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	return &memoryWriter{id: id, m: m}, nil
}

// Open implements Provider
func (m *MemoryProvider) Open(_ context.Context, id string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[id]
	if !ok {
		return nil, nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Remove implements Provider
func (m *MemoryProvider) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	return nil
}

// Len returns the number of stored payloads
func (m *MemoryProvider) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
