package backend

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
)

// Memory implements Adapter using an in-process map. Used for tests and
// for tenants configured with the memory backbone.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Write stores data at the given key.
func (m *Memory) Write(_ context.Context, key string, r io.Reader) (WriteResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return WriteResult{}, err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return WriteResult{BytesTransferred: true, Bytes: int64(len(data))}, nil
}

// Read retrieves the full object at the given key.
func (m *Memory) Read(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// ReadRange retrieves bytes [start, end] of the object.
func (m *Memory) ReadRange(_ context.Context, key string, start, end int64) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if start >= int64(len(data)) {
		return nil, ErrNotFound
	}
	if end < 0 || end >= int64(len(data)) {
		end = int64(len(data)) - 1
	}
	return io.NopCloser(bytes.NewReader(data[start : end+1])), nil
}

// Delete removes the object at the given key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// Purge removes every object under the given key prefix.
func (m *Memory) Purge(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
		}
	}
	return nil
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ Adapter = (*Memory)(nil)
