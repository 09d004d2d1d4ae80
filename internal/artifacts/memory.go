package artifacts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MemoryStore holds artifacts in memory. It backs tests and embedded bundles.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string][]byte)}
}

// Put stores raw artifact bytes under a logical name.
func (s *MemoryStore) Put(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = data
}

// PutJSON marshals v and stores it under a logical name.
func (s *MemoryStore) PutJSON(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.Put(name, data)
	return nil
}

// Delete removes an artifact.
func (s *MemoryStore) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, name)
}

func (s *MemoryStore) Path(name string) string {
	return "mem://" + name
}

func (s *MemoryStore) Exists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.files[name]
	return ok
}

func (s *MemoryStore) Open(name string) (io.ReadCloser, error) {
	data, err := s.ReadAll(name)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) ReadAll(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return append([]byte(nil), data...), nil
}
