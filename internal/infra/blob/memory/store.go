// Package memory provides an in-process blob store for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/ahrav/index-armada/internal/domain/indexing"
)

var _ indexing.BlobStore = (*Store)(nil)

type object struct {
	data     []byte
	metadata map[string]string
}

// Store keeps blobs in a map guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewStore returns an empty Store.
func NewStore() *Store { return &Store{objects: make(map[string]object)} }

func (s *Store) Put(_ context.Context, name string, data []byte, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[name] = object{data: append([]byte(nil), data...), metadata: maps.Clone(metadata)}
	return nil
}

func (s *Store) Get(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", indexing.ErrBlobNotFound, name)
	}
	return append([]byte(nil), obj.data...), nil
}

func (s *Store) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, name)
	return nil
}

// Len reports how many blobs are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Metadata returns the metadata stored with name.
func (s *Store) Metadata(name string) (map[string]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[name]
	return maps.Clone(obj.metadata), ok
}
