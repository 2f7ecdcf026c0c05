// Package memory keeps captured pages in-process for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

type object struct {
	contentType string
	data        []byte
}

// BlobStore stores captures in-memory and returns pseudo URIs. Once it holds
// maxObjects objects the oldest are evicted first.
type BlobStore struct {
	mu         sync.RWMutex
	objects    map[string]object
	order      []string
	maxObjects int
}

// NewBlobStore creates a new in-memory blob store. maxObjects <= 0 keeps
// everything.
func NewBlobStore(maxObjects int) *BlobStore {
	return &BlobStore{objects: make(map[string]object), maxObjects: maxObjects}
}

// PutObject persists the content and returns a memory:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}

	s.mu.Lock()
	if _, exists := s.objects[path]; !exists {
		s.order = append(s.order, path)
	}
	s.objects[path] = object{contentType: contentType, data: byteData}
	for s.maxObjects > 0 && len(s.order) > s.maxObjects {
		delete(s.objects, s.order[0])
		s.order = s.order[1:]
	}
	s.mu.Unlock()
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns a copy of the stored object and its content type.
func (s *BlobStore) Get(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}

// Keys lists stored paths in lexical order.
func (s *BlobStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
