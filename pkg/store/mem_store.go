package store

import (
	"context"
	"sync"

	"github.com/agentoshq/agentos/pkg/canon"
)

// MemStore is an in-memory content-addressed store. Grounded on
// pkg/kernel/blob_store.go's InMemoryBlobStore, generalized to also
// store typed nodes alongside opaque blobs.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[canon.Hash][]byte
	nodes map[canon.Hash][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		blobs: make(map[canon.Hash][]byte),
		nodes: make(map[canon.Hash][]byte),
	}
}

func (s *MemStore) PutBlob(ctx context.Context, data []byte) (canon.Hash, error) {
	h := canon.HashBytes(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[h]; !exists {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.blobs[h] = cp
	}
	return h, nil
}

func (s *MemStore) GetBlob(ctx context.Context, h canon.Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[h]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemStore) HasBlob(ctx context.Context, h canon.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[h]
	return ok, nil
}

func (s *MemStore) PutNode(ctx context.Context, node interface{}) (canon.Hash, error) {
	b, err := canon.Encode(node)
	if err != nil {
		return canon.Hash{}, err
	}
	h := canon.HashBytes(b)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[h]; !exists {
		s.nodes[h] = b
	}
	return h, nil
}

func (s *MemStore) GetNode(ctx context.Context, h canon.Hash, out interface{}) error {
	s.mu.RLock()
	data, ok := s.nodes[h]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return canon.Decode(data, out)
}

func (s *MemStore) HasNode(ctx context.Context, h canon.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[h]
	return ok, nil
}
