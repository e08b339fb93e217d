package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/agentoshq/agentos/pkg/canon"
)

// FSStore is a filesystem-backed content-addressed store using a
// <dir>/<blobs|nodes>/<first2>/<hex> sharding layout. Blobs and nodes
// share the same shard tree under separate top-level directories so a
// hash collision between a blob and a node payload can never alias.
type FSStore struct {
	root string
}

// NewFSStore opens (creating if necessary) a filesystem CAS rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	for _, sub := range []string{"blobs", "nodes"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, err
		}
	}
	return &FSStore{root: dir}, nil
}

func (s *FSStore) shardPath(kind string, h canon.Hash) string {
	hex := h.String()[len("sha256:"):]
	return filepath.Join(s.root, kind, hex[:2], hex)
}

func (s *FSStore) put(kind string, h canon.Hash, data []byte) error {
	path := s.shardPath(kind, h)
	if _, err := os.Stat(path); err == nil {
		return nil // idempotent: already present
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FSStore) get(kind string, h canon.Hash) ([]byte, error) {
	data, err := os.ReadFile(s.shardPath(kind, h))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *FSStore) has(kind string, h canon.Hash) (bool, error) {
	_, err := os.Stat(s.shardPath(kind, h))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *FSStore) PutBlob(ctx context.Context, data []byte) (canon.Hash, error) {
	h := canon.HashBytes(data)
	if err := s.put("blobs", h, data); err != nil {
		return canon.Hash{}, err
	}
	return h, nil
}

func (s *FSStore) GetBlob(ctx context.Context, h canon.Hash) ([]byte, error) {
	return s.get("blobs", h)
}

func (s *FSStore) HasBlob(ctx context.Context, h canon.Hash) (bool, error) {
	return s.has("blobs", h)
}

func (s *FSStore) PutNode(ctx context.Context, node interface{}) (canon.Hash, error) {
	b, err := canon.Encode(node)
	if err != nil {
		return canon.Hash{}, err
	}
	h := canon.HashBytes(b)
	if err := s.put("nodes", h, b); err != nil {
		return canon.Hash{}, err
	}
	return h, nil
}

func (s *FSStore) GetNode(ctx context.Context, h canon.Hash, out interface{}) error {
	data, err := s.get("nodes", h)
	if err != nil {
		return err
	}
	return canon.Decode(data, out)
}

func (s *FSStore) HasNode(ctx context.Context, h canon.Hash) (bool, error) {
	return s.has("nodes", h)
}
