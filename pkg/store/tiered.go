package store

import (
	"context"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/store/cloud"
)

// CloudTierThresholdBytes is the size at or above which TieredStore
// spills a blob put to its cloud tier instead of the local backend,
// the store-layer analogue of the journal's inline-vs-ref choice.
const CloudTierThresholdBytes = 1 << 20 // 1 MiB

// TieredStore keeps nodes (schemas, manifests, and the other small
// content-addressed definitions) on a local backend while letting large
// opaque blobs spill to an S3 or GCS tier. Nodes never spill: they are
// small by construction and the manifest/catalog load path expects them
// on the fast local backend.
type TieredStore struct {
	local Store
	cloud cloud.BlobStore
}

// NewTieredStore builds a store that reads/writes small blobs and all
// nodes against local, and large blobs against cloudTier. A nil
// cloudTier makes TieredStore behave exactly like local.
func NewTieredStore(local Store, cloudTier cloud.BlobStore) *TieredStore {
	return &TieredStore{local: local, cloud: cloudTier}
}

func (s *TieredStore) PutBlob(ctx context.Context, data []byte) (canon.Hash, error) {
	if s.cloud != nil && len(data) >= CloudTierThresholdBytes {
		return s.cloud.PutBlob(ctx, data)
	}
	return s.local.PutBlob(ctx, data)
}

func (s *TieredStore) GetBlob(ctx context.Context, h canon.Hash) ([]byte, error) {
	if has, err := s.local.HasBlob(ctx, h); err == nil && has {
		return s.local.GetBlob(ctx, h)
	}
	if s.cloud != nil {
		return s.cloud.GetBlob(ctx, h)
	}
	return nil, ErrNotFound
}

func (s *TieredStore) HasBlob(ctx context.Context, h canon.Hash) (bool, error) {
	if has, err := s.local.HasBlob(ctx, h); err == nil && has {
		return true, nil
	}
	if s.cloud != nil {
		return s.cloud.HasBlob(ctx, h)
	}
	return false, nil
}

func (s *TieredStore) PutNode(ctx context.Context, node interface{}) (canon.Hash, error) {
	return s.local.PutNode(ctx, node)
}

func (s *TieredStore) GetNode(ctx context.Context, h canon.Hash, out interface{}) error {
	return s.local.GetNode(ctx, h, out)
}

func (s *TieredStore) HasNode(ctx context.Context, h canon.Hash) (bool, error) {
	return s.local.HasNode(ctx, h)
}
