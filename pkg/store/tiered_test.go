package store

import (
	"context"
	"testing"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/stretchr/testify/require"
)

// fakeCloudTier is an in-memory stand-in for cloud.BlobStore so the
// spill-over contract can be tested without a real S3/GCS client.
type fakeCloudTier struct {
	blobs map[canon.Hash][]byte
}

func newFakeCloudTier() *fakeCloudTier {
	return &fakeCloudTier{blobs: make(map[canon.Hash][]byte)}
}

func (f *fakeCloudTier) PutBlob(ctx context.Context, data []byte) (canon.Hash, error) {
	h := canon.HashBytes(data)
	f.blobs[h] = data
	return h, nil
}

func (f *fakeCloudTier) GetBlob(ctx context.Context, h canon.Hash) ([]byte, error) {
	b, ok := f.blobs[h]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (f *fakeCloudTier) HasBlob(ctx context.Context, h canon.Hash) (bool, error) {
	_, ok := f.blobs[h]
	return ok, nil
}

func TestTieredStoreSpillsLargeBlobsToCloud(t *testing.T) {
	ctx := context.Background()
	local := NewMemStore()
	tier := newFakeCloudTier()
	ts := NewTieredStore(local, tier)

	small := []byte("small payload")
	large := make([]byte, CloudTierThresholdBytes)

	smallHash, err := ts.PutBlob(ctx, small)
	require.NoError(t, err)
	largeHash, err := ts.PutBlob(ctx, large)
	require.NoError(t, err)

	hasLocalSmall, _ := local.HasBlob(ctx, smallHash)
	require.True(t, hasLocalSmall, "small blob should stay on the local tier")
	hasCloudSmall, _ := tier.HasBlob(ctx, smallHash)
	require.False(t, hasCloudSmall)

	hasLocalLarge, _ := local.HasBlob(ctx, largeHash)
	require.False(t, hasLocalLarge, "large blob should spill to the cloud tier")
	hasCloudLarge, _ := tier.HasBlob(ctx, largeHash)
	require.True(t, hasCloudLarge)

	got, err := ts.GetBlob(ctx, largeHash)
	require.NoError(t, err)
	require.Equal(t, large, got)
}

func TestTieredStoreNodesAlwaysLocal(t *testing.T) {
	ctx := context.Background()
	local := NewMemStore()
	ts := NewTieredStore(local, newFakeCloudTier())

	type node struct {
		Name string `cbor:"name"`
	}
	h, err := ts.PutNode(ctx, node{Name: "n1"})
	require.NoError(t, err)

	has, err := local.HasNode(ctx, h)
	require.NoError(t, err)
	require.True(t, has)
}
