package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type testNode struct {
	Name  string `cbor:"name"`
	Value int64  `cbor:"value"`
}

// backends returns both Store implementations so tests exercise the
// interchangeability contract.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"mem": NewMemStore(),
		"fs":  fs,
	}
}

func TestStoreBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h, err := s.PutBlob(ctx, []byte("hello world"))
			require.NoError(t, err)

			h2, err := s.PutBlob(ctx, []byte("hello world"))
			require.NoError(t, err)
			require.Equal(t, h, h2, "put must be idempotent")

			data, err := s.GetBlob(ctx, h)
			require.NoError(t, err)
			require.Equal(t, "hello world", string(data))

			ok, err := s.HasBlob(ctx, h)
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestStoreNodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			n := testNode{Name: "alpha", Value: 7}
			h, err := s.PutNode(ctx, n)
			require.NoError(t, err)

			var out testNode
			require.NoError(t, s.GetNode(ctx, h, &out))
			require.Equal(t, n, out)
		})
	}
}

func TestStoreMissingHashNonRetriable(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var bogus [32]byte
			bogus[0] = 0xff
			_, err := s.GetBlob(ctx, bogus)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}
