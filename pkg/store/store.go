// Package store provides the content-addressed blob/node store.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentoshq/agentos/pkg/canon"
)

// ErrNotFound is returned when a requested hash has no corresponding
// blob or node. Missing-hash errors are non-retriable.
var ErrNotFound = errors.New("store: not found")

// ErrHashMismatch is returned when a caller's expected hash does not match
// the hash the store computed for the bytes it was asked to store.
var ErrHashMismatch = errors.New("store: hash mismatch")

// Store is the content-addressed store contract. Two backends (MemStore,
// FSStore) must be interchangeable.
type Store interface {
	// PutBlob stores an opaque byte string and returns its content hash.
	// Idempotent: identical bytes always yield the same hash.
	PutBlob(ctx context.Context, data []byte) (canon.Hash, error)
	// GetBlob returns the bytes for a previously stored blob hash.
	GetBlob(ctx context.Context, h canon.Hash) ([]byte, error)
	// HasBlob reports whether a blob hash is present.
	HasBlob(ctx context.Context, h canon.Hash) (bool, error)

	// PutNode canonically encodes a typed node value and stores it,
	// returning its content hash.
	PutNode(ctx context.Context, node interface{}) (canon.Hash, error)
	// GetNode decodes the node stored at h into out (a pointer).
	GetNode(ctx context.Context, h canon.Hash, out interface{}) error
	// HasNode reports whether a node hash is present.
	HasNode(ctx context.Context, h canon.Hash) (bool, error)
}

// computeAndVerify hashes data and rejects it when expected is non-nil
// and differs from the computed hash. No backend calls it.
func computeAndVerify(data []byte, expected *canon.Hash) (canon.Hash, error) {
	h := canon.HashBytes(data)
	if expected != nil && h != *expected {
		return canon.Hash{}, fmt.Errorf("%w: computed %s, expected %s", ErrHashMismatch, h, expected)
	}
	return h, nil
}
