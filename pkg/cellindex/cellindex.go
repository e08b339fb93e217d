// Package cellindex implements the persistent, content-addressed index
// mapping a cell's key_hash to its CellMeta: a hash-array-mapped trie
// whose leaves and branches are themselves CAS nodes, so every update
// produces a new immutable root and structurally shares the rest.
package cellindex

import (
	"bytes"
	"context"
	"sort"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/store"
)

// leafMax is the entry count above which a leaf splits into a branch.
const leafMax = 64

// maxDepth bounds recursion to the key_hash length; past it entries
// collapse into an oversized leaf rather than panicking.
const maxDepth = 32

// CellMeta is the metadata tracked for a single cell.
type CellMeta struct {
	KeyHash      canon.Hash `cbor:"key_hash"`
	KeyBytes     []byte     `cbor:"key_bytes"`
	StateHash    canon.Hash `cbor:"state_hash"`
	Size         uint64     `cbor:"size"`
	LastActiveNs uint64     `cbor:"last_active_ns"`
}

// node is the CAS-stored index node. It is a tagged union: exactly one
// of Entries (leaf) or Children (branch) is populated.
type node struct {
	Leaf     bool         `cbor:"leaf"`
	Entries  []CellMeta   `cbor:"entries,omitempty"`
	Children []childEntry `cbor:"children,omitempty"`
}

// childEntry is a single (fan-out byte, child node hash) pair within a
// branch, kept sorted by Byte.
type childEntry struct {
	Byte byte       `cbor:"byte"`
	Hash canon.Hash `cbor:"hash"`
}

// Index is a persistent HAMT-style index over a content-addressed store.
// Every mutation returns a new root hash; the previous root remains
// valid and readable, giving cheap structural sharing across ticks.
type Index struct {
	store store.Store
}

// New wraps a store with cell-index operations.
func New(s store.Store) *Index {
	return &Index{store: s}
}

// Empty returns the root hash of an empty index.
func (idx *Index) Empty(ctx context.Context) (canon.Hash, error) {
	return idx.store.PutNode(ctx, node{Leaf: true})
}

// Get fetches metadata for the given key hash, if present.
func (idx *Index) Get(ctx context.Context, root canon.Hash, keyHash canon.Hash) (*CellMeta, error) {
	return idx.getAt(ctx, root, keyHash, 0)
}

func (idx *Index) getAt(ctx context.Context, nodeHash canon.Hash, keyHash canon.Hash, depth int) (*CellMeta, error) {
	var n node
	if err := idx.store.GetNode(ctx, nodeHash, &n); err != nil {
		return nil, err
	}
	if n.Leaf {
		for i := range n.Entries {
			if n.Entries[i].KeyHash == keyHash {
				m := n.Entries[i]
				return &m, nil
			}
		}
		return nil, nil
	}
	if depth >= len(keyHash) {
		return nil, nil
	}
	b := keyHash[depth]
	for _, c := range n.Children {
		if c.Byte == b {
			return idx.getAt(ctx, c.Hash, keyHash, depth+1)
		}
	}
	return nil, nil
}

// Upsert inserts or replaces metadata for a key, returning the new root.
func (idx *Index) Upsert(ctx context.Context, root canon.Hash, meta CellMeta) (canon.Hash, error) {
	return idx.insertAt(ctx, root, meta, 0)
}

func (idx *Index) insertAt(ctx context.Context, nodeHash canon.Hash, meta CellMeta, depth int) (canon.Hash, error) {
	var n node
	if err := idx.store.GetNode(ctx, nodeHash, &n); err != nil {
		return canon.Hash{}, err
	}

	if n.Leaf {
		entries := n.Entries
		for i := range entries {
			if entries[i].KeyHash == meta.KeyHash {
				entries[i] = meta
				return idx.store.PutNode(ctx, node{Leaf: true, Entries: entries})
			}
		}
		entries = append(entries, meta)
		if len(entries) > leafMax && depth < maxDepth {
			return idx.splitLeaf(ctx, entries, depth)
		}
		return idx.store.PutNode(ctx, node{Leaf: true, Entries: entries})
	}

	b := keyHashByte(meta.KeyHash, depth)
	children := n.Children
	for i := range children {
		if children[i].Byte == b {
			newHash, err := idx.insertAt(ctx, children[i].Hash, meta, depth+1)
			if err != nil {
				return canon.Hash{}, err
			}
			children[i].Hash = newHash
			return idx.store.PutNode(ctx, node{Children: children})
		}
	}
	leafHash, err := idx.store.PutNode(ctx, node{Leaf: true, Entries: []CellMeta{meta}})
	if err != nil {
		return canon.Hash{}, err
	}
	children = append(children, childEntry{Byte: b, Hash: leafHash})
	sortChildren(children)
	return idx.store.PutNode(ctx, node{Children: children})
}

// Delete removes a key, returning the new root and whether anything was
// removed. Deleting the last entry collapses the index back to Empty.
func (idx *Index) Delete(ctx context.Context, root canon.Hash, keyHash canon.Hash) (canon.Hash, bool, error) {
	newRoot, removed, err := idx.deleteAt(ctx, root, keyHash, 0)
	if err != nil {
		return canon.Hash{}, false, err
	}
	if newRoot == nil {
		empty, err := idx.Empty(ctx)
		return empty, removed, err
	}
	return *newRoot, removed, nil
}

func (idx *Index) deleteAt(ctx context.Context, nodeHash canon.Hash, keyHash canon.Hash, depth int) (*canon.Hash, bool, error) {
	var n node
	if err := idx.store.GetNode(ctx, nodeHash, &n); err != nil {
		return nil, false, err
	}

	if n.Leaf {
		before := len(n.Entries)
		kept := n.Entries[:0:0]
		for _, e := range n.Entries {
			if e.KeyHash != keyHash {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			return nil, before != 0, nil
		}
		h, err := idx.store.PutNode(ctx, node{Leaf: true, Entries: kept})
		if err != nil {
			return nil, false, err
		}
		return &h, before != len(kept), nil
	}

	if depth >= len(keyHash) {
		return &nodeHash, false, nil
	}
	b := keyHashByte(keyHash, depth)
	idxPos := -1
	for i, c := range n.Children {
		if c.Byte == b {
			idxPos = i
			break
		}
	}
	if idxPos < 0 {
		return &nodeHash, false, nil
	}

	newChild, removed, err := idx.deleteAt(ctx, n.Children[idxPos].Hash, keyHash, depth+1)
	if err != nil {
		return nil, false, err
	}
	if !removed {
		return &nodeHash, false, nil
	}

	children := append([]childEntry(nil), n.Children...)
	if newChild == nil {
		children = append(children[:idxPos], children[idxPos+1:]...)
	} else {
		children[idxPos].Hash = *newChild
	}
	if len(children) == 0 {
		return nil, true, nil
	}
	h, err := idx.store.PutNode(ctx, node{Children: children})
	if err != nil {
		return nil, false, err
	}
	return &h, true, nil
}

func (idx *Index) splitLeaf(ctx context.Context, entries []CellMeta, depth int) (canon.Hash, error) {
	buckets := map[byte][]CellMeta{}
	for _, m := range entries {
		b := keyHashByte(m.KeyHash, depth)
		buckets[b] = append(buckets[b], m)
	}
	var bytesSeen []byte
	for b := range buckets {
		bytesSeen = append(bytesSeen, b)
	}
	sort.Slice(bytesSeen, func(i, j int) bool { return bytesSeen[i] < bytesSeen[j] })

	children := make([]childEntry, 0, len(bytesSeen))
	for _, b := range bytesSeen {
		h, err := idx.store.PutNode(ctx, node{Leaf: true, Entries: buckets[b]})
		if err != nil {
			return canon.Hash{}, err
		}
		children = append(children, childEntry{Byte: b, Hash: h})
	}
	return idx.store.PutNode(ctx, node{Children: children})
}

// Iter walks every entry depth-first in ascending key_hash-byte order.
func (idx *Index) Iter(ctx context.Context, root canon.Hash) ([]CellMeta, error) {
	var out []CellMeta
	if err := idx.walk(ctx, root, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (idx *Index) walk(ctx context.Context, nodeHash canon.Hash, out *[]CellMeta) error {
	var n node
	if err := idx.store.GetNode(ctx, nodeHash, &n); err != nil {
		return err
	}
	if n.Leaf {
		entries := append([]CellMeta(nil), n.Entries...)
		sort.Slice(entries, func(i, j int) bool {
			return bytes.Compare(entries[i].KeyHash[:], entries[j].KeyHash[:]) < 0
		})
		*out = append(*out, entries...)
		return nil
	}
	children := append([]childEntry(nil), n.Children...)
	sortChildren(children)
	for _, c := range children {
		if err := idx.walk(ctx, c.Hash, out); err != nil {
			return err
		}
	}
	return nil
}

func keyHashByte(h canon.Hash, depth int) byte {
	if depth >= len(h) {
		return 0
	}
	return h[depth]
}

func sortChildren(c []childEntry) {
	sort.Slice(c, func(i, j int) bool { return c[i].Byte < c[j].Byte })
}
