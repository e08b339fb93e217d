package internaleffects

import (
	"context"
	"sort"
	"strings"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/kernelerr"
	"github.com/agentoshq/agentos/pkg/store"
)

// dirNode is a CAS-stored directory: a sorted list of named entries,
// each either a file (blob hash) or a subdirectory (another dirNode
// hash). Mirrors pkg/cellindex's "every mutation returns a new root"
// discipline so workspace writes compose with the rest of the kernel's
// content-addressed state.
type dirNode struct {
	Entries []dirEntry `cbor:"entries"`
}

type dirEntry struct {
	Name  string     `cbor:"name"`
	IsDir bool       `cbor:"is_dir"`
	Hash  canon.Hash `cbor:"hash"`
}

// Workspace is a CAS-backed directory tree rooted at a single hash, as
// seen by the kernel's internal workspace-* control commands.
type Workspace struct {
	store store.Store
	root  canon.Hash
}

// NewWorkspace wraps a store with an empty workspace root.
func NewWorkspace(s store.Store) *Workspace {
	return &Workspace{store: s}
}

// Root returns the current workspace root hash.
func (w *Workspace) Root() canon.Hash { return w.root }

// SetRoot restores a workspace root, used by replay/snapshot.
func (w *Workspace) SetRoot(h canon.Hash) { w.root = h }

func (w *Workspace) ensureRoot(ctx context.Context) (canon.Hash, error) {
	if !w.root.IsZero() {
		return w.root, nil
	}
	h, err := w.store.PutNode(ctx, dirNode{})
	if err != nil {
		return canon.Hash{}, err
	}
	w.root = h
	return h, nil
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Get reads the blob at path, returning (nil, false, nil) if absent.
func (w *Workspace) Get(ctx context.Context, path string) ([]byte, bool, error) {
	root, err := w.ensureRoot(ctx)
	if err != nil {
		return nil, false, err
	}
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, false, nil
	}
	h, isDir, found, err := lookup(ctx, w.store, root, segs)
	if err != nil || !found || isDir {
		return nil, false, err
	}
	data, err := w.store.GetBlob(ctx, h)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Put writes a blob at path, creating intermediate directories as
// needed, and returns the new workspace root.
func (w *Workspace) Put(ctx context.Context, path string, data []byte) (canon.Hash, error) {
	root, err := w.ensureRoot(ctx)
	if err != nil {
		return canon.Hash{}, err
	}
	segs := splitPath(path)
	if len(segs) == 0 {
		return canon.Hash{}, kernelerr.New(kernelerr.CodeQueryError, "workspace: empty path")
	}
	blobHash, err := w.store.PutBlob(ctx, data)
	if err != nil {
		return canon.Hash{}, err
	}
	newRoot, err := upsert(ctx, w.store, root, segs, dirEntry{Name: segs[len(segs)-1], IsDir: false, Hash: blobHash})
	if err != nil {
		return canon.Hash{}, err
	}
	w.root = newRoot
	return newRoot, nil
}

// Delete removes the entry at path, returning the new root and whether
// anything was removed.
func (w *Workspace) Delete(ctx context.Context, path string) (canon.Hash, bool, error) {
	root, err := w.ensureRoot(ctx)
	if err != nil {
		return canon.Hash{}, false, err
	}
	segs := splitPath(path)
	if len(segs) == 0 {
		return root, false, nil
	}
	newRoot, removed, err := remove(ctx, w.store, root, segs)
	if err != nil {
		return canon.Hash{}, false, err
	}
	w.root = newRoot
	return newRoot, removed, nil
}

func lookup(ctx context.Context, s store.Store, nodeHash canon.Hash, segs []string) (canon.Hash, bool, bool, error) {
	var n dirNode
	if err := s.GetNode(ctx, nodeHash, &n); err != nil {
		return canon.Hash{}, false, false, err
	}
	for _, e := range n.Entries {
		if e.Name != segs[0] {
			continue
		}
		if len(segs) == 1 {
			return e.Hash, e.IsDir, true, nil
		}
		if !e.IsDir {
			return canon.Hash{}, false, false, nil
		}
		return lookup(ctx, s, e.Hash, segs[1:])
	}
	return canon.Hash{}, false, false, nil
}

func upsert(ctx context.Context, s store.Store, nodeHash canon.Hash, segs []string, leaf dirEntry) (canon.Hash, error) {
	var n dirNode
	if err := s.GetNode(ctx, nodeHash, &n); err != nil {
		return canon.Hash{}, err
	}
	entries := append([]dirEntry(nil), n.Entries...)

	if len(segs) == 1 {
		entries = replaceEntry(entries, leaf)
		return s.PutNode(ctx, dirNode{Entries: sortedEntries(entries)})
	}

	name := segs[0]
	childHash, found := canon.Hash{}, false
	for _, e := range entries {
		if e.Name == name && e.IsDir {
			childHash, found = e.Hash, true
			break
		}
	}
	if !found {
		empty, err := s.PutNode(ctx, dirNode{})
		if err != nil {
			return canon.Hash{}, err
		}
		childHash = empty
	}
	newChild, err := upsert(ctx, s, childHash, segs[1:], leaf)
	if err != nil {
		return canon.Hash{}, err
	}
	entries = replaceEntry(entries, dirEntry{Name: name, IsDir: true, Hash: newChild})
	return s.PutNode(ctx, dirNode{Entries: sortedEntries(entries)})
}

func remove(ctx context.Context, s store.Store, nodeHash canon.Hash, segs []string) (canon.Hash, bool, error) {
	var n dirNode
	if err := s.GetNode(ctx, nodeHash, &n); err != nil {
		return canon.Hash{}, false, err
	}
	entries := append([]dirEntry(nil), n.Entries...)

	if len(segs) == 1 {
		out := entries[:0:0]
		removed := false
		for _, e := range entries {
			if e.Name == segs[0] {
				removed = true
				continue
			}
			out = append(out, e)
		}
		h, err := s.PutNode(ctx, dirNode{Entries: sortedEntries(out)})
		return h, removed, err
	}

	name := segs[0]
	for i, e := range entries {
		if e.Name == name && e.IsDir {
			newChild, removed, err := remove(ctx, s, e.Hash, segs[1:])
			if err != nil {
				return canon.Hash{}, false, err
			}
			if !removed {
				return nodeHash, false, nil
			}
			entries[i] = dirEntry{Name: name, IsDir: true, Hash: newChild}
			h, err := s.PutNode(ctx, dirNode{Entries: sortedEntries(entries)})
			return h, true, err
		}
	}
	return nodeHash, false, nil
}

func replaceEntry(entries []dirEntry, e dirEntry) []dirEntry {
	for i, existing := range entries {
		if existing.Name == e.Name {
			entries[i] = e
			return entries
		}
	}
	return append(entries, e)
}

func sortedEntries(entries []dirEntry) []dirEntry {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

type workspacePathParams struct {
	Path string `cbor:"path"`
}

type workspacePutParams struct {
	Path string `cbor:"path"`
	Data []byte `cbor:"data"`
}

func (h *Handler) workspaceGet(ctx context.Context, paramsCBOR []byte) ([]byte, error) {
	var p workspacePathParams
	if err := canon.Decode(paramsCBOR, &p); err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeQueryError, err)
	}
	data, found, err := h.Workspace.Get(ctx, p.Path)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}
	return canon.Encode(struct {
		Found bool   `cbor:"found"`
		Data  []byte `cbor:"data,omitempty"`
	}{found, data})
}

func (h *Handler) workspacePut(ctx context.Context, paramsCBOR []byte) ([]byte, error) {
	var p workspacePutParams
	if err := canon.Decode(paramsCBOR, &p); err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeQueryError, err)
	}
	newRoot, err := h.Workspace.Put(ctx, p.Path, p.Data)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}
	return canon.Encode(struct {
		Root canon.Hash `cbor:"root"`
	}{newRoot})
}

func (h *Handler) workspaceDelete(ctx context.Context, paramsCBOR []byte) ([]byte, error) {
	var p workspacePathParams
	if err := canon.Decode(paramsCBOR, &p); err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeQueryError, err)
	}
	newRoot, removed, err := h.Workspace.Delete(ctx, p.Path)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}
	return canon.Encode(struct {
		Root    canon.Hash `cbor:"root"`
		Removed bool       `cbor:"removed"`
	}{newRoot, removed})
}
