// Package query implements the read-only query surface the control
// channel's query-state and defs-* commands call into, kept independent
// of the NDJSON transport so the Head/AtLeast(h)/Exact(h) read-
// consistency contract is testable on its own.
package query

import (
	"context"
	"sort"
	"strings"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/cellindex"
	"github.com/agentoshq/agentos/pkg/internaleffects"
	"github.com/agentoshq/agentos/pkg/kernel"
	"github.com/agentoshq/agentos/pkg/kernelerr"
	"github.com/agentoshq/agentos/pkg/manifest"
	"github.com/agentoshq/agentos/pkg/snapshot"
)

// Consistency re-exports pkg/snapshot's read-consistency modes so query
// callers need not import pkg/snapshot directly.
type Consistency = snapshot.Consistency

const (
	ReadHead     = snapshot.ReadHead
	ReadAtLeast  = snapshot.ReadAtLeast
	ReadExact    = snapshot.ReadExact
)

// resolveHeight validates a requested consistency mode/target against the
// kernel's live journal head. A live kernel always serves its current,
// fully-caught-up state, so ReadHead and ReadAtLeast(target <= head) are
// always satisfiable from memory. ReadExact at a height behind head is
// only satisfiable from a snapshot pinned at exactly that seq; pinned
// reports true when the caller must fall back to pkg/snapshot.FindAt.
func resolveHeight(ctx context.Context, k *kernel.Kernel, mode Consistency, target uint64) (pinned bool, err error) {
	head, err := k.Journal().NextSeq(ctx)
	if err != nil {
		return false, kernelerr.Wrap(kernelerr.CodeJournalError, err)
	}
	switch mode {
	case ReadHead:
		return false, nil
	case ReadAtLeast:
		if head < target {
			return false, kernelerr.New(kernelerr.CodeQueryError,
				"journal head %d has not reached requested seq %d", head, target)
		}
		return false, nil
	case ReadExact:
		return target != head, nil
	default:
		return false, kernelerr.New(kernelerr.CodeInvalidRequest, "unknown consistency mode %d", mode)
	}
}

// GetManifest returns the manifest currently in force and its hash, the
// ReadHead view.
func GetManifest(k *kernel.Kernel) (manifest.Manifest, canon.Hash) {
	return k.Manifest(), k.ManifestHash()
}

// GetManifestAt returns the manifest in force at the requested height.
// ReadHead and satisfiable ReadAtLeast reads serve the live manifest; a
// ReadExact read at any height other than the live head resolves the
// snapshot pinned at exactly that seq and loads the manifest node it
// references, or fails with snapshot.unavailable.
func GetManifestAt(ctx context.Context, k *kernel.Kernel, mode Consistency, target uint64) (manifest.Manifest, canon.Hash, error) {
	pinned, err := resolveHeight(ctx, k, mode, target)
	if err != nil {
		return manifest.Manifest{}, canon.Hash{}, err
	}
	if !pinned {
		m, h := GetManifest(k)
		return m, h, nil
	}
	snap, _, err := snapshot.FindAt(ctx, k.Store(), k.Journal(), target)
	if err != nil {
		return manifest.Manifest{}, canon.Hash{}, err
	}
	var m manifest.Manifest
	if err := k.Store().GetNode(ctx, snap.ManifestHash, &m); err != nil {
		return manifest.Manifest{}, canon.Hash{}, kernelerr.Wrap(kernelerr.CodeMissingCASDependency, err).
			WithField("manifest_hash", snap.ManifestHash.String())
	}
	return m, snap.ManifestHash, nil
}

// GetWorkflowState returns one workflow instance's durable view, subject
// to mode/target. ReadExact behind the live head serves the instance
// record captured in the snapshot pinned at exactly that seq.
func GetWorkflowState(ctx context.Context, k *kernel.Kernel, module, key string, mode Consistency, target uint64) (internaleffects.WorkflowStateSnapshot, error) {
	pinned, err := resolveHeight(ctx, k, mode, target)
	if err != nil {
		return internaleffects.WorkflowStateSnapshot{}, err
	}
	if pinned {
		return workflowStateFromSnapshot(ctx, k, module, key, target)
	}
	snap, ok := k.WorkflowStateView(module, key)
	if !ok {
		return internaleffects.WorkflowStateSnapshot{}, kernelerr.New(kernelerr.CodeQueryError,
			"no workflow instance %q/%q", module, key)
	}
	return snap, nil
}

func workflowStateFromSnapshot(ctx context.Context, k *kernel.Kernel, module, key string, target uint64) (internaleffects.WorkflowStateSnapshot, error) {
	snap, _, err := snapshot.FindAt(ctx, k.Store(), k.Journal(), target)
	if err != nil {
		return internaleffects.WorkflowStateSnapshot{}, err
	}
	for _, inst := range snap.WorkflowInstances {
		if inst.Module == module && inst.InstanceID == key {
			return internaleffects.WorkflowStateSnapshot{
				InstanceID:            inst.InstanceID,
				Status:                string(inst.Status),
				LastProcessedEventSeq: inst.LastProcessedEventSeq,
				ModuleVersion:         inst.ModuleVersion,
				StateBytes:            inst.StateBytes,
			}, nil
		}
	}
	return internaleffects.WorkflowStateSnapshot{}, kernelerr.New(kernelerr.CodeQueryError,
		"no workflow instance %q/%q at seq %d", module, key, target)
}

// DefsLs lists the manifest's NamedRefs grouped by kind, for the control
// channel's "defs-ls" command. kinds restricts which subsections are
// returned (nil/empty means every kind from manifest.DefKinds); prefix,
// if non-empty, keeps only refs whose name has that prefix. Results are
// sorted by name within each kind for deterministic output.
func DefsLs(m manifest.Manifest, kinds []string, prefix string) map[string][]manifest.NamedRef {
	if len(kinds) == 0 {
		kinds = manifest.DefKinds()
	}
	out := make(map[string][]manifest.NamedRef, len(kinds))
	for _, kind := range kinds {
		refs, ok := m.RefsByKind(kind)
		if !ok {
			continue
		}
		var filtered []manifest.NamedRef
		for _, r := range refs {
			if prefix == "" || strings.HasPrefix(r.Name, prefix) {
				filtered = append(filtered, r)
			}
		}
		sort.Slice(filtered, func(i, j int) bool { return filtered[i].Name < filtered[j].Name })
		out[kind] = filtered
	}
	return out
}

// DefsGet resolves one named definition to its NamedRef and decoded node
// value, for the control channel's "defs-get" command.
func DefsGet(ctx context.Context, k *kernel.Kernel, kind, name string) (manifest.NamedRef, interface{}, error) {
	ref, ok := k.Manifest().RefByName(kind, name)
	if !ok {
		return manifest.NamedRef{}, nil, kernelerr.New(kernelerr.CodeQueryError, "no %s definition named %q", kind, name)
	}
	var node interface{}
	if err := k.Store().GetNode(ctx, ref.Hash, &node); err != nil {
		return manifest.NamedRef{}, nil, kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}
	return ref, node, nil
}

// ListCells returns every cell in a reducer module's cell index, subject
// to mode/target. A pinned ReadExact read iterates the index root the
// snapshot recorded; every index node is content-addressed, so an old
// root stays readable for as long as the snapshot that lists it.
func ListCells(ctx context.Context, k *kernel.Kernel, module string, mode Consistency, target uint64) ([]cellindex.CellMeta, error) {
	pinned, err := resolveHeight(ctx, k, mode, target)
	if err != nil {
		return nil, err
	}
	var root canon.Hash
	if pinned {
		snap, _, err := snapshot.FindAt(ctx, k.Store(), k.Journal(), target)
		if err != nil {
			return nil, err
		}
		found := false
		for _, r := range snap.ReducerRoots {
			if r.Name == module {
				root, found = r.Hash, true
				break
			}
		}
		if !found {
			return nil, kernelerr.New(kernelerr.CodeQueryError, "no reducer root for module %q at seq %d", module, target)
		}
	} else {
		var ok bool
		root, ok = k.ReducerRoot(module)
		if !ok {
			return nil, kernelerr.New(kernelerr.CodeQueryError, "no reducer root for module %q", module)
		}
	}
	cells, err := k.CellIndex().Iter(ctx, root)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}
	return cells, nil
}
