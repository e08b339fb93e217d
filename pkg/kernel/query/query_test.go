package query

import (
	"context"
	"errors"
	"testing"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/cellindex"
	"github.com/agentoshq/agentos/pkg/effect"
	"github.com/agentoshq/agentos/pkg/journal"
	"github.com/agentoshq/agentos/pkg/kernel"
	"github.com/agentoshq/agentos/pkg/kernelerr"
	"github.com/agentoshq/agentos/pkg/manifest"
	"github.com/agentoshq/agentos/pkg/policy"
	"github.com/agentoshq/agentos/pkg/runtime"
	"github.com/agentoshq/agentos/pkg/snapshot"
	"github.com/agentoshq/agentos/pkg/store"
)

type counterModule struct{}

func (counterModule) Step(ctx context.Context, call runtime.CallContext, stateBytes []byte, eventCBOR []byte) (runtime.Output, error) {
	return runtime.Output{StateBytes: []byte("1")}, nil
}

func newTestKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	s := store.NewMemStore()
	j := journal.NewMemJournal()
	idx := cellindex.New(s)

	m := manifest.Manifest{
		AirVersion: "1.0.0",
		Routing:    []manifest.Route{{EventSchema: "tick", TargetModule: "counter"}},
		Modules:    []manifest.NamedRef{{Name: "counter", Hash: canon.HashBytes([]byte("counter"))}},
		Defaults:   manifest.Defaults{DefaultPolicy: "default"},
	}.Canonical()
	h, err := m.Hash()
	if err != nil {
		t.Fatal(err)
	}

	eff := effect.New(effect.Config{Store: s, Journal: j, Evaluator: &policy.Evaluator{}})

	return kernel.New(kernel.Config{
		Store: s, Journal: j, CellIndex: idx, Effects: eff,
		Manifest: m, ManifestHash: h,
		Modules: map[string]kernel.ModuleEntry{
			"counter": {Kind: kernel.KindReducer, Module: counterModule{}, Version: "v1"},
		},
	})
}

func TestGetManifestMatchesKernel(t *testing.T) {
	k := newTestKernel(t)
	m, h := GetManifest(k)
	if h != k.ManifestHash() {
		t.Fatalf("hash mismatch: %s != %s", h, k.ManifestHash())
	}
	if m.AirVersion != "1.0.0" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
}

func TestListCellsAtHead(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	k.InjectEvent("tick", nil)
	if err := k.TickUntilIdle(ctx); err != nil {
		t.Fatal(err)
	}

	cells, err := ListCells(ctx, k, "counter", ReadHead, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(cells) != 1 {
		t.Fatalf("expected one cell after one tick, got %d", len(cells))
	}
}

func TestReadExactAheadOfHeadFails(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	if _, err := ListCells(ctx, k, "counter", ReadExact, 100); err == nil {
		t.Fatal("expected exact-height read past the live head to fail")
	}
}

func TestReadAtLeastBeyondHeadFails(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	if _, err := ListCells(ctx, k, "counter", ReadAtLeast, 100); err == nil {
		t.Fatal("expected read-at-least past the live head to fail")
	}
}

func TestDefsGetAndDefsLs(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	j := journal.NewMemJournal()
	idx := cellindex.New(s)

	type schemaNode struct {
		Kind string `cbor:"kind"`
	}
	h, err := s.PutNode(ctx, schemaNode{Kind: "record"})
	if err != nil {
		t.Fatal(err)
	}

	m := manifest.Manifest{
		AirVersion: "1.0.0",
		Schemas:    []manifest.NamedRef{{Name: "widget", Hash: h}, {Name: "anvil", Hash: h}},
		Modules:    []manifest.NamedRef{{Name: "counter", Hash: canon.HashBytes([]byte("counter"))}},
		Defaults:   manifest.Defaults{DefaultPolicy: "default"},
	}.Canonical()
	mh, err := m.Hash()
	if err != nil {
		t.Fatal(err)
	}

	eff := effect.New(effect.Config{Store: s, Journal: j, Evaluator: &policy.Evaluator{}})
	k := kernel.New(kernel.Config{
		Store: s, Journal: j, CellIndex: idx, Effects: eff,
		Manifest: m, ManifestHash: mh,
		Modules: map[string]kernel.ModuleEntry{
			"counter": {Kind: kernel.KindReducer, Module: counterModule{}, Version: "v1"},
		},
	})

	ref, node, err := DefsGet(ctx, k, "schemas", "widget")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Name != "widget" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
	decoded, ok := node.(map[string]interface{})
	if !ok || decoded["kind"] != "record" {
		t.Fatalf("unexpected decoded node: %#v", node)
	}

	if _, _, err := DefsGet(ctx, k, "schemas", "missing"); err == nil {
		t.Fatal("expected lookup of an undeclared schema to fail")
	}

	grouped := DefsLs(m, nil, "")
	if len(grouped["schemas"]) != 2 {
		t.Fatalf("expected 2 schemas, got %v", grouped["schemas"])
	}
	if grouped["schemas"][0].Name != "anvil" {
		t.Fatalf("expected sorted schema names, got %+v", grouped["schemas"])
	}

	filtered := DefsLs(m, []string{"schemas"}, "wid")
	if len(filtered) != 1 || len(filtered["schemas"]) != 1 || filtered["schemas"][0].Name != "widget" {
		t.Fatalf("expected prefix filter to keep only widget, got %+v", filtered)
	}
}

// An Exact(h) manifest read resolves from the snapshot pinned at
// exactly h, and fails with snapshot.unavailable for any height no
// snapshot pins -- even one the journal has long since passed.
func TestGetManifestAtExactSnapshotHeight(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	// The pinned-read path loads the manifest node from the store by the
	// hash the snapshot recorded, so the node must be content-addressed
	// the way worldboot persists it at load time.
	if _, err := k.Store().PutNode(ctx, k.Manifest()); err != nil {
		t.Fatal(err)
	}

	k.InjectEvent("tick", nil)
	if err := k.TickUntilIdle(ctx); err != nil {
		t.Fatal(err)
	}
	height, err := k.Journal().NextSeq(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := snapshot.Take(ctx, k, nil, true); err != nil {
		t.Fatal(err)
	}

	// Advance the journal past the snapshot so Exact(height) can no
	// longer be served from the live head.
	k.InjectEvent("tick", nil)
	if err := k.TickUntilIdle(ctx); err != nil {
		t.Fatal(err)
	}

	m, h, err := GetManifestAt(ctx, k, ReadExact, height)
	if err != nil {
		t.Fatal(err)
	}
	if h != k.ManifestHash() {
		t.Fatalf("pinned manifest hash %s != snapshot manifest hash %s", h, k.ManifestHash())
	}
	if m.AirVersion != "1.0.0" {
		t.Fatalf("unexpected pinned manifest: %+v", m)
	}

	_, _, err = GetManifestAt(ctx, k, ReadExact, height-1)
	var kerr *kernelerr.Error
	if !errors.As(err, &kerr) || kerr.Code != kernelerr.CodeSnapshotUnavailable {
		t.Fatalf("expected %s for an unpinned height, got %v", kernelerr.CodeSnapshotUnavailable, err)
	}
}

func TestGetWorkflowStateUnknownInstance(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	if _, err := GetWorkflowState(ctx, k, "counter", "nope", ReadHead, 0); err == nil {
		t.Fatal("expected lookup of an unknown workflow instance to fail")
	}
}
