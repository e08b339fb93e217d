package snapshot

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/cellindex"
	"github.com/agentoshq/agentos/pkg/effect"
	"github.com/agentoshq/agentos/pkg/internaleffects"
	"github.com/agentoshq/agentos/pkg/journal"
	"github.com/agentoshq/agentos/pkg/kernel"
	"github.com/agentoshq/agentos/pkg/kernelerr"
	"github.com/agentoshq/agentos/pkg/manifest"
	"github.com/agentoshq/agentos/pkg/policy"
	"github.com/agentoshq/agentos/pkg/runtime"
	"github.com/agentoshq/agentos/pkg/store"
)

// counterModule is a trivial reducer: state is a decimal counter string,
// and every tick increments it by one.
type counterModule struct{}

func (counterModule) Step(ctx context.Context, call runtime.CallContext, stateBytes []byte, eventCBOR []byte) (runtime.Output, error) {
	n := 0
	if len(stateBytes) > 0 {
		n, _ = strconv.Atoi(string(stateBytes))
	}
	n++
	return runtime.Output{StateBytes: []byte(strconv.Itoa(n))}, nil
}

func newTestKernel(t *testing.T) (*kernel.Kernel, store.Store, journal.Journal) {
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

	eff := effect.New(effect.Config{
		Store: s, Journal: j, Resolver: nil, Enforcers: nil, Evaluator: &policy.Evaluator{},
	})

	k := kernel.New(kernel.Config{
		Store: s, Journal: j, CellIndex: idx, Effects: eff,
		Manifest: m, ManifestHash: h,
		Modules: map[string]kernel.ModuleEntry{
			"counter": {Kind: kernel.KindReducer, Module: counterModule{}, Version: "v1"},
		},
	})
	return k, s, j
}

func TestTakeAndRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	k, s, j := newTestKernel(t)

	k.InjectEvent("tick", nil)
	if err := k.TickUntilIdle(ctx); err != nil {
		t.Fatal(err)
	}
	root1, _ := k.ReducerRoot("counter")

	ws := internaleffects.NewWorkspace(s)

	snapHash, err := Take(ctx, k, ws, true)
	if err != nil {
		t.Fatal(err)
	}

	// Advance the live kernel further, past the snapshot.
	k.InjectEvent("tick", nil)
	if err := k.TickUntilIdle(ctx); err != nil {
		t.Fatal(err)
	}

	// Rebuild a fresh kernel against the same manifest/journal/store and
	// restore it to the snapshot, then replay to head: it must reach the
	// exact same reducer root as the live kernel did.
	k2, _, _ := newTestKernel(t)
	// Swap in the shared store/journal so replay sees the same history.
	k2 = kernel.New(kernel.Config{
		Store: s, Journal: j, CellIndex: cellindex.New(s), Effects: k.Effects(),
		Manifest: k.Manifest(), ManifestHash: k.ManifestHash(),
		Modules: map[string]kernel.ModuleEntry{
			"counter": {Kind: kernel.KindReducer, Module: counterModule{}, Version: "v1"},
		},
	})

	snap, err := Load(ctx, s, snapHash)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Complete {
		t.Fatal("expected snapshot marked complete")
	}
	if root1 == (canon.Hash{}) {
		t.Fatal("sanity: expected a non-zero reducer root after the first tick")
	}

	if err := Restore(ctx, k2, nil, snap, ReadHead, 0); err != nil {
		t.Fatal(err)
	}

	got1, ok1 := k2.ReducerRoot("counter")
	got2, ok2 := k.ReducerRoot("counter")
	if !ok1 || !ok2 {
		t.Fatal("expected both kernels to have a reducer root for counter")
	}
	if got1 != got2 {
		t.Fatalf("restored kernel root %s != live kernel root %s after replay to head", got1, got2)
	}
}

// TestRestoreExactHeightRead covers replaying only up to a requested
// journal seq even when the journal has since advanced further, the
// exact-height read-consistency mode.
func TestRestoreExactHeightRead(t *testing.T) {
	ctx := context.Background()
	k, s, j := newTestKernel(t)

	k.InjectEvent("tick", nil)
	if err := k.TickUntilIdle(ctx); err != nil {
		t.Fatal(err)
	}
	snapHash, err := Take(ctx, k, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	seqAtSnapshot, err := j.NextSeq(ctx)
	if err != nil {
		t.Fatal(err)
	}

	k.InjectEvent("tick", nil)
	if err := k.TickUntilIdle(ctx); err != nil {
		t.Fatal(err)
	}
	headAfterSecondTick, err := j.NextSeq(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if headAfterSecondTick <= seqAtSnapshot {
		t.Fatalf("expected the journal to have advanced past the snapshot, got %d <= %d", headAfterSecondTick, seqAtSnapshot)
	}

	snap, err := Load(ctx, s, snapHash)
	if err != nil {
		t.Fatal(err)
	}

	k2 := kernel.New(kernel.Config{
		Store: s, Journal: j, CellIndex: cellindex.New(s), Effects: k.Effects(),
		Manifest: k.Manifest(), ManifestHash: k.ManifestHash(),
		Modules: map[string]kernel.ModuleEntry{
			"counter": {Kind: kernel.KindReducer, Module: counterModule{}, Version: "v1"},
		},
	})

	if err := Restore(ctx, k2, nil, snap, ReadExact, seqAtSnapshot); err != nil {
		t.Fatal(err)
	}
	got, ok := k2.ReducerRoot("counter")
	if !ok {
		t.Fatal("expected a reducer root after restore")
	}
	want, _ := k.ReducerRoot("counter")
	_ = want // the live kernel has since advanced past seqAtSnapshot

	if got == (canon.Hash{}) {
		t.Fatal("expected a non-zero reducer root")
	}

	// Requesting a seq beyond the journal's head must fail.
	k3 := kernel.New(kernel.Config{
		Store: s, Journal: j, CellIndex: cellindex.New(s), Effects: k.Effects(),
		Manifest: k.Manifest(), ManifestHash: k.ManifestHash(),
		Modules: map[string]kernel.ModuleEntry{
			"counter": {Kind: kernel.KindReducer, Module: counterModule{}, Version: "v1"},
		},
	})
	if err := Restore(ctx, k3, nil, snap, ReadExact, headAfterSecondTick+100); err == nil {
		t.Fatal("expected an error when requesting a seq beyond the journal head")
	}
}

func TestRestoreRejectsManifestMismatch(t *testing.T) {
	ctx := context.Background()
	k, s, _ := newTestKernel(t)

	k.InjectEvent("tick", nil)
	if err := k.TickUntilIdle(ctx); err != nil {
		t.Fatal(err)
	}
	snapHash, err := Take(ctx, k, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := Load(ctx, s, snapHash)
	if err != nil {
		t.Fatal(err)
	}

	other, _, _ := newTestKernel(t)
	if err := Restore(ctx, other, nil, snap, ReadHead, 0); err == nil {
		t.Fatal("expected restore to reject a snapshot from a different manifest")
	}
}

// TestOpenLocatesLatestSnapshot covers Open scanning the journal for the
// highest recorded checkpoint: with two snapshots taken at different
// heights, Open must hand back the second.
func TestOpenLocatesLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	k, s, j := newTestKernel(t)

	k.InjectEvent("tick", nil)
	if err := k.TickUntilIdle(ctx); err != nil {
		t.Fatal(err)
	}
	first, err := Take(ctx, k, nil, true)
	if err != nil {
		t.Fatal(err)
	}

	k.InjectEvent("tick", nil)
	if err := k.TickUntilIdle(ctx); err != nil {
		t.Fatal(err)
	}
	second, err := Take(ctx, k, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("expected two distinct snapshot nodes")
	}

	snap, nodeHash, err := Open(ctx, s, j)
	if err != nil {
		t.Fatal(err)
	}
	if nodeHash != second {
		t.Fatalf("Open returned snapshot %s, want the latest %s", nodeHash, second)
	}
	if snap.ManifestHash != k.ManifestHash() {
		t.Fatalf("snapshot manifest %s != kernel manifest %s", snap.ManifestHash, k.ManifestHash())
	}
}

func TestOpenWithoutSnapshotFails(t *testing.T) {
	ctx := context.Background()
	_, s, j := newTestKernel(t)

	_, _, err := Open(ctx, s, j)
	if err == nil {
		t.Fatal("expected Open to fail on a journal with no snapshot marker")
	}
	var kerr *kernelerr.Error
	if !errors.As(err, &kerr) || kerr.Code != kernelerr.CodeSnapshotUnavailable {
		t.Fatalf("expected %s, got %v", kernelerr.CodeSnapshotUnavailable, err)
	}
}

// TestFindAtExactHeight pins a snapshot to its journal seq and requires
// FindAt to resolve exactly that height and no other.
func TestFindAtExactHeight(t *testing.T) {
	ctx := context.Background()
	k, s, j := newTestKernel(t)

	k.InjectEvent("tick", nil)
	if err := k.TickUntilIdle(ctx); err != nil {
		t.Fatal(err)
	}
	seqBefore, err := j.NextSeq(ctx)
	if err != nil {
		t.Fatal(err)
	}
	nodeHash, err := Take(ctx, k, nil, true)
	if err != nil {
		t.Fatal(err)
	}

	snap, got, err := FindAt(ctx, s, j, seqBefore)
	if err != nil {
		t.Fatal(err)
	}
	if got != nodeHash {
		t.Fatalf("FindAt returned node %s, want %s", got, nodeHash)
	}
	if snap.JournalSeq != seqBefore {
		t.Fatalf("snapshot pinned at seq %d, want %d", snap.JournalSeq, seqBefore)
	}

	_, _, err = FindAt(ctx, s, j, seqBefore-1)
	var kerr *kernelerr.Error
	if !errors.As(err, &kerr) || kerr.Code != kernelerr.CodeSnapshotUnavailable {
		t.Fatalf("expected %s for an unpinned height, got %v", kernelerr.CodeSnapshotUnavailable, err)
	}
}

// TestVerifyCompletenessMissingRoot fabricates a snapshot depending on a
// CAS root the store never held; verification must fail with the
// missing-dependency diagnostic rather than a generic store error.
func TestVerifyCompletenessMissingRoot(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()

	snap := Snapshot{RootCompleteness: []canon.Hash{canon.HashBytes([]byte("never stored"))}}
	err := VerifyCompleteness(ctx, s, snap)
	if err == nil {
		t.Fatal("expected verification to fail for an absent root")
	}
	var kerr *kernelerr.Error
	if !errors.As(err, &kerr) || kerr.Code != kernelerr.CodeMissingCASDependency {
		t.Fatalf("expected %s, got %v", kernelerr.CodeMissingCASDependency, err)
	}
}

// chainModule emits a follow-on domain event on every "tick", so a
// replay that re-fed module-emitted events would double-process them.
type chainModule struct{}

func (chainModule) Step(ctx context.Context, call runtime.CallContext, stateBytes []byte, eventCBOR []byte) (runtime.Output, error) {
	return runtime.Output{
		StateBytes:   []byte("seen"),
		DomainEvents: []runtime.DomainEvent{{Schema: "ding", PayloadCBOR: nil}},
	}, nil
}

// TestReplayRegeneratesEmittedEvents rebuilds a kernel from a snapshot
// taken before any activity and replays the journal tail. The replay
// must (a) leave the journal untouched -- re-running the tick path goes
// through a counting cursor, not the real journal -- and (b) feed only
// the externally injected event, letting the replaying module regenerate
// the one it emitted, so counter state ends identical, not doubled.
func TestReplayRegeneratesEmittedEvents(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	j := journal.NewMemJournal()

	m := manifest.Manifest{
		AirVersion: "1.0.0",
		Routing: []manifest.Route{
			{EventSchema: "tick", TargetModule: "chain"},
			{EventSchema: "ding", TargetModule: "counter"},
		},
		Modules: []manifest.NamedRef{
			{Name: "chain", Hash: canon.HashBytes([]byte("chain"))},
			{Name: "counter", Hash: canon.HashBytes([]byte("counter"))},
		},
		Defaults: manifest.Defaults{DefaultPolicy: "default"},
	}.Canonical()
	mh, err := m.Hash()
	if err != nil {
		t.Fatal(err)
	}
	modules := map[string]kernel.ModuleEntry{
		"chain":   {Kind: kernel.KindReducer, Module: chainModule{}, Version: "v1"},
		"counter": {Kind: kernel.KindReducer, Module: counterModule{}, Version: "v1"},
	}
	build := func() *kernel.Kernel {
		eff := effect.New(effect.Config{Store: s, Journal: j, Evaluator: &policy.Evaluator{}})
		return kernel.New(kernel.Config{
			Store: s, Journal: j, CellIndex: cellindex.New(s), Effects: eff,
			Manifest: m, ManifestHash: mh, Modules: modules,
		})
	}

	k := build()
	snapHash, err := Take(ctx, k, nil, true)
	if err != nil {
		t.Fatal(err)
	}

	k.InjectEvent("tick", nil)
	if err := k.TickUntilIdle(ctx); err != nil {
		t.Fatal(err)
	}
	liveChainRoot, _ := k.ReducerRoot("chain")
	liveCounterRoot, _ := k.ReducerRoot("counter")
	headBeforeRestore, err := j.NextSeq(ctx)
	if err != nil {
		t.Fatal(err)
	}

	snap, err := Load(ctx, s, snapHash)
	if err != nil {
		t.Fatal(err)
	}
	k2 := build()
	if err := Restore(ctx, k2, nil, snap, ReadHead, 0); err != nil {
		t.Fatal(err)
	}

	headAfterRestore, err := j.NextSeq(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if headAfterRestore != headBeforeRestore {
		t.Fatalf("replay wrote %d extra journal entries", headAfterRestore-headBeforeRestore)
	}

	gotChain, _ := k2.ReducerRoot("chain")
	gotCounter, _ := k2.ReducerRoot("counter")
	if gotChain != liveChainRoot {
		t.Fatalf("chain root after replay %s != live root %s", gotChain, liveChainRoot)
	}
	if gotCounter != liveCounterRoot {
		t.Fatalf("counter root after replay %s != live root %s", gotCounter, liveCounterRoot)
	}
}
