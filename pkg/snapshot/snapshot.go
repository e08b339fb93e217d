// Package snapshot implements checkpoint and replay of kernel state.
// A snapshot is a content-addressed
// node capturing every piece of state a kernel carries between ticks;
// replay restores that state and then drains the journal tail recorded
// since the snapshot, so a rebuilt kernel reaches the exact same state a
// live one would have, regardless of when it last checkpointed.
package snapshot

import (
	"context"
	"fmt"
	"sort"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/effect"
	"github.com/agentoshq/agentos/pkg/internaleffects"
	"github.com/agentoshq/agentos/pkg/journal"
	"github.com/agentoshq/agentos/pkg/kernel"
	"github.com/agentoshq/agentos/pkg/kernelerr"
	"github.com/agentoshq/agentos/pkg/manifest"
	"github.com/agentoshq/agentos/pkg/store"
)

// Snapshot is the full in-memory kernel state as of JournalSeq journal
// entries having been applied. Complete is false for a snapshot taken
// while a governance apply or other exceptional condition left some
// derived state out of scope.
type Snapshot struct {
	JournalSeq        uint64                  `cbor:"journal_seq"`
	LogicalNowNs      int64                   `cbor:"logical_now_ns"`
	ManifestHash      canon.Hash              `cbor:"manifest_hash"`
	ReducerRoots      []manifest.NamedRef     `cbor:"reducer_roots,omitempty"`
	WorkflowInstances []kernel.WorkflowInstance `cbor:"workflow_instances,omitempty"`
	QueuedEvents      []kernel.Event          `cbor:"queued_events,omitempty"`
	QueuedReceipts    []effect.Receipt        `cbor:"queued_receipts,omitempty"`
	QueuedEffects     []effect.IntentSnapshot `cbor:"queued_effects,omitempty"`
	InflightEffects   []effect.IntentSnapshot `cbor:"inflight_effects,omitempty"`
	RecentReceipts    []canon.Hash            `cbor:"recent_receipts,omitempty"`
	WorkspaceRoot     canon.Hash              `cbor:"workspace_root"`

	// RootCompleteness lists every CAS root this snapshot depends on:
	// the per-module cell index roots and the workspace root. Queued and
	// inflight intents carry their params inline, so they add no roots.
	// Open verifies each against the store before handing the snapshot
	// to a caller, so a replay never starts from a checkpoint whose
	// reachable state has been garbage-collected out from under it.
	RootCompleteness []canon.Hash `cbor:"root_completeness,omitempty"`
	Complete         bool         `cbor:"complete"`
}

// journalRef is the small, journaled marker that points at the full
// snapshot node, so a journal scan can locate checkpoints without
// decoding every node in the store.
type journalRef struct {
	NodeHash   canon.Hash `cbor:"node_hash"`
	JournalSeq uint64     `cbor:"journal_seq"`
}

// Take captures the kernel's current state (and, if ws is non-nil, the
// workspace root alongside it) as a content-addressed node, journals a
// pointer to it, and returns the node's hash.
func Take(ctx context.Context, k *kernel.Kernel, ws *internaleffects.Workspace, complete bool) (canon.Hash, error) {
	seq, err := k.Journal().NextSeq(ctx)
	if err != nil {
		return canon.Hash{}, kernelerr.Wrap(kernelerr.CodeJournalError, err)
	}

	roots := k.ReducerRoots()
	reducerRoots := make([]manifest.NamedRef, 0, len(roots))
	for name, h := range roots {
		reducerRoots = append(reducerRoots, manifest.NamedRef{Name: name, Hash: h})
	}
	sort.Slice(reducerRoots, func(i, j int) bool { return reducerRoots[i].Name < reducerRoots[j].Name })

	queued, inflight, recent := k.Effects().SnapshotState()

	var wsRoot canon.Hash
	if ws != nil {
		wsRoot = ws.Root()
	}

	var casRoots []canon.Hash
	for _, r := range reducerRoots {
		casRoots = append(casRoots, r.Hash)
	}
	if wsRoot != (canon.Hash{}) {
		casRoots = append(casRoots, wsRoot)
	}
	sort.Slice(casRoots, func(i, j int) bool {
		return string(casRoots[i][:]) < string(casRoots[j][:])
	})

	snap := Snapshot{
		JournalSeq:        seq,
		LogicalNowNs:      k.LogicalNowNs(),
		ManifestHash:      k.ManifestHash(),
		ReducerRoots:      reducerRoots,
		WorkflowInstances: k.WorkflowInstances(),
		QueuedEvents:      k.QueuedEvents(),
		QueuedReceipts:    k.QueuedReceipts(),
		QueuedEffects:     queued,
		InflightEffects:   inflight,
		RecentReceipts:    recent,
		WorkspaceRoot:     wsRoot,
		RootCompleteness:  casRoots,
		Complete:          complete,
	}

	nodeHash, err := k.Store().PutNode(ctx, snap)
	if err != nil {
		return canon.Hash{}, kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}

	payload, err := canon.Encode(journalRef{NodeHash: nodeHash, JournalSeq: seq})
	if err != nil {
		return canon.Hash{}, kernelerr.Wrap(kernelerr.CodeSnapshotDecode, err)
	}
	if _, err := k.Journal().Append(ctx, journal.KindSnapshot, payload); err != nil {
		return canon.Hash{}, kernelerr.Wrap(kernelerr.CodeJournalError, err)
	}
	return nodeHash, nil
}

// Load decodes a snapshot node by hash without touching any kernel.
func Load(ctx context.Context, s store.Store, h canon.Hash) (Snapshot, error) {
	var snap Snapshot
	if err := s.GetNode(ctx, h, &snap); err != nil {
		return Snapshot{}, kernelerr.Wrap(kernelerr.CodeSnapshotUnavailable, err)
	}
	return snap, nil
}

// VerifyCompleteness checks every CAS root the snapshot lists against the
// store. A missing root means the blob store no longer carries state the
// snapshot depends on, so a replay from it cannot be trusted.
func VerifyCompleteness(ctx context.Context, s store.Store, snap Snapshot) error {
	for _, root := range snap.RootCompleteness {
		okNode, err := s.HasNode(ctx, root)
		if err != nil {
			return kernelerr.Wrap(kernelerr.CodeStoreError, err)
		}
		if okNode {
			continue
		}
		okBlob, err := s.HasBlob(ctx, root)
		if err != nil {
			return kernelerr.Wrap(kernelerr.CodeStoreError, err)
		}
		if !okBlob {
			return kernelerr.New(kernelerr.CodeMissingCASDependency,
				"snapshot depends on CAS root %s, absent from the store", root).
				WithField("root", root.String())
		}
	}
	return nil
}

// Open locates the most recent snapshot the journal records, loads it,
// and verifies its root-completeness block against the store. Returns
// snapshot.unavailable when the journal holds no snapshot marker at all.
func Open(ctx context.Context, s store.Store, j journal.Journal) (Snapshot, canon.Hash, error) {
	ref, ok, err := findRef(ctx, j, func(r journalRef) bool { return true })
	if err != nil {
		return Snapshot{}, canon.Hash{}, err
	}
	if !ok {
		return Snapshot{}, canon.Hash{}, kernelerr.New(kernelerr.CodeSnapshotUnavailable,
			"journal records no snapshot")
	}
	return openRef(ctx, s, ref)
}

// FindAt locates the snapshot pinned at exactly the given journal seq,
// for the Exact(h) read-consistency mode. Any height with no snapshot
// marker at exactly that seq fails with snapshot.unavailable.
func FindAt(ctx context.Context, s store.Store, j journal.Journal, height uint64) (Snapshot, canon.Hash, error) {
	ref, ok, err := findRef(ctx, j, func(r journalRef) bool { return r.JournalSeq == height })
	if err != nil {
		return Snapshot{}, canon.Hash{}, err
	}
	if !ok {
		return Snapshot{}, canon.Hash{}, kernelerr.New(kernelerr.CodeSnapshotUnavailable,
			"no snapshot pinned at journal seq %d", height).WithField("height", height)
	}
	return openRef(ctx, s, ref)
}

// findRef scans the journal for the latest KindSnapshot entry whose
// decoded ref satisfies match.
func findRef(ctx context.Context, j journal.Journal, match func(journalRef) bool) (journalRef, bool, error) {
	head, err := j.NextSeq(ctx)
	if err != nil {
		return journalRef{}, false, kernelerr.Wrap(kernelerr.CodeJournalError, err)
	}
	entries, err := j.ReadRange(ctx, 0, head)
	if err != nil {
		return journalRef{}, false, kernelerr.Wrap(kernelerr.CodeJournalError, err)
	}
	var found journalRef
	var ok bool
	for _, e := range entries {
		if e.Kind != journal.KindSnapshot {
			continue
		}
		var ref journalRef
		if err := canon.Decode(e.Payload, &ref); err != nil {
			return journalRef{}, false, kernelerr.Wrap(kernelerr.CodeSnapshotDecode, err)
		}
		if match(ref) {
			found = ref
			ok = true
		}
	}
	return found, ok, nil
}

func openRef(ctx context.Context, s store.Store, ref journalRef) (Snapshot, canon.Hash, error) {
	snap, err := Load(ctx, s, ref.NodeHash)
	if err != nil {
		return Snapshot{}, canon.Hash{}, err
	}
	if err := VerifyCompleteness(ctx, s, snap); err != nil {
		return Snapshot{}, canon.Hash{}, err
	}
	return snap, ref.NodeHash, nil
}

// Consistency selects how far Restore replays the journal tail past the
// snapshot's JournalSeq.
type Consistency int

const (
	// ReadHead replays every entry the journal currently holds.
	ReadHead Consistency = iota
	// ReadAtLeast replays every available entry and fails if the journal
	// has not yet reached target.
	ReadAtLeast
	// ReadExact replays only up to target, ignoring any entries beyond
	// it, and fails if the journal has not yet reached target.
	ReadExact
)

// Restore rehydrates a kernel (and, if ws is non-nil, a workspace) from a
// snapshot already loaded via Load, then replays the journal tail
// recorded since that snapshot according to mode. The caller must have
// already constructed k against the snapshot's exact manifest (loading
// the manifest, resolver, policies, and compiled modules is a host-level
// concern outside this package).
func Restore(ctx context.Context, k *kernel.Kernel, ws *internaleffects.Workspace, snap Snapshot, mode Consistency, target uint64) error {
	if snap.ManifestHash != k.ManifestHash() {
		return kernelerr.New(kernelerr.CodeSnapshotDecode,
			"snapshot manifest %s does not match loaded manifest %s", snap.ManifestHash, k.ManifestHash())
	}

	roots := make(map[string]canon.Hash, len(snap.ReducerRoots))
	for _, r := range snap.ReducerRoots {
		roots[r.Name] = r.Hash
	}
	k.SetReducerRoots(roots)
	k.SetWorkflowInstances(snap.WorkflowInstances)
	k.QueueEventsForReplay(snap.QueuedEvents)
	k.QueueReceiptsForReplay(snap.QueuedReceipts)
	k.Effects().RestoreState(snap.QueuedEffects, snap.InflightEffects, snap.RecentReceipts)
	k.SetLogicalNowNs(snap.LogicalNowNs)
	if ws != nil {
		ws.SetRoot(snap.WorkspaceRoot)
	}

	head, err := k.Journal().NextSeq(ctx)
	if err != nil {
		return kernelerr.Wrap(kernelerr.CodeJournalError, err)
	}

	upTo := head
	switch mode {
	case ReadHead:
		// upTo already equals the full available head.
	case ReadAtLeast:
		if head < target {
			return kernelerr.New(kernelerr.CodeSnapshotUnavailable,
				"journal head %d has not reached requested seq %d", head, target)
		}
	case ReadExact:
		if head < target {
			return kernelerr.New(kernelerr.CodeSnapshotUnavailable,
				"journal head %d has not reached requested seq %d", head, target)
		}
		upTo = target
	default:
		return kernelerr.New(kernelerr.CodeInvalidRequest, "unknown consistency mode %d", mode)
	}

	if snap.JournalSeq >= upTo {
		return nil
	}
	entries, err := k.Journal().ReadRange(ctx, snap.JournalSeq, upTo)
	if err != nil {
		return kernelerr.Wrap(kernelerr.CodeJournalError, err)
	}

	// Replay runs the recorded inputs back through the live tick path,
	// which re-journals everything it did the first time. Point the
	// kernel and effect manager at a counting cursor for the duration so
	// each replayed append observes the seq the original run recorded --
	// the module call context (and every entropy value and intent hash
	// derived from it) depends on the journal height at call time.
	realJournal := k.Journal()
	cursor := journal.NewReplayCursor(snap.JournalSeq)
	k.SetJournal(cursor)
	k.Effects().SetJournal(cursor)
	defer func() {
		k.SetJournal(realJournal)
		k.Effects().SetJournal(realJournal)
	}()

	return replayEntries(ctx, k, entries)
}

// domainEventRec mirrors the payload shape pkg/kernel's journalEvent
// writes for a KindDomainEvent entry.
type domainEventRec struct {
	Schema     string     `cbor:"schema"`
	EventHash  canon.Hash `cbor:"event_hash"`
	ParamsCBOR []byte     `cbor:"params_cbor,omitempty"`
	Origin     string     `cbor:"origin"`
}

// effectReceiptRec mirrors the payload shape pkg/effect's journalReceipt
// writes for a KindEffectReceipt entry, including the externalized-
// payload path for receipts over the inline threshold.
type effectReceiptRec struct {
	IntentHash    canon.Hash  `cbor:"intent_hash"`
	AdapterID     string      `cbor:"adapter_id"`
	Status        effect.Status `cbor:"status"`
	PayloadCBOR   []byte      `cbor:"payload_cbor,omitempty"`
	PayloadRef    *canon.Hash `cbor:"payload_ref,omitempty"`
	PayloadSize   int         `cbor:"payload_size,omitempty"`
	PayloadSha256 *canon.Hash `cbor:"payload_sha256,omitempty"`
	CostCents     *uint64     `cbor:"cost_cents,omitempty"`
	Signature     []byte      `cbor:"signature,omitempty"`
}

// replayEntries decodes and re-feeds the journal entries recorded after a
// snapshot, then drains the kernel to idle. Only externally-injected
// domain events and adapter-produced receipts drive kernel state: events
// a module emitted mid-cycle and receipts the internal dispatcher
// synthesized are regenerated by the replaying modules themselves, and
// the remaining journal kinds (intent, reducer-effect-context,
// policy/cap decisions, governance, manifest, snapshot) are derived
// records a replaying kernel reconstructs on its own.
func replayEntries(ctx context.Context, k *kernel.Kernel, entries []journal.Entry) error {
	for _, e := range entries {
		switch e.Kind {
		case journal.KindDomainEvent:
			var rec domainEventRec
			if err := canon.Decode(e.Payload, &rec); err != nil {
				return kernelerr.Wrap(kernelerr.CodeSnapshotDecode, err)
			}
			if rec.Origin == "module" {
				continue
			}
			k.QueueEventsForReplay([]kernel.Event{{Schema: rec.Schema, PayloadCBOR: rec.ParamsCBOR}})
		case journal.KindEffectReceipt:
			var rec effectReceiptRec
			if err := canon.Decode(e.Payload, &rec); err != nil {
				return kernelerr.Wrap(kernelerr.CodeSnapshotDecode, err)
			}
			if rec.AdapterID == "internal" {
				continue
			}
			payload := rec.PayloadCBOR
			if rec.PayloadRef != nil {
				blob, err := k.Store().GetBlob(ctx, *rec.PayloadRef)
				if err != nil {
					return kernelerr.Wrap(kernelerr.CodeMissingCASDependency, err).
						WithField("payload_ref", rec.PayloadRef.String())
				}
				payload = blob
			}
			k.QueueReceiptsForReplay([]effect.Receipt{{
				IntentHash:  rec.IntentHash,
				AdapterID:   rec.AdapterID,
				Status:      rec.Status,
				PayloadCBOR: payload,
				CostCents:   rec.CostCents,
				Signature:   rec.Signature,
			}})
		default:
			// Snapshot, manifest, and decision-audit entries carry no
			// kernel-driving input; nothing to replay for them.
		}
		if err := k.TickUntilIdle(ctx); err != nil {
			return fmt.Errorf("snapshot: replay seq %d: %w", e.Seq, err)
		}
	}
	return nil
}
