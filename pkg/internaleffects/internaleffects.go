// Package internaleffects implements the fixed set of effect kinds the
// kernel handles in-process without any adapter: manifest
// introspection, workflow state, journal head, cell listing, workspace
// CRUD, and the governance verbs. Each handler synthesizes its receipt
// at the same point an external dispatch would happen, so intent-hash
// correlation works identically for both paths.
package internaleffects

import (
	"context"
	"sort"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/cellindex"
	"github.com/agentoshq/agentos/pkg/effect"
	"github.com/agentoshq/agentos/pkg/governance"
	"github.com/agentoshq/agentos/pkg/journal"
	"github.com/agentoshq/agentos/pkg/kernelerr"
	"github.com/agentoshq/agentos/pkg/manifest"
	"github.com/agentoshq/agentos/pkg/store"
)

// The in-kernel effect kinds.
const (
	KindManifestGet       = "internal.manifest_get"
	KindWorkflowState     = "internal.workflow_state"
	KindJournalHead       = "internal.journal_head"
	KindCellList          = "internal.cell_list"
	KindWorkspaceGet      = "internal.workspace_get"
	KindWorkspacePut      = "internal.workspace_put"
	KindWorkspaceDelete   = "internal.workspace_delete"
	KindGovernancePropose = "internal.governance_propose"
	KindGovernanceShadow  = "internal.governance_shadow"
	KindGovernanceApprove = "internal.governance_approve"
	KindGovernanceReject  = "internal.governance_reject"
	KindGovernanceApply   = "internal.governance_apply"
)

var fixedKinds = map[string]bool{
	KindManifestGet: true, KindWorkflowState: true, KindJournalHead: true,
	KindCellList: true, KindWorkspaceGet: true, KindWorkspacePut: true,
	KindWorkspaceDelete: true, KindGovernancePropose: true, KindGovernanceShadow: true,
	KindGovernanceApprove: true, KindGovernanceReject: true, KindGovernanceApply: true,
}

// KernelView is the slice of kernel state internal effects need to read,
// kept narrow so this package never imports pkg/kernel directly (pkg/kernel
// is the one that wires a Handler in, avoiding an import cycle).
type KernelView interface {
	ManifestHash() canon.Hash
	Manifest() manifest.Manifest
	WorkflowStateView(module, key string) (WorkflowStateSnapshot, bool)
	CellIndex() *cellindex.Index
	ReducerRoot(module string) (canon.Hash, bool)
	Journal() journal.Journal
	Store() store.Store
}

// WorkflowStateSnapshot is the subset of kernel.WorkflowInstance exposed
// to the internal workflow-state query verb.
type WorkflowStateSnapshot struct {
	InstanceID            string
	Status                string
	LastProcessedEventSeq uint64
	ModuleVersion          string
	StateBytes             []byte
}

// Handler dispatches the fixed internal effect kinds, including the
// governance verbs via an embedded *governance.Engine.
type Handler struct {
	Kernel     KernelView
	Workspace  *Workspace
	Governance *governance.Engine
}

// New builds a handler over the kernel view, the workspace tree and the
// governance engine.
func New(kernel KernelView, ws *Workspace, gov *governance.Engine) *Handler {
	return &Handler{Kernel: kernel, Workspace: ws, Governance: gov}
}

// Handles reports whether effectKind is one of the fixed internal kinds.
func (h *Handler) Handles(effectKind string) bool { return fixedKinds[effectKind] }

// Dispatch synthesizes the canonical-CBOR receipt payload for one of the
// fixed internal effect kinds, at the same point in the tick an external
// dispatch would have happened.
func (h *Handler) Dispatch(ctx context.Context, intent effect.Intent) ([]byte, error) {
	switch intent.Kind {
	case KindManifestGet:
		return h.manifestGet()
	case KindWorkflowState:
		return h.workflowState(intent.ParamsCBOR)
	case KindJournalHead:
		return h.journalHead(ctx)
	case KindCellList:
		return h.cellList(ctx, intent.ParamsCBOR)
	case KindWorkspaceGet:
		return h.workspaceGet(ctx, intent.ParamsCBOR)
	case KindWorkspacePut:
		return h.workspacePut(ctx, intent.ParamsCBOR)
	case KindWorkspaceDelete:
		return h.workspaceDelete(ctx, intent.ParamsCBOR)
	case KindGovernancePropose:
		return h.governancePropose(ctx, intent.ParamsCBOR)
	case KindGovernanceShadow:
		return h.governanceShadow(ctx, intent.ParamsCBOR)
	case KindGovernanceApprove:
		return h.governanceApprove(ctx, intent.ParamsCBOR)
	case KindGovernanceReject:
		return h.governanceReject(ctx, intent.ParamsCBOR)
	case KindGovernanceApply:
		return h.governanceApply(ctx, intent.ParamsCBOR)
	default:
		return nil, kernelerr.New(kernelerr.CodeEffectKindUnsupported, "internaleffects: unhandled kind %q", intent.Kind)
	}
}

func (h *Handler) manifestGet() ([]byte, error) {
	hash := h.Kernel.ManifestHash()
	return canon.Encode(struct {
		ManifestHash canon.Hash       `cbor:"manifest_hash"`
		Manifest     manifest.Manifest `cbor:"manifest"`
	}{hash, h.Kernel.Manifest()})
}

type workflowStateParams struct {
	Module string `cbor:"module"`
	Key    string `cbor:"key"`
}

func (h *Handler) workflowState(paramsCBOR []byte) ([]byte, error) {
	var p workflowStateParams
	if err := canon.Decode(paramsCBOR, &p); err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeQueryError, err)
	}
	snap, ok := h.Kernel.WorkflowStateView(p.Module, p.Key)
	if !ok {
		return canon.Encode(struct {
			Found bool `cbor:"found"`
		}{false})
	}
	return canon.Encode(struct {
		Found bool                  `cbor:"found"`
		State WorkflowStateSnapshot `cbor:"state"`
	}{true, snap})
}

func (h *Handler) journalHead(ctx context.Context) ([]byte, error) {
	seq, err := h.Kernel.Journal().NextSeq(ctx)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeJournalError, err)
	}
	return canon.Encode(struct {
		Head uint64 `cbor:"head"`
	}{seq})
}

type cellListParams struct {
	Module string `cbor:"module"`
}

func (h *Handler) cellList(ctx context.Context, paramsCBOR []byte) ([]byte, error) {
	var p cellListParams
	if err := canon.Decode(paramsCBOR, &p); err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeQueryError, err)
	}
	root, ok := h.Kernel.ReducerRoot(p.Module)
	if !ok {
		return canon.Encode(struct {
			Cells []cellindex.CellMeta `cbor:"cells"`
		}{nil})
	}
	cells, err := h.Kernel.CellIndex().Iter(ctx, root)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}
	sort.Slice(cells, func(i, j int) bool { return string(cells[i].KeyBytes) < string(cells[j].KeyBytes) })
	return canon.Encode(struct {
		Cells []cellindex.CellMeta `cbor:"cells"`
	}{cells})
}
