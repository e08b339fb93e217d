package governance

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/capabilities"
	"github.com/agentoshq/agentos/pkg/journal"
	"github.com/agentoshq/agentos/pkg/kernelerr"
	"github.com/agentoshq/agentos/pkg/manifest"
	"github.com/agentoshq/agentos/pkg/policy"
	"github.com/agentoshq/agentos/pkg/schema"
	"github.com/agentoshq/agentos/pkg/store"
)

// KernelView is the slice of kernel state and mutation a governance Engine
// needs, kept narrow so this package never imports pkg/kernel: pkg/kernel
// is the one that wires an Engine in via pkg/internaleffects.
type KernelView interface {
	Manifest() manifest.Manifest
	ManifestHash() canon.Hash
	Store() store.Store
	Journal() journal.Journal
	QuiescenceBlocked() (bool, map[string]int)
	ApplyManifestPatch(m manifest.Manifest, h canon.Hash, resolver *capabilities.Resolver, policyDefs map[string]policy.Policy)
}

// ProposalState is the patch's position in the governance state
// machine: Submitted -> Shadowed -> Approved|Rejected, and Approved ->
// Applied.
type ProposalState string

const (
	StateSubmitted ProposalState = "Submitted"
	StateShadowed  ProposalState = "Shadowed"
	StateApproved  ProposalState = "Approved"
	StateRejected  ProposalState = "Rejected"
	StateApplied   ProposalState = "Applied"
)

// Proposal is one patch moving through the governance state machine.
type Proposal struct {
	ID                 string
	Patch               Patch
	Description         string
	State               ProposalState
	ShadowManifestHash  *canon.Hash
	Shadow              *ShadowSummary
	Approver            string
	RejectReason        string
}

// LedgerDeltas summarizes what a shadowed patch would change in the
// capability and policy ledgers.
type LedgerDeltas struct {
	CapsAdded       []string `cbor:"caps_added,omitempty"`
	CapsRemoved     []string `cbor:"caps_removed,omitempty"`
	CapsChanged     []string `cbor:"caps_changed,omitempty"`
	PoliciesAdded   []string `cbor:"policies_added,omitempty"`
	PoliciesRemoved []string `cbor:"policies_removed,omitempty"`
	PoliciesChanged []string `cbor:"policies_changed,omitempty"`
	GrantsAdded     []string `cbor:"grants_added,omitempty"`
	GrantsRemoved   []string `cbor:"grants_removed,omitempty"`
}

// ShadowSummary is the dry-run result of applying a patch without
// mutating any live state: the would-be manifest hash, each module's
// predicted effect-kind allowlist, the capability/policy ledger deltas,
// and the kernel's current (not simulated) quiescence counts. Shadow
// does not simulate inflight workflow receipts against the patched
// manifest -- it reports what is running today, since a patch cannot
// retroactively change intents already emitted under the old manifest.
type ShadowSummary struct {
	ManifestHash                canon.Hash          `cbor:"manifest_hash"`
	ModuleEffectAllowlists      map[string][]string `cbor:"module_effect_allowlists"`
	LedgerDeltas                LedgerDeltas        `cbor:"ledger_deltas"`
	RunningInstanceCount        int                 `cbor:"running_instance_count"`
	PendingWorkflowReceiptCount int                 `cbor:"pending_workflow_receipt_count"`
}

// DecisionRecord is the signed attestation an apply produces, journaled
// as the governance record's payload.
type DecisionRecord struct {
	ProposalID   string     `cbor:"proposal_id"`
	FromManifest canon.Hash `cbor:"from_manifest_hash"`
	ToManifest   canon.Hash `cbor:"to_manifest_hash"`
	Approver     string     `cbor:"approver"`
	Signature    []byte     `cbor:"signature"`
	PublicKey    []byte     `cbor:"public_key"`
}

// Engine holds the in-flight proposal set and the signing keyring that
// attests every applied patch.
type Engine struct {
	mu        sync.Mutex
	kernel    KernelView
	keyring   *Keyring
	proposals map[string]*Proposal
	applying  bool
}

// NewEngine builds an Engine against a live kernel view, generating a
// fresh master signing key.
func NewEngine(kernel KernelView) (*Engine, error) {
	kp, err := NewMemoryKeyProvider()
	if err != nil {
		return nil, err
	}
	return &Engine{
		kernel:    kernel,
		keyring:   NewKeyring(kp),
		proposals: make(map[string]*Proposal),
	}, nil
}

// Get looks up a proposal by ID.
func (e *Engine) Get(proposalID string) (*Proposal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proposals[proposalID]
	return p, ok
}

// Propose registers a new patch pinned to the kernel's current manifest
// hash. A patch whose base has already moved is rejected immediately
// rather than left to fail later at shadow or apply time.
func (e *Engine) Propose(ctx context.Context, patch Patch, description string) (*Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.kernel.ManifestHash()
	if patch.BaseManifestHash != current {
		return nil, kernelerr.New(kernelerr.CodeGovernanceProposalState,
			"proposal base_manifest_hash %s does not match current manifest %s", patch.BaseManifestHash, current)
	}
	p := &Proposal{ID: uuid.NewString(), Patch: patch, Description: description, State: StateSubmitted}
	if err := e.journalGovernance(ctx, "propose", p.ID, nil, nil); err != nil {
		return nil, err
	}
	e.proposals[p.ID] = p
	return p, nil
}

// Shadow computes the patched manifest without mutating any live state,
// validates it, re-resolves capabilities and policies against it, and
// records the resulting summary on the proposal. Shadowing again after
// an earlier shadow simply recomputes and overwrites the summary --
// useful if the base manifest has not moved but other kernel state has.
func (e *Engine) Shadow(ctx context.Context, proposalID string) (*ShadowSummary, error) {
	p, current, err := e.beginShadow(proposalID)
	if err != nil {
		return nil, err
	}

	patched := p.Patch.Apply(current).Canonical()
	if err := patched.Validate(); err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeManifestValidation, err)
	}
	newHash, err := patched.Hash()
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeManifestError, err)
	}

	s := e.kernel.Store()
	newSchemaIdx, err := schema.LoadIndex(ctx, s, patched.Schemas)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}
	newDefs, err := capabilities.LoadDefs(ctx, s, patched.Caps, newSchemaIdx)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}
	if _, err := capabilities.NewResolver(patched, newDefs, newSchemaIdx); err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeCapParamsInvalid, err)
	}
	newPolicyDefs, err := policy.LoadAll(ctx, s, patched.Policies)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}

	oldSchemaIdx, err := schema.LoadIndex(ctx, s, current.Schemas)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}
	oldDefs, err := capabilities.LoadDefs(ctx, s, current.Caps, oldSchemaIdx)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}
	oldPolicyDefs, err := policy.LoadAll(ctx, s, current.Policies)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}

	_, counts := e.kernel.QuiescenceBlocked()
	summary := &ShadowSummary{
		ManifestHash:                newHash,
		ModuleEffectAllowlists:      moduleEffectAllowlists(patched, newDefs),
		LedgerDeltas:                diffLedger(oldDefs, newDefs, oldPolicyDefs, newPolicyDefs, current.Defaults.Grants, patched.Defaults.Grants),
		RunningInstanceCount:        counts["running_instances"],
		PendingWorkflowReceiptCount: counts["pending_workflow_receipts"],
	}

	e.mu.Lock()
	p.ShadowManifestHash = &newHash
	p.Shadow = summary
	p.State = StateShadowed
	e.mu.Unlock()
	return summary, nil
}

func (e *Engine) beginShadow(proposalID string) (*Proposal, manifest.Manifest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proposals[proposalID]
	if !ok {
		return nil, manifest.Manifest{}, kernelerr.New(kernelerr.CodeGovernanceProposalMissing, "no proposal %q", proposalID)
	}
	if p.State != StateSubmitted && p.State != StateShadowed {
		return nil, manifest.Manifest{}, kernelerr.New(kernelerr.CodeGovernanceProposalState,
			"proposal %q is %s, must be Submitted or Shadowed", proposalID, p.State)
	}
	current := e.kernel.Manifest()
	if p.Patch.BaseManifestHash != e.kernel.ManifestHash() {
		return nil, manifest.Manifest{}, kernelerr.New(kernelerr.CodeGovernanceShadowMismatch,
			"base manifest moved since proposal %q was submitted", proposalID)
	}
	return p, current, nil
}

// Approve moves a shadowed proposal to Approved. A patch must be shadowed
// before it can be approved, so every approval decision is made against a
// concrete, already-computed summary rather than the raw patch text.
func (e *Engine) Approve(ctx context.Context, proposalID, approver string) (*Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proposals[proposalID]
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeGovernanceProposalMissing, "no proposal %q", proposalID)
	}
	if p.State != StateShadowed {
		return nil, kernelerr.New(kernelerr.CodeGovernanceProposalState,
			"proposal %q is %s, must be Shadowed before approval", proposalID, p.State)
	}
	if err := e.journalGovernance(ctx, "approve", proposalID, p.ShadowManifestHash, nil); err != nil {
		return nil, err
	}
	p.State = StateApproved
	p.Approver = approver
	return p, nil
}

// Reject moves a proposal to Rejected from any state short of Applied.
func (e *Engine) Reject(ctx context.Context, proposalID, reason string) (*Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proposals[proposalID]
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeGovernanceProposalMissing, "no proposal %q", proposalID)
	}
	if p.State == StateApplied {
		return nil, kernelerr.New(kernelerr.CodeGovernanceProposalApplied, "proposal %q already applied", proposalID)
	}
	if err := e.journalGovernance(ctx, "reject", proposalID, nil, nil); err != nil {
		return nil, err
	}
	p.State = StateRejected
	p.RejectReason = reason
	return p, nil
}

// Apply swaps the live manifest for the patched one, gated by strict
// quiescence (no running instances, no queued events, receipts, or
// effects, and no pending workflow receipts) and by a shadow-match
// check: the manifest computed here must hash
// identically to the one the approval was made against. Only one apply
// runs at a time per Engine.
func (e *Engine) Apply(ctx context.Context, proposalID string) (*DecisionRecord, error) {
	e.mu.Lock()
	if e.applying {
		e.mu.Unlock()
		return nil, kernelerr.New(kernelerr.CodeGovernanceApplyInflight, "another apply is already in progress")
	}
	p, ok := e.proposals[proposalID]
	if !ok {
		e.mu.Unlock()
		return nil, kernelerr.New(kernelerr.CodeGovernanceProposalMissing, "no proposal %q", proposalID)
	}
	if p.State != StateApproved {
		e.mu.Unlock()
		return nil, kernelerr.New(kernelerr.CodeGovernanceProposalState,
			"proposal %q is %s, must be Approved before apply", proposalID, p.State)
	}
	e.applying = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.applying = false
		e.mu.Unlock()
	}()

	if blocked, counts := e.kernel.QuiescenceBlocked(); blocked {
		err := kernelerr.New(kernelerr.CodeGovernanceApplyInflight,
			"apply blocked: kernel is not quiescent (running_instances=%d queued_events=%d queued_receipts=%d queued_effects=%d pending_workflow_receipts=%d)",
			counts["running_instances"], counts["queued_events"], counts["queued_receipts"], counts["queued_effects"], counts["pending_workflow_receipts"])
		for key, n := range counts {
			err = err.WithField(key, n)
		}
		return nil, err
	}

	current := e.kernel.Manifest()
	if p.Patch.BaseManifestHash != e.kernel.ManifestHash() {
		return nil, kernelerr.New(kernelerr.CodeGovernanceShadowMismatch,
			"base manifest moved since proposal %q was shadowed", proposalID)
	}
	patched := p.Patch.Apply(current).Canonical()
	newHash, err := patched.Hash()
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeManifestError, err)
	}
	if p.ShadowManifestHash == nil || *p.ShadowManifestHash != newHash {
		return nil, kernelerr.New(kernelerr.CodeGovernanceShadowMismatch,
			"proposal %q: manifest computed at apply (%s) does not match the shadowed result", proposalID, newHash)
	}

	s := e.kernel.Store()
	schemaIdx, err := schema.LoadIndex(ctx, s, patched.Schemas)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}
	defs, err := capabilities.LoadDefs(ctx, s, patched.Caps, schemaIdx)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}
	resolver, err := capabilities.NewResolver(patched, defs, schemaIdx)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeCapParamsInvalid, err)
	}
	policyDefs, err := policy.LoadAll(ctx, s, patched.Policies)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}

	// Persist the patched manifest as a content-addressed node before the
	// swap, so exact-height reads pinned to any later snapshot can load
	// it back by the hash the snapshot records.
	storedHash, err := s.PutNode(ctx, patched)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}
	if storedHash != newHash {
		return nil, kernelerr.New(kernelerr.CodeManifestError,
			"stored manifest node hash %s does not match computed manifest hash %s", storedHash, newHash)
	}

	e.kernel.ApplyManifestPatch(patched, newHash, resolver, policyDefs)

	record := DecisionRecord{ProposalID: proposalID, FromManifest: p.Patch.BaseManifestHash, ToManifest: newHash, Approver: p.Approver}
	sk, err := e.keyring.DeriveForProposal(proposalID)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeGovernanceProposalState, err)
	}
	sig, err := sk.SignRecord(record)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeGovernanceProposalState, err)
	}
	record.Signature = sig
	record.PublicKey = sk.PublicKey()

	if err := e.journalGovernance(ctx, "apply", proposalID, &newHash, &record); err != nil {
		return nil, err
	}
	manifestRec, err := canon.Encode(struct {
		ManifestHash canon.Hash `cbor:"manifest_hash"`
	}{newHash})
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeManifestError, err)
	}
	if _, err := e.kernel.Journal().Append(ctx, journal.KindManifest, manifestRec); err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeJournalError, err)
	}

	e.mu.Lock()
	p.State = StateApplied
	e.mu.Unlock()
	return &record, nil
}

// journalGovernance appends one governance record: the proposal id, the
// verb that moved it, the manifest hash the caller passes (the shadowed
// manifest for an approve, the resulting one for an apply), and the
// signed decision record when one exists.
func (e *Engine) journalGovernance(ctx context.Context, kind, proposalID string, manifestHash *canon.Hash, record *DecisionRecord) error {
	payload, err := canon.Encode(struct {
		ProposalID   string          `cbor:"proposal_id"`
		Kind         string          `cbor:"kind"`
		ManifestHash *canon.Hash     `cbor:"manifest_hash,omitempty"`
		Decision     *DecisionRecord `cbor:"decision,omitempty"`
	}{proposalID, kind, manifestHash, record})
	if err != nil {
		return kernelerr.Wrap(kernelerr.CodeManifestError, err)
	}
	if _, err := e.kernel.Journal().Append(ctx, journal.KindGovernance, payload); err != nil {
		return kernelerr.Wrap(kernelerr.CodeJournalError, err)
	}
	return nil
}

func diffLedger(oldDefs, newDefs map[string]capabilities.Def, oldPolicies, newPolicies map[string]policy.Policy, oldGrants, newGrants []manifest.Grant) LedgerDeltas {
	var d LedgerDeltas
	for name := range newDefs {
		if _, existed := oldDefs[name]; !existed {
			d.CapsAdded = append(d.CapsAdded, name)
		}
	}
	for name := range oldDefs {
		if _, still := newDefs[name]; !still {
			d.CapsRemoved = append(d.CapsRemoved, name)
		}
	}
	for name, nd := range newDefs {
		if od, existed := oldDefs[name]; existed && (od.EffectKind != nd.EffectKind || od.Enforcer != nd.Enforcer) {
			d.CapsChanged = append(d.CapsChanged, name)
		}
	}

	for name := range newPolicies {
		if _, existed := oldPolicies[name]; !existed {
			d.PoliciesAdded = append(d.PoliciesAdded, name)
		}
	}
	for name := range oldPolicies {
		if _, still := newPolicies[name]; !still {
			d.PoliciesRemoved = append(d.PoliciesRemoved, name)
		}
	}
	for name, np := range newPolicies {
		if op, existed := oldPolicies[name]; existed && !policiesEqual(op, np) {
			d.PoliciesChanged = append(d.PoliciesChanged, name)
		}
	}

	oldGrantNames := make(map[string]bool, len(oldGrants))
	for _, g := range oldGrants {
		oldGrantNames[g.Name] = true
	}
	newGrantNames := make(map[string]bool, len(newGrants))
	for _, g := range newGrants {
		newGrantNames[g.Name] = true
		if !oldGrantNames[g.Name] {
			d.GrantsAdded = append(d.GrantsAdded, g.Name)
		}
	}
	for name := range oldGrantNames {
		if !newGrantNames[name] {
			d.GrantsRemoved = append(d.GrantsRemoved, name)
		}
	}

	sort.Strings(d.CapsAdded)
	sort.Strings(d.CapsRemoved)
	sort.Strings(d.CapsChanged)
	sort.Strings(d.PoliciesAdded)
	sort.Strings(d.PoliciesRemoved)
	sort.Strings(d.PoliciesChanged)
	sort.Strings(d.GrantsAdded)
	sort.Strings(d.GrantsRemoved)
	return d
}

func policiesEqual(a, b policy.Policy) bool {
	ab, err1 := canon.Encode(a)
	bb, err2 := canon.Encode(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}

// moduleEffectAllowlists walks each module's capability-slot bindings to
// the effect kind its bound grant ultimately authorizes, previewed in
// the shadow summary for every bound module.
func moduleEffectAllowlists(m manifest.Manifest, defs map[string]capabilities.Def) map[string][]string {
	grantCap := make(map[string]string, len(m.Defaults.Grants))
	for _, g := range m.Defaults.Grants {
		grantCap[g.Name] = g.CapName
	}
	out := make(map[string][]string, len(m.ModuleBindings))
	for modName, bindings := range m.ModuleBindings {
		seen := make(map[string]bool)
		var kinds []string
		for _, grantName := range bindings {
			capName, ok := grantCap[grantName]
			if !ok {
				continue
			}
			def, ok := defs[capName]
			if !ok {
				continue
			}
			if !seen[def.EffectKind] {
				seen[def.EffectKind] = true
				kinds = append(kinds, def.EffectKind)
			}
		}
		sort.Strings(kinds)
		out[modName] = kinds
	}
	return out
}
